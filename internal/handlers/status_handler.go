package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/queue"
	storageminio "github.com/ternarybob/volare/internal/storage/minio"
	mongostore "github.com/ternarybob/volare/internal/storage/mongo"
)

// statusProbeTimeout bounds each backend health probe so one slow
// dependency cannot stall the status page.
const statusProbeTimeout = 2 * time.Second

// StatusHandler reports service health: version, queue pressure, task
// ledger counts, and backend connectivity.
type StatusHandler struct {
	cfg     *common.Config
	queue   *queue.Manager
	ledger  interfaces.TaskLedger
	mongo   *mongostore.DB
	objects *storageminio.Client
	redis   *redis.Client
	logger  arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(cfg *common.Config, queueMgr *queue.Manager, ledger interfaces.TaskLedger, mongo *mongostore.DB, objects *storageminio.Client, redisClient *redis.Client, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		cfg:     cfg,
		queue:   queueMgr,
		ledger:  ledger,
		mongo:   mongo,
		objects: objects,
		redis:   redisClient,
		logger:  logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusProbeTimeout)
	defer cancel()

	status := map[string]any{
		"service":     "volare",
		"version":     common.GetFullVersion(),
		"environment": h.cfg.Environment,
		"autoscale":   common.DetectAutoscaleBounds(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	if h.queue != nil {
		depth, err := h.queue.Depth(ctx)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to read queue depth")
			status["queue"] = map[string]any{"healthy": false}
		} else {
			status["queue"] = map[string]any{
				"healthy":     true,
				"depth":       depth,
				"name":        h.queue.Config().QueueName,
				"concurrency": h.queue.Config().Concurrency,
			}
		}
	}

	if h.ledger != nil {
		counts, err := h.ledger.CountByStatus(ctx)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to count ledger tasks")
		} else {
			status["tasks"] = counts
		}
	}

	backends := map[string]bool{}
	if h.mongo != nil {
		backends["mongo"] = h.mongo.Ping(ctx) == nil
	}
	if h.objects != nil {
		backends["objects"] = h.objects.Healthy(ctx, h.cfg.Objects.Bucket)
	}
	if h.redis != nil {
		backends["redis"] = h.redis.Ping(ctx).Err() == nil
	}
	status["backends"] = backends

	WriteJSON(w, http.StatusOK, status)
}
