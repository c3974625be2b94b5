package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// eventThrottleInterval bounds how often intermediate progress events reach
// a client. Terminal events always go through.
const eventThrottleInterval = 250 * time.Millisecond

// EventsHandler streams per-job progress events over WebSocket. Each
// connection follows exactly one job: a snapshot of the current status is
// sent on connect, then live events until the job reaches a terminal state
// or the client goes away.
type EventsHandler struct {
	progress interfaces.ProgressService
	logger   arbor.ILogger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(progress interfaces.ProgressService, logger arbor.ILogger) *EventsHandler {
	return &EventsHandler{
		progress: progress,
		logger:   logger,
	}
}

// IngestionEventsHandler streams events for one ingestion job.
// GET /api/ingestion/jobs/{id}/events
func (h *EventsHandler) IngestionEventsHandler(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, models.KindIngestion, jobIDFromPath(r))
}

// VisualizationEventsHandler streams events for one visualization.
// GET /api/visualizations/{id}/events
func (h *EventsHandler) VisualizationEventsHandler(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, models.KindVisualization, vizIDFromPath(r))
}

func (h *EventsHandler) serve(w http.ResponseWriter, r *http.Request, kind models.ProgressKind, jobID string) {
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	ctx := r.Context()

	events, cancel, err := h.progress.Subscribe(ctx, kind, jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to subscribe to progress events")
		WriteError(w, http.StatusInternalServerError, "Failed to subscribe to events")
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	h.logger.Debug().Str("kind", string(kind)).Str("job_id", jobID).Msg("Event stream connected")

	// Drain client frames so pings and close frames are processed. The
	// reader closing is the disconnect signal.
	done := make(chan struct{})
	common.SafeGo(h.logger, "eventStreamReader", func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	// The snapshot is delivered first so late subscribers see the current
	// state before live events.
	if ev, err := h.progress.Snapshot(ctx, kind, jobID); err == nil && ev != nil {
		if !h.send(conn, ev) {
			return
		}
		if isTerminalStatus(ev.Status) {
			return
		}
	}

	throttle := rate.NewLimiter(rate.Every(eventThrottleInterval), 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !isTerminalStatus(ev.Status) && !throttle.Allow() {
				continue
			}
			if !h.send(conn, &ev) {
				return
			}
			if isTerminalStatus(ev.Status) {
				return
			}
		}
	}
}

func (h *EventsHandler) send(conn *websocket.Conn, ev *models.ProgressEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal progress event")
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}

func isTerminalStatus(status string) bool {
	return models.JobStatus(status).IsTerminal()
}
