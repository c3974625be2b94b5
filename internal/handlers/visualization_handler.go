package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
	"github.com/ternarybob/volare/internal/services/viz"
	"github.com/ternarybob/volare/internal/services/zoom"
	mongostore "github.com/ternarybob/volare/internal/storage/mongo"
)

// VisualizationHandler serves the visualization surface: job creation,
// documents, progress, zoom reads, and the rendered chart download.
type VisualizationHandler struct {
	cfg      *common.Config
	vizs     interfaces.VisualizationStore
	jobs     interfaces.IngestionStore
	objects  interfaces.ObjectStore
	enqueuer interfaces.Enqueuer
	progress interfaces.ProgressService
	zoom     *zoom.Service
	logger   arbor.ILogger
}

// NewVisualizationHandler creates a new visualization handler.
func NewVisualizationHandler(cfg *common.Config, vizs interfaces.VisualizationStore, jobs interfaces.IngestionStore, objects interfaces.ObjectStore, enqueuer interfaces.Enqueuer, progress interfaces.ProgressService, zoomSvc *zoom.Service, logger arbor.ILogger) *VisualizationHandler {
	return &VisualizationHandler{
		cfg:      cfg,
		vizs:     vizs,
		jobs:     jobs,
		objects:  objects,
		enqueuer: enqueuer,
		progress: progress,
		zoom:     zoomSvc,
		logger:   logger,
	}
}

// vizIDFromPath extracts the visualization id from /api/visualizations/{id}[/...].
func vizIDFromPath(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

type visualizationCreateRequest struct {
	ProjectID  string             `json:"project_id"`
	SourceType models.SourceType  `json:"source_type"`
	ChartType  models.ChartType   `json:"chart_type"`
	Series     []models.Series    `json:"series"`
	Mat        *models.MatRequest `json:"mat"`
}

// CreateHandler validates a chart request against its source datasets and
// queues the render.
// POST /api/visualizations
func (h *VisualizationHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req visualizationCreateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		WriteError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	sourceType := req.SourceType
	if sourceType == "" {
		if req.Mat != nil {
			sourceType = models.SourceMat
		} else {
			sourceType = models.SourceTabular
		}
	}

	doc := &models.VisualizationJob{
		ProjectID:  req.ProjectID,
		Owner:      IdentityFrom(ctx),
		SourceType: sourceType,
		ChartType:  req.ChartType,
		Series:     req.Series,
		Mat:        req.Mat,
		Status:     models.StatusQueued,
	}

	if err := viz.Validate(ctx, h.jobs, doc); err != nil {
		if errors.Is(err, mongostore.ErrNotFound) {
			WriteError(w, http.StatusBadRequest, "referenced dataset not found")
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	vizID, err := h.vizs.Create(ctx, doc)
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", req.ProjectID).Msg("Failed to create visualization")
		WriteError(w, http.StatusInternalServerError, "Failed to create visualization")
		return
	}

	if _, err := h.enqueuer.Enqueue(ctx, models.QueueMessage{JobID: vizID, Type: models.JobTypeVisualization}); err != nil {
		h.logger.Error().Err(err).Str("viz_id", vizID).Msg("Failed to enqueue visualization")
		if uerr := h.vizs.UpdateFields(ctx, vizID, map[string]any{
			"status":  models.StatusFailure,
			"message": "failed to enqueue job",
		}); uerr != nil {
			h.logger.Warn().Err(uerr).Str("viz_id", vizID).Msg("Failed to mark unqueued visualization")
		}
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue visualization")
		return
	}

	h.logger.Info().
		Str("viz_id", vizID).
		Str("project_id", req.ProjectID).
		Str("chart_type", string(req.ChartType)).
		Int("series", len(req.Series)).
		Msg("Visualization queued")

	WriteJSON(w, http.StatusAccepted, map[string]any{
		"viz_id":     vizID,
		"project_id": req.ProjectID,
		"status":     models.StatusQueued,
	})
}

// GetHandler returns one visualization document.
// GET /api/visualizations/{id}
func (h *VisualizationHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vizID := vizIDFromPath(r)
	if vizID == "" {
		WriteError(w, http.StatusBadRequest, "Visualization ID is required")
		return
	}

	doc, err := h.vizs.Get(ctx, vizID)
	if WriteLookup(w, err, "Visualization") {
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}

// StatusHandler returns the live progress snapshot, falling back to the
// persisted document when the status hash is empty.
// GET /api/visualizations/{id}/status
func (h *VisualizationHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vizID := vizIDFromPath(r)
	if vizID == "" {
		WriteError(w, http.StatusBadRequest, "Visualization ID is required")
		return
	}

	doc, err := h.vizs.Get(ctx, vizID)
	if WriteLookup(w, err, "Visualization") {
		return
	}

	if ev, err := h.progress.Snapshot(ctx, models.KindVisualization, vizID); err == nil && ev != nil {
		WriteJSON(w, http.StatusOK, ev)
		return
	}

	status := doc.Status
	if status == "" {
		status = models.StatusQueued
	}
	WriteJSON(w, http.StatusOK, models.ProgressEvent{
		Status:   string(status),
		Progress: doc.Progress,
		Message:  doc.Message,
	})
}

// ListHandler returns the project's visualizations, newest first.
// GET /api/visualizations/project/{id}
func (h *VisualizationHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[3] == "" {
		WriteError(w, http.StatusBadRequest, "Project ID is required")
		return
	}
	projectID := parts[3]

	docs, err := h.vizs.ListForProject(ctx, projectID, int64(QueryInt(r, "limit", 0)))
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", projectID).Msg("Failed to list visualizations")
		WriteError(w, http.StatusInternalServerError, "Failed to list visualizations")
		return
	}
	if docs == nil {
		docs = []*models.VisualizationJob{}
	}
	WriteJSON(w, http.StatusOK, docs)
}

// DeleteHandler removes the chart page and tile objects best-effort, then
// the document.
// DELETE /api/visualizations/{id}
func (h *VisualizationHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vizID := vizIDFromPath(r)
	if vizID == "" {
		WriteError(w, http.StatusBadRequest, "Visualization ID is required")
		return
	}

	doc, err := h.vizs.Get(ctx, vizID)
	if WriteLookup(w, err, "Visualization") {
		return
	}

	bucket := h.cfg.VizBucketName()
	keys := make([]string, 0, len(doc.Tiles)+1)
	if doc.HTMLKey != "" {
		keys = append(keys, doc.HTMLKey)
	}
	for _, tile := range doc.Tiles {
		keys = append(keys, tile.Key)
	}
	for _, key := range keys {
		if err := h.objects.RemoveObject(ctx, bucket, key); err != nil {
			h.logger.Warn().Err(err).Str("key", key).Msg("Failed to delete visualization object")
		}
	}

	if err := h.vizs.Delete(ctx, vizID); err != nil {
		if errors.Is(err, mongostore.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Visualization not found")
			return
		}
		h.logger.Error().Err(err).Str("viz_id", vizID).Msg("Failed to delete visualization")
		WriteError(w, http.StatusInternalServerError, "Failed to delete visualization")
		return
	}

	h.logger.Info().Str("viz_id", vizID).Msg("Visualization deleted")
	w.WriteHeader(http.StatusNoContent)
}

// TilesHandler serves one pre-aggregated tile of one series.
// GET /api/visualizations/{id}/tiles?series=&level=&x_min=&x_max=
func (h *VisualizationHandler) TilesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vizID := vizIDFromPath(r)
	if vizID == "" {
		WriteError(w, http.StatusBadRequest, "Visualization ID is required")
		return
	}

	xMin, err := QueryFloat(r, "x_min")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	xMax, err := QueryFloat(r, "x_max")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := zoom.TileQuery{
		Series: QueryInt(r, "series", 0),
		Level:  QueryInt(r, "level", 0),
		XMin:   xMin,
		XMax:   xMax,
	}

	res, err := h.zoom.Tiles(ctx, vizID, q)
	if err != nil {
		h.writeZoomError(w, err, vizID, "Failed to read tile")
		return
	}

	res.Data = SanitizeRecords(res.Data)
	WriteJSON(w, http.StatusOK, res)
}

// RawHandler serves true points for deep zooms.
// GET /api/visualizations/{id}/raw?series=&x_min=&x_max=&max_points=
func (h *VisualizationHandler) RawHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vizID := vizIDFromPath(r)
	if vizID == "" {
		WriteError(w, http.StatusBadRequest, "Visualization ID is required")
		return
	}

	xMin, err := QueryFloat(r, "x_min")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	xMax, err := QueryFloat(r, "x_max")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := zoom.RawQuery{
		Series:    QueryInt(r, "series", 0),
		XMin:      xMin,
		XMax:      xMax,
		MaxPoints: QueryInt(r, "max_points", 0),
	}

	res, err := h.zoom.Raw(ctx, vizID, q)
	if err != nil {
		h.writeZoomError(w, err, vizID, "Failed to read raw points")
		return
	}

	res.Data = SanitizeRecords(res.Data)
	WriteJSON(w, http.StatusOK, res)
}

// DownloadHandler redirects to a presigned GET of the rendered chart page.
// GET /api/visualizations/{id}/download
func (h *VisualizationHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vizID := vizIDFromPath(r)
	if vizID == "" {
		WriteError(w, http.StatusBadRequest, "Visualization ID is required")
		return
	}

	doc, err := h.vizs.Get(ctx, vizID)
	if WriteLookup(w, err, "Visualization") {
		return
	}
	if doc.Status != models.StatusSuccess || doc.HTMLKey == "" {
		WriteError(w, http.StatusConflict, "Visualization is not rendered yet")
		return
	}

	url, err := h.objects.PresignedGet(ctx, h.cfg.VizBucketName(), doc.HTMLKey, h.cfg.PresignTTL())
	if err != nil {
		h.logger.Error().Err(err).Str("viz_id", vizID).Msg("Failed to presign chart download")
		WriteError(w, http.StatusInternalServerError, "Failed to prepare download")
		return
	}

	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// writeZoomError maps zoom read errors onto HTTP statuses.
func (h *VisualizationHandler) writeZoomError(w http.ResponseWriter, err error, vizID, fallback string) {
	var badReq *zoom.BadRequestError
	switch {
	case errors.As(err, &badReq):
		WriteError(w, http.StatusBadRequest, badReq.Error())
	case errors.Is(err, mongostore.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Visualization not found")
	case errors.Is(err, zoom.ErrNoTiles), errors.Is(err, zoom.ErrTileNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, zoom.ErrRawNotAvailable):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Str("viz_id", vizID).Msg(fallback)
		WriteError(w, http.StatusInternalServerError, fallback)
	}
}
