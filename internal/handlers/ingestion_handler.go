package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
	"github.com/ternarybob/volare/internal/services/zoom"
	storageminio "github.com/ternarybob/volare/internal/storage/minio"
	mongostore "github.com/ternarybob/volare/internal/storage/mongo"
)

// IngestionHandler serves the ingestion job surface: upload grants, job
// registration, documents, progress, row windows, and deletion.
type IngestionHandler struct {
	cfg      *common.Config
	jobs     interfaces.IngestionStore
	objects  interfaces.ObjectStore
	enqueuer interfaces.Enqueuer
	progress interfaces.ProgressService
	zoom     *zoom.Service
	logger   arbor.ILogger
}

// NewIngestionHandler creates a new ingestion handler.
func NewIngestionHandler(cfg *common.Config, jobs interfaces.IngestionStore, objects interfaces.ObjectStore, enqueuer interfaces.Enqueuer, progress interfaces.ProgressService, zoomSvc *zoom.Service, logger arbor.ILogger) *IngestionHandler {
	return &IngestionHandler{
		cfg:      cfg,
		jobs:     jobs,
		objects:  objects,
		enqueuer: enqueuer,
		progress: progress,
		zoom:     zoomSvc,
		logger:   logger,
	}
}

// jobIDFromPath extracts the job id from /api/ingestion/jobs/{id}[/...].
func jobIDFromPath(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

type uploadGrantRequest struct {
	ProjectID string `json:"project_id"`
	Filename  string `json:"filename"`
}

// UploadGrantHandler mints a raw object key and a presigned PUT so clients
// push bytes straight to the object store.
// POST /api/ingestion/uploads
func (h *IngestionHandler) UploadGrantHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req uploadGrantRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.ProjectID == "" || req.Filename == "" {
		WriteError(w, http.StatusBadRequest, "project_id and filename are required")
		return
	}

	bucket := h.cfg.Objects.Bucket
	if err := h.objects.EnsureBucket(ctx, bucket); err != nil {
		h.logger.Error().Err(err).Str("bucket", bucket).Msg("Failed to ensure ingestion bucket")
		WriteError(w, http.StatusInternalServerError, "Failed to prepare upload")
		return
	}

	key := storageminio.RawKey(req.ProjectID, req.Filename)
	url, err := h.objects.PresignedPut(ctx, bucket, key, h.cfg.PresignTTL())
	if err != nil {
		h.logger.Error().Err(err).Str("key", key).Msg("Failed to presign upload")
		WriteError(w, http.StatusInternalServerError, "Failed to prepare upload")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"storage_key": key,
		"upload_url":  url,
		"bucket":      bucket,
	})
}

type ingestionCreateRequest struct {
	ProjectID     string               `json:"project_id"`
	Filename      string               `json:"filename"`
	StorageKey    string               `json:"storage_key"`
	DatasetType   models.DatasetType   `json:"dataset_type"`
	TagName       string               `json:"tag_name"`
	ContentType   string               `json:"content_type"`
	Size          int64                `json:"size"`
	HeaderMode    models.HeaderMode    `json:"header_mode"`
	CustomHeaders []string             `json:"custom_headers"`
	SheetName     string               `json:"sheet_name"`
	ParseRange    *models.ParseRange   `json:"parse_range"`
	MatConfig     *models.MatConfig    `json:"mat_config"`
	Derived       []models.DerivedSpec `json:"derived_columns"`
}

// CreateHandler registers an uploaded raw object as an ingestion job and
// queues it for processing.
// POST /api/ingestion/jobs
func (h *IngestionHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ingestionCreateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.ProjectID == "" || req.Filename == "" {
		WriteError(w, http.StatusBadRequest, "project_id and filename are required")
		return
	}

	headerMode := req.HeaderMode
	if headerMode == "" {
		headerMode = models.HeaderFromFile
	}
	switch headerMode {
	case models.HeaderFromFile, models.HeaderNone, models.HeaderCustom:
	default:
		WriteError(w, http.StatusBadRequest, "header_mode must be one of file, none, custom")
		return
	}
	if headerMode == models.HeaderCustom && len(req.CustomHeaders) == 0 {
		WriteError(w, http.StatusBadRequest, "custom_headers are required when header_mode is custom")
		return
	}

	storageKey := req.StorageKey
	if storageKey == "" {
		storageKey = storageminio.RawKey(req.ProjectID, req.Filename)
	}

	job := &models.IngestionJob{
		ProjectID:     req.ProjectID,
		Owner:         IdentityFrom(ctx),
		Filename:      req.Filename,
		StorageKey:    storageKey,
		DatasetType:   req.DatasetType,
		TagName:       req.TagName,
		ContentType:   req.ContentType,
		Size:          req.Size,
		HeaderMode:    headerMode,
		CustomHeaders: req.CustomHeaders,
		SheetName:     req.SheetName,
		ParseRange:    req.ParseRange,
		MatConfig:     req.MatConfig,
		Derived:       req.Derived,
		Status:        models.StatusQueued,
	}

	jobID, err := h.jobs.Create(ctx, job)
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", req.ProjectID).Msg("Failed to create ingestion job")
		WriteError(w, http.StatusInternalServerError, "Failed to create ingestion job")
		return
	}

	if _, err := h.enqueuer.Enqueue(ctx, models.QueueMessage{JobID: jobID, Type: models.JobTypeIngestion}); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to enqueue ingestion job")
		if uerr := h.jobs.UpdateFields(ctx, jobID, map[string]any{
			"status":  models.StatusFailure,
			"message": "failed to enqueue job",
		}); uerr != nil {
			h.logger.Warn().Err(uerr).Str("job_id", jobID).Msg("Failed to mark unqueued job")
		}
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue ingestion job")
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("project_id", req.ProjectID).
		Str("filename", req.Filename).
		Msg("Ingestion job queued")

	WriteJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      jobID,
		"project_id":  req.ProjectID,
		"filename":    req.Filename,
		"storage_key": storageKey,
		"status":      models.StatusQueued,
		"autoscale":   common.DetectAutoscaleBounds(),
	})
}

// GetHandler returns one job document.
// GET /api/ingestion/jobs/{id}
func (h *IngestionHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.jobs.Get(ctx, jobID)
	if WriteLookup(w, err, "Job") {
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// StatusHandler returns the live progress snapshot, falling back to the
// persisted document when the status hash is empty.
// GET /api/ingestion/jobs/{id}/status
func (h *IngestionHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.jobs.Get(ctx, jobID)
	if WriteLookup(w, err, "Job") {
		return
	}

	if ev, err := h.progress.Snapshot(ctx, models.KindIngestion, jobID); err == nil && ev != nil {
		WriteJSON(w, http.StatusOK, ev)
		return
	}

	status := job.Status
	if status == "" {
		status = models.StatusQueued
	}
	WriteJSON(w, http.StatusOK, models.ProgressEvent{
		Status:   string(status),
		Progress: job.Progress,
		Message:  job.Message,
	})
}

// ListHandler returns the project's jobs, newest first.
// GET /api/ingestion/project/{id}
func (h *IngestionHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[3] == "" {
		WriteError(w, http.StatusBadRequest, "Project ID is required")
		return
	}
	projectID := parts[3]

	jobs, err := h.jobs.ListForProject(ctx, projectID, int64(QueryInt(r, "limit", 0)))
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", projectID).Msg("Failed to list ingestion jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.IngestionJob{}
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// DeleteHandler removes the job's objects best-effort, then the document.
// DELETE /api/ingestion/jobs/{id}
func (h *IngestionHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.jobs.Get(ctx, jobID)
	if WriteLookup(w, err, "Job") {
		return
	}

	bucket := h.cfg.Objects.Bucket
	for _, key := range []string{job.StorageKey, job.ProcessedKey} {
		if key == "" {
			continue
		}
		if err := h.objects.RemoveObject(ctx, bucket, key); err != nil {
			h.logger.Warn().Err(err).Str("key", key).Msg("Failed to delete job object")
		}
	}

	if err := h.jobs.Delete(ctx, jobID); err != nil {
		if errors.Is(err, mongostore.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to delete ingestion job")
		WriteError(w, http.StatusInternalServerError, "Failed to delete job")
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Ingestion job deleted")
	w.WriteHeader(http.StatusNoContent)
}

// WindowHandler pages through rows whose x value falls inside [start, end].
// GET /api/ingestion/jobs/{id}/window?x_axis=&y_axis=&start=&end=&offset=&limit=
func (h *IngestionHandler) WindowHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	start, err := QueryFloat(r, "start")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := QueryFloat(r, "end")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if start == nil || end == nil {
		WriteError(w, http.StatusBadRequest, "start and end are required")
		return
	}

	q := zoom.WindowQuery{
		XAxis:  r.URL.Query().Get("x_axis"),
		YAxis:  r.URL.Query().Get("y_axis"),
		Start:  *start,
		End:    *end,
		Offset: QueryInt(r, "offset", 0),
		Limit:  QueryInt(r, "limit", zoom.DefaultWindowLimit),
	}

	res, err := h.zoom.Window(ctx, jobID, q)
	if err != nil {
		h.writeZoomError(w, err, jobID, "Failed to read data window")
		return
	}

	res.Rows = SanitizeRecords(res.Rows)
	WriteJSON(w, http.StatusOK, res)
}

// writeZoomError maps zoom read errors onto HTTP statuses.
func (h *IngestionHandler) writeZoomError(w http.ResponseWriter, err error, jobID, fallback string) {
	var badReq *zoom.BadRequestError
	switch {
	case errors.As(err, &badReq):
		WriteError(w, http.StatusBadRequest, badReq.Error())
	case errors.Is(err, mongostore.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Job not found")
	default:
		h.logger.Error().Err(err).Str("job_id", jobID).Msg(fallback)
		WriteError(w, http.StatusInternalServerError, fallback)
	}
}
