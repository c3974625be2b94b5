package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/mat"
	"github.com/ternarybob/volare/internal/services/matindex"
	mongostore "github.com/ternarybob/volare/internal/storage/mongo"
)

// MatHandler serves the MAT variable browser: variable indexes, corner
// previews, and dry-run slice previews.
type MatHandler struct {
	mats   *matindex.Service
	logger arbor.ILogger
}

// NewMatHandler creates a new MAT browser handler.
func NewMatHandler(mats *matindex.Service, logger arbor.ILogger) *MatHandler {
	return &MatHandler{
		mats:   mats,
		logger: logger,
	}
}

// matJobIDFromPath extracts the job id from /api/mat/jobs/{id}/...
func matJobIDFromPath(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

// IndexHandler returns the variable index of a MAT upload.
// GET /api/mat/jobs/{id}/index
func (h *MatHandler) IndexHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := matJobIDFromPath(r)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	ix, err := h.mats.Index(ctx, jobID)
	if err != nil {
		h.writeMatError(w, err, jobID, "Failed to index MAT file")
		return
	}
	WriteJSON(w, http.StatusOK, ix)
}

type matPreviewRequest struct {
	Var       string         `json:"var"`
	MaxValues int            `json:"max_values"`
	ChartType string         `json:"chart_type"`
	Mapping   map[string]any `json:"mapping"`
	Filters   map[string]any `json:"filters"`
}

// PreviewHandler previews one variable. With a mapping it runs a dry-run
// slice; without one it samples the variable's leading corner.
// POST /api/mat/jobs/{id}/preview
func (h *MatHandler) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := matJobIDFromPath(r)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	var req matPreviewRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if len(req.Mapping) > 0 {
		slice, err := h.mats.Slice(ctx, jobID, req.Var, req.ChartType, req.Mapping, req.Filters)
		if err != nil {
			h.writeMatError(w, err, jobID, "Failed to slice MAT variable")
			return
		}
		WriteJSON(w, http.StatusOK, slice)
		return
	}

	maxValues := req.MaxValues
	if maxValues <= 0 {
		maxValues = mat.DefaultPreviewValues
	}
	preview, err := h.mats.Preview(ctx, jobID, req.Var, maxValues)
	if err != nil {
		h.writeMatError(w, err, jobID, "Failed to preview MAT variable")
		return
	}
	WriteJSON(w, http.StatusOK, preview)
}

func (h *MatHandler) writeMatError(w http.ResponseWriter, err error, jobID, fallback string) {
	var badReq *matindex.BadRequestError
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
