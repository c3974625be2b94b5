package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/derived"
	"github.com/ternarybob/volare/internal/models"
	"github.com/ternarybob/volare/internal/services/calc"
	mongostore "github.com/ternarybob/volare/internal/storage/mongo"
)

// CalcHandler serves the derived-column surface: the formula catalog,
// previews, and materializations.
type CalcHandler struct {
	calc   *calc.Service
	logger arbor.ILogger
}

// NewCalcHandler creates a new calculations handler.
func NewCalcHandler(calcSvc *calc.Service, logger arbor.ILogger) *CalcHandler {
	return &CalcHandler{
		calc:   calcSvc,
		logger: logger,
	}
}

// calcJobIDFromPath extracts the job id from /api/calculations/jobs/{id}/...
func calcJobIDFromPath(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

// CatalogHandler returns the built-in formula templates grouped by category.
// GET /api/calculations/catalog
func (h *CalcHandler) CatalogHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"categories": derived.Catalog,
	})
}

type calcRequest struct {
	Derived []models.DerivedSpec `json:"derived_columns"`
	Limit   int                  `json:"limit"`
}

// PreviewHandler evaluates derived specs over the leading rows of a dataset.
// POST /api/calculations/jobs/{id}/preview
func (h *CalcHandler) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := calcJobIDFromPath(r)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	var req calcRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	res, err := h.calc.Preview(ctx, jobID, req.Derived, req.Limit)
	if err != nil {
		h.writeCalcError(w, err, jobID, "Failed to preview derived columns")
		return
	}

	res.Rows = SanitizeRecords(res.Rows)
	WriteJSON(w, http.StatusOK, res)
}

// MaterializeHandler rewrites the processed artifact with the derived
// columns appended.
// POST /api/calculations/jobs/{id}/materialize
func (h *CalcHandler) MaterializeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := calcJobIDFromPath(r)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	var req calcRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	res, err := h.calc.Materialize(ctx, jobID, req.Derived)
	if err != nil {
		h.writeCalcError(w, err, jobID, "Failed to materialize derived columns")
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("processed_key", res.ProcessedKey).
		Msg("Derived columns materialized via API")

	WriteJSON(w, http.StatusOK, res)
}

func (h *CalcHandler) writeCalcError(w http.ResponseWriter, err error, jobID, fallback string) {
	var badReq *calc.BadRequestError
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
