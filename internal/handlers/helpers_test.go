package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mongostore "github.com/ternarybob/volare/internal/storage/mongo"
)

func TestWriteLookup(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
		written    bool
	}{
		{"nil error", nil, http.StatusOK, "", false},
		{"not found", mongostore.ErrNotFound, http.StatusNotFound, "Job not found", true},
		{"wrapped not found", fmt.Errorf("load: %w", mongostore.ErrNotFound), http.StatusNotFound, "Job not found", true},
		{"backend error", fmt.Errorf("connection reset"), http.StatusInternalServerError, "Failed to load Job", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			got := WriteLookup(rec, tc.err, "Job")
			assert.Equal(t, tc.written, got)
			if tc.written {
				assert.Equal(t, tc.wantStatus, rec.Code)
				assert.Contains(t, rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/ingestion/jobs", strings.NewReader("{not json"))

	var dst map[string]any
	ok := DecodeJSON(rec, req, &dst)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/x?limit=25&bad=abc", nil)

	assert.Equal(t, 25, QueryInt(req, "limit", 50))
	assert.Equal(t, 50, QueryInt(req, "missing", 50))
	assert.Equal(t, 50, QueryInt(req, "bad", 50))
}

func TestQueryFloat(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/x?x_min=-1.5&bad=abc", nil)

	v, err := QueryFloat(req, "x_min")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, -1.5, *v)

	v, err = QueryFloat(req, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = QueryFloat(req, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad must be a number")
}

func TestSanitizeRecords(t *testing.T) {
	records := []map[string]any{
		{"x": 1.0, "y": math.NaN()},
		{"x": math.Inf(1), "y": "label"},
	}

	out := SanitizeRecords(records)

	assert.Equal(t, 1.0, out[0]["x"])
	assert.Nil(t, out[0]["y"])
	assert.Nil(t, out[1]["x"])
	assert.Equal(t, "label", out[1]["y"])
}

func TestIdentityRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), "user-1")
	assert.Equal(t, "user-1", IdentityFrom(ctx))
	assert.Equal(t, "", IdentityFrom(context.Background()))
}
