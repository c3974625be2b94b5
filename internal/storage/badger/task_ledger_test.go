package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir() + "/badger"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTaskLedger_Lifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := NewTaskLedger(newTestDB(t), arbor.NewLogger())

	rec := &models.TaskRecord{
		MessageID: "msg-1",
		JobID:     "job-1",
		Kind:      models.JobTypeIngestion,
	}
	require.NoError(t, ledger.Record(ctx, rec))

	got, err := ledger.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.False(t, got.EnqueuedAt.IsZero())

	require.NoError(t, ledger.MarkStarted(ctx, "msg-1"))
	got, err = ledger.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, ledger.MarkFinished(ctx, "msg-1", nil))
	got, err = ledger.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestTaskLedger_MarkFinishedWithError(t *testing.T) {
	ctx := context.Background()
	ledger := NewTaskLedger(newTestDB(t), arbor.NewLogger())

	require.NoError(t, ledger.Record(ctx, &models.TaskRecord{MessageID: "msg-2", JobID: "job-2", Kind: models.JobTypeVisualization}))
	require.NoError(t, ledger.MarkStarted(ctx, "msg-2"))
	require.NoError(t, ledger.MarkFinished(ctx, "msg-2", errors.New("parse failed")))

	got, err := ledger.Get(ctx, "msg-2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, "parse failed", got.Error)
}

func TestTaskLedger_CountByStatus(t *testing.T) {
	ctx := context.Background()
	ledger := NewTaskLedger(newTestDB(t), arbor.NewLogger())

	require.NoError(t, ledger.Record(ctx, &models.TaskRecord{MessageID: "a", JobID: "j1", Kind: models.JobTypeIngestion}))
	require.NoError(t, ledger.Record(ctx, &models.TaskRecord{MessageID: "b", JobID: "j2", Kind: models.JobTypeIngestion}))
	require.NoError(t, ledger.MarkStarted(ctx, "b"))

	counts, err := ledger.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.TaskPending])
	assert.Equal(t, 1, counts[models.TaskProcessing])
	assert.Equal(t, 0, counts[models.TaskFailed])
}

func TestTaskLedger_StaleProcessing(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	ledger := NewTaskLedger(db, arbor.NewLogger())

	old := time.Now().Add(-time.Hour)
	require.NoError(t, ledger.Record(ctx, &models.TaskRecord{
		MessageID:  "stale",
		JobID:      "j1",
		Kind:       models.JobTypeIngestion,
		Status:     models.TaskProcessing,
		StartedAt:  &old,
		EnqueuedAt: old,
	}))
	require.NoError(t, ledger.Record(ctx, &models.TaskRecord{MessageID: "fresh", JobID: "j2", Kind: models.JobTypeIngestion}))
	require.NoError(t, ledger.MarkStarted(ctx, "fresh"))

	stale, err := ledger.StaleProcessing(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].MessageID)
}
