package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/models"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()

	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if cfg.QueueName == "" {
		cfg.QueueName = "test_jobs"
	}
	m, err := NewManager(db, cfg, nil, arbor.NewLogger())
	require.NoError(t, err)
	return m
}

// mockLedger records lifecycle calls for assertions.
type mockLedger struct {
	mu       sync.Mutex
	recorded []string
	started  []string
	finished map[string]error
}

func newMockLedger() *mockLedger {
	return &mockLedger{finished: make(map[string]error)}
}

func (l *mockLedger) Record(ctx context.Context, rec *models.TaskRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorded = append(l.recorded, rec.MessageID)
	return nil
}

func (l *mockLedger) MarkStarted(ctx context.Context, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, messageID)
	return nil
}

func (l *mockLedger) MarkFinished(ctx context.Context, messageID string, handlerErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished[messageID] = handlerErr
	return nil
}

func (l *mockLedger) Get(ctx context.Context, messageID string) (*models.TaskRecord, error) {
	return nil, nil
}

func (l *mockLedger) CountByStatus(ctx context.Context) (map[string]int, error) {
	return nil, nil
}

func (l *mockLedger) StaleProcessing(ctx context.Context, olderThan time.Duration) ([]*models.TaskRecord, error) {
	return nil, nil
}

func (l *mockLedger) finishedErr(messageID string) (error, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	err, ok := l.finished[messageID]
	return err, ok
}

func TestNewManager_Defaults(t *testing.T) {
	m := newTestManager(t, Config{QueueName: "jobs"})

	cfg := m.Config()
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, 3, cfg.MaxReceive)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 1, cfg.Concurrency)
}

func TestManager_EnqueueReceiveDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	id, err := m.Enqueue(ctx, models.QueueMessage{JobID: "job-1", Type: models.JobTypeIngestion})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	depth, err := m.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	env, deleteFn, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, env.ID)
	assert.Equal(t, "job-1", env.Body.JobID)
	assert.Equal(t, models.JobTypeIngestion, env.Body.Type)
	assert.Equal(t, 1, env.ReceiveCount)

	require.NoError(t, deleteFn())

	depth, err = m.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	_, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	// deleteFn is idempotent
	require.NoError(t, deleteFn())
}

func TestManager_FIFOOrdering(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	first, err := m.Enqueue(ctx, models.QueueMessage{JobID: "job-a", Type: models.JobTypeIngestion})
	require.NoError(t, err)
	second, err := m.Enqueue(ctx, models.QueueMessage{JobID: "job-b", Type: models.JobTypeIngestion})
	require.NoError(t, err)

	env, deleteFn, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, env.ID)
	require.NoError(t, deleteFn())

	env, deleteFn, err = m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, env.ID)
	require.NoError(t, deleteFn())
}

func TestManager_VisibilityTimeoutRedelivery(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{VisibilityTimeout: 50 * time.Millisecond})

	id, err := m.Enqueue(ctx, models.QueueMessage{JobID: "job-1", Type: models.JobTypeIngestion})
	require.NoError(t, err)

	env, _, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, env.ReceiveCount)

	// Claimed message is invisible until the timeout lapses.
	_, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	time.Sleep(100 * time.Millisecond)

	env, deleteFn, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, env.ID)
	assert.Equal(t, 2, env.ReceiveCount)
	require.NoError(t, deleteFn())
}

func TestManager_PoisonPillDeletedAtMaxReceive(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{VisibilityTimeout: 20 * time.Millisecond, MaxReceive: 2})

	_, err := m.Enqueue(ctx, models.QueueMessage{JobID: "job-1", Type: models.JobTypeIngestion})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err = m.Receive(ctx)
		require.NoError(t, err)
		time.Sleep(40 * time.Millisecond)
	}

	// Third delivery would exceed MaxReceive, so the message is dropped.
	_, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	depth, err := m.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestManager_PoisonPillMarksLedgerFailed(t *testing.T) {
	ctx := context.Background()

	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ledger := newMockLedger()
	m, err := NewManager(db, Config{QueueName: "test_jobs", VisibilityTimeout: 20 * time.Millisecond, MaxReceive: 1}, ledger, arbor.NewLogger())
	require.NoError(t, err)

	id, err := m.Enqueue(ctx, models.QueueMessage{JobID: "job-1", Type: models.JobTypeIngestion})
	require.NoError(t, err)

	_, _, err = m.Receive(ctx)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	_, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	finErr, ok := ledger.finishedErr(id)
	require.True(t, ok, "poison pill should be marked finished in ledger")
	assert.Error(t, finErr)
}

func TestManager_Extend(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{VisibilityTimeout: 50 * time.Millisecond})

	_, err := m.Enqueue(ctx, models.QueueMessage{JobID: "job-1", Type: models.JobTypeVisualization})
	require.NoError(t, err)

	env, deleteFn, err := m.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Extend(ctx, env.ID, time.Minute))

	// Original timeout lapses but the extension keeps the claim.
	time.Sleep(100 * time.Millisecond)
	_, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	require.NoError(t, deleteFn())
}

func TestManager_ExtendUnknownMessage(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	err := m.Extend(ctx, "no-such-id", time.Minute)
	assert.Error(t, err)
}
