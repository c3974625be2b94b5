package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/models"
)

func newTestPool(t *testing.T, ledger *mockLedger) (*Manager, *WorkerPool) {
	t.Helper()

	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := Config{
		QueueName:    "test_jobs",
		PollInterval: 10 * time.Millisecond,
		Concurrency:  2,
	}
	var m *Manager
	if ledger != nil {
		m, err = NewManager(db, cfg, ledger, arbor.NewLogger())
	} else {
		m, err = NewManager(db, cfg, nil, arbor.NewLogger())
	}
	require.NoError(t, err)

	pool := NewWorkerPool(m, arbor.NewLogger())
	t.Cleanup(func() { _ = pool.Stop() })
	return m, pool
}

func waitForDepth(t *testing.T, m *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		depth, err := m.Depth(context.Background())
		require.NoError(t, err)
		if depth == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d", want)
}

func TestWorkerPool_ProcessesJob(t *testing.T) {
	ctx := context.Background()
	m, pool := newTestPool(t, nil)

	done := make(chan models.QueueMessage, 1)
	pool.RegisterHandler(models.JobTypeIngestion, func(ctx context.Context, msg models.QueueMessage) error {
		done <- msg
		return nil
	})
	require.NoError(t, pool.Start())

	_, err := m.Enqueue(ctx, models.QueueMessage{JobID: "job-1", Type: models.JobTypeIngestion})
	require.NoError(t, err)

	select {
	case msg := <-done:
		assert.Equal(t, "job-1", msg.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	waitForDepth(t, m, 0)
}

func TestWorkerPool_FailureStillDeletesMessage(t *testing.T) {
	ctx := context.Background()
	ledger := newMockLedger()
	m, pool := newTestPool(t, ledger)

	done := make(chan struct{}, 1)
	pool.RegisterHandler(models.JobTypeIngestion, func(ctx context.Context, msg models.QueueMessage) error {
		done <- struct{}{}
		return errors.New("parse failed")
	})
	require.NoError(t, pool.Start())

	id, err := m.Enqueue(ctx, models.QueueMessage{JobID: "job-1", Type: models.JobTypeIngestion})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	// The job document carries the failure; the message must not be retried.
	waitForDepth(t, m, 0)

	deadline := time.Now().Add(time.Second)
	for {
		if finErr, ok := ledger.finishedErr(id); ok {
			assert.Error(t, finErr)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never marked finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerPool_RecoverFromPanic(t *testing.T) {
	ctx := context.Background()
	m, pool := newTestPool(t, nil)

	calls := make(chan string, 2)
	pool.RegisterHandler(models.JobTypeVisualization, func(ctx context.Context, msg models.QueueMessage) error {
		calls <- msg.JobID
		if msg.JobID == "job-panic" {
			panic("boom")
		}
		return nil
	})
	require.NoError(t, pool.Start())

	_, err := m.Enqueue(ctx, models.QueueMessage{JobID: "job-panic", Type: models.JobTypeVisualization})
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, models.QueueMessage{JobID: "job-ok", Type: models.JobTypeVisualization})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case id := <-calls:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("handler was not invoked after panic")
		}
	}
	assert.True(t, seen["job-panic"])
	assert.True(t, seen["job-ok"])

	waitForDepth(t, m, 0)
}

func TestWorkerPool_UnknownJobTypeDropped(t *testing.T) {
	ctx := context.Background()
	m, pool := newTestPool(t, nil)
	require.NoError(t, pool.Start())

	_, err := m.Enqueue(ctx, models.QueueMessage{JobID: "job-1", Type: "no_such_type"})
	require.NoError(t, err)

	waitForDepth(t, m, 0)
}
