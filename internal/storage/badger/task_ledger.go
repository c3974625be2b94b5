package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
)

// TaskLedger implements the TaskLedger interface on badgerhold. One record
// per queue message; the queue itself owns delivery, the ledger only
// observes it.
type TaskLedger struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskLedger creates a new TaskLedger instance
func NewTaskLedger(db *BadgerDB, logger arbor.ILogger) interfaces.TaskLedger {
	return &TaskLedger{
		db:     db,
		logger: logger,
	}
}

func (l *TaskLedger) Record(ctx context.Context, rec *models.TaskRecord) error {
	if rec == nil || rec.MessageID == "" {
		return fmt.Errorf("task record message ID is required")
	}
	if rec.Status == "" {
		rec.Status = models.TaskPending
	}
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now()
	}

	if err := l.db.Store().Upsert(rec.MessageID, *rec); err != nil {
		return fmt.Errorf("failed to save task record: %w", err)
	}
	return nil
}

func (l *TaskLedger) MarkStarted(ctx context.Context, messageID string) error {
	var rec models.TaskRecord
	if err := l.db.Store().Get(messageID, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("task record not found: %s", messageID)
		}
		return fmt.Errorf("failed to get task record: %w", err)
	}

	now := time.Now()
	rec.Status = models.TaskProcessing
	rec.StartedAt = &now
	rec.Attempts++

	if err := l.db.Store().Upsert(messageID, rec); err != nil {
		return fmt.Errorf("failed to mark task started: %w", err)
	}
	return nil
}

func (l *TaskLedger) MarkFinished(ctx context.Context, messageID string, taskErr error) error {
	var rec models.TaskRecord
	if err := l.db.Store().Get(messageID, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("task record not found: %s", messageID)
		}
		return fmt.Errorf("failed to get task record: %w", err)
	}

	now := time.Now()
	rec.FinishedAt = &now
	if taskErr != nil {
		rec.Status = models.TaskFailed
		rec.Error = taskErr.Error()
	} else {
		rec.Status = models.TaskCompleted
		rec.Error = ""
	}

	if err := l.db.Store().Upsert(messageID, rec); err != nil {
		return fmt.Errorf("failed to mark task finished: %w", err)
	}
	return nil
}

func (l *TaskLedger) Get(ctx context.Context, messageID string) (*models.TaskRecord, error) {
	var rec models.TaskRecord
	if err := l.db.Store().Get(messageID, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("task record not found: %s", messageID)
		}
		return nil, fmt.Errorf("failed to get task record: %w", err)
	}
	return &rec, nil
}

func (l *TaskLedger) CountByStatus(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{
		models.TaskPending:    0,
		models.TaskProcessing: 0,
		models.TaskCompleted:  0,
		models.TaskFailed:     0,
	}

	var records []models.TaskRecord
	if err := l.db.Store().Find(&records, nil); err != nil {
		return nil, fmt.Errorf("failed to count task records: %w", err)
	}
	for _, rec := range records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (l *TaskLedger) StaleProcessing(ctx context.Context, olderThan time.Duration) ([]*models.TaskRecord, error) {
	cutoff := time.Now().Add(-olderThan)

	var records []models.TaskRecord
	query := badgerhold.Where("Status").Eq(models.TaskProcessing)
	if err := l.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to find stale tasks: %w", err)
	}

	var stale []*models.TaskRecord
	for i := range records {
		rec := records[i]
		if rec.StartedAt != nil && rec.StartedAt.Before(cutoff) {
			stale = append(stale, &rec)
		}
	}
	return stale, nil
}
