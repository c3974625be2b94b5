package models

import (
	"errors"
	"time"
)

// Job type constants for queue messages
const (
	JobTypeIngestion     = "ingestion"
	JobTypeVisualization = "visualization"
)

// QueueMessage is the body enqueued for background workers. It carries only
// routing data; the job document is the source of truth and the worker
// re-reads it on receive.
type QueueMessage struct {
	JobID string `json:"job_id"` // References the job document id
	Type  string `json:"type"`   // Job type for handler routing
}

// ErrNoMessage is returned when the queue has no visible message.
var ErrNoMessage = errors.New("no messages in queue")

// Task ledger statuses
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// TaskRecord mirrors one queue message through its lifecycle. Records are
// kept in the local Badger store so the status endpoint and the janitor can
// observe queue health without touching the job documents.
type TaskRecord struct {
	MessageID  string `badgerhold:"key"`
	JobID      string
	Kind       string `badgerhold:"index"`
	Status     string `badgerhold:"index"`
	Attempts   int
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      string
}
