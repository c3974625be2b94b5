package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/ternarybob/volare/internal/models"
)

// IngestionStore - interface for ingestion job document persistence
type IngestionStore interface {
	Create(ctx context.Context, job *models.IngestionJob) (string, error)
	Get(ctx context.Context, jobID string) (*models.IngestionJob, error)
	UpdateFields(ctx context.Context, jobID string, fields map[string]any) error
	ListForProject(ctx context.Context, projectID string, limit int64) ([]*models.IngestionJob, error)
	Delete(ctx context.Context, jobID string) error
}

// VisualizationStore - interface for visualization job document persistence
type VisualizationStore interface {
	Create(ctx context.Context, viz *models.VisualizationJob) (string, error)
	Get(ctx context.Context, vizID string) (*models.VisualizationJob, error)
	UpdateFields(ctx context.Context, vizID string, fields map[string]any) error
	ListForProject(ctx context.Context, projectID string, limit int64) ([]*models.VisualizationJob, error)
	Delete(ctx context.Context, vizID string) error
}

// ObjectInfo is the subset of object metadata the pipelines use.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// ObjectStore - interface for the S3-compatible artifact store
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	FPutObject(ctx context.Context, bucket, key, path, contentType string) error
	FGetObject(ctx context.Context, bucket, key, path string) error
	StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	PresignedGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	PresignedPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// ProgressService - single entry point for the status hash + pub/sub stream
type ProgressService interface {
	Publish(ctx context.Context, kind models.ProgressKind, jobID string, status models.JobStatus, progress int, message string)
	Snapshot(ctx context.Context, kind models.ProgressKind, jobID string) (*models.ProgressEvent, error)
	Subscribe(ctx context.Context, kind models.ProgressKind, jobID string) (<-chan models.ProgressEvent, func(), error)
}

// Enqueuer - the producer side of the job queue
type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) (string, error)
}

// TaskLedger - local record of queue message lifecycles for status reporting
// and janitor sweeps
type TaskLedger interface {
	Record(ctx context.Context, rec *models.TaskRecord) error
	MarkStarted(ctx context.Context, messageID string) error
	MarkFinished(ctx context.Context, messageID string, taskErr error) error
	Get(ctx context.Context, messageID string) (*models.TaskRecord, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	StaleProcessing(ctx context.Context, olderThan time.Duration) ([]*models.TaskRecord, error)
}
