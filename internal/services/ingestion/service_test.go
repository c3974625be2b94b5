package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
)

func newObjectID(t *testing.T) primitive.ObjectID {
	t.Helper()
	return primitive.NewObjectID()
}

// fakeJobStore keeps job documents in memory and records field updates.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.IngestionJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*models.IngestionJob)}
}

func (f *fakeJobStore) Create(ctx context.Context, job *models.IngestionJob) (string, error) {
	return "", fmt.Errorf("not used")
}

func (f *fakeJobStore) Get(ctx context.Context, jobID string) (*models.IngestionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("ingestion job %s: not found", jobID)
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobStore) UpdateFields(ctx context.Context, jobID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("ingestion job %s: not found", jobID)
	}
	for k, v := range fields {
		switch k {
		case "status":
			job.Status = v.(models.JobStatus)
		case "progress":
			job.Progress = v.(int)
		case "message":
			job.Message = v.(string)
		case "processed_key":
			job.ProcessedKey = v.(string)
		case "columns":
			job.Columns = v.([]string)
		case "rows_seen":
			job.RowsSeen = v.(int64)
		case "sample_rows":
			job.SampleRows = v.([]map[string]any)
		case "metadata":
			job.Metadata = v.(models.IngestionMetadata)
		}
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (f *fakeJobStore) ListForProject(ctx context.Context, projectID string, limit int64) ([]*models.IngestionJob, error) {
	return nil, nil
}

func (f *fakeJobStore) Delete(ctx context.Context, jobID string) error { return nil }

// fakeObjectStore is a map-backed object store.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) key(bucket, key string) string { return bucket + "/" + key }

func (f *fakeObjectStore) EnsureBucket(ctx context.Context, bucket string) error { return nil }

func (f *fakeObjectStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[f.key(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjectStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[f.key(bucket, key)] = data
	return nil
}

func (f *fakeObjectStore) FPutObject(ctx context.Context, bucket, key, path, contentType string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[f.key(bucket, key)] = data
	return nil
}

func (f *fakeObjectStore) FGetObject(ctx context.Context, bucket, key, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return f.getErr
	}
	data, ok := f.objects[f.key(bucket, key)]
	if !ok {
		return fmt.Errorf("object %s not found", key)
	}
	return os.WriteFile(path, data, 0o644)
}

func (f *fakeObjectStore) StatObject(ctx context.Context, bucket, key string) (interfaces.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[f.key(bucket, key)]
	if !ok {
		return interfaces.ObjectInfo{}, fmt.Errorf("object %s not found", key)
	}
	return interfaces.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeObjectStore) RemoveObject(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, f.key(bucket, key))
	return nil
}

func (f *fakeObjectStore) PresignedGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

func (f *fakeObjectStore) PresignedPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

// fakeProgress records published events in order.
type fakeProgress struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (f *fakeProgress) Publish(ctx context.Context, kind models.ProgressKind, jobID string, status models.JobStatus, progress int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if message == "" {
		message = string(status)
	}
	f.events = append(f.events, models.ProgressEvent{Status: string(status), Progress: progress, Message: message})
}

func (f *fakeProgress) Snapshot(ctx context.Context, kind models.ProgressKind, jobID string) (*models.ProgressEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return nil, fmt.Errorf("no status")
	}
	ev := f.events[len(f.events)-1]
	return &ev, nil
}

func (f *fakeProgress) Subscribe(ctx context.Context, kind models.ProgressKind, jobID string) (<-chan models.ProgressEvent, func(), error) {
	ch := make(chan models.ProgressEvent)
	close(ch)
	return ch, func() {}, nil
}

func (f *fakeProgress) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Message
	}
	return out
}

type fixture struct {
	svc      *Service
	jobs     *fakeJobStore
	objects  *fakeObjectStore
	progress *fakeProgress
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	jobs := newFakeJobStore()
	objects := newFakeObjectStore()
	prog := &fakeProgress{}
	svc := NewService(jobs, objects, prog, Options{
		Bucket:      "datasets",
		TempDir:     t.TempDir(),
		SampleRows:  10,
		MaxMatCells: 1_000_000,
	}, arbor.NewLogger())
	return &fixture{svc: svc, jobs: jobs, objects: objects, progress: prog}
}

func (fx *fixture) seedJob(t *testing.T, job *models.IngestionJob) {
	t.Helper()
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	fx.jobs.jobs[job.ID.Hex()] = job
}

func TestRunCSVJobSuccess(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	job := &models.IngestionJob{
		ProjectID:  "p1",
		Filename:   "flight.csv",
		StorageKey: "projects/p1/abc_flight.csv",
		HeaderMode: models.HeaderFromFile,
	}
	job.ID = newObjectID(t)
	fx.seedJob(t, job)
	require.NoError(t, fx.objects.PutObject(ctx, "datasets", job.StorageKey,
		bytes.NewReader([]byte("a,b,c\n1,2,3\n4,5,6\n")), -1, "text/csv"))

	require.NoError(t, fx.svc.Run(ctx, job.ID.Hex()))

	stored, err := fx.jobs.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, []string{"a", "b", "c"}, stored.Columns)
	assert.Equal(t, int64(2), stored.RowsSeen)
	assert.Len(t, stored.SampleRows, 2)
	assert.Equal(t, models.ColumnStats{Min: 1, Max: 4}, stored.Metadata.Stats["a"])
	assert.NotEmpty(t, stored.ProcessedKey)

	// The processed artifact landed in the object store.
	_, err = fx.objects.StatObject(ctx, "datasets", stored.ProcessedKey)
	assert.NoError(t, err)

	assert.Equal(t, []string{
		"Downloading raw file from object store",
		"Materializing Parquet",
		"Uploading processed Parquet",
		"Upload + processing complete",
	}, fx.progress.messages())
}

func TestRunKeepsPrecomputedProcessedKey(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	job := &models.IngestionJob{
		ProjectID:    "p1",
		Filename:     "runs.csv",
		StorageKey:   "projects/p1/xyz_runs.csv",
		ProcessedKey: "projects/p1/processed/fixed_runs.parquet",
		HeaderMode:   models.HeaderFromFile,
	}
	job.ID = newObjectID(t)
	fx.seedJob(t, job)
	require.NoError(t, fx.objects.PutObject(ctx, "datasets", job.StorageKey,
		bytes.NewReader([]byte("x\n1\n")), -1, "text/csv"))

	require.NoError(t, fx.svc.Run(ctx, job.ID.Hex()))

	stored, err := fx.jobs.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, "projects/p1/processed/fixed_runs.parquet", stored.ProcessedKey)
	_, err = fx.objects.StatObject(ctx, "datasets", stored.ProcessedKey)
	assert.NoError(t, err)
}

func TestRunNonTabularStored(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	job := &models.IngestionJob{
		ProjectID:  "p1",
		Filename:   "report.pdf",
		StorageKey: "projects/p1/abc_report.pdf",
	}
	job.ID = newObjectID(t)
	fx.seedJob(t, job)

	require.NoError(t, fx.svc.Run(ctx, job.ID.Hex()))

	stored, err := fx.jobs.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.StatusStored, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Empty(t, stored.ProcessedKey)
	assert.Equal(t, []string{"Stored (non-tabular)"}, fx.progress.messages())
}

func TestRunParserFailurePersisted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	job := &models.IngestionJob{
		ProjectID:  "p1",
		Filename:   "empty.csv",
		StorageKey: "projects/p1/abc_empty.csv",
		HeaderMode: models.HeaderFromFile,
	}
	job.ID = newObjectID(t)
	fx.seedJob(t, job)
	require.NoError(t, fx.objects.PutObject(ctx, "datasets", job.StorageKey,
		bytes.NewReader(nil), -1, "text/csv"))

	err := fx.svc.Run(ctx, job.ID.Hex())
	require.Error(t, err)

	stored, getErr := fx.jobs.Get(ctx, job.ID.Hex())
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusFailure, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Contains(t, stored.Message, "No columns to parse from file")
	assert.Empty(t, stored.ProcessedKey)

	last := fx.progress.events[len(fx.progress.events)-1]
	assert.Equal(t, "failure", last.Status)
	assert.Equal(t, 100, last.Progress)
}

func TestRunDownloadFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	job := &models.IngestionJob{
		ProjectID:  "p1",
		Filename:   "missing.csv",
		StorageKey: "projects/p1/gone.csv",
		HeaderMode: models.HeaderFromFile,
	}
	job.ID = newObjectID(t)
	fx.seedJob(t, job)

	err := fx.svc.Run(ctx, job.ID.Hex())
	require.Error(t, err)

	stored, getErr := fx.jobs.Get(ctx, job.ID.Hex())
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusFailure, stored.Status)
	assert.Contains(t, stored.Message, "failed to download raw object")
}

func TestHandlerRoutesToRun(t *testing.T) {
	fx := newFixture(t)

	handler := fx.svc.Handler()
	err := handler(context.Background(), models.QueueMessage{JobID: "does-not-exist", Type: models.JobTypeIngestion})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load ingestion job")
}
