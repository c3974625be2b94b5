package calc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
)

// fakeJobStore keeps ingestion job documents in memory and records field
// updates for assertions.
type fakeJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.IngestionJob
	updates map[string]map[string]any
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:    make(map[string]*models.IngestionJob),
		updates: make(map[string]map[string]any),
	}
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
	merged, ok := f.updates[jobID]
	if !ok {
		merged = make(map[string]any)
		f.updates[jobID] = merged
	}
	for k, v := range fields {
		merged[k] = v
	}
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
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) key(bucket, key string) string { return bucket + "/" + key }

func (f *fakeObjectStore) EnsureBucket(ctx context.Context, bucket string) error { return nil }

func (f *fakeObjectStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

type fixture struct {
	svc     *Service
	jobs    *fakeJobStore
	objects *fakeObjectStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	jobs := newFakeJobStore()
	objects := newFakeObjectStore()
	svc := NewService(jobs, objects, Options{
		Bucket:     "datasets",
		TempDir:    t.TempDir(),
		SampleRows: 10,
	}, arbor.NewLogger())
	return &fixture{svc: svc, jobs: jobs, objects: objects}
}

func buildParquet(t *testing.T, columns []string, rows ...[]any) []byte {
	t.Helper()
	frame := columnar.NewFrame(columns)
	for _, row := range rows {
		frame.AppendRow(row)
	}
	var buf bytes.Buffer
	w := columnar.NewWriter(&buf)
	require.NoError(t, w.WriteFrame(frame))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// seedReadyJob stores a successful job backed by a small x/y parquet.
func (fx *fixture) seedReadyJob(t *testing.T) string {
	t.Helper()

	data := buildParquet(t, []string{"x", "y"},
		[]any{1.0, 10.0},
		[]any{2.0, 20.0},
		[]any{3.0, 30.0},
	)
	key := "projects/p1/processed/run.parquet"
	require.NoError(t, fx.objects.PutObject(context.Background(), "datasets", key,
		bytes.NewReader(data), int64(len(data)), "application/octet-stream"))

	job := &models.IngestionJob{
		ID:           primitive.NewObjectID(),
		ProjectID:    "p1",
		Filename:     "run.csv",
		StorageKey:   "projects/p1/raw_run.csv",
		ProcessedKey: key,
		Columns:      []string{"x", "y"},
		Status:       models.StatusSuccess,
	}
	id := job.ID.Hex()
	fx.jobs.jobs[id] = job
	return id
}

func TestPreviewEvaluatesDerivedColumns(t *testing.T) {
	fx := newFixture(t)
	id := fx.seedReadyJob(t)

	res, err := fx.svc.Preview(context.Background(), id, []models.DerivedSpec{
		{Name: "sum", Expression: "[x] + [y]"},
	}, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y", "sum"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, 11.0, res.Rows[0]["sum"])
	assert.Equal(t, 22.0, res.Rows[1]["sum"])
}

func TestPreviewDefaultsLimit(t *testing.T) {
	fx := newFixture(t)
	id := fx.seedReadyJob(t)

	// Dataset has three rows, so the default page covers all of them.
	res, err := fx.svc.Preview(context.Background(), id, []models.DerivedSpec{
		{Name: "double", Expression: "[x] * 2"},
	}, 0)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 3)
}

func TestPreviewRejectsUnreadyJob(t *testing.T) {
	fx := newFixture(t)
	id := fx.seedReadyJob(t)
	fx.jobs.jobs[id].Status = models.StatusStarted

	_, err := fx.svc.Preview(context.Background(), id, []models.DerivedSpec{
		{Name: "sum", Expression: "[x] + [y]"},
	}, 5)
	var badReq *BadRequestError
	require.ErrorAs(t, err, &badReq)
	assert.Contains(t, badReq.Error(), "not ready")
}

func TestPreviewRequiresSpecs(t *testing.T) {
	fx := newFixture(t)
	id := fx.seedReadyJob(t)

	_, err := fx.svc.Preview(context.Background(), id, nil, 5)
	var badReq *BadRequestError
	require.ErrorAs(t, err, &badReq)
	assert.Contains(t, badReq.Error(), "at least one derived column")
}

func TestPreviewUnknownColumnReference(t *testing.T) {
	fx := newFixture(t)
	id := fx.seedReadyJob(t)

	_, err := fx.svc.Preview(context.Background(), id, []models.DerivedSpec{
		{Name: "bad", Expression: "[missing] * 2"},
	}, 5)
	var badReq *BadRequestError
	require.ErrorAs(t, err, &badReq)
}

func TestMaterializeRewritesArtifactAndJob(t *testing.T) {
	fx := newFixture(t)
	id := fx.seedReadyJob(t)

	res, err := fx.svc.Materialize(context.Background(), id, []models.DerivedSpec{
		{Name: "sum", Expression: "[x] + [y]"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y", "sum"}, res.Columns)
	assert.Equal(t, int64(3), res.Rows)
	assert.True(t, strings.HasSuffix(res.ProcessedKey, "__calc.parquet"))
	assert.NotEqual(t, "projects/p1/processed/run.parquet", res.ProcessedKey)

	// The new artifact is readable parquet carrying the derived column.
	data, ok := fx.objects.objects["datasets/"+res.ProcessedKey]
	require.True(t, ok, "materialized artifact not uploaded")
	reader, err := columnar.Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	frame, err := reader.ReadFirst(context.Background(), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "sum"}, frame.Columns)
	rows := frame.Maps()
	require.Len(t, rows, 3)
	assert.Equal(t, 33.0, rows[2]["sum"])

	// The job document is repointed at the new artifact.
	fields := fx.jobs.updates[id]
	require.NotNil(t, fields)
	assert.Equal(t, res.ProcessedKey, fields["processed_key"])
	assert.Equal(t, []string{"x", "y", "sum"}, fields["columns"])
	assert.Equal(t, int64(3), fields["rows_seen"])

	specs, ok := fields["derived_columns"].([]models.DerivedSpec)
	require.True(t, ok)
	require.Len(t, specs, 1)
	assert.Equal(t, "sum", specs[0].Name)
}

func TestMaterializeStacksDerivedColumns(t *testing.T) {
	fx := newFixture(t)
	id := fx.seedReadyJob(t)
	fx.jobs.jobs[id].Derived = []models.DerivedSpec{{Name: "old", Expression: "[x]"}}

	_, err := fx.svc.Materialize(context.Background(), id, []models.DerivedSpec{
		{Name: "sum", Expression: "[x] + [y]"},
	})
	require.NoError(t, err)

	specs := fx.jobs.updates[id]["derived_columns"].([]models.DerivedSpec)
	require.Len(t, specs, 2)
	assert.Equal(t, "old", specs[0].Name)
	assert.Equal(t, "sum", specs[1].Name)
}
