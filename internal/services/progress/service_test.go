package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewService(client, arbor.NewLogger())
}

func TestPublishWritesHashAndSnapshotReadsIt(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Publish(ctx, models.KindIngestion, "job-1", models.StatusStarted, 35, "Materializing Parquet")

	ev, err := svc.Snapshot(ctx, models.KindIngestion, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "started", ev.Status)
	assert.Equal(t, 35, ev.Progress)
	assert.Equal(t, "Materializing Parquet", ev.Message)
}

func TestPublishOverwritesPreviousStatus(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Publish(ctx, models.KindVisualization, "viz-1", models.StatusStarted, 10, "Preparing visualization")
	svc.Publish(ctx, models.KindVisualization, "viz-1", models.StatusSuccess, 100, "Visualization ready")

	ev, err := svc.Snapshot(ctx, models.KindVisualization, "viz-1")
	require.NoError(t, err)
	assert.Equal(t, "success", ev.Status)
	assert.Equal(t, 100, ev.Progress)
	assert.Equal(t, "Visualization ready", ev.Message)
}

func TestPublishDefaultsMessageToStatus(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Publish(ctx, models.KindIngestion, "job-2", models.StatusQueued, 0, "")

	ev, err := svc.Snapshot(ctx, models.KindIngestion, "job-2")
	require.NoError(t, err)
	assert.Equal(t, "queued", ev.Message)
}

func TestSnapshotMissingJob(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Snapshot(context.Background(), models.KindIngestion, "nope")
	assert.ErrorIs(t, err, ErrNoStatus)
}

func TestKindsDoNotCollide(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Publish(ctx, models.KindIngestion, "shared-id", models.StatusFailure, 100, "boom")
	svc.Publish(ctx, models.KindVisualization, "shared-id", models.StatusSuccess, 100, "done")

	ing, err := svc.Snapshot(ctx, models.KindIngestion, "shared-id")
	require.NoError(t, err)
	viz, err := svc.Snapshot(ctx, models.KindVisualization, "shared-id")
	require.NoError(t, err)

	assert.Equal(t, "failure", ing.Status)
	assert.Equal(t, "success", viz.Status)
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	events, cancel, err := svc.Subscribe(ctx, models.KindIngestion, "job-3")
	require.NoError(t, err)
	defer cancel()

	svc.Publish(ctx, models.KindIngestion, "job-3", models.StatusStarted, 5, "Downloading raw file from object store")
	svc.Publish(ctx, models.KindIngestion, "job-3", models.StatusSuccess, 100, "Upload + processing complete")

	var got []models.ProgressEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d", len(got))
		}
	}

	assert.Equal(t, "started", got[0].Status)
	assert.Equal(t, 5, got[0].Progress)
	assert.Equal(t, "success", got[1].Status)
	assert.Equal(t, "Upload + processing complete", got[1].Message)
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	svc := newTestService(t)

	events, cancel, err := svc.Subscribe(context.Background(), models.KindIngestion, "job-4")
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-events:
		assert.False(t, open, "channel should be closed after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
