// Package progress fans job status out through Redis: a status hash for
// late readers and a pub/sub channel for live subscribers. Both pipelines
// publish through the single entry point here so the hash and the stream
// never disagree.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/models"
)

// ErrNoStatus is returned by Snapshot when no status hash exists yet for
// the job. Callers fall back to the job document.
var ErrNoStatus = errors.New("no status recorded for job")

// Service publishes and reads progress events.
type Service struct {
	client *redis.Client
	logger arbor.ILogger
}

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, cfg *common.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewService creates a progress service on an externally owned client.
func NewService(client *redis.Client, logger arbor.ILogger) *Service {
	return &Service{
		client: client,
		logger: logger,
	}
}

// Publish writes the status hash and then emits the event on the pub/sub
// channel, so a subscriber that sees the event always finds a hash at least
// as new. Publishing is best effort: failures are logged and never fail the
// job that reports them.
func (s *Service) Publish(ctx context.Context, kind models.ProgressKind, jobID string, status models.JobStatus, progress int, message string) {
	if message == "" {
		message = string(status)
	}

	ev := models.ProgressEvent{
		Status:   string(status),
		Progress: progress,
		Message:  message,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to encode progress event")
		return
	}

	if err := s.client.HSet(ctx, statusKey(kind, jobID),
		"status", ev.Status,
		"progress", ev.Progress,
		"message", ev.Message,
	).Err(); err != nil {
		s.logger.Warn().
			Err(err).
			Str("kind", string(kind)).
			Str("job_id", jobID).
			Msg("Failed to write status hash")
	}

	if err := s.client.Publish(ctx, eventsKey(kind, jobID), payload).Err(); err != nil {
		s.logger.Warn().
			Err(err).
			Str("kind", string(kind)).
			Str("job_id", jobID).
			Msg("Failed to publish progress event")
	}

	s.logger.Debug().
		Str("kind", string(kind)).
		Str("job_id", jobID).
		Str("status", ev.Status).
		Int("progress", ev.Progress).
		Msg(ev.Message)
}

// Snapshot reads the current status hash.
func (s *Service) Snapshot(ctx context.Context, kind models.ProgressKind, jobID string) (*models.ProgressEvent, error) {
	vals, err := s.client.HGetAll(ctx, statusKey(kind, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status hash: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNoStatus
	}

	ev := &models.ProgressEvent{
		Status:  vals["status"],
		Message: vals["message"],
	}
	if p, err := strconv.Atoi(vals["progress"]); err == nil {
		ev.Progress = p
	}
	return ev, nil
}

// Subscribe opens a live event stream for one job. The returned cancel
// function closes the subscription; the channel closes after cancel or when
// ctx ends.
func (s *Service) Subscribe(ctx context.Context, kind models.ProgressKind, jobID string) (<-chan models.ProgressEvent, func(), error) {
	sub := s.client.Subscribe(ctx, eventsKey(kind, jobID))

	// Confirm the subscription before handing the channel out so no event
	// published after this call is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to progress events: %w", err)
	}

	out := make(chan models.ProgressEvent, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn().
					Err(err).
					Str("kind", string(kind)).
					Str("job_id", jobID).
					Msg("Discarding malformed progress event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

func statusKey(kind models.ProgressKind, jobID string) string {
	return fmt.Sprintf("%s:%s:status", kind, jobID)
}

func eventsKey(kind models.ProgressKind, jobID string) string {
	return fmt.Sprintf("%s:%s:events", kind, jobID)
}
