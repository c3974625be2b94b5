// Package janitor runs the periodic housekeeping sweep: stale queue
// deliveries are re-queued or failed, job documents abandoned by a dead
// worker are closed out, and orphaned scratch files are removed.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
)

const (
	defaultSchedule   = "@every 10m"
	defaultStaleAfter = 30 * time.Minute

	// workerLostMessage lands on job documents whose delivery exhausted its
	// attempts without a worker reporting back.
	workerLostMessage = "worker lost"

	// scratchPrefix marks temp files the pipelines stage; anything else in
	// the scratch dir is left alone.
	scratchPrefix = "volare-"
)

// Options carries the sweep knobs resolved from config.
type Options struct {
	Schedule   string
	StaleAfter time.Duration
	MaxRequeue int
	TempDir    string
}

// Service owns the cron entry and the sweep itself.
type Service struct {
	jobs     interfaces.IngestionStore
	vizs     interfaces.VisualizationStore
	ledger   interfaces.TaskLedger
	enqueuer interfaces.Enqueuer
	progress interfaces.ProgressService
	cron     *cron.Cron
	opts     Options
	logger   arbor.ILogger
}

// SweepStats reports what one sweep did.
type SweepStats struct {
	Requeued int
	Failed   int
	Scrubbed int
}

// NewService creates the janitor.
func NewService(jobs interfaces.IngestionStore, vizs interfaces.VisualizationStore, ledger interfaces.TaskLedger, enqueuer interfaces.Enqueuer, progress interfaces.ProgressService, opts Options, logger arbor.ILogger) *Service {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.MaxRequeue <= 0 {
		opts.MaxRequeue = 3
	}
	return &Service{
		jobs:     jobs,
		vizs:     vizs,
		ledger:   ledger,
		enqueuer: enqueuer,
		progress: progress,
		cron:     cron.New(),
		opts:     opts,
		logger:   logger,
	}
}

// Start registers the sweep on its schedule and starts the cron runner.
func (s *Service) Start() error {
	schedule := s.opts.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}

	_, err := s.cron.AddFunc(schedule, func() {
		s.runSweep()
	})
	if err != nil {
		return fmt.Errorf("failed to schedule janitor sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", schedule).
		Str("stale_after", s.opts.StaleAfter.String()).
		Msg("Janitor started")
	return nil
}

// Stop stops the cron runner. A sweep already in flight finishes.
func (s *Service) Stop() {
	s.cron.Stop()
	s.logger.Info().Msg("Janitor stopped")
}

func (s *Service) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stats, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Janitor sweep failed")
		return
	}
	if stats.Requeued > 0 || stats.Failed > 0 || stats.Scrubbed > 0 {
		s.logger.Info().
			Int("requeued", stats.Requeued).
			Int("failed", stats.Failed).
			Int("scrubbed", stats.Scrubbed).
			Msg("Janitor sweep completed")
	}
}

// Sweep performs one pass: stale processing deliveries with attempts left
// are re-queued, exhausted ones fail their job document, and old scratch
// files are removed.
func (s *Service) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	stale, err := s.ledger.StaleProcessing(ctx, s.opts.StaleAfter)
	if err != nil {
		return stats, fmt.Errorf("failed to list stale deliveries: %w", err)
	}

	for _, rec := range stale {
		log := s.logger.WithCorrelationId(rec.JobID)

		if rec.Attempts < s.opts.MaxRequeue {
			if _, err := s.enqueuer.Enqueue(ctx, models.QueueMessage{JobID: rec.JobID, Type: rec.Kind}); err != nil {
				log.Warn().Err(err).Str("message_id", rec.MessageID).Msg("Failed to requeue stale delivery")
				continue
			}
			if err := s.ledger.MarkFinished(ctx, rec.MessageID, errors.New("stale delivery requeued")); err != nil {
				log.Warn().Err(err).Str("message_id", rec.MessageID).Msg("Failed to close stale ledger record")
			}
			log.Info().
				Str("message_id", rec.MessageID).
				Str("kind", rec.Kind).
				Int("attempts", rec.Attempts).
				Msg("Requeued stale delivery")
			stats.Requeued++
			continue
		}

		if err := s.ledger.MarkFinished(ctx, rec.MessageID, errors.New(workerLostMessage)); err != nil {
			log.Warn().Err(err).Str("message_id", rec.MessageID).Msg("Failed to close stale ledger record")
		}
		s.failAbandonedJob(ctx, log, rec)
		stats.Failed++
	}

	stats.Scrubbed = s.cleanScratch()
	return stats, nil
}

// failAbandonedJob closes out the job document behind an exhausted delivery
// unless a later delivery already finished it.
func (s *Service) failAbandonedJob(ctx context.Context, log arbor.ILogger, rec *models.TaskRecord) {
	fields := map[string]any{
		"status":   models.StatusFailure,
		"progress": 100,
		"message":  workerLostMessage,
	}

	switch rec.Kind {
	case models.JobTypeIngestion:
		job, err := s.jobs.Get(ctx, rec.JobID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load abandoned ingestion job")
			return
		}
		if job.Status.IsTerminal() {
			return
		}
		if err := s.jobs.UpdateFields(ctx, rec.JobID, fields); err != nil {
			log.Warn().Err(err).Msg("Failed to fail abandoned ingestion job")
			return
		}
		s.progress.Publish(ctx, models.KindIngestion, rec.JobID, models.StatusFailure, 100, workerLostMessage)
	case models.JobTypeVisualization:
		doc, err := s.vizs.Get(ctx, rec.JobID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load abandoned visualization job")
			return
		}
		if doc.Status.IsTerminal() {
			return
		}
		if err := s.vizs.UpdateFields(ctx, rec.JobID, fields); err != nil {
			log.Warn().Err(err).Msg("Failed to fail abandoned visualization job")
			return
		}
		s.progress.Publish(ctx, models.KindVisualization, rec.JobID, models.StatusFailure, 100, workerLostMessage)
	default:
		log.Warn().Str("kind", rec.Kind).Msg("Stale delivery with unknown kind")
	}

	log.Warn().
		Str("message_id", rec.MessageID).
		Str("kind", rec.Kind).
		Int("attempts", rec.Attempts).
		Msg("Job abandoned by worker, marked failed")
}

// cleanScratch removes pipeline temp files older than the stale threshold.
func (s *Service) cleanScratch() int {
	if s.opts.TempDir == "" {
		return 0
	}
	entries, err := os.ReadDir(s.opts.TempDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("dir", s.opts.TempDir).Msg("Failed to read scratch dir")
		}
		return 0
	}

	cutoff := time.Now().Add(-s.opts.StaleAfter)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), scratchPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.opts.TempDir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove orphaned scratch file")
			continue
		}
		removed++
	}
	return removed
}
