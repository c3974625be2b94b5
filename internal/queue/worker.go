package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/models"
)

// JobHandler runs one job to terminal state. The handler owns job-document
// status updates; a returned error only records the queue-level outcome.
type JobHandler func(ctx context.Context, msg models.QueueMessage) error

// WorkerPool manages a pool of workers that process queue messages
type WorkerPool struct {
	manager  *Manager
	handlers map[string]JobHandler
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(manager *Manager, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		manager:  manager,
		handlers: make(map[string]JobHandler),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers a job type handler
func (wp *WorkerPool) RegisterHandler(jobType string, handler JobHandler) {
	wp.handlers[jobType] = handler
	wp.logger.Debug().
		Str("job_type", jobType).
		Msg("Job handler registered")
}

// Start starts the worker pool
func (wp *WorkerPool) Start() error {
	concurrency := wp.manager.Config().Concurrency
	wp.logger.Info().
		Int("concurrency", concurrency).
		Msg("Starting worker pool")

	for i := 0; i < concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	return nil
}

// Stop gracefully stops the worker pool and waits for in-flight jobs.
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

// worker is the main worker loop that processes messages
func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	cfg := wp.manager.Config()

	// Stagger worker starts to spread polls across the interval and reduce
	// transaction conflicts on the shared store.
	staggerDelay := (cfg.PollInterval / time.Duration(cfg.Concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-wp.ctx.Done():
			return
		case <-time.After(staggerDelay):
		}
	}

	wp.logger.Debug().
		Int("worker_id", workerID).
		Dur("stagger_delay", staggerDelay).
		Msg("Worker started")

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			if err := wp.processMessage(workerID); err != nil {
				if !errors.Is(err, models.ErrNoMessage) {
					wp.logger.Warn().
						Err(err).
						Int("worker_id", workerID).
						Msg("Error processing message")
				}
			}
		}
	}
}

// processMessage receives and processes a single message
func (wp *WorkerPool) processMessage(workerID int) error {
	env, deleteFn, err := wp.manager.Receive(wp.ctx)
	if err != nil {
		return err
	}

	wp.logger.Debug().
		Str("message_id", env.ID).
		Str("job_id", env.Body.JobID).
		Str("type", env.Body.Type).
		Int("worker_id", workerID).
		Msg("Processing message")

	handler, exists := wp.handlers[env.Body.Type]
	if !exists {
		wp.logger.Error().
			Str("type", env.Body.Type).
			Str("message_id", env.ID).
			Msg("No handler registered for job type")
		if delErr := deleteFn(); delErr != nil {
			wp.logger.Warn().Err(delErr).Msg("Failed to delete unknown job type message")
		}
		wp.finish(env.ID, fmt.Errorf("no handler for job type: %s", env.Body.Type))
		return fmt.Errorf("no handler for job type: %s", env.Body.Type)
	}

	startTime := time.Now()
	handlerErr := wp.runHandler(handler, env.Body)
	duration := time.Since(startTime)

	// The job document records failures; the message is done either way.
	// Only a worker crash leaves the message for visibility-timeout
	// redelivery.
	if delErr := deleteFn(); delErr != nil {
		wp.logger.Warn().
			Err(delErr).
			Str("message_id", env.ID).
			Msg("Failed to delete message after processing")
	}
	wp.finish(env.ID, handlerErr)

	if handlerErr != nil {
		wp.logger.Error().
			Err(handlerErr).
			Str("message_id", env.ID).
			Str("job_id", env.Body.JobID).
			Str("type", env.Body.Type).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Job handler failed")
		return handlerErr
	}

	wp.logger.Info().
		Str("message_id", env.ID).
		Str("job_id", env.Body.JobID).
		Str("type", env.Body.Type).
		Dur("duration", duration).
		Int("worker_id", workerID).
		Msg("Job completed successfully")

	return nil
}

func (wp *WorkerPool) runHandler(handler JobHandler, msg models.QueueMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Str("job_id", msg.JobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Job handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(wp.ctx, msg)
}

func (wp *WorkerPool) finish(messageID string, handlerErr error) {
	if wp.manager.ledger == nil {
		return
	}
	if err := wp.manager.ledger.MarkFinished(wp.ctx, messageID, handlerErr); err != nil {
		wp.logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to mark task finished")
	}
}
