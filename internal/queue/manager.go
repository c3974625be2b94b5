package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
)

// Config holds queue manager and worker pool settings.
type Config struct {
	QueueName         string
	PollInterval      time.Duration
	Concurrency       int
	VisibilityTimeout time.Duration
	MaxReceive        int
}

// Envelope wraps a queue message with delivery bookkeeping. A received
// message stays invisible until its deleteFn runs or the visibility timeout
// lapses; a worker crash therefore redelivers automatically.
type Envelope struct {
	ID           string               `json:"id"`
	Body         models.QueueMessage  `json:"body"`
	EnqueuedAt   time.Time            `json:"enqueued_at"`
	VisibleAt    time.Time            `json:"visible_at"`
	ReceiveCount int                  `json:"receive_count"`
}

// Manager implements a persistent visibility-timeout queue on BadgerDB.
//
// Key layout:
//
//	queue:{name}:msg:{id}                      message JSON
//	queue:{name}:index:{visibleAt:020d}:{id}   visibility index (empty value)
//
// The zero-padded nanosecond timestamp makes lexicographic iteration over
// the index equal to time ordering, so Receive scans only ready messages.
type Manager struct {
	db     *badger.DB
	config Config
	ledger interfaces.TaskLedger
	logger arbor.ILogger
}

// NewManager creates a queue manager on an externally owned badger handle.
// ledger may be nil when lifecycle observation is not needed.
func NewManager(db *badger.DB, config Config, ledger interfaces.TaskLedger, logger arbor.ILogger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if config.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 5 * time.Minute
	}
	if config.MaxReceive <= 0 {
		config.MaxReceive = 3
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	return &Manager{
		db:     db,
		config: config,
		ledger: ledger,
		logger: logger,
	}, nil
}

// Config returns the resolved queue configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Enqueue adds a message to the queue and returns its message id.
func (m *Manager) Enqueue(ctx context.Context, msg models.QueueMessage) (string, error) {
	id := uuid.New().String()
	now := time.Now()

	env := Envelope{
		ID:         id,
		Body:       msg,
		EnqueuedAt: now,
		VisibleAt:  now, // immediately visible
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(m.msgKey(id), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, id), []byte{})
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	if m.ledger != nil {
		rec := &models.TaskRecord{
			MessageID:  id,
			JobID:      msg.JobID,
			Kind:       msg.Type,
			EnqueuedAt: now,
		}
		if err := m.ledger.Record(ctx, rec); err != nil {
			m.logger.Warn().Err(err).Str("message_id", id).Msg("Failed to record task in ledger")
		}
	}

	m.logger.Debug().
		Str("message_id", id).
		Str("job_id", msg.JobID).
		Str("type", msg.Type).
		Msg("Message enqueued")

	return id, nil
}

// Receive pulls the next visible message. The returned deleteFn removes the
// message permanently; until it runs the message is invisible for the
// configured visibility timeout. Messages received more than MaxReceive
// times are dropped as poison pills.
func (m *Manager) Receive(ctx context.Context) (*Envelope, func() error, error) {
	var env Envelope
	var poisoned []string

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found := false
		var claimedIndexKey []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index keys sort by timestamp; nothing later is ready either.
				break
			}

			item, err := txn.Get(m.msgKey(id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Orphaned index entry, clean it up.
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var candidate Envelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &candidate)
			}); err != nil {
				return err
			}

			if candidate.ReceiveCount >= m.config.MaxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(m.msgKey(id)); err != nil {
					return err
				}
				poisoned = append(poisoned, id)
				continue
			}

			env = candidate
			claimedIndexKey = key
			found = true
			break
		}

		if !found {
			return models.ErrNoMessage
		}

		env.ReceiveCount++
		env.VisibleAt = time.Now().Add(m.config.VisibilityTimeout)

		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(env.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(claimedIndexKey); err != nil {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, env.ID), []byte{})
	})

	for _, id := range poisoned {
		m.logger.Warn().Str("message_id", id).Int("max_receive", m.config.MaxReceive).Msg("Dropping message after max receives")
		if m.ledger != nil {
			_ = m.ledger.MarkFinished(ctx, id, fmt.Errorf("dropped after %d receives", m.config.MaxReceive))
		}
	}

	if err != nil {
		return nil, nil, err
	}

	if m.ledger != nil {
		if err := m.ledger.MarkStarted(ctx, env.ID); err != nil {
			m.logger.Warn().Err(err).Str("message_id", env.ID).Msg("Failed to mark task started")
		}
	}

	deleteFn := func() error {
		return m.delete(env.ID)
	}
	return &env, deleteFn, nil
}

// Extend pushes a message's visibility deadline out for long-running jobs.
func (m *Manager) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(messageID))
		if err != nil {
			return err
		}

		var env Envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		oldVisibleAt := env.VisibleAt
		env.VisibleAt = time.Now().Add(duration)

		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(messageID), data); err != nil {
			return err
		}
		if err := txn.Delete(m.indexKey(oldVisibleAt, messageID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, messageID), []byte{})
	})
}

// Depth counts messages currently in the queue, delivered or not.
func (m *Manager) Depth(ctx context.Context) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:msg:", m.config.QueueName))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count queue messages: %w", err)
	}
	return count, nil
}

func (m *Manager) delete(messageID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(messageID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil // already deleted
			}
			return err
		}

		var env Envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(env.VisibleAt, messageID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(m.msgKey(messageID))
	})
}

func (m *Manager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.config.QueueName, id))
}

func (m *Manager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.config.QueueName))
}

func (m *Manager) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string sorting matches numeric sorting.
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.config.QueueName, visibleAt.UnixNano(), id))
}

func (m *Manager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := m.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid index key length")
	}

	suffix := string(key[len(prefix):])
	if len(suffix) < 22 { // 20 digits + colon + at least one id byte
		return time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
