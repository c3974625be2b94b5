package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ternarybob/volare/internal/common"
)

// ErrNotFound is returned when a job document does not exist.
var ErrNotFound = errors.New("document not found")

const (
	ingestionCollection = "ingestion_jobs"
	vizCollection       = "visualizations"
)

// DB holds the Mongo client plus the per-operation timeout shared by the
// job stores.
type DB struct {
	client   *mongodriver.Client
	database string
	timeout  time.Duration
	logger   arbor.ILogger
}

// Connect dials Mongo and verifies the connection with a ping.
func Connect(ctx context.Context, cfg *common.MongoConfig, timeout time.Duration, logger arbor.ILogger) (*DB, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo database name is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	logger.Debug().Str("database", cfg.Database).Msg("Mongo connection established")

	return &DB{
		client:   client,
		database: cfg.Database,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Collection returns a handle in the configured database.
func (db *DB) Collection(name string) *mongodriver.Collection {
	return db.client.Database(db.database).Collection(name)
}

// Ping checks connectivity for health reporting.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	return db.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (db *DB) Close(ctx context.Context) error {
	return db.client.Disconnect(ctx)
}

func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.timeout)
}
