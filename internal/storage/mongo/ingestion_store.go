package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
)

// IngestionStore persists ingestion job documents.
type IngestionStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewIngestionStore creates the store and its indexes.
func NewIngestionStore(ctx context.Context, db *DB, logger arbor.ILogger) (interfaces.IngestionStore, error) {
	s := &IngestionStore{db: db, logger: logger}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	_, err := s.coll().Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "project_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure ingestion_jobs indexes: %w", err)
	}
	return s, nil
}

func (s *IngestionStore) coll() *mongodriver.Collection {
	return s.db.Collection(ingestionCollection)
}

func (s *IngestionStore) Create(ctx context.Context, job *models.IngestionJob) (string, error) {
	if job == nil {
		return "", errors.New("job is required")
	}
	if job.ProjectID == "" {
		return "", errors.New("project id is required")
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.StatusQueued
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.coll().InsertOne(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to insert ingestion job: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	job.ID = oid
	return oid.Hex(), nil
}

func (s *IngestionStore) Get(ctx context.Context, jobID string) (*models.IngestionJob, error) {
	oid, err := primitive.ObjectIDFromHex(jobID)
	if err != nil {
		return nil, ErrNotFound
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var job models.IngestionJob
	err = s.coll().FindOne(ctx, bson.M{"_id": oid}).Decode(&job)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *IngestionStore) UpdateFields(ctx context.Context, jobID string, fields map[string]any) error {
	oid, err := primitive.ObjectIDFromHex(jobID)
	if err != nil {
		return ErrNotFound
	}

	set := bson.M{"updated_at": time.Now().UTC()}
	for k, v := range fields {
		set[k] = v
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.coll().UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update ingestion job %s: %w", jobID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *IngestionStore) ListForProject(ctx context.Context, projectID string, limit int64) ([]*models.IngestionJob, error) {
	if limit <= 0 {
		limit = 200
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)
	cur, err := s.coll().Find(ctx, bson.M{"project_id": projectID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion jobs for %s: %w", projectID, err)
	}
	defer cur.Close(ctx)

	var jobs []*models.IngestionJob
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode ingestion jobs: %w", err)
	}
	return jobs, nil
}

func (s *IngestionStore) Delete(ctx context.Context, jobID string) error {
	oid, err := primitive.ObjectIDFromHex(jobID)
	if err != nil {
		return ErrNotFound
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.coll().DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("failed to delete ingestion job %s: %w", jobID, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
