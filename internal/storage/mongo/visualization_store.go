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

// VisualizationStore persists visualization job documents.
type VisualizationStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewVisualizationStore creates the store and its indexes.
func NewVisualizationStore(ctx context.Context, db *DB, logger arbor.ILogger) (interfaces.VisualizationStore, error) {
	s := &VisualizationStore{db: db, logger: logger}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	_, err := s.coll().Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "project_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure visualizations indexes: %w", err)
	}
	return s, nil
}

func (s *VisualizationStore) coll() *mongodriver.Collection {
	return s.db.Collection(vizCollection)
}

func (s *VisualizationStore) Create(ctx context.Context, viz *models.VisualizationJob) (string, error) {
	if viz == nil {
		return "", errors.New("visualization is required")
	}
	if viz.ProjectID == "" {
		return "", errors.New("project id is required")
	}

	now := time.Now().UTC()
	viz.CreatedAt = now
	viz.UpdatedAt = now
	if viz.Status == "" {
		viz.Status = models.StatusQueued
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.coll().InsertOne(ctx, viz)
	if err != nil {
		return "", fmt.Errorf("failed to insert visualization: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	viz.ID = oid
	return oid.Hex(), nil
}

func (s *VisualizationStore) Get(ctx context.Context, vizID string) (*models.VisualizationJob, error) {
	oid, err := primitive.ObjectIDFromHex(vizID)
	if err != nil {
		return nil, ErrNotFound
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var viz models.VisualizationJob
	err = s.coll().FindOne(ctx, bson.M{"_id": oid}).Decode(&viz)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visualization %s: %w", vizID, err)
	}
	return &viz, nil
}

func (s *VisualizationStore) UpdateFields(ctx context.Context, vizID string, fields map[string]any) error {
	oid, err := primitive.ObjectIDFromHex(vizID)
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
		return fmt.Errorf("failed to update visualization %s: %w", vizID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *VisualizationStore) ListForProject(ctx context.Context, projectID string, limit int64) ([]*models.VisualizationJob, error) {
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)
	cur, err := s.coll().Find(ctx, bson.M{"project_id": projectID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list visualizations for %s: %w", projectID, err)
	}
	defer cur.Close(ctx)

	var vizzes []*models.VisualizationJob
	if err := cur.All(ctx, &vizzes); err != nil {
		return nil, fmt.Errorf("failed to decode visualizations: %w", err)
	}
	return vizzes, nil
}

func (s *VisualizationStore) Delete(ctx context.Context, vizID string) error {
	oid, err := primitive.ObjectIDFromHex(vizID)
	if err != nil {
		return ErrNotFound
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.coll().DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("failed to delete visualization %s: %w", vizID, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
