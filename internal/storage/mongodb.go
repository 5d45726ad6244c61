package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/config"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

// MongoDBStorage implements CacheStore on MongoDB.
// Each target's snapshot is one document, so ReplaceOne swaps it atomically.
type MongoDBStorage struct {
	client    *mongo.Client
	snapshots *mongo.Collection
	processed *mongo.Collection
}

type mongoSnapshot struct {
	Target    string        `bson:"_id"`
	Items     []models.Item `bson:"items"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

// NewMongoDBStorage connects to MongoDB and ensures indexes exist
func NewMongoDBStorage(ctx context.Context, cfg config.StorageConfig) (*MongoDBStorage, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(cfg.MongoDBName)
	m := &MongoDBStorage{
		client:    client,
		snapshots: db.Collection("snapshots"),
		processed: db.Collection("processed_items"),
	}

	if err := m.createIndexes(connectCtx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return m, nil
}

func (m *MongoDBStorage) createIndexes(ctx context.Context) error {
	_, err := m.processed.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "target", Value: 1}, {Key: "item_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "processed_at", Value: 1}},
		},
	})
	return err
}

func (m *MongoDBStorage) findSnapshot(ctx context.Context, target string) (*mongoSnapshot, error) {
	var snap mongoSnapshot
	err := m.snapshots.FindOne(ctx, bson.M{"_id": target}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find snapshot for %s: %w", target, err)
	}
	return &snap, nil
}

func (m *MongoDBStorage) ReadSnapshot(ctx context.Context, target string) ([]models.Item, error) {
	snap, err := m.findSnapshot(ctx, target)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.Items == nil {
		return []models.Item{}, nil
	}
	return snap.Items, nil
}

func (m *MongoDBStorage) WriteSnapshot(ctx context.Context, target string, items []models.Item) error {
	doc := mongoSnapshot{
		Target:    target,
		Items:     copyItems(items),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := m.snapshots.ReplaceOne(ctx, bson.M{"_id": target}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to replace snapshot for %s: %w", target, err)
	}
	return nil
}

func (m *MongoDBStorage) IsMarked(ctx context.Context, target, itemID string) (bool, error) {
	n, err := m.processed.CountDocuments(ctx,
		bson.M{"target": target, "item_id": itemID},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("failed to count processed item %s: %w", itemID, err)
	}
	return n > 0, nil
}

func (m *MongoDBStorage) Mark(ctx context.Context, rec models.ProcessedRecord) error {
	filter := bson.M{"target": rec.Target, "item_id": rec.ItemID}
	update := bson.M{"$setOnInsert": rec}

	_, err := m.processed.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to mark processed item %s: %w", rec.ItemID, err)
	}
	return nil
}

func (m *MongoDBStorage) Clear(ctx context.Context, target string) error {
	if _, err := m.snapshots.DeleteOne(ctx, bson.M{"_id": target}); err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", target, err)
	}
	if _, err := m.processed.DeleteMany(ctx, bson.M{"target": target}); err != nil {
		return fmt.Errorf("failed to delete processed items for %s: %w", target, err)
	}
	return nil
}

func (m *MongoDBStorage) DeleteMarkedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := m.processed.DeleteMany(ctx, bson.M{"processed_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired processed items: %w", err)
	}
	return result.DeletedCount, nil
}

func (m *MongoDBStorage) Stats(ctx context.Context, target string) (*models.CacheStats, error) {
	stats := &models.CacheStats{Target: target}

	snap, err := m.findSnapshot(ctx, target)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		stats.SnapshotSize = len(snap.Items)
		stats.PendingCount = countPending(snap.Items)
		stats.UpdatedAt = snap.UpdatedAt
	}

	stats.ProcessedCount, err = m.processed.CountDocuments(ctx, bson.M{"target": target})
	if err != nil {
		return nil, fmt.Errorf("failed to count processed items: %w", err)
	}
	return stats, nil
}

// Close disconnects the MongoDB client
func (m *MongoDBStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
