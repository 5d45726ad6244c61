package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/config"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

// CacheStore defines the contract for dedup state storage.
// Implementations report any backend failure as a plain error; callers decide
// how to classify it.
type CacheStore interface {
	// ReadSnapshot returns the stored snapshot for target, or an empty slice
	ReadSnapshot(ctx context.Context, target string) ([]models.Item, error)
	// WriteSnapshot replaces the stored snapshot for target in one step
	WriteSnapshot(ctx context.Context, target string, items []models.Item) error
	IsMarked(ctx context.Context, target, itemID string) (bool, error)
	// Mark records a processed item. Marking an existing record is a no-op.
	Mark(ctx context.Context, rec models.ProcessedRecord) error
	// Clear removes snapshot and processed records for target
	Clear(ctx context.Context, target string) error
	// DeleteMarkedBefore removes processed records older than cutoff
	DeleteMarkedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, target string) (*models.CacheStats, error)
	Close() error
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(ctx context.Context, cfg config.StorageConfig) (CacheStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSQLiteStorage(cfg.SQLitePath)
	case "dynamodb":
		return NewDynamoDBStorage(cfg)
	case "mongodb":
		return NewMongoDBStorage(ctx, cfg)
	case "postgresql":
		return NewPostgreSQLStorage(cfg.PostgresURI)
	case "redis":
		return NewRedisStorage(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// copyItems returns a copy so stored snapshots never alias caller slices
func copyItems(items []models.Item) []models.Item {
	out := make([]models.Item, len(items))
	copy(out, items)
	return out
}

func countPending(items []models.Item) int {
	n := 0
	for _, item := range items {
		if item.Pending {
			n++
		}
	}
	return n
}
