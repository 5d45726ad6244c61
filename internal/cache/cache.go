package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/storage"
)

var (
	// ErrCacheUnavailable wraps every failure of the backing store
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrInvalidKey is returned for an empty target or item id
	ErrInvalidKey = errors.New("invalid cache key")
)

// DedupCache tracks, per target, the last committed snapshot and the
// log of items already delivered.
type DedupCache struct {
	store  storage.CacheStore
	logger *log.Logger
	now    func() time.Time
}

// New creates a DedupCache on top of store
func New(store storage.CacheStore, logger *log.Logger) *DedupCache {
	return &DedupCache{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCacheUnavailable, op, err)
}

// Snapshot returns the last committed snapshot for target. A target that was
// never committed yields an empty slice.
func (c *DedupCache) Snapshot(ctx context.Context, target string) ([]models.Item, error) {
	if target == "" {
		return nil, ErrInvalidKey
	}
	items, err := c.store.ReadSnapshot(ctx, target)
	if err != nil {
		return nil, unavailable("read snapshot", err)
	}
	if items == nil {
		items = []models.Item{}
	}
	return items, nil
}

// ReplaceSnapshot overwrites the snapshot for target with items
func (c *DedupCache) ReplaceSnapshot(ctx context.Context, target string, items []models.Item) error {
	if target == "" {
		return ErrInvalidKey
	}
	if err := c.store.WriteSnapshot(ctx, target, items); err != nil {
		return unavailable("write snapshot", err)
	}
	c.logger.Debug("snapshot replaced", "target", target, "items", len(items))
	return nil
}

func (c *DedupCache) IsProcessed(ctx context.Context, target, itemID string) (bool, error) {
	if target == "" || itemID == "" {
		return false, ErrInvalidKey
	}
	ok, err := c.store.IsMarked(ctx, target, itemID)
	if err != nil {
		return false, unavailable("check processed", err)
	}
	return ok, nil
}

// MarkProcessed records item as delivered for target. Marking twice is a no-op.
func (c *DedupCache) MarkProcessed(ctx context.Context, target string, item models.Item) error {
	if target == "" || item.ID == "" {
		return ErrInvalidKey
	}
	rec := models.ProcessedRecord{
		Target:      target,
		ItemID:      item.ID,
		URL:         item.URL,
		Kind:        item.Kind,
		ProcessedAt: c.now().UTC(),
	}
	if err := c.store.Mark(ctx, rec); err != nil {
		return unavailable("mark processed", err)
	}
	return nil
}

// Clear drops both the snapshot and processed records of target
func (c *DedupCache) Clear(ctx context.Context, target string) error {
	if target == "" {
		return ErrInvalidKey
	}
	if err := c.store.Clear(ctx, target); err != nil {
		return unavailable("clear", err)
	}
	c.logger.Info("cache cleared", "target", target)
	return nil
}

// Sweep removes processed records older than olderThan across all targets
func (c *DedupCache) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", olderThan)
	}
	cutoff := c.now().Add(-olderThan)
	removed, err := c.store.DeleteMarkedBefore(ctx, cutoff)
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	c.logger.Info("retention sweep finished", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	return removed, nil
}

func (c *DedupCache) Stats(ctx context.Context, target string) (*models.CacheStats, error) {
	if target == "" {
		return nil, ErrInvalidKey
	}
	stats, err := c.store.Stats(ctx, target)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	return stats, nil
}
