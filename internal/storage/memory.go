package storage

import (
	"context"
	"sync"
	"time"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

type memorySnapshot struct {
	items     []models.Item
	updatedAt time.Time
}

// MemoryStorage implements CacheStore in process memory.
// State is lost on restart; intended for tests and local runs.
type MemoryStorage struct {
	mu        sync.RWMutex
	snapshots map[string]memorySnapshot
	processed map[string]map[string]models.ProcessedRecord
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		snapshots: make(map[string]memorySnapshot),
		processed: make(map[string]map[string]models.ProcessedRecord),
	}
}

func (m *MemoryStorage) ReadSnapshot(ctx context.Context, target string) ([]models.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[target]
	if !ok {
		return []models.Item{}, nil
	}
	return copyItems(snap.items), nil
}

func (m *MemoryStorage) WriteSnapshot(ctx context.Context, target string, items []models.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[target] = memorySnapshot{items: copyItems(items), updatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStorage) IsMarked(ctx context.Context, target, itemID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.processed[target][itemID]
	return ok, nil
}

func (m *MemoryStorage) Mark(ctx context.Context, rec models.ProcessedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.processed[rec.Target]
	if !ok {
		byID = make(map[string]models.ProcessedRecord)
		m.processed[rec.Target] = byID
	}
	if _, exists := byID[rec.ItemID]; !exists {
		byID[rec.ItemID] = rec
	}
	return nil
}

func (m *MemoryStorage) Clear(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, target)
	delete(m.processed, target)
	return nil
}

func (m *MemoryStorage) DeleteMarkedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for target, byID := range m.processed {
		for id, rec := range byID {
			if rec.ProcessedAt.Before(cutoff) {
				delete(byID, id)
				removed++
			}
		}
		if len(byID) == 0 {
			delete(m.processed, target)
		}
	}
	return removed, nil
}

func (m *MemoryStorage) Stats(ctx context.Context, target string) (*models.CacheStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.snapshots[target]
	return &models.CacheStats{
		Target:         target,
		SnapshotSize:   len(snap.items),
		PendingCount:   countPending(snap.items),
		ProcessedCount: int64(len(m.processed[target])),
		UpdatedAt:      snap.updatedAt,
	}, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
