package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

const redisKeyPrefix = "storyrelay:"

// RedisStorage implements CacheStore on Redis.
//
// Layout:
//
//	storyrelay:snapshot:<target>   string, JSON snapshot (SET replaces atomically)
//	storyrelay:processed:<target>  hash item_id -> JSON ProcessedRecord
//	storyrelay:processed_at        sorted set "<target>\x00<item_id>" scored by unix time
type RedisStorage struct {
	client *redis.Client
}

type redisSnapshot struct {
	Items     []models.Item `json:"items"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewRedisStorage connects to Redis from a redis:// URL or host:port
func NewRedisStorage(ctx context.Context, redisURL string) (*RedisStorage, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStorage{client: client}, nil
}

func redisSnapshotKey(target string) string  { return redisKeyPrefix + "snapshot:" + target }
func redisProcessedKey(target string) string { return redisKeyPrefix + "processed:" + target }

const processedIndexKey = redisKeyPrefix + "processed_at"

func processedMember(target, itemID string) string { return target + "\x00" + itemID }

func (r *RedisStorage) getSnapshot(ctx context.Context, target string) (*redisSnapshot, error) {
	raw, err := r.client.Get(ctx, redisSnapshotKey(target)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot for %s: %w", target, err)
	}

	var snap redisSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", target, err)
	}
	return &snap, nil
}

func (r *RedisStorage) ReadSnapshot(ctx context.Context, target string) ([]models.Item, error) {
	snap, err := r.getSnapshot(ctx, target)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.Items == nil {
		return []models.Item{}, nil
	}
	return snap.Items, nil
}

func (r *RedisStorage) WriteSnapshot(ctx context.Context, target string, items []models.Item) error {
	raw, err := json.Marshal(redisSnapshot{Items: copyItems(items), UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", target, err)
	}
	if err := r.client.Set(ctx, redisSnapshotKey(target), raw, 0).Err(); err != nil {
		return fmt.Errorf("set snapshot for %s: %w", target, err)
	}
	return nil
}

func (r *RedisStorage) IsMarked(ctx context.Context, target, itemID string) (bool, error) {
	ok, err := r.client.HExists(ctx, redisProcessedKey(target), itemID).Result()
	if err != nil {
		return false, fmt.Errorf("check processed item %s: %w", itemID, err)
	}
	return ok, nil
}

func (r *RedisStorage) Mark(ctx context.Context, rec models.ProcessedRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode processed item %s: %w", rec.ItemID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, redisProcessedKey(rec.Target), rec.ItemID, raw)
		p.ZAddNX(ctx, processedIndexKey, redis.Z{
			Score:  float64(rec.ProcessedAt.Unix()),
			Member: processedMember(rec.Target, rec.ItemID),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark processed item %s: %w", rec.ItemID, err)
	}
	return nil
}

func (r *RedisStorage) Clear(ctx context.Context, target string) error {
	ids, err := r.client.HKeys(ctx, redisProcessedKey(target)).Result()
	if err != nil {
		return fmt.Errorf("list processed items for %s: %w", target, err)
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisSnapshotKey(target), redisProcessedKey(target))
		if len(ids) > 0 {
			members := make([]interface{}, len(ids))
			for i, id := range ids {
				members[i] = processedMember(target, id)
			}
			p.ZRem(ctx, processedIndexKey, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear %s: %w", target, err)
	}
	return nil
}

func (r *RedisStorage) DeleteMarkedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	members, err := r.client.ZRangeByScore(ctx, processedIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired processed items: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, member := range members {
			target, itemID, ok := strings.Cut(member, "\x00")
			if !ok {
				continue
			}
			p.HDel(ctx, redisProcessedKey(target), itemID)
			p.ZRem(ctx, processedIndexKey, member)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired processed items: %w", err)
	}
	return int64(len(members)), nil
}

func (r *RedisStorage) Stats(ctx context.Context, target string) (*models.CacheStats, error) {
	stats := &models.CacheStats{Target: target}

	snap, err := r.getSnapshot(ctx, target)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		stats.SnapshotSize = len(snap.Items)
		stats.PendingCount = countPending(snap.Items)
		stats.UpdatedAt = snap.UpdatedAt
	}

	stats.ProcessedCount, err = r.client.HLen(ctx, redisProcessedKey(target)).Result()
	if err != nil {
		return nil, fmt.Errorf("count processed items: %w", err)
	}
	return stats, nil
}

// Close closes the Redis client
func (r *RedisStorage) Close() error {
	return r.client.Close()
}
