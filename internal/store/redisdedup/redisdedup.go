package redisdedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetwatch/internal/domain"
)

// Cache is a fast-path daily dedup check in front of the events table. Keys
// expire at the end of the calendar day so a condition can fire again
// tomorrow. A nil Cache is valid and always misses.
type Cache struct {
	client *redis.Client
}

func New(ctx context.Context, addr string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Cache{client: client}, nil
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *Cache) CheckEventDedup(ctx context.Context, targetID string, typ domain.EventType, day time.Time) (bool, error) {
	if c == nil {
		return false, nil
	}
	count, err := c.client.Exists(ctx, dedupKey(targetID, typ, day)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return count > 0, nil
}

func (c *Cache) SetEventDedup(ctx context.Context, targetID string, typ domain.EventType, day time.Time) error {
	if c == nil {
		return nil
	}
	ttl := time.Until(endOfDay(day))
	if ttl <= 0 {
		ttl = time.Minute
	}
	return c.client.Set(ctx, dedupKey(targetID, typ, day), "1", ttl).Err()
}

func dedupKey(targetID string, typ domain.EventType, day time.Time) string {
	return fmt.Sprintf("event_dedup:%s:%s:%s", targetID, string(typ), day.Format("2006-01-02"))
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}
