package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"perp-signal-engine/internal/signal"
)

// ActiveSignalCache mirrors the in-memory active signal set into Redis so
// dashboards can read it without touching the engine, and so a restart can
// rebuild quickly before the database query lands.
type ActiveSignalCache struct {
	cs *CacheService
}

// NewActiveSignalCache wraps the cache service.
func NewActiveSignalCache(cs *CacheService) *ActiveSignalCache {
	return &ActiveSignalCache{cs: cs}
}

// Put caches an active signal. No TTL: the engine removes entries when they
// resolve or time out.
func (c *ActiveSignalCache) Put(ctx context.Context, rec *signal.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal signal %s: %w", rec.ID, err)
	}
	key := fmt.Sprintf(PrefixActiveSignal, rec.ID)
	return c.cs.setIndexed(ctx, key, KeyActiveIndex, rec.ID, string(payload), 0)
}

// Remove drops a resolved or timed-out signal.
func (c *ActiveSignalCache) Remove(ctx context.Context, id string) error {
	key := fmt.Sprintf(PrefixActiveSignal, id)
	return c.cs.deleteIndexed(ctx, key, KeyActiveIndex, id)
}

// LoadAll lists the cached active signals.
func (c *ActiveSignalCache) LoadAll(ctx context.Context) ([]*signal.Record, error) {
	ids, err := c.cs.members(ctx, KeyActiveIndex)
	if err != nil {
		return nil, err
	}

	out := make([]*signal.Record, 0, len(ids))
	for _, id := range ids {
		raw, err := c.cs.get(ctx, fmt.Sprintf(PrefixActiveSignal, id))
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var rec signal.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal cached signal %s: %w", id, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}
