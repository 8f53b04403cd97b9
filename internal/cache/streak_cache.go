package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"perp-signal-engine/internal/signal"
	"perp-signal-engine/internal/strategy"
)

// StreakCache persists streak trackers per (symbol, timeframe). It satisfies
// the strategy runtime's StreakStore.
type StreakCache struct {
	cs *CacheService
}

// NewStreakCache wraps the cache service.
func NewStreakCache(cs *CacheService) *StreakCache {
	return &StreakCache{cs: cs}
}

// SaveStreak writes one tracker atomically.
func (c *StreakCache) SaveStreak(ctx context.Context, symbol, timeframe string, st signal.StreakTracker) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal streak %s %s: %w", symbol, timeframe, err)
	}
	key := fmt.Sprintf(PrefixStreak, symbol, timeframe)
	member := symbol + ":" + timeframe
	return c.cs.setIndexed(ctx, key, KeyStreakIndex, member, string(payload), DefaultStreakTTL)
}

// LoadStreaks reads every persisted tracker. Entries whose value expired but
// whose index member lingers are skipped.
func (c *StreakCache) LoadStreaks(ctx context.Context) (map[strategy.PairKey]signal.StreakTracker, error) {
	members, err := c.cs.members(ctx, KeyStreakIndex)
	if err != nil {
		return nil, err
	}

	out := make(map[strategy.PairKey]signal.StreakTracker, len(members))
	for _, member := range members {
		parts := strings.SplitN(member, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := fmt.Sprintf(PrefixStreak, parts[0], parts[1])
		raw, err := c.cs.get(ctx, key)
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var st signal.StreakTracker
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("unmarshal streak %s: %w", member, err)
		}
		out[strategy.PairKey{Symbol: parts[0], Timeframe: parts[1]}] = st
	}
	return out, nil
}
