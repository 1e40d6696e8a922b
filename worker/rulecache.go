// Package worker implements the stream-consuming evaluation loop: rule
// snapshot management, per-batch pattern pre-aggregation, rule application,
// bulk persistence, acknowledgement and alert fan-out.
package worker

import (
	"sync"
	"time"

	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"

	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/rules"
	"github.com/txguard/txguard/storage"
)

// SnapshotLoader loads every active rule as a merged, ordered sequence.
type SnapshotLoader interface {
	ActiveSnapshot() ([]storage.RuleRecord, error)
}

// RuleCache is the process-wide rule snapshot with TTL expiry and pub/sub
// invalidation. Reloads atomically swap the whole list.
type RuleCache struct {
	mu       sync.RWMutex
	items    []storage.RuleRecord
	loadedAt time.Time
	dirty    bool

	ttl    time.Duration
	store  SnapshotLoader
	engine *rules.MLEngine
	logger *zap.SugaredLogger
}

func NewRuleCache(store SnapshotLoader, engine *rules.MLEngine, ttl time.Duration) *RuleCache {
	return &RuleCache{
		ttl:    ttl,
		store:  store,
		engine: engine,
		logger: log.NewModuleLogger("worker"),
	}
}

// Invalidate marks the cache for reload before the next batch.
func (c *RuleCache) Invalidate() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// Listen consumes the rules-reload subscription until it closes, flipping
// the invalidation flag on every message. Run it on its own goroutine.
func (c *RuleCache) Listen(sub *redis.PubSub) {
	c.logger.Infow("subscribed to rule updates", "event", "rules_listener_start")
	for range sub.Channel() {
		c.Invalidate()
		c.logger.Infow("rule update signal received", "event", "rules_reload_signal")
	}
}

// SnapshotAt refreshes the cache if needed and returns the subset of rules
// updated at or before the batch cutoff, so a rule created mid-batch never
// half-applies.
func (c *RuleCache) SnapshotAt(cutoff time.Time) []storage.RuleRecord {
	c.maybeRefresh()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.RuleRecord, 0, len(c.items))
	for _, r := range c.items {
		if !r.UpdatedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func (c *RuleCache) maybeRefresh() {
	c.mu.RLock()
	need := c.dirty || time.Since(c.loadedAt) > c.ttl || len(c.items) == 0
	c.mu.RUnlock()
	if !need {
		return
	}

	merged, err := c.store.ActiveSnapshot()
	if err != nil {
		c.logger.Errorw("rules reload failed",
			"event", "rules_cache_refresh_failed", "error", err.Error())
		return
	}

	c.mu.Lock()
	before := len(c.items)
	c.items = merged
	c.loadedAt = time.Now()
	c.dirty = false
	c.mu.Unlock()

	c.logger.Infow("rules reloaded",
		"event", "rules_cache_refresh", "before", before, "after", len(merged))

	if c.engine != nil {
		var names []string
		for _, r := range merged {
			if r.Kind == storage.KindML && r.ML != nil {
				names = append(names, r.ML.ModelName)
			}
		}
		c.engine.Warm(names)
	}
}
