package templates

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"notification-gateway/internal/db"
)

// InvalidateChannel is the redis pub/sub channel carrying cross-host
// template invalidations. In-process coherence is otherwise bounded by
// the cache TTL.
const InvalidateChannel = "template.invalidate"

// negativeTTL bounds how long a not-found result is served from cache.
const negativeTTL = 60 * time.Second

type cacheEntry struct {
	template  *Template // nil marks a negative entry
	expiresAt time.Time
}

// cache is the in-process template cache: multi-reader, single-writer per
// key, TTL-based expiry, negative caching for not-found lookups.
type cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

func newCache(ttl time.Duration) *cache {
	return &cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// get returns (template, found-in-cache). A hit with a nil template means
// a cached not-found.
func (c *cache) get(key string) (*Template, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.template, true
}

func (c *cache) put(key string, t *Template) {
	ttl := c.ttl
	if t == nil {
		ttl = negativeTTL
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{template: t, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *cache) invalidate(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
}

// invalidation is the pub/sub payload broadcast on template updates.
type invalidation struct {
	TemplateID string `json:"template_id"`
	TenantID   string `json:"tenant_id"`
	Name       string `json:"name"`
}

// watchInvalidations subscribes to the invalidation channel and evicts
// matching cache entries until ctx is done.
func watchInvalidations(ctx context.Context, redis *db.RedisClient, c *cache, logger *zap.Logger) {
	sub := redis.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				logger.Warn("bad template invalidation payload", zap.Error(err))
				continue
			}
			c.invalidate(idKey(inv.TemplateID), nameKey(inv.TenantID, inv.Name))
			logger.Debug("template cache invalidated",
				zap.String("template_id", inv.TemplateID),
				zap.String("name", inv.Name))
		}
	}
}

func idKey(id string) string { return "id:" + id }

func nameKey(tenantID, name string) string { return "name:" + tenantID + ":" + name }
