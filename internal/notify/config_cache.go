package notify

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openmohaa/telemetryd/internal/models"
)

// ConfigLoader loads a server's notification configuration from wherever
// it is owned (outside the core) — a settings service, a config table.
type ConfigLoader interface {
	LoadNotificationConfig(ctx context.Context, serverID string) (*models.NotificationConfig, error)
}

// configCache is a per-server notification-config cache with a TTL,
// grounded on the teacher's achievements map-of-definitions cache shape
// plus the TTL-bearing Set pattern from its Redis stat store (SPEC_FULL
// §11 supplemented feature).
type configCache struct {
	loader ConfigLoader
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	hits   prometheus.Counter
	misses prometheus.Counter
}

type cacheEntry struct {
	config    *models.NotificationConfig
	expiresAt time.Time
}

func newConfigCache(loader ConfigLoader, ttl time.Duration, reg prometheus.Registerer) *configCache {
	c := &configCache{
		loader:  loader,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "telemetryd_notification_config_cache_hits_total",
			Help: "Notification config cache hits.",
		}),
		misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "telemetryd_notification_config_cache_misses_total",
			Help: "Notification config cache misses.",
		}),
	}
	return c
}

func (c *configCache) get(ctx context.Context, serverID string) (*models.NotificationConfig, error) {
	c.mu.RLock()
	entry, ok := c.entries[serverID]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		c.hits.Inc()
		return entry.config, nil
	}

	c.misses.Inc()
	cfg, err := c.loader.LoadNotificationConfig(ctx, serverID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[serverID] = cacheEntry{config: cfg, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return cfg, nil
}

func (c *configCache) invalidate(serverID string) {
	c.mu.Lock()
	delete(c.entries, serverID)
	c.mu.Unlock()
}
