package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chainboard/marketcache/internal/cache"
	"github.com/chainboard/marketcache/internal/models"
	"github.com/chainboard/marketcache/pkg/logger"
	"github.com/chainboard/marketcache/pkg/metrics"
)

// Tier identifies which rung of the fallback ladder served a payload.
type Tier string

const (
	// TierFresh means an unexpired cache row or a successful upstream fetch.
	TierFresh Tier = "fresh"
	// TierStale means the upstream failed and an expired row was served.
	TierStale Tier = "stale"
	// TierFallback means no row existed and a static default was served.
	TierFallback Tier = "fallback"
)

const (
	// DefaultTTL applies when a caller does not specify an expiration.
	DefaultTTL = time.Hour
	// DefaultFallbackTTL bounds how long stale/default payloads are re-served
	// before the upstream is tried again.
	DefaultFallbackTTL = 5 * time.Minute
)

// EventUpdated is broadcast after every cache write.
const EventUpdated = "updated"

// Result is the outcome of a read-through lookup. The ladder guarantees a
// payload for every request; Tier reports how degraded it is.
type Result struct {
	Key       string
	Payload   json.RawMessage
	Tier      Tier
	ExpiresAt time.Time
}

// ManagerConfig bundles the manager's dependencies and tuning knobs.
type ManagerConfig struct {
	Store       cache.Store
	Fetcher     Fetcher
	Publisher   Publisher
	FallbackTTL time.Duration
	Clock       func() time.Time
}

// Manager orchestrates the read-through path: consult the store, refresh
// from upstream on miss or expiry, and degrade to stale or default data when
// the upstream is unavailable. Concurrent refreshes for the same key are
// collapsed into a single upstream call.
type Manager struct {
	store       cache.Store
	fetcher     Fetcher
	publisher   Publisher
	fallbackTTL time.Duration
	now         func() time.Time
	group       singleflight.Group
	log         *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("market: manager requires a cache store")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("market: manager requires a fetcher")
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = NopPublisher{}
	}
	fallbackTTL := cfg.FallbackTTL
	if fallbackTTL <= 0 {
		fallbackTTL = DefaultFallbackTTL
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Manager{
		store:       cfg.Store,
		fetcher:     cfg.Fetcher,
		publisher:   publisher,
		fallbackTTL: fallbackTTL,
		now:         now,
		log:         logger.WithModule("market.manager"),
	}, nil
}

// GetOrRefresh returns the payload for the spec, consulting the cache first.
// Upstream failures never surface as errors: the fallback ladder
// (fresh cache → upstream → stale cache → static default) always produces a
// payload. An error is returned only for an unsupported endpoint.
func (m *Manager) GetOrRefresh(ctx context.Context, spec FetchSpec, ttl time.Duration) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	kind, ok := spec.Kind()
	if !ok {
		return Result{}, fmt.Errorf("market: unsupported endpoint %q", spec.Endpoint)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	key := spec.CacheKey()

	if entry := m.lookup(ctx, key); entry != nil && !entry.Expired(m.now()) {
		metrics.CacheRequests.WithLabelValues(string(TierFresh)).Inc()
		return Result{Key: key, Payload: entry.Payload, Tier: TierFresh, ExpiresAt: entry.ExpiresAt}, nil
	}

	// Collapse concurrent refreshes of the same key into one upstream call.
	value, err, _ := m.group.Do(key, func() (any, error) {
		return m.refresh(ctx, key, kind, spec, ttl), nil
	})
	if err != nil {
		// Unreachable: refresh never returns an error through the group.
		return Result{}, err
	}

	result := value.(Result)
	metrics.CacheRequests.WithLabelValues(string(result.Tier)).Inc()
	return result, nil
}

// Refresh performs an unconditional fetch-and-store for the spec, used by the
// scheduled warmer. Unlike GetOrRefresh it reports upstream failures to its
// caller; the existing row, if any, is left untouched on failure.
func (m *Manager) Refresh(ctx context.Context, spec FetchSpec, ttl time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	kind, ok := spec.Kind()
	if !ok {
		return fmt.Errorf("market: unsupported endpoint %q", spec.Endpoint)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	key := spec.CacheKey()

	payload, err := m.fetcher.Fetch(ctx, spec)
	if err != nil {
		m.log.Warn("scheduled refresh fetch failed",
			zap.String("key", key),
			zap.String("endpoint", spec.Endpoint),
			zap.String("chain", spec.Chain),
			zap.Error(err),
		)
		return err
	}
	if err := ValidatePayload(kind, payload); err != nil {
		m.log.Warn("scheduled refresh returned malformed payload", zap.String("key", key), zap.Error(err))
		return err
	}

	m.persist(ctx, key, payload, ttl, models.SourceScheduled)
	return nil
}

// refresh walks the lower rungs of the ladder once the cache is known to be
// cold for the key.
func (m *Manager) refresh(ctx context.Context, key string, kind Kind, spec FetchSpec, ttl time.Duration) Result {
	stale := m.lookup(ctx, key)

	payload, err := m.fetcher.Fetch(ctx, spec)
	if err == nil {
		if vErr := ValidatePayload(kind, payload); vErr != nil {
			m.log.Warn("upstream payload failed shape validation", zap.String("key", key), zap.Error(vErr))
			err = vErr
		}
	}

	if err == nil {
		expiresAt := m.persist(ctx, key, payload, ttl, models.SourceUpstream)
		return Result{Key: key, Payload: payload, Tier: TierFresh, ExpiresAt: expiresAt}
	}

	m.log.Warn("upstream fetch failed, degrading",
		zap.String("key", key),
		zap.String("endpoint", spec.Endpoint),
		zap.String("chain", spec.Chain),
		zap.Error(err),
	)

	if stale != nil {
		// Re-store with a short TTL so callers in the outage window hit the
		// cheap path instead of hammering the upstream.
		expiresAt := m.persist(ctx, key, stale.Payload, m.fallbackTTL, models.SourceFallback)
		return Result{Key: key, Payload: stale.Payload, Tier: TierStale, ExpiresAt: expiresAt}
	}

	payload = DefaultPayload(kind)
	expiresAt := m.persist(ctx, key, payload, m.fallbackTTL, models.SourceFallback)
	return Result{Key: key, Payload: payload, Tier: TierFallback, ExpiresAt: expiresAt}
}

// lookup reads the store, treating storage failure as a miss.
func (m *Manager) lookup(ctx context.Context, key string) *cache.Entry {
	entry, found, err := m.store.Get(ctx, key)
	if err != nil {
		m.log.Warn("cache store read failed, treating as miss", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	return entry
}

// persist writes the payload back and broadcasts the update. Store failures
// are logged and swallowed: the caller already holds a payload to serve.
func (m *Manager) persist(ctx context.Context, key string, payload json.RawMessage, ttl time.Duration, source string) time.Time {
	expiresAt := m.now().Add(ttl)
	if err := m.store.Put(ctx, key, payload, ttl, source); err != nil {
		m.log.Warn("cache store write failed", zap.String("key", key), zap.Error(err))
		return expiresAt
	}

	m.publisher.Publish(key, EventUpdated, map[string]any{
		"key":        key,
		"source":     source,
		"expires_at": expiresAt,
	})
	return expiresAt
}
