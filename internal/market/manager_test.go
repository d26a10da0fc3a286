package market

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainboard/marketcache/internal/cache"
	"github.com/chainboard/marketcache/internal/models"
)

// memStore is an in-memory cache.Store for manager tests.
type memStore struct {
	mu      sync.Mutex
	entries map[string]cache.Entry
	now     func() time.Time
	getErr  error
	putErr  error
	puts    int
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{entries: make(map[string]cache.Entry), now: now}
}

func (s *memStore) Get(_ context.Context, key string) (*cache.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	cpy := entry
	return &cpy, true, nil
}

func (s *memStore) Put(_ context.Context, key string, payload json.RawMessage, ttl time.Duration, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.entries[key] = cache.Entry{
		Key:       key,
		Payload:   append(json.RawMessage(nil), payload...),
		ExpiresAt: s.now().Add(ttl),
		Source:    source,
	}
	return nil
}

func (s *memStore) Sweep(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, entry := range s.entries {
		if entry.ExpiresAt.Before(olderThan) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *memStore) seed(key string, payload string, expiresAt time.Time, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = cache.Entry{
		Key:       key,
		Payload:   json.RawMessage(payload),
		ExpiresAt: expiresAt,
		Source:    source,
	}
}

func (s *memStore) entry(t *testing.T, key string) cache.Entry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	require.True(t, ok, "expected entry for %s", key)
	return entry
}

// fetcherFunc adapts a function to the Fetcher interface.
type fetcherFunc func(ctx context.Context, spec FetchSpec) (json.RawMessage, error)

func (f fetcherFunc) Fetch(ctx context.Context, spec FetchSpec) (json.RawMessage, error) {
	return f(ctx, spec)
}

// recordingPublisher captures broadcast events synchronously.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(stream, event string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, stream+"/"+event)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newTestManager(t *testing.T, store cache.Store, fetcher Fetcher, clock func() time.Time) (*Manager, *recordingPublisher) {
	t.Helper()

	publisher := &recordingPublisher{}
	manager, err := NewManager(ManagerConfig{
		Store:     store,
		Fetcher:   fetcher,
		Publisher: publisher,
		Clock:     clock,
	})
	require.NoError(t, err)
	return manager, publisher
}

func TestManagerFreshHitSkipsUpstream(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)
	store.seed("solana:blockchain", `{"tvl":123}`, now.Add(30*time.Minute), models.SourceUpstream)

	var fetches atomic.Int32
	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		fetches.Add(1)
		return json.RawMessage(`{"tvl":999}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)

	result, err := manager.GetOrRefresh(context.Background(), FetchSpec{Endpoint: "blockchain", Chain: "solana"}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, TierFresh, result.Tier)
	require.JSONEq(t, `{"tvl":123}`, string(result.Payload))
	require.EqualValues(t, 0, fetches.Load())
}

func TestManagerMissFetchesAndStores(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)

	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return json.RawMessage(`{"tvl":123}`), nil
	})

	manager, publisher := newTestManager(t, store, fetcher, clock)

	result, err := manager.GetOrRefresh(context.Background(), FetchSpec{Endpoint: "blockchain", Chain: "solana"}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "solana:blockchain", result.Key)
	require.Equal(t, TierFresh, result.Tier)
	require.JSONEq(t, `{"tvl":123}`, string(result.Payload))
	require.Equal(t, now.Add(time.Hour), result.ExpiresAt)

	stored := store.entry(t, "solana:blockchain")
	require.Equal(t, models.SourceUpstream, stored.Source)
	require.JSONEq(t, `{"tvl":123}`, string(stored.Payload))
	require.Equal(t, 1, publisher.count())
}

func TestManagerExpiredEntryRefreshed(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)
	store.seed("solana:blockchain", `{"tvl":1}`, now.Add(-time.Minute), models.SourceUpstream)

	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return json.RawMessage(`{"tvl":2}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)

	result, err := manager.GetOrRefresh(context.Background(), FetchSpec{Endpoint: "blockchain", Chain: "solana"}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, TierFresh, result.Tier)
	require.JSONEq(t, `{"tvl":2}`, string(result.Payload))
}

func TestManagerServesStaleWhenUpstreamDown(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)
	store.seed("solana:blockchain", `{"tvl":42}`, now.Add(-time.Hour), models.SourceUpstream)

	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return nil, ErrUpstream
	})

	manager, _ := newTestManager(t, store, fetcher, clock)

	result, err := manager.GetOrRefresh(context.Background(), FetchSpec{Endpoint: "blockchain", Chain: "solana"}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, TierStale, result.Tier)
	require.JSONEq(t, `{"tvl":42}`, string(result.Payload))

	// The stale payload is re-stored with the short fallback TTL so the next
	// requests hit cache instead of retrying a dead upstream.
	stored := store.entry(t, "solana:blockchain")
	require.Equal(t, models.SourceFallback, stored.Source)
	require.Equal(t, now.Add(DefaultFallbackTTL), stored.ExpiresAt)
}

func TestManagerServesDefaultWhenNothingCached(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)

	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return nil, ErrUpstream
	})

	manager, _ := newTestManager(t, store, fetcher, clock)

	result, err := manager.GetOrRefresh(context.Background(), FetchSpec{Endpoint: "tokens", Chain: "solana"}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, TierFallback, result.Tier)
	require.JSONEq(t, string(DefaultPayload(KindTokens)), string(result.Payload))

	stored := store.entry(t, "solana:tokens")
	require.Equal(t, models.SourceFallback, stored.Source)
}

func TestManagerRejectsMalformedUpstreamPayload(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)

	// A tokens payload must be an array; an object degrades to the default.
	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return json.RawMessage(`{"unexpected":"object"}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)

	result, err := manager.GetOrRefresh(context.Background(), FetchSpec{Endpoint: "tokens", Chain: "solana"}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, TierFallback, result.Tier)
}

func TestManagerNeverErrorsOnStoreFailure(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)
	store.getErr = cache.ErrUnavailable
	store.putErr = cache.ErrUnavailable

	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return json.RawMessage(`{"tvl":7}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)

	result, err := manager.GetOrRefresh(context.Background(), FetchSpec{Endpoint: "blockchain", Chain: "solana"}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, TierFresh, result.Tier)
	require.JSONEq(t, `{"tvl":7}`, string(result.Payload))
}

func TestManagerUnsupportedEndpoint(t *testing.T) {
	clock := time.Now
	store := newMemStore(clock)
	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		t.Fatal("fetcher must not be called for unsupported endpoints")
		return nil, nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)

	_, err := manager.GetOrRefresh(context.Background(), FetchSpec{Endpoint: "nfts", Chain: "solana"}, time.Hour)
	require.Error(t, err)
}

func TestManagerCollapsesConcurrentRefreshes(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)

	var fetches atomic.Int32
	release := make(chan struct{})
	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		fetches.Add(1)
		<-release
		return json.RawMessage(`{"tvl":123}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)
	spec := FetchSpec{Endpoint: "blockchain", Chain: "solana"}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = manager.GetOrRefresh(context.Background(), spec, time.Hour)
		}(i)
	}

	// Give the goroutines time to pile onto the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, fetches.Load())
	for _, result := range results {
		require.Equal(t, TierFresh, result.Tier)
		require.JSONEq(t, `{"tvl":123}`, string(result.Payload))
	}
}

func TestManagerRefreshPersistsScheduledSource(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)

	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return json.RawMessage(`{"tvl":5}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)

	require.NoError(t, manager.Refresh(context.Background(), FetchSpec{Endpoint: "blockchain", Chain: "solana"}, time.Hour))

	stored := store.entry(t, "solana:blockchain")
	require.Equal(t, models.SourceScheduled, stored.Source)
	require.JSONEq(t, `{"tvl":5}`, string(stored.Payload))
}

func TestManagerRefreshFailureLeavesRowUntouched(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)
	store.seed("solana:blockchain", `{"tvl":11}`, now.Add(-time.Minute), models.SourceUpstream)

	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return nil, ErrUpstream
	})

	manager, _ := newTestManager(t, store, fetcher, clock)

	err := manager.Refresh(context.Background(), FetchSpec{Endpoint: "blockchain", Chain: "solana"}, time.Hour)
	require.ErrorIs(t, err, ErrUpstream)

	stored := store.entry(t, "solana:blockchain")
	require.Equal(t, models.SourceUpstream, stored.Source)
	require.JSONEq(t, `{"tvl":11}`, string(stored.Payload))
}
