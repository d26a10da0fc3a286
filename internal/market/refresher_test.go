package market

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainboard/marketcache/internal/models"
)

func testTargets() []Target {
	return []Target{
		{Name: "solana-stats", Spec: FetchSpec{Endpoint: "blockchain", Chain: "solana"}, TTL: time.Hour},
		{Name: "solana-tokens", Spec: FetchSpec{Endpoint: "tokens", Chain: "solana"}, TTL: time.Hour},
		{Name: "ethereum-stats", Spec: FetchSpec{Endpoint: "blockchain", Chain: "ethereum"}, TTL: time.Hour},
	}
}

func TestRefresherRunOnceReportsPerTarget(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)

	// Ethereum is down; the other targets succeed.
	fetcher := fetcherFunc(func(_ context.Context, spec FetchSpec) (json.RawMessage, error) {
		if spec.Chain == "ethereum" {
			return nil, ErrUpstream
		}
		if spec.Endpoint == "tokens" {
			return json.RawMessage(`[]`), nil
		}
		return json.RawMessage(`{"tvl":1}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)
	refresher, err := NewRefresher(manager, store, testTargets(), WithNow(clock))
	require.NoError(t, err)

	summary, err := refresher.RunOnce(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, summary.RunID)
	require.Equal(t, now, summary.Refreshed)
	require.Len(t, summary.Results, 3)
	require.Equal(t, 2, summary.Totals.Succeeded)
	require.Equal(t, 1, summary.Totals.Failed)

	byName := make(map[string]TargetResult, len(summary.Results))
	for _, result := range summary.Results {
		byName[result.Name] = result
	}
	require.True(t, byName["solana-stats"].Succeeded)
	require.True(t, byName["solana-tokens"].Succeeded)
	require.False(t, byName["ethereum-stats"].Succeeded)
	require.NotEmpty(t, byName["ethereum-stats"].Error)
	require.Equal(t, "ethereum:blockchain", byName["ethereum-stats"].Key)

	// One failed target must not stop the others from being warmed.
	require.Equal(t, models.SourceScheduled, store.entry(t, "solana:blockchain").Source)
	require.Equal(t, models.SourceScheduled, store.entry(t, "solana:tokens").Source)
}

func TestRefresherSummarySerialisation(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)

	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return json.RawMessage(`{"tvl":1}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)
	refresher, err := NewRefresher(manager, store, testTargets()[:1], WithNow(clock))
	require.NoError(t, err)

	summary, err := refresher.RunOnce(context.Background())
	require.NoError(t, err)

	raw, err := json.Marshal(summary)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Contains(t, decoded, "refreshed")
	require.Contains(t, decoded, "results")
	require.Contains(t, decoded, "summary")
	require.JSONEq(t, `{"succeeded":1,"failed":0}`, string(decoded["summary"]))
}

func TestRefresherRejectsOverlappingRuns(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)

	started := make(chan struct{})
	release := make(chan struct{})
	var startedOnce sync.Once
	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		startedOnce.Do(func() { close(started) })
		<-release
		return json.RawMessage(`{"tvl":1}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)
	refresher, err := NewRefresher(manager, store, testTargets()[:1], WithNow(clock))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = refresher.RunOnce(context.Background())
	}()

	<-started
	_, err = refresher.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)

	// A finished run releases the guard.
	_, err = refresher.RunOnce(context.Background())
	require.NoError(t, err)
}

func TestRefresherRunOnceHonoursContext(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)

	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return json.RawMessage(`{"tvl":1}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)
	refresher, err := NewRefresher(manager, store, testTargets(), WithNow(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := refresher.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, summary.Results)
}

func TestRefresherRunSweep(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)
	store.seed("solana:blockchain", `{"tvl":1}`, now.Add(-10*24*time.Hour), models.SourceUpstream)
	store.seed("solana:tokens", `[]`, now.Add(time.Hour), models.SourceUpstream)

	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return json.RawMessage(`{"tvl":1}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)
	refresher, err := NewRefresher(manager, store, nil, WithNow(clock), WithSweepRetention(7*24*time.Hour))
	require.NoError(t, err)

	removed, err := refresher.RunSweep(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, found, err := store.Get(context.Background(), "solana:tokens")
	require.NoError(t, err)
	require.True(t, found)
}

func TestRefresherCloseRunsFinalSweep(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)
	store.seed("solana:blockchain", `{"tvl":1}`, now.Add(-10*24*time.Hour), models.SourceUpstream)

	fetcher := fetcherFunc(func(context.Context, FetchSpec) (json.RawMessage, error) {
		return json.RawMessage(`{"tvl":1}`), nil
	})

	manager, _ := newTestManager(t, store, fetcher, clock)
	refresher, err := NewRefresher(manager, store, nil, WithNow(clock))
	require.NoError(t, err)

	require.NoError(t, refresher.Close(context.Background()))

	_, found, err := store.Get(context.Background(), "solana:blockchain")
	require.NoError(t, err)
	require.False(t, found)
}
