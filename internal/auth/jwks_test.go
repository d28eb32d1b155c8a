package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingFetcher serves whatever keys are currently configured and counts calls.
type countingFetcher struct {
	mu    sync.Mutex
	keys  []JWK
	err   error
	calls atomic.Int32
}

func (f *countingFetcher) set(err error, keys ...JWK) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys, f.err = keys, err
}

func (f *countingFetcher) Fetch(context.Context) (*KeySet, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &KeySet{Keys: append([]JWK(nil), f.keys...), FetchedAt: time.Now()}, nil
}

var errUnreachable = errors.New("connection refused")

func TestKeyCache_FetchesOnFirstLookupAndCaches(t *testing.T) {
	k1 := rsaJWK("k1", &newTestKey(t).PublicKey)
	f := &countingFetcher{}
	f.set(nil, k1)
	clock := newFakeClock()
	cache := NewKeyCache(f, time.Hour, WithClock(clock.Now))

	t.Run("fetches key on first call", func(t *testing.T) {
		got, err := cache.Lookup(context.Background(), "k1")
		require.NoError(t, err)
		assert.Equal(t, k1, got)
		assert.Equal(t, int32(1), f.calls.Load())
	})

	t.Run("returns cached key on second call", func(t *testing.T) {
		clock.Advance(59 * time.Minute)
		_, err := cache.Lookup(context.Background(), "k1")
		require.NoError(t, err)
		assert.Equal(t, int32(1), f.calls.Load(), "should not re-fetch")
	})

	t.Run("unknown kid on fresh set does not refresh", func(t *testing.T) {
		_, err := cache.Lookup(context.Background(), "unknown-kid")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.Equal(t, int32(1), f.calls.Load())
	})
}

func TestKeyCache_ColdConcurrentLookupsShareOneFetch(t *testing.T) {
	priv := newTestKey(t)
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	f := FetcherFunc(func(context.Context) (*KeySet, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return &KeySet{Keys: []JWK{rsaJWK("k1", &priv.PublicKey)}}, nil
	})
	cache := NewKeyCache(f, time.Hour)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Lookup(context.Background(), "k1")
			errs <- err
		}()
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestKeyCache_ExpiryTriggersSingleRefresh(t *testing.T) {
	priv := newTestKey(t)
	f := &countingFetcher{}
	f.set(nil, rsaJWK("k1", &priv.PublicKey))
	clock := newFakeClock()
	cache := NewKeyCache(f, time.Hour, WithClock(clock.Now))

	_, err := cache.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	firstFetch := cache.Stats().FetchedAt

	clock.Advance(time.Hour + time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Lookup(context.Background(), "k1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), f.calls.Load())
	assert.True(t, cache.Stats().FetchedAt.After(firstFetch))
	assert.True(t, cache.Stats().Fresh)
}

func TestKeyCache_ColdMissFetchesOnce(t *testing.T) {
	f := &countingFetcher{}
	f.set(nil, rsaJWK("k2", &newTestKey(t).PublicKey))
	cache := NewKeyCache(f, time.Hour)

	_, err := cache.Lookup(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NotErrorIs(t, err, ErrKeyFetch)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestKeyCache_FetchFailureWithEmptyCache(t *testing.T) {
	f := &countingFetcher{}
	f.set(errUnreachable)
	cache := NewKeyCache(f, time.Hour)

	_, err := cache.Lookup(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrKeyFetch)

	// Nothing was cached, so the next lookup tries again.
	_, err = cache.Lookup(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrKeyFetch)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestKeyCache_EmptyKeySetIsAFetchFailure(t *testing.T) {
	f := &countingFetcher{}
	f.set(nil)
	cache := NewKeyCache(f, time.Hour)

	_, err := cache.Lookup(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrKeyFetch)
	assert.Equal(t, 0, cache.Stats().KeyCount)
}

func TestKeyCache_ServesStaleKeysWhenRefreshFails(t *testing.T) {
	k1 := rsaJWK("k1", &newTestKey(t).PublicKey)
	f := &countingFetcher{}
	f.set(nil, k1)
	clock := newFakeClock()
	cache := NewKeyCache(f, time.Hour, WithClock(clock.Now))

	_, err := cache.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	populatedAt := cache.Stats().FetchedAt

	f.set(errUnreachable)
	clock.Advance(2 * time.Hour)

	got, err := cache.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, k1, got)
	assert.Equal(t, int32(2), f.calls.Load())

	stats := cache.Stats()
	assert.Equal(t, 1, stats.KeyCount)
	assert.Equal(t, populatedAt, stats.FetchedAt)
	assert.False(t, stats.Fresh)

	_, err = cache.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NotErrorIs(t, err, ErrKeyFetch)

	// Recovery replaces the stale set.
	f.set(nil, k1)
	_, err = cache.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, cache.Stats().Fresh)
}

func TestKeyCache_NilFetcher(t *testing.T) {
	cache := NewKeyCache(nil, time.Hour)

	_, err := cache.Lookup(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.ErrorIs(t, cache.Refresh(context.Background()), ErrKeyFetch)
	assert.Equal(t, CacheStats{}, cache.Stats())
}

func TestKeyCache_UnknownKidRefresh(t *testing.T) {
	priv := newTestKey(t)
	k1 := rsaJWK("k1", &priv.PublicKey)
	k2 := rsaJWK("k2", &priv.PublicKey)
	f := &countingFetcher{}
	f.set(nil, k1)
	clock := newFakeClock()
	cache := NewKeyCache(f, time.Hour, WithClock(clock.Now), WithUnknownKidRefresh(5*time.Minute))

	_, err := cache.Lookup(context.Background(), "k1")
	require.NoError(t, err)

	// The authority rotates in k2.
	f.set(nil, k1, k2)

	clock.Advance(time.Minute)
	_, err = cache.Lookup(context.Background(), "k2")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int32(1), f.calls.Load(), "set too young to refetch")

	clock.Advance(5 * time.Minute)
	got, err := cache.Lookup(context.Background(), "k2")
	require.NoError(t, err)
	assert.Equal(t, k2, got)
	assert.Equal(t, int32(2), f.calls.Load())

	// The refetch reset the set's age, so an immediate miss stays local.
	_, err = cache.Lookup(context.Background(), "k3")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestKeyCache_UnknownKidRefreshFailureKeepsKeys(t *testing.T) {
	k1 := rsaJWK("k1", &newTestKey(t).PublicKey)
	f := &countingFetcher{}
	f.set(nil, k1)
	clock := newFakeClock()
	cache := NewKeyCache(f, time.Hour, WithClock(clock.Now), WithUnknownKidRefresh(time.Minute))

	_, err := cache.Lookup(context.Background(), "k1")
	require.NoError(t, err)

	f.set(errUnreachable)
	clock.Advance(2 * time.Minute)

	_, err = cache.Lookup(context.Background(), "k2")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	got, err := cache.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, k1, got)
}

func TestKeyCache_UnknownKidRefreshLimitedAfterFailure(t *testing.T) {
	k1 := rsaJWK("k1", &newTestKey(t).PublicKey)
	f := &countingFetcher{}
	f.set(nil, k1)
	clock := newFakeClock()
	cache := NewKeyCache(f, time.Hour, WithClock(clock.Now), WithUnknownKidRefresh(time.Minute))

	_, err := cache.Lookup(context.Background(), "k1")
	require.NoError(t, err)

	f.set(errUnreachable)
	clock.Advance(2 * time.Minute)

	for i := 0; i < 100; i++ {
		_, err := cache.Lookup(context.Background(), "bogus")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}
	assert.Equal(t, int32(2), f.calls.Load(), "one attempt per interval")

	clock.Advance(30 * time.Second)
	_, err = cache.Lookup(context.Background(), "bogus")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int32(2), f.calls.Load())

	clock.Advance(31 * time.Second)
	_, err = cache.Lookup(context.Background(), "bogus")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int32(3), f.calls.Load(), "next interval allows another attempt")
}

func TestKeyCache_FetchSurvivesCallerCancellation(t *testing.T) {
	k1 := rsaJWK("k1", &newTestKey(t).PublicKey)
	f := FetcherFunc(func(ctx context.Context) (*KeySet, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &KeySet{Keys: []JWK{k1}}, nil
	})
	cache := NewKeyCache(f, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := cache.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, k1, got)
}

func TestKeyCache_RefreshAndStats(t *testing.T) {
	priv := newTestKey(t)
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buildJWKS(t, rsaJWK("k1", &priv.PublicKey), rsaJWK("k2", &priv.PublicKey)))
	}))
	defer srv.Close()

	clock := newFakeClock()
	cache := NewKeyCache(NewHTTPFetcher(srv.URL, srv.Client(), time.Second), 0, WithClock(clock.Now))

	stats := cache.Stats()
	assert.Equal(t, srv.URL, stats.URL)
	assert.Zero(t, stats.KeyCount)
	assert.False(t, stats.Fresh)

	require.NoError(t, cache.Refresh(context.Background()))
	require.NoError(t, cache.Refresh(context.Background()))
	assert.Equal(t, 1, calls, "fresh set is not refetched")

	stats = cache.Stats()
	assert.Equal(t, 2, stats.KeyCount)
	assert.Equal(t, clock.Now(), stats.FetchedAt)
	assert.True(t, stats.Fresh)

	clock.Advance(DefaultKeyTTL)
	assert.False(t, cache.Stats().Fresh)
}
