package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/epc-wordpress/panel-connect/internal/platform/metrics"
)

// DefaultKeyTTL is how long a fetched key set is considered fresh.
const DefaultKeyTTL = time.Hour

const refreshKey = "jwks"

// KeyCache holds the identity authority's current key set and refreshes it
// on demand. At most one fetch is in flight at any time; concurrent callers
// that need a refresh wait for that fetch and share its result.
type KeyCache struct {
	fetcher      Fetcher
	ttl          time.Duration
	probeAfter   time.Duration
	logger       *slog.Logger
	now          func() time.Time
	current      atomic.Pointer[KeySet]
	refreshGroup singleflight.Group
	// lastProbe is the UnixNano time of the last unknown-kid fetch attempt.
	lastProbe atomic.Int64
}

// CacheOption configures a KeyCache.
type CacheOption func(*KeyCache)

// WithClock overrides the cache's time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *KeyCache) { c.now = now }
}

// WithCacheLogger sets the logger used for refresh events.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *KeyCache) { c.logger = logger }
}

// WithUnknownKidRefresh lets a lookup miss on a fresh key set trigger one
// refresh, provided the set is at least d old. Zero disables it.
func WithUnknownKidRefresh(d time.Duration) CacheOption {
	return func(c *KeyCache) { c.probeAfter = d }
}

// NewKeyCache creates an empty cache. A nil fetcher disables fetching, so
// every lookup reports ErrKeyNotFound. ttl <= 0 uses DefaultKeyTTL.
func NewKeyCache(fetcher Fetcher, ttl time.Duration, opts ...CacheOption) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	c := &KeyCache{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the key descriptor for kid. It fails with ErrKeyNotFound when
// the key set does not contain kid and with ErrKeyFetch when no key set could
// be obtained at all.
func (c *KeyCache) Lookup(ctx context.Context, kid string) (JWK, error) {
	set := c.current.Load()
	now := c.now()

	force := false
	if c.fresh(set, now) {
		if k, ok := set.Find(kid); ok {
			return k, nil
		}
		if !c.probeDue(set, now) {
			return JWK{}, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
		}
		force = true
	}

	if c.fetcher == nil {
		return JWK{}, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
	}

	set, err := c.refresh(ctx, force)
	if err != nil {
		if set.Empty() {
			return JWK{}, fmt.Errorf("%w: %v", ErrKeyFetch, err)
		}
		if !c.fresh(set, c.now()) {
			metrics.RecordStaleServe()
		}
	}

	if k, ok := set.Find(kid); ok {
		return k, nil
	}
	return JWK{}, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
}

// Refresh fetches the key set unless a fresh one is already cached.
func (c *KeyCache) Refresh(ctx context.Context) error {
	if c.fetcher == nil {
		return fmt.Errorf("%w: fetching disabled", ErrKeyFetch)
	}
	_, err := c.refresh(ctx, false)
	return err
}

// refresh runs at most one fetch at a time. It returns the key set current
// after the attempt, which on failure is the previous (possibly nil) set.
func (c *KeyCache) refresh(ctx context.Context, force bool) (*KeySet, error) {
	v, err, _ := c.refreshGroup.Do(refreshKey, func() (any, error) {
		now := c.now()
		cur := c.current.Load()
		// Another caller may have refreshed while this one was waiting.
		if c.fresh(cur, now) {
			if !force || !c.probeDue(cur, now) {
				return cur, nil
			}
			// Stamped before fetching so a failed attempt still counts.
			c.lastProbe.Store(now.UnixNano())
		}

		// Shared by every waiter; only the fetcher's timeout bounds it.
		start := time.Now()
		fetched, err := c.fetcher.Fetch(context.WithoutCancel(ctx))
		metrics.RecordFetch(err, time.Since(start))
		if err == nil && fetched.Empty() {
			err = ErrEmptyKeySet
		}
		if err != nil {
			if cur.Empty() {
				c.logger.Error("jwks refresh failed with no cached keys", "error", err)
			} else {
				c.logger.Warn("jwks refresh failed, keeping previous keys",
					"error", err,
					"fetched_at", cur.FetchedAt,
				)
			}
			return cur, err
		}

		next := &KeySet{Keys: fetched.Keys, FetchedAt: now}
		if cur != nil && next.FetchedAt.Before(cur.FetchedAt) {
			next.FetchedAt = cur.FetchedAt
		}
		c.current.Store(next)
		metrics.SetKeyCount(len(next.Keys))
		c.logger.Info("jwks refreshed", "keys", len(next.Keys))
		return next, nil
	})
	set, _ := v.(*KeySet)
	return set, err
}

func (c *KeyCache) fresh(set *KeySet, now time.Time) bool {
	return !set.Empty() && now.Sub(set.FetchedAt) < c.ttl
}

// probeDue reports whether an unknown kid may force a refresh: both the key
// set and the last attempt must be at least probeAfter old.
func (c *KeyCache) probeDue(set *KeySet, now time.Time) bool {
	if c.probeAfter <= 0 || c.fetcher == nil || now.Sub(set.FetchedAt) < c.probeAfter {
		return false
	}
	last := c.lastProbe.Load()
	return last == 0 || now.Sub(time.Unix(0, last)) >= c.probeAfter
}

// CacheStats describes the cached key set.
type CacheStats struct {
	URL       string    `json:"url,omitempty"`
	KeyCount  int       `json:"key_count"`
	FetchedAt time.Time `json:"fetched_at"`
	Fresh     bool      `json:"fresh"`
}

// Stats reports the current state of the cache.
func (c *KeyCache) Stats() CacheStats {
	var stats CacheStats
	if u, ok := c.fetcher.(interface{ URL() string }); ok {
		stats.URL = u.URL()
	}
	if set := c.current.Load(); set != nil {
		stats.KeyCount = len(set.Keys)
		stats.FetchedAt = set.FetchedAt
		stats.Fresh = c.fresh(set, c.now())
	}
	return stats
}
