// Package nonce implements the server's per-session replay cache: a sliding
// window of recently seen nonce_ts_ns values.
package nonce

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// DefaultWindow is the default sliding window width: at least 2x the maximum
// permissible clock skew (±60s), per spec.
const DefaultWindow = 120 * time.Second

// Cache tracks nonce_ts_ns values seen within a session's sliding window. It
// is owned exclusively by the server's handler goroutine for one session; it
// is not safe for concurrent use from multiple goroutines.
type Cache struct {
	store  *ttlcache.Cache[uint64, struct{}]
	clock  clockwork.Clock
	window time.Duration
}

// New creates a nonce cache with the given sliding window width. If window is
// zero, DefaultWindow is used.
func New(clock clockwork.Clock, window time.Duration) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	store := ttlcache.New(
		ttlcache.WithTTL[uint64, struct{}](window),
		ttlcache.WithDisableTouchOnHit[uint64, struct{}](),
	)
	return &Cache{store: store, clock: clock, window: window}
}

// CheckAndInsert reports whether ts is fresh (not seen within the current
// window). If fresh, it records ts so a subsequent identical call reports a
// replay. This is the server's one line of defense against ECHO_REQ replay
// (spec.md §4.2's invariant).
func (c *Cache) CheckAndInsert(ts uint64) (fresh bool) {
	if item := c.store.Get(ts); item != nil {
		return false
	}
	c.store.Set(ts, struct{}{}, ttlcache.DefaultTTL)
	return true
}

// Sweep evicts entries older than the sliding window. The cache also expires
// entries lazily on Get, so Sweep only needs to run periodically to bound
// memory for nonces that are never looked up again.
func (c *Cache) Sweep(now time.Time) {
	c.store.DeleteExpired()
}

// Len reports the number of nonces currently tracked (including any not yet
// lazily expired).
func (c *Cache) Len() int {
	return c.store.Len()
}
