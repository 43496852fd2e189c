package server

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// rateLimiters tracks one token-bucket limiter per remote IP, so a single
// noisy address can't starve the server's read loop for everyone else
// (spec.md §5 "Resource bounds"). Idle entries expire after idleTTL so the
// map doesn't grow without bound across the server's lifetime.
type rateLimiters struct {
	mu      sync.Mutex
	store   *ttlcache.Cache[string, *rate.Limiter]
	perSec  float64
	idleTTL time.Duration
}

func newRateLimiters(perSec float64, idleTTL time.Duration) *rateLimiters {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &rateLimiters{
		store:   ttlcache.New[string, *rate.Limiter](ttlcache.WithTTL[string, *rate.Limiter](idleTTL)),
		perSec:  perSec,
		idleTTL: idleTTL,
	}
}

// Allow reports whether a packet from ip should be processed. perSec <= 0
// disables rate limiting entirely.
func (r *rateLimiters) Allow(ip string) bool {
	if r.perSec <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	item := r.store.Get(ip)
	var limiter *rate.Limiter
	if item != nil {
		limiter = item.Value()
	} else {
		limiter = rate.NewLimiter(rate.Limit(r.perSec), int(r.perSec)+1)
		r.store.Set(ip, limiter, ttlcache.DefaultTTL)
	}
	return limiter.Allow()
}

func (r *rateLimiters) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.DeleteExpired()
}
