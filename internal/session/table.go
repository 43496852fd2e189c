// Package session implements the echo server's per-client authentication
// state: a table of sessions keyed by (remote_addr, client_id), each created
// by a successful KNOCK and carrying its own nonce replay cache.
package session

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/bufferbane/bufferbane/internal/nonce"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// Key identifies a session by the two fields the server actually trusts for
// lookup: the client's claimed ID and the address the packet arrived from.
// session_id is deliberately not part of the key (see DESIGN.md / SPEC_FULL.md
// §9 open questions — it is informational only).
type Key struct {
	RemoteAddr string
	ClientID   uint64
}

func (k Key) string() string {
	return fmt.Sprintf("%s|%d", k.RemoteAddr, k.ClientID)
}

// Session is server-side per-client authentication state. NonceCache is owned
// exclusively by the server's handler goroutine for this session's packets;
// no other goroutine touches it (spec.md §9).
type Session struct {
	ClientID       uint64
	RemoteAddr     string
	SessionID      uint32
	ValidUntilWall int64
	LastSeen       time.Time
	NonceCache     *nonce.Cache
}

// Expired reports whether the session's authorization window has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.Unix() > s.ValidUntilWall
}

// Table is the server's session table. It is safe for concurrent use: reads
// (Lookup) are expected to vastly outnumber writes (CreateOrRefresh,
// SweepExpired), which only the packet-handling loop and the expiry sweeper
// call.
type Table struct {
	mu    sync.RWMutex
	store *ttlcache.Cache[string, *Session]
	clock clockwork.Clock

	maxSessions int
	nonceWindow time.Duration
}

// Config configures a session Table.
type Config struct {
	// Clock is the time source used for session expiry and nonce windows.
	Clock clockwork.Clock
	// MaxSessions bounds the number of concurrently active sessions; beyond
	// it, new KNOCKs are silently dropped (existing sessions still refresh).
	MaxSessions int
	// NonceWindow is the sliding window width for each session's nonce cache.
	NonceWindow time.Duration
}

// NewTable creates a session table.
func NewTable(cfg Config) *Table {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 4096
	}
	store := ttlcache.New[string, *Session]()
	return &Table{
		store:       store,
		clock:       clock,
		maxSessions: maxSessions,
		nonceWindow: cfg.NonceWindow,
	}
}

// CreateOrRefresh creates a new session for (remoteAddr, clientID), or
// refreshes the expiry of an existing one. It returns (session, ok); ok is
// false only when no existing session matches and the table is at capacity,
// in which case the caller must silently drop the KNOCK per spec.md §4.3.
func (t *Table) CreateOrRefresh(clientID uint64, remoteAddr string, timeout time.Duration) (*Session, bool) {
	key := Key{RemoteAddr: remoteAddr, ClientID: clientID}.string()
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if item := t.store.Get(key); item != nil {
		s := item.Value()
		s.ValidUntilWall = now.Add(timeout).Unix()
		s.LastSeen = now
		t.store.Set(key, s, ttlcache.TTL(timeout))
		return s, true
	}

	if t.store.Len() >= t.maxSessions {
		return nil, false
	}

	s := &Session{
		ClientID:       clientID,
		RemoteAddr:     remoteAddr,
		SessionID:      randSessionID(),
		ValidUntilWall: now.Add(timeout).Unix(),
		LastSeen:       now,
		NonceCache:     nonce.New(t.clock, t.nonceWindow),
	}
	t.store.Set(key, s, ttlcache.TTL(timeout))
	return s, true
}

// Lookup returns the session for (remoteAddr, clientID), or nil if none
// exists or it has expired.
func (t *Table) Lookup(clientID uint64, remoteAddr string) *Session {
	key := Key{RemoteAddr: remoteAddr, ClientID: clientID}.string()

	t.mu.RLock()
	defer t.mu.RUnlock()

	item := t.store.Get(key)
	if item == nil {
		return nil
	}
	s := item.Value()
	if s.Expired(t.clock.Now()) {
		return nil
	}
	return s
}

// SweepExpired removes sessions whose authorization window has passed. It is
// driven by a periodic background task; the ttlcache backing store also
// expires entries lazily on Get.
func (t *Table) SweepExpired(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.DeleteExpired()
}

// Len reports the number of sessions currently tracked.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.store.Len()
}

func randSessionID() uint32 {
	return rand.Uint32()
}
