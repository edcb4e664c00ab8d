// Package ratelimit provides two-level connect-attempt rate limiting — per
// remote address and global — applied ahead of a transport binding's own
// connect-token validation. This is admission hardening outside the
// message-layer core; the core never imports it.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config tunes both rate-limiting levels.
type Config struct {
	PerAddressBurst int           // max burst connect attempts per address
	PerAddressRate  float64       // sustained attempts/sec per address
	PerAddressTTL   time.Duration // idle addresses are forgotten after this long

	GlobalBurst int     // max burst connect attempts system-wide
	GlobalRate  float64 // sustained attempts/sec system-wide
}

// DefaultConfig mirrors the reference defaults: 10 burst / 1 per second per
// address, 300 burst / 50 per second globally.
func DefaultConfig() Config {
	return Config{
		PerAddressBurst: 10,
		PerAddressRate:  1.0,
		PerAddressTTL:   5 * time.Minute,
		GlobalBurst:     300,
		GlobalRate:      50.0,
	}
}

type addressEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter gates connect attempts by remote address and globally. It is safe
// for concurrent use across whatever goroutines a transport binding accepts
// connections on.
type Limiter struct {
	cfg Config
	log zerolog.Logger

	global *rate.Limiter

	mu        sync.Mutex
	addresses map[string]*addressEntry
}

// New constructs a Limiter. Call StartCleanup to periodically forget idle
// addresses; Limiter works correctly without it, just with unbounded memory
// growth across distinct addresses over the process lifetime.
func New(cfg Config, log zerolog.Logger) *Limiter {
	return &Limiter{
		cfg:       cfg,
		log:       log.With().Str("component", "ratelimit").Logger(),
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		addresses: make(map[string]*addressEntry),
	}
}

// Allow reports whether a connect attempt from addr should proceed. Checks
// the global bucket first (cheap, no map lookup) then the per-address
// bucket.
func (l *Limiter) Allow(addr string) bool {
	if !l.global.Allow() {
		l.log.Debug().Str("addr", addr).Msg("connect attempt rejected: global rate limit exceeded")
		return false
	}
	if !l.addressLimiter(addr).Allow() {
		l.log.Debug().Str("addr", addr).Msg("connect attempt rejected: per-address rate limit exceeded")
		return false
	}
	return true
}

func (l *Limiter) addressLimiter(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.addresses[addr]
	if ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	entry = &addressEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.cfg.PerAddressRate), l.cfg.PerAddressBurst),
		lastAccess: time.Now(),
	}
	l.addresses[addr] = entry
	return entry.limiter
}

// Cleanup removes address entries idle longer than PerAddressTTL, bounding
// memory growth. Call it periodically (StartCleanup runs it on a ticker).
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for addr, entry := range l.addresses {
		if now.Sub(entry.lastAccess) > l.cfg.PerAddressTTL {
			delete(l.addresses, addr)
		}
	}
}

// StartCleanup runs Cleanup on the given interval in its own goroutine until
// stop is closed.
func (l *Limiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}

// TrackedAddresses reports how many distinct addresses currently have a
// live per-address limiter, for diagnostics.
func (l *Limiter) TrackedAddresses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.addresses)
}
