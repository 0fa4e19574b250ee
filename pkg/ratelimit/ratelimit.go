// Package ratelimit implements the in-memory, per-process rate limiter and
// event dedup cache of spec §4.K. Both are explicitly process-local: a
// process restart loses the window, which is acceptable because the sink
// (evidence_events) is idempotent via its own UNIQUE(event_hash).
package ratelimit

import (
	"sync"
	"time"

	"github.com/cuemby/octolabd/pkg/metrics"
)

const (
	rateLimitWindow  = 60 * time.Second
	dedupReapTTL     = 5 * time.Minute
	dedupSizeCap     = 10000
)

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// Limiter is a per-lab sliding-window-ish counter guarded by a mutex.
type Limiter struct {
	mu    sync.Mutex
	limit int
	byLab map[string]*rateLimitEntry
}

// NewLimiter builds a Limiter allowing limit requests per lab per 60s window.
func NewLimiter(limit int) *Limiter {
	return &Limiter{limit: limit, byLab: make(map[string]*rateLimitEntry)}
}

// Allow checks and, if permitted, increments the counter for labID.
func (l *Limiter) Allow(labID string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byLab[labID]
	if !ok || now.Sub(entry.windowStart) > rateLimitWindow {
		l.byLab[labID] = &rateLimitEntry{count: 1, windowStart: now}
		return true
	}
	if entry.count >= l.limit {
		metrics.RateLimitRejectionsTotal.Inc()
		return false
	}
	entry.count++
	return true
}

// Reap removes entries whose window last touched more than dedupReapTTL ago,
// to cap memory. Intended to be called periodically by a background ticker.
func (l *Limiter) Reap() {
	cutoff := time.Now().Add(-dedupReapTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for labID, entry := range l.byLab {
		if entry.windowStart.Before(cutoff) {
			delete(l.byLab, labID)
		}
	}
}

// Dedup is keyed by the SHA-256 hex of a canonical event string; checking an
// entry both reports duplicate/new and extends its TTL.
type Dedup struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
}

// NewDedup builds a Dedup cache with the given per-entry TTL.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{ttl: ttl, expires: make(map[string]time.Time)}
}

// CheckAndStore returns true if hash was already present (and not expired),
// extending its expiry either way.
func (d *Dedup) CheckAndStore(hash string) (duplicate bool) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.expires[hash]; ok && now.Before(expiry) {
		d.expires[hash] = now.Add(d.ttl)
		metrics.DedupHitsTotal.Inc()
		return true
	}

	d.expires[hash] = now.Add(d.ttl)
	if len(d.expires) > dedupSizeCap {
		d.sweepExpiredLocked(now)
	}
	return false
}

// sweepExpiredLocked removes expired entries; caller must hold d.mu.
func (d *Dedup) sweepExpiredLocked(now time.Time) {
	for hash, expiry := range d.expires {
		if now.After(expiry) {
			delete(d.expires, hash)
		}
	}
}
