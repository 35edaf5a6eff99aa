package guard

import (
	"context"
	"sync"
	"time"
)

type windowEntry struct {
	count     int
	expiresAt time.Time
}

// MemoryRateLimiter is a fixed-window counter per key. Expired entries are
// swept lazily, at most once per window.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	now       Clock
	entries   map[string]*windowEntry
	lastSweep time.Time
}

func NewMemoryRateLimiter(max int, window time.Duration, clock Clock) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		max:     max,
		window:  window,
		now:     clock,
		entries: make(map[string]*windowEntry),
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	entry, exists := l.entries[key]
	if !exists || !now.Before(entry.expiresAt) {
		l.entries[key] = &windowEntry{count: 1, expiresAt: now.Add(l.window)}
		return Decision{Allowed: true}, nil
	}

	if entry.count >= l.max {
		return Decision{RetryAfter: entry.expiresAt.Sub(now)}, nil
	}

	entry.count++
	return Decision{Allowed: true}, nil
}

func (l *MemoryRateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, entry := range l.entries {
		if !now.Before(entry.expiresAt) {
			delete(l.entries, key)
		}
	}
}

// MemoryDeduplicator keeps fingerprints with their first-seen time and
// prunes entries older than the window on every check.
type MemoryDeduplicator struct {
	mu     sync.Mutex
	window time.Duration
	now    Clock
	seen   map[string]time.Time
}

func NewMemoryDeduplicator(window time.Duration, clock Clock) *MemoryDeduplicator {
	return &MemoryDeduplicator{
		window: window,
		now:    clock,
		seen:   make(map[string]time.Time),
	}
}

func (d *MemoryDeduplicator) Seen(_ context.Context, fingerprint string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, key)
		}
	}

	if _, dup := d.seen[fingerprint]; dup {
		return true, nil
	}
	d.seen[fingerprint] = now
	return false, nil
}

func (d *MemoryDeduplicator) Forget(_ context.Context, fingerprint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, fingerprint)
	return nil
}

// Len returns the number of fingerprints currently held.
func (d *MemoryDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

type attemptRecord struct {
	failures    int
	windowEnd   time.Time
	lockedUntil time.Time
}

// MemoryLockout locks a key out after maxAttempts failures within the
// attempt window.
type MemoryLockout struct {
	mu            sync.Mutex
	maxAttempts   int
	attemptWindow time.Duration
	lockoutFor    time.Duration
	now           Clock
	records       map[string]*attemptRecord
}

func NewMemoryLockout(maxAttempts int, attemptWindow, lockoutFor time.Duration, clock Clock) *MemoryLockout {
	return &MemoryLockout{
		maxAttempts:   maxAttempts,
		attemptWindow: attemptWindow,
		lockoutFor:    lockoutFor,
		now:           clock,
		records:       make(map[string]*attemptRecord),
	}
}

func (l *MemoryLockout) Locked(_ context.Context, key string) (time.Duration, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return 0, false, nil
	}

	now := l.now()
	if now.Before(rec.lockedUntil) {
		return rec.lockedUntil.Sub(now), true, nil
	}
	if !rec.lockedUntil.IsZero() || now.After(rec.windowEnd) {
		delete(l.records, key)
	}
	return 0, false, nil
}

func (l *MemoryLockout) Fail(_ context.Context, key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[key]
	if !ok || now.After(rec.windowEnd) || (!rec.lockedUntil.IsZero() && !now.Before(rec.lockedUntil)) {
		rec = &attemptRecord{windowEnd: now.Add(l.attemptWindow)}
		l.records[key] = rec
	}

	rec.failures++
	if rec.failures >= l.maxAttempts {
		rec.lockedUntil = now.Add(l.lockoutFor)
		return l.lockoutFor, nil
	}
	return 0, nil
}

func (l *MemoryLockout) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key)
	return nil
}
