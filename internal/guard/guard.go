// Package guard holds the process-local protective state of the tracking
// endpoints: per-client rate limits, replay fingerprints and password
// lockouts. Every guard sits behind an interface so a shared backend
// (Redis) can replace the in-memory one without touching call sites.
package guard

import (
	"context"
	"time"
)

// Clock returns the current time. Tests substitute a controllable one.
type Clock func() time.Time

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter caps events per client within a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Deduplicator remembers fingerprints for a window.
type Deduplicator interface {
	// Seen records fingerprint and reports whether it was already present
	// within the window.
	Seen(ctx context.Context, fingerprint string) (bool, error)
	// Forget drops fingerprint so a failed write can be retried.
	Forget(ctx context.Context, fingerprint string) error
}

// Lockout counts failed authentication attempts per client.
type Lockout interface {
	// Locked reports whether key is locked out and for how much longer.
	Locked(ctx context.Context, key string) (time.Duration, bool, error)
	// Fail records a failed attempt and returns the lockout duration when
	// this failure triggered one.
	Fail(ctx context.Context, key string) (time.Duration, error)
	// Reset clears the failure count for key.
	Reset(ctx context.Context, key string) error
}

// Limits configures the guards.
type Limits struct {
	TrackPerWindow  int
	BeaconPerWindow int
	LeadPerWindow   int
	Window          time.Duration

	DedupWindow time.Duration

	MaxAttempts   int
	AttemptWindow time.Duration
	LockoutFor    time.Duration
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		TrackPerWindow:  10,
		BeaconPerWindow: 20,
		LeadPerWindow:   10,
		Window:          time.Minute,
		DedupWindow:     5 * time.Minute,
		MaxAttempts:     5,
		AttemptWindow:   15 * time.Minute,
		LockoutFor:      15 * time.Minute,
	}
}

// Guards bundles the guards one server instance uses.
type Guards struct {
	Track  RateLimiter
	Beacon RateLimiter
	Lead   RateLimiter
	Dedup  Deduplicator
	Auth   Lockout
}

// NewMemoryGuards builds process-local guards. A nil clock uses time.Now.
func NewMemoryGuards(l Limits, clock Clock) *Guards {
	if clock == nil {
		clock = time.Now
	}
	return &Guards{
		Track:  NewMemoryRateLimiter(l.TrackPerWindow, l.Window, clock),
		Beacon: NewMemoryRateLimiter(l.BeaconPerWindow, l.Window, clock),
		Lead:   NewMemoryRateLimiter(l.LeadPerWindow, l.Window, clock),
		Dedup:  NewMemoryDeduplicator(l.DedupWindow, clock),
		Auth:   NewMemoryLockout(l.MaxAttempts, l.AttemptWindow, l.LockoutFor, clock),
	}
}
