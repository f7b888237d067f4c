// Package ratelimit implements the per-client fixed-window limiter guarding
// the subscribe endpoint.
//
// Each client identifier (normally the remote IP) is hashed before it touches
// the store, and the store keeps only the list of request timestamps inside
// the current window. Store failures never block a subscription: the limiter
// fails open and logs.
package ratelimit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/countryballcards/signup/internal/pkg/distlock"
	"github.com/countryballcards/signup/internal/pkg/logger"
)

// Defaults match the public subscribe form: ten attempts per minute.
const (
	DefaultMaxRequests   = 10
	DefaultWindowSeconds = 60

	// DefaultLockWait bounds how long Allow waits for a held key lock.
	DefaultLockWait = 2 * time.Second
	lockPoll        = 5 * time.Millisecond
)

// Config sets the window size and the number of requests allowed inside it.
type Config struct {
	MaxRequests   int
	WindowSeconds int
}

func (c Config) window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// WindowStore persists the timestamps recorded for each hashed client key.
type WindowStore interface {
	// Load returns the stamps for key in ascending order. A missing key is
	// an empty slice, not an error.
	Load(ctx context.Context, key string) ([]time.Time, error)
	// Save replaces the stamps for key. An empty slice removes the key.
	// ttl is the window length; stores may use it to expire stale keys.
	Save(ctx context.Context, key string, stamps []time.Time, ttl time.Duration) error
}

// Limiter decides whether a client may make another request.
type Limiter struct {
	cfg      Config
	store    WindowStore
	lock     distlock.Factory
	lockWait time.Duration
	now      func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLock serialises the read-modify-write for each key through an
// advisory lock. Without it, concurrent requests from one client can all
// read the same window and together exceed the limit. A held lock is
// retried for up to the lock wait; after that, or when the lock backend
// errors, the request proceeds unlocked.
func WithLock(f distlock.Factory) Option {
	return func(l *Limiter) { l.lock = f }
}

// WithLockWait sets how long Allow retries a held lock. Default
// DefaultLockWait.
func WithLockWait(d time.Duration) Option {
	return func(l *Limiter) { l.lockWait = d }
}

// New creates a Limiter. Zero config fields take the defaults.
func New(cfg Config, store WindowStore, opts ...Option) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = DefaultWindowSeconds
	}
	l := &Limiter{cfg: cfg, store: store, lockWait: DefaultLockWait, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// HashKey is the store key for a client identifier.
func HashKey(identifier string) string {
	sum := md5.Sum([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

// Allow records a request for identifier and reports whether it is within
// the limit. Denied requests are not recorded.
func (l *Limiter) Allow(ctx context.Context, identifier string) bool {
	key := HashKey(identifier)

	if l.lock != nil {
		if release := l.acquire(ctx, key); release != nil {
			defer release()
		}
	}

	now := l.now()
	stamps, err := l.store.Load(ctx, key)
	if err != nil {
		logger.Warn("ratelimit: load failed, allowing request", "key", key, "error", err)
		return true
	}

	stamps = prune(stamps, now, l.cfg.window())
	if len(stamps) >= l.cfg.MaxRequests {
		return false
	}

	stamps = append(stamps, now)
	if err := l.store.Save(ctx, key, stamps, l.cfg.window()); err != nil {
		logger.Warn("ratelimit: save failed", "key", key, "error", err)
	}
	return true
}

// acquire takes the lock for key, polling while another request holds it.
// It returns nil when the request has to continue unlocked.
func (l *Limiter) acquire(ctx context.Context, key string) func() {
	lk := l.lock("ratelimit:" + key)
	deadline := time.Now().Add(l.lockWait)
	for {
		ok, err := lk.Acquire(ctx)
		if err != nil {
			logger.Warn("ratelimit: lock unavailable, continuing unlocked", "key", key, "error", err)
			return nil
		}
		if ok {
			return func() { lk.Release(context.WithoutCancel(ctx)) }
		}
		if !time.Now().Before(deadline) {
			logger.Warn("ratelimit: lock wait timed out, continuing unlocked", "key", key, "wait", l.lockWait)
			return nil
		}
		t := time.NewTimer(lockPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Remaining reports how many more requests identifier may make right now.
func (l *Limiter) Remaining(ctx context.Context, identifier string) int {
	stamps, err := l.store.Load(ctx, HashKey(identifier))
	if err != nil {
		return l.cfg.MaxRequests
	}
	n := l.cfg.MaxRequests - len(prune(stamps, l.now(), l.cfg.window()))
	if n < 0 {
		return 0
	}
	return n
}

// ResetAt reports when the oldest stamp in the window expires, or now when
// the client has no stamps.
func (l *Limiter) ResetAt(ctx context.Context, identifier string) time.Time {
	now := l.now()
	stamps, err := l.store.Load(ctx, HashKey(identifier))
	if err != nil {
		return now
	}
	stamps = prune(stamps, now, l.cfg.window())
	if len(stamps) == 0 {
		return now
	}
	oldest := stamps[0]
	for _, s := range stamps[1:] {
		if s.Before(oldest) {
			oldest = s
		}
	}
	return oldest.Add(l.cfg.window())
}

// Limit returns the configured maximum.
func (l *Limiter) Limit() int { return l.cfg.MaxRequests }

// prune keeps stamps strictly younger than window.
func prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	out := stamps[:0:0]
	for _, s := range stamps {
		if now.Sub(s) < window {
			out = append(out, s)
		}
	}
	return out
}
