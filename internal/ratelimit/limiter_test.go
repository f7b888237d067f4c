package ratelimit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/countryballcards/signup/internal/pkg/distlock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func newFileLimiter(t *testing.T, max, window int, clock *fakeClock) (*Limiter, *FileStore) {
	t.Helper()
	fs := NewFileStore(filepath.Join(t.TempDir(), "rate_limits.json"))
	fs.now = clock.Now
	return New(Config{MaxRequests: max, WindowSeconds: window}, fs, WithClock(clock.Now)), fs
}

func TestAllow_ThreeThenDeny(t *testing.T) {
	clock := newClock()
	l, _ := newFileLimiter(t, 3, 60, clock)
	ctx := context.Background()

	var got []bool
	for i := 0; i < 4; i++ {
		got = append(got, l.Allow(ctx, "203.0.113.7"))
	}
	assert.Equal(t, []bool{true, true, true, false}, got)
}

func TestAllow_WindowSlides(t *testing.T) {
	clock := newClock()
	l, _ := newFileLimiter(t, 3, 60, clock)
	ctx := context.Background()
	ip := "203.0.113.7"

	require.True(t, l.Allow(ctx, ip)) // t=0
	clock.Advance(10 * time.Second)
	require.True(t, l.Allow(ctx, ip)) // t=10
	clock.Advance(10 * time.Second)
	require.True(t, l.Allow(ctx, ip)) // t=20

	clock.Advance(30 * time.Second) // t=50
	assert.False(t, l.Allow(ctx, ip))

	clock.Advance(10 * time.Second) // t=60: first stamp is exactly one window old
	assert.True(t, l.Allow(ctx, ip))
	assert.False(t, l.Allow(ctx, ip))
}

func TestAllow_DeniedRequestsAreNotRecorded(t *testing.T) {
	clock := newClock()
	l, _ := newFileLimiter(t, 1, 60, clock)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "a"))
	for i := 0; i < 5; i++ {
		clock.Advance(5 * time.Second)
		assert.False(t, l.Allow(ctx, "a"))
	}

	// Only the first stamp exists, so the client is free once it expires.
	clock.Advance(35 * time.Second)
	assert.True(t, l.Allow(ctx, "a"))
}

func TestAllow_IdentifiersAreIndependent(t *testing.T) {
	clock := newClock()
	l, _ := newFileLimiter(t, 1, 60, clock)
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "10.0.0.1"))
	assert.True(t, l.Allow(ctx, "10.0.0.2"))
	assert.False(t, l.Allow(ctx, "10.0.0.1"))
}

func TestRemainingAndResetAt(t *testing.T) {
	clock := newClock()
	l, _ := newFileLimiter(t, 3, 60, clock)
	ctx := context.Background()
	start := clock.Now()

	assert.Equal(t, 3, l.Remaining(ctx, "x"))
	assert.Equal(t, start, l.ResetAt(ctx, "x"))

	l.Allow(ctx, "x")
	clock.Advance(15 * time.Second)
	l.Allow(ctx, "x")

	assert.Equal(t, 1, l.Remaining(ctx, "x"))
	assert.Equal(t, start.Add(60*time.Second), l.ResetAt(ctx, "x"))

	l.Allow(ctx, "x")
	l.Allow(ctx, "x")
	assert.Equal(t, 0, l.Remaining(ctx, "x"))
}

func TestDefaults(t *testing.T) {
	l := New(Config{}, NewFileStore(filepath.Join(t.TempDir(), "f.json")))
	assert.Equal(t, DefaultMaxRequests, l.Limit())
	assert.Equal(t, DefaultWindowSeconds, l.cfg.WindowSeconds)
}

func TestFileStore_PersistsHashedKeysOnly(t *testing.T) {
	clock := newClock()
	l, fs := newFileLimiter(t, 2, 60, clock)
	ctx := context.Background()

	l.Allow(ctx, "198.51.100.23")

	raw, err := os.ReadFile(fs.path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "198.51.100.23")
	assert.Contains(t, string(raw), HashKey("198.51.100.23"))

	// A second limiter on the same file sees the recorded stamp.
	fs2 := NewFileStore(fs.path)
	fs2.now = clock.Now
	l2 := New(Config{MaxRequests: 2, WindowSeconds: 60}, fs2, WithClock(clock.Now))
	assert.True(t, l2.Allow(ctx, "198.51.100.23"))
	assert.False(t, l2.Allow(ctx, "198.51.100.23"))
}

func TestFileStore_DropsStaleKeys(t *testing.T) {
	clock := newClock()
	l, fs := newFileLimiter(t, 5, 60, clock)
	ctx := context.Background()

	l.Allow(ctx, "old-client")
	clock.Advance(2 * time.Minute)
	l.Allow(ctx, "new-client")

	state, err := fs.read()
	require.NoError(t, err)
	assert.NotContains(t, state, HashKey("old-client"))
	assert.Contains(t, state, HashKey("new-client"))
}

func TestFileStore_CorruptFileIsColdStart(t *testing.T) {
	clock := newClock()
	l, fs := newFileLimiter(t, 1, 60, clock)
	require.NoError(t, os.WriteFile(fs.path, []byte("{not json"), 0o644))

	assert.True(t, l.Allow(context.Background(), "a"))
	assert.False(t, l.Allow(context.Background(), "a"))
}

type brokenStore struct{}

func (brokenStore) Load(context.Context, string) ([]time.Time, error) {
	return nil, errors.New("disk on fire")
}
func (brokenStore) Save(context.Context, string, []time.Time, time.Duration) error {
	return errors.New("disk on fire")
}

func TestAllow_FailsOpen(t *testing.T) {
	l := New(Config{MaxRequests: 1, WindowSeconds: 60}, brokenStore{})
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(context.Background(), "a"))
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := newClock()
	l := New(Config{MaxRequests: 2, WindowSeconds: 60}, NewRedisStore(client), WithClock(clock.Now))
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "a"))
	assert.True(t, l.Allow(ctx, "a"))
	assert.False(t, l.Allow(ctx, "a"))

	key := redisKeyPrefix + HashKey("a")
	require.True(t, mr.Exists(key))
	assert.Equal(t, 60*time.Second, mr.TTL(key))

	// Key expiry clears the client entirely.
	mr.FastForward(61 * time.Second)
	clock.Advance(61 * time.Second)
	assert.True(t, l.Allow(ctx, "a"))
}

func TestRedisStore_EmptySaveDeletes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "k", []time.Time{time.Now()}, time.Minute))
	require.NoError(t, s.Save(ctx, "k", nil, time.Minute))
	assert.False(t, mr.Exists(redisKeyPrefix+"k"))
}

func TestAllow_WithLockReleases(t *testing.T) {
	clock := newClock()
	table := distlock.NewLocalTable()
	fs := NewFileStore(filepath.Join(t.TempDir(), "f.json"))
	fs.now = clock.Now
	l := New(Config{MaxRequests: 2, WindowSeconds: 60}, fs,
		WithClock(clock.Now),
		WithLock(func(key string) distlock.DistLock { return table.Lock(key) }),
		WithLockWait(20*time.Millisecond))
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "a"))

	holder := table.Lock("ratelimit:" + HashKey("a"))
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "limiter must release its lock")

	// A lock held past the wait does not block the limiter.
	start := time.Now()
	assert.True(t, l.Allow(ctx, "a"))
	assert.False(t, l.Allow(ctx, "a"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.NoError(t, holder.Release(ctx))
}

func TestAllow_WaitsForHeldLock(t *testing.T) {
	table := distlock.NewLocalTable()
	l := New(Config{MaxRequests: 1, WindowSeconds: 60}, newMemStore(0),
		WithLock(func(key string) distlock.DistLock { return table.Lock(key) }),
		WithLockWait(5*time.Second))
	ctx := context.Background()

	holder := table.Lock("ratelimit:" + HashKey("a"))
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan bool)
	go func() { done <- l.Allow(ctx, "a") }()

	select {
	case <-done:
		t.Fatal("Allow returned while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, holder.Release(ctx))
	select {
	case allowed := <-done:
		assert.True(t, allowed)
	case <-time.After(time.Second):
		t.Fatal("Allow did not proceed after the lock was released")
	}
}

// memStore keeps windows in memory. delay slows Load to widen the gap
// between reading and writing a window.
type memStore struct {
	mu    sync.Mutex
	data  map[string][]time.Time
	delay time.Duration
}

func newMemStore(delay time.Duration) *memStore {
	return &memStore{data: map[string][]time.Time{}, delay: delay}
}

func (m *memStore) Load(_ context.Context, key string) ([]time.Time, error) {
	m.mu.Lock()
	out := append([]time.Time(nil), m.data[key]...)
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return out, nil
}

func (m *memStore) Save(_ context.Context, key string, stamps []time.Time, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]time.Time(nil), stamps...)
	return nil
}

// barrierStore holds every Load until n callers have read, so all of them
// see the same window.
type barrierStore struct {
	*memStore
	wg *sync.WaitGroup
}

func (b barrierStore) Load(ctx context.Context, key string) ([]time.Time, error) {
	stamps, err := b.memStore.Load(ctx, key)
	b.wg.Done()
	b.wg.Wait()
	return stamps, err
}

func allowConcurrently(l *Limiter, n int) int {
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(context.Background(), "198.51.100.20") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	return int(allowed.Load())
}

func TestAllow_ConcurrentWithoutLockOvershoots(t *testing.T) {
	const n, limit = 20, 5
	var barrier sync.WaitGroup
	barrier.Add(n)
	l := New(Config{MaxRequests: limit, WindowSeconds: 60},
		barrierStore{memStore: newMemStore(0), wg: &barrier})

	// Load, prune, append and Save are separate steps: every caller read
	// an empty window, so every caller is admitted.
	assert.Equal(t, n, allowConcurrently(l, n))
}

func TestAllow_ConcurrentWithLockHoldsLimit(t *testing.T) {
	const n, limit = 20, 5
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := newMemStore(time.Millisecond)
	l := New(Config{MaxRequests: limit, WindowSeconds: 60}, store,
		WithLock(distlock.NewFactory(client, nil, "", time.Second)),
		WithLockWait(10*time.Second))

	assert.Equal(t, limit, allowConcurrently(l, n))
	assert.Equal(t, 0, l.Remaining(context.Background(), "198.51.100.20"))
	assert.False(t, mr.Exists("signup:lock:ratelimit:"+HashKey("198.51.100.20")), "lock must be released")
}

func TestHashKey(t *testing.T) {
	h := HashKey("127.0.0.1")
	assert.Len(t, h, 32)
	assert.Equal(t, strings.ToLower(h), h)
	assert.Equal(t, "f528764d624db129b32c21fbca0cb8d6", h)
}
