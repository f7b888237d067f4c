package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Factory builds a fresh lock for key. Callers create one lock per critical
// section.
type Factory func(key string) DistLock

// NewFactory picks the best available backend: Redis when a client is given,
// otherwise database advisory locks for postgres/mysql, otherwise an
// in-process lock table.
func NewFactory(redisClient *redis.Client, db *sql.DB, driver string, ttl time.Duration) Factory {
	switch {
	case redisClient != nil:
		return func(key string) DistLock { return NewRedisLock(redisClient, key, ttl) }
	case db != nil && driver == "postgres":
		return func(key string) DistLock { return NewPGAdvisoryLock(db, key) }
	case db != nil && driver == "mysql":
		return func(key string) DistLock { return NewMySQLNamedLock(db, key) }
	default:
		table := NewLocalTable()
		return func(key string) DistLock { return table.Lock(key) }
	}
}

// =============================================================================
// PostgreSQL Advisory Lock
// =============================================================================
// Uses pg_try_advisory_lock / pg_advisory_unlock which are session-scoped.
// The lock is automatically released if the DB connection drops.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock without blocking. The lock is
// held on a dedicated connection so Release runs on the same session.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the advisory lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}

// =============================================================================
// MySQL named lock
// =============================================================================

// MySQLNamedLock implements DistLock with GET_LOCK / RELEASE_LOCK.
type MySQLNamedLock struct {
	db   *sql.DB
	name string
	conn *sql.Conn
}

// NewMySQLNamedLock creates a named lock. MySQL caps lock names at 64
// characters, so long keys are hashed.
func NewMySQLNamedLock(db *sql.DB, key string) *MySQLNamedLock {
	name := "lock:" + key
	if len(name) > 64 {
		h := fnv.New64a()
		h.Write([]byte(key))
		name = fmt.Sprintf("lock:%x", h.Sum64())
	}
	return &MySQLNamedLock{db: db, name: name}
}

// Acquire tries GET_LOCK with a zero timeout.
func (l *MySQLNamedLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", l.name).Scan(&got); err != nil {
		conn.Close()
		return false, err
	}
	if !got.Valid || got.Int64 != 1 {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the named lock.
func (l *MySQLNamedLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", l.name)
	l.conn.Close()
	l.conn = nil
	return err
}

// =============================================================================
// In-process lock table (single node, no database)
// =============================================================================

// LocalTable hands out non-blocking locks keyed by string within one process.
type LocalTable struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalTable creates an empty lock table.
func NewLocalTable() *LocalTable {
	return &LocalTable{held: make(map[string]bool)}
}

// Lock returns a lock handle for key.
func (t *LocalTable) Lock(key string) DistLock {
	return &localLock{table: t, key: key}
}

type localLock struct {
	table *LocalTable
	key   string
	owned bool
}

func (l *localLock) Acquire(_ context.Context) (bool, error) {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	if l.table.held[l.key] {
		return false, nil
	}
	l.table.held[l.key] = true
	l.owned = true
	return true, nil
}

func (l *localLock) Release(_ context.Context) error {
	if !l.owned {
		return nil
	}
	l.table.mu.Lock()
	delete(l.table.held, l.key)
	l.table.mu.Unlock()
	l.owned = false
	return nil
}
