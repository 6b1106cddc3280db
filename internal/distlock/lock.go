// Package distlock provides named, leased mutual exclusion across processes,
// backed by a single row per lock key in Postgres. A stale lease (past
// expires_at) is stolen atomically by the next acquirer, and every
// acquisition bumps the key's fencing token so a holder that lost its lease
// can be detected before it writes.
package distlock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotAcquired is returned by WithLock when the lock could not be taken
// within the wait budget. Callers treat it as contention, not a fault.
var ErrNotAcquired = errors.New("lock not acquired")

// Lease is proof of one acquisition. Token increases monotonically per key;
// ledger writes verify it inside their transaction before committing.
type Lease struct {
	Key       string
	HolderID  string
	Token     int64
	ExpiresAt time.Time
}

// Store is the persistence boundary for lock rows. TryAcquire must be
// atomic: it succeeds only when no unexpired row exists for the key, and a
// steal of an expired row must bump the fencing token.
type Store interface {
	TryAcquire(ctx context.Context, key, holderID string, leaseFor time.Duration) (token int64, expiresAt time.Time, ok bool, err error)
	Release(ctx context.Context, key, holderID string) (released bool, err error)
	VerifyTx(ctx context.Context, tx pgx.Tx, key, holderID string, token int64) (held bool, err error)
}

// Options tune one acquisition.
type Options struct {
	HolderID    string        // defaults to a fresh UUID
	Lease       time.Duration // defaults to 30s
	Wait        bool          // poll until WaitTimeout instead of failing fast
	WaitTimeout time.Duration // defaults to 10s when Wait is set
}

// Manager coordinates acquisitions against a Store.
type Manager struct {
	store        Store
	pollInterval time.Duration
	log          *slog.Logger
}

func NewManager(store Store, pollInterval time.Duration, log *slog.Logger) *Manager {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, pollInterval: pollInterval, log: log}
}

func (o Options) withDefaults() Options {
	if o.HolderID == "" {
		o.HolderID = uuid.NewString()
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.Wait && o.WaitTimeout <= 0 {
		o.WaitTimeout = 10 * time.Second
	}
	return o
}

// Acquire attempts to take the named lock. Store errors are treated as "did
// not acquire"; when waiting, they are retried on the poll interval until the
// timeout. Returns the lease and true on success.
func (m *Manager) Acquire(ctx context.Context, key string, opts Options) (*Lease, bool) {
	opts = opts.withDefaults()

	lease, ok := m.tryOnce(ctx, key, opts)
	if ok || !opts.Wait {
		return lease, ok
	}

	deadline := time.Now().Add(opts.WaitTimeout)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
			if lease, ok := m.tryOnce(ctx, key, opts); ok {
				return lease, true
			}
			if time.Now().After(deadline) {
				return nil, false
			}
		}
	}
}

func (m *Manager) tryOnce(ctx context.Context, key string, opts Options) (*Lease, bool) {
	token, expiresAt, ok, err := m.store.TryAcquire(ctx, key, opts.HolderID, opts.Lease)
	if err != nil {
		// Assume contention on store errors; never assume success.
		m.log.Warn("lock acquire store error", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &Lease{Key: key, HolderID: opts.HolderID, Token: token, ExpiresAt: expiresAt}, true
}

// Release clears the lock only if the holder still owns it. Releasing a lock
// that expired and was re-acquired by someone else is a no-op; Release still
// reports success because the caller's obligation is discharged either way.
func (m *Manager) Release(ctx context.Context, lease *Lease) bool {
	if lease == nil {
		return true
	}
	if _, err := m.store.Release(ctx, lease.Key, lease.HolderID); err != nil {
		m.log.Warn("lock release store error", "key", lease.Key, "error", err)
	}
	return true
}

// WithLock acquires the lock, runs fn, and releases on every exit path.
// Returns ErrNotAcquired when the lock stays contended; the lease backstops
// release if this process dies mid-fn.
func (m *Manager) WithLock(ctx context.Context, key string, opts Options, fn func(lease *Lease) error) error {
	lease, ok := m.Acquire(ctx, key, opts)
	if !ok {
		return ErrNotAcquired
	}
	defer m.Release(ctx, lease)
	return fn(lease)
}

// VerifyTx reports whether the lease is still held, checked inside the
// caller's transaction so the answer commits or rolls back with the write it
// protects.
func (m *Manager) VerifyTx(ctx context.Context, tx pgx.Tx, lease *Lease) (bool, error) {
	return m.store.VerifyTx(ctx, tx, lease.Key, lease.HolderID, lease.Token)
}
