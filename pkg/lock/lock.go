// Package lock serializes schema mutations across processes with PostgreSQL
// advisory locks. Keys are strings such as "table:<id>"; the server hashes
// them to the 64-bit advisory key space with hashtextextended.
//
// Transaction-scoped locks are released by the server when the owning
// transaction commits or rolls back, including on connection loss, so callers
// never release them explicitly. Session-scoped locks must be released.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/config"
	"github.com/ekaya-inc/ekaya-tables/pkg/database"
	"github.com/ekaya-inc/ekaya-tables/pkg/retry"
)

const (
	tryXactLockSQL    = `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`
	trySessionLockSQL = `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`
	unlockSessionSQL  = `SELECT pg_advisory_unlock(hashtextextended($1, 0))`
)

var errNotAcquired = errors.New("lock held by another session")

// ResourceKey derives a lock key from an object kind and id.
func ResourceKey(kind string, id uuid.UUID) string {
	return kind + ":" + id.String()
}

// TableKey is the lock key guarding structural changes to one table.
func TableKey(tableID uuid.UUID) string {
	return ResourceKey("table", tableID)
}

// Scope says when a held lock is released.
type Scope int

const (
	// ScopeTransaction locks end with the transaction they were taken in.
	ScopeTransaction Scope = iota
	// ScopeSession locks last until Release or connection close.
	ScopeSession
)

// Handle is a held advisory lock.
type Handle struct {
	Key   string
	Scope Scope

	q        database.Querier
	released bool
}

// Release frees a session-scoped lock. It is a no-op for transaction-scoped
// locks and for handles already released.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil || h.released || h.Scope == ScopeTransaction {
		return nil
	}
	var ok bool
	if err := h.q.QueryRow(ctx, unlockSessionSQL, h.Key).Scan(&ok); err != nil {
		return fmt.Errorf("failed to release lock %q: %w", h.Key, err)
	}
	h.released = true
	if !ok {
		return fmt.Errorf("lock %q was not held", h.Key)
	}
	return nil
}

// Coordinator acquires advisory locks with bounded polling.
type Coordinator struct {
	cfg    config.LockConfig
	logger *zap.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg config.LockConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, logger: logger.Named("lock")}
}

// Acquire takes a transaction-scoped lock on key, polling until it is granted,
// the attempts run out or timeout elapses. q must be an open transaction.
// A zero timeout uses the configured default.
func (c *Coordinator) Acquire(ctx context.Context, q database.Querier, key string, timeout time.Duration) (*Handle, error) {
	return c.acquire(ctx, q, key, timeout, ScopeTransaction)
}

// AcquireSession is Acquire for a session-scoped lock. The caller must Release it.
func (c *Coordinator) AcquireSession(ctx context.Context, q database.Querier, key string, timeout time.Duration) (*Handle, error) {
	return c.acquire(ctx, q, key, timeout, ScopeSession)
}

// TryAcquire makes a single non-blocking attempt at a transaction-scoped lock.
func (c *Coordinator) TryAcquire(ctx context.Context, q database.Querier, key string) (*Handle, bool, error) {
	ok, err := try(ctx, q, tryXactLockSQL, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Handle{Key: key, Scope: ScopeTransaction, q: q}, true, nil
}

// AcquireAll takes transaction-scoped locks on every key in ascending order.
// Two callers locking overlapping sets therefore never wait on each other in a cycle.
func (c *Coordinator) AcquireAll(ctx context.Context, q database.Querier, timeout time.Duration, keys ...string) ([]*Handle, error) {
	ordered := SortedKeys(keys...)
	handles := make([]*Handle, 0, len(ordered))
	for _, key := range ordered {
		h, err := c.Acquire(ctx, q, key, timeout)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// SortedKeys returns keys deduplicated in ascending order.
func SortedKeys(keys ...string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) acquire(ctx context.Context, q database.Querier, key string, timeout time.Duration, scope Scope) (*Handle, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	query := tryXactLockSQL
	if scope == ScopeSession {
		query = trySessionLockSQL
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	attempts := 0
	err := retry.Do(waitCtx, retry.Polling(c.cfg.PollInterval, c.cfg.MaxAttempts), func() error {
		attempts++
		ok, err := try(waitCtx, q, query, key)
		if err != nil {
			return err
		}
		if !ok {
			return errNotAcquired
		}
		return nil
	})

	if err != nil {
		// Caller cancellation is not a timeout.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errNotAcquired) || errors.Is(err, context.DeadlineExceeded) || waitCtx.Err() != nil {
			c.logger.Warn("Lock acquisition timed out",
				zap.String("key", key),
				zap.Int("attempts", attempts),
				zap.Duration("waited", time.Since(start)))
			return nil, apperrors.LockTimeout(key, err)
		}
		return nil, apperrors.Execution("acquire lock", err)
	}

	c.logger.Debug("Lock acquired",
		zap.String("key", key),
		zap.Int("attempts", attempts),
		zap.Duration("waited", time.Since(start)))
	return &Handle{Key: key, Scope: scope, q: q}, nil
}

func try(ctx context.Context, q database.Querier, query, key string) (bool, error) {
	var ok bool
	if err := q.QueryRow(ctx, query, key).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
