//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/config"
	"github.com/ekaya-inc/ekaya-tables/pkg/testhelpers"
)

func TestCoordinator_TransactionLockContention(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	ctx := context.Background()
	c := NewCoordinator(config.LockConfig{PollInterval: 10 * time.Millisecond, MaxAttempts: 1000, Timeout: time.Second}, zap.NewNop())
	key := TableKey(uuid.New())

	tx1, err := engineDB.DB.Pool.Begin(ctx)
	require.NoError(t, err)
	defer tx1.Rollback(ctx) //nolint:errcheck

	_, err = c.Acquire(ctx, tx1, key, 0)
	require.NoError(t, err)

	tx2, err := engineDB.DB.Pool.Begin(ctx)
	require.NoError(t, err)
	defer tx2.Rollback(ctx) //nolint:errcheck

	_, ok, err := c.TryAcquire(ctx, tx2, key)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held by tx1")

	_, err = c.Acquire(ctx, tx2, key, 50*time.Millisecond)
	assert.ErrorIs(t, err, apperrors.ErrLockTimeout)

	// Ending tx1 releases its lock without an explicit Release.
	tx3, err := engineDB.DB.Pool.Begin(ctx)
	require.NoError(t, err)
	defer tx3.Rollback(ctx) //nolint:errcheck

	done := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, tx3, key, 0)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, tx1.Commit(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not granted the lock after commit")
	}
}

func TestCoordinator_SessionLock(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	ctx := context.Background()
	c := NewCoordinator(config.LockConfig{PollInterval: 10 * time.Millisecond, MaxAttempts: 5, Timeout: time.Second}, zap.NewNop())
	key := ResourceKey("apply", uuid.New())

	conn1, err := engineDB.DB.Pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn1.Release()
	conn2, err := engineDB.DB.Pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn2.Release()

	h, err := c.AcquireSession(ctx, conn1, key, 0)
	require.NoError(t, err)

	_, err = c.AcquireSession(ctx, conn2, key, 30*time.Millisecond)
	assert.ErrorIs(t, err, apperrors.ErrLockTimeout)

	require.NoError(t, h.Release(ctx))

	h2, err := c.AcquireSession(ctx, conn2, key, 0)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}
