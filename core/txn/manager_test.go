package txn

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keldadb/keldadb/core/btree"
	"github.com/keldadb/keldadb/core/storage/bufferpool"
	"github.com/keldadb/keldadb/core/storage/disk"
	"github.com/keldadb/keldadb/core/storage/page"
	"github.com/keldadb/keldadb/core/wal"
)

func setupManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, _ := setupManagerWithDisk(t, opts)
	return m
}

func setupManagerWithDisk(t *testing.T, opts Options) (*Manager, *disk.Manager) {
	t.Helper()
	dir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	dm, err := disk.Open(filepath.Join(dir, "kelda.db"), page.MinPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	lm, err := wal.Open(filepath.Join(dir, "kelda.wal"), 256*1024, logger)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	pool, err := bufferpool.New(dm, 64, lm, logger)
	require.NoError(t, err)

	tree, err := btree.Open(pool, dm, lm, logger)
	require.NoError(t, err)

	m := NewManager(tree, lm, opts, logger)
	t.Cleanup(m.Close)
	return m, dm
}

func TestCommitRoundTrip(t *testing.T) {
	m := setupManager(t, Options{})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t1, []byte("k"), []byte("v")))
	require.NoError(t, m.Commit(t1))
	require.Equal(t, StateCommitted, t1.State())

	t2, err := m.Begin()
	require.NoError(t, err)
	got, err := m.Get(t2, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
	require.NoError(t, m.Commit(t2))
}

func TestGetMissingKey(t *testing.T) {
	m := setupManager(t, Options{})

	t1, err := m.Begin()
	require.NoError(t, err)
	_, err = m.Get(t1, []byte("nope"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, m.Abort(t1))
}

func TestTerminatedHandleRejected(t *testing.T) {
	m := setupManager(t, Options{})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Commit(t1))

	require.ErrorIs(t, m.Put(ctx, t1, []byte("k"), []byte("v")), ErrTxnNotActive)
	require.ErrorIs(t, m.Commit(t1), ErrTxnNotActive)
	require.ErrorIs(t, m.Abort(t1), ErrTxnNotActive)
	_, err = m.Get(t1, []byte("k"))
	require.ErrorIs(t, err, ErrTxnNotActive)
}

// A snapshot is fixed at begin time: commits that land afterwards stay
// invisible for the transaction's whole lifetime.
func TestSnapshotStability(t *testing.T) {
	m := setupManager(t, Options{})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t1, []byte("k"), []byte("a")))

	t2, err := m.Begin()
	require.NoError(t, err)
	_, err = m.Get(t2, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Commit(t1))

	_, err = m.Get(t2, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound, "snapshot must not move after a concurrent commit")
	require.NoError(t, m.Commit(t2))

	t3, err := m.Begin()
	require.NoError(t, err)
	got, err := m.Get(t3, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)
	require.NoError(t, m.Commit(t3))
}

func TestRepeatableRead(t *testing.T) {
	m := setupManager(t, Options{})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t1, []byte("k"), []byte("old")))
	require.NoError(t, m.Commit(t1))

	t2, err := m.Begin()
	require.NoError(t, err)
	first, err := m.Get(t2, []byte("k"))
	require.NoError(t, err)

	t3, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t3, []byte("k"), []byte("new")))
	require.NoError(t, m.Commit(t3))

	second, err := m.Get(t2, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, []byte("old"), second)
	require.NoError(t, m.Commit(t2))
}

// First-writer-wins: of two overlapping writers of one key, the one
// that reaches the key second loses with a serialization failure.
func TestWriteWriteConflict(t *testing.T) {
	m := setupManager(t, Options{})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	t2, err := m.Begin()
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, t1, []byte("k"), []byte("one")))
	require.NoError(t, m.Commit(t1))

	err = m.Put(ctx, t2, []byte("k"), []byte("two"))
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, StateAborted, t2.State(), "the losing writer is aborted immediately")

	t3, err := m.Begin()
	require.NoError(t, err)
	got, err := m.Get(t3, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)
	require.NoError(t, m.Commit(t3))
}

func TestConflictAfterLockWait(t *testing.T) {
	m := setupManager(t, Options{LockWaitTimeout: 2 * time.Second})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	t2, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t1, []byte("k"), []byte("one")))

	done := make(chan error, 1)
	go func() {
		done <- m.Put(ctx, t2, []byte("k"), []byte("two"))
	}()

	// Give the second writer time to queue behind the lock, then let
	// the first commit and hand it over.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Commit(t1))

	require.ErrorIs(t, <-done, ErrConflict)
	require.Equal(t, StateAborted, t2.State())
}

func TestLockWaitTimeout(t *testing.T) {
	m := setupManager(t, Options{LockWaitTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	t2, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t1, []byte("k"), []byte("one")))

	err = m.Put(ctx, t2, []byte("k"), []byte("two"))
	require.ErrorIs(t, err, ErrLockTimeout)
	require.Equal(t, StateActive, t2.State(), "a timed-out wait leaves the transaction usable")

	require.NoError(t, m.Abort(t2))
	require.NoError(t, m.Commit(t1))
}

func TestAbortRollsBackWrites(t *testing.T) {
	m := setupManager(t, Options{})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t1, []byte("a"), []byte("1")))
	require.NoError(t, m.Put(ctx, t1, []byte("b"), []byte("2")))
	require.NoError(t, m.Abort(t1))
	require.Equal(t, StateAborted, t1.State())

	t2, err := m.Begin()
	require.NoError(t, err)
	for _, key := range []string{"a", "b"} {
		_, err = m.Get(t2, []byte(key))
		require.ErrorIs(t, err, ErrNotFound, "key %q", key)
	}
	require.NoError(t, m.Commit(t2))
}

func TestAbortRestoresOverwrittenValue(t *testing.T) {
	m := setupManager(t, Options{})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t1, []byte("k"), []byte("keep")))
	require.NoError(t, m.Commit(t1))

	t2, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t2, []byte("k"), []byte("discard")))
	require.NoError(t, m.Delete(ctx, t2, []byte("k")))
	require.NoError(t, m.Abort(t2))

	t3, err := m.Begin()
	require.NoError(t, err)
	got, err := m.Get(t3, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("keep"), got)
	require.NoError(t, m.Commit(t3))
}

func TestDeleteVisibility(t *testing.T) {
	m := setupManager(t, Options{})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t1, []byte("k"), []byte("v")))
	require.NoError(t, m.Commit(t1))

	t2, err := m.Begin()
	require.NoError(t, err)

	t3, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, t3, []byte("k")))
	require.NoError(t, m.Commit(t3))

	// The deletion committed after t2 began, so t2 still sees the row.
	got, err := m.Get(t2, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
	require.NoError(t, m.Commit(t2))

	t4, err := m.Begin()
	require.NoError(t, err)
	_, err = m.Get(t4, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, m.Commit(t4))
}

func TestDeleteMissingKey(t *testing.T) {
	m := setupManager(t, Options{})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	require.ErrorIs(t, m.Delete(ctx, t1, []byte("nope")), ErrNotFound)
	require.NoError(t, m.Abort(t1))
}

func TestDeadlockBreaksByAbortingYoungest(t *testing.T) {
	m := setupManager(t, Options{
		LockWaitTimeout:  5 * time.Second,
		DeadlockInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	t2, err := m.Begin()
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, t1, []byte("a"), []byte("1")))
	require.NoError(t, m.Put(ctx, t2, []byte("b"), []byte("2")))

	r1 := make(chan error, 1)
	go func() { r1 <- m.Put(ctx, t1, []byte("b"), []byte("x")) }()
	time.Sleep(30 * time.Millisecond)

	// t2 closing the cycle makes it the youngest waiter, so it dies.
	err = m.Put(ctx, t2, []byte("a"), []byte("y"))
	require.ErrorIs(t, err, ErrDeadlock)
	require.Equal(t, StateAborted, t2.State())

	require.NoError(t, <-r1)
	require.NoError(t, m.Commit(t1))
}

func TestHorizonTracksOldestSnapshot(t *testing.T) {
	m := setupManager(t, Options{})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	t2, err := m.Begin()
	require.NoError(t, err)

	require.Equal(t, t1.ID(), m.Horizon())

	require.NoError(t, m.Commit(t1))
	// t2's snapshot still excludes t1, so the horizon cannot pass it.
	require.Equal(t, t1.ID(), m.Horizon())

	require.NoError(t, m.Put(ctx, t2, []byte("k"), []byte("v")))
	require.NoError(t, m.Commit(t2))
	require.Greater(t, m.Horizon(), t2.ID())
}

func TestActiveTable(t *testing.T) {
	m := setupManager(t, Options{})
	ctx := context.Background()

	t1, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t1, []byte("k"), []byte("v")))

	table := m.ActiveTable()
	require.Len(t, table, 1)
	require.Equal(t, t1.ID(), table[0].TxnID)
	require.Equal(t, t1.LastLSN(), table[0].LastLSN)
	require.NotEqual(t, wal.InvalidLSN, table[0].BeginLSN)

	require.NoError(t, m.Commit(t1))
	require.Empty(t, m.ActiveTable())
	require.Zero(t, m.ActiveCount())
}

func TestAbortOfSelfOverwriteKeepsFreeListSane(t *testing.T) {
	m, dm := setupManagerWithDisk(t, Options{})
	ctx := context.Background()

	// Both values are large enough to live on overflow chains, so the
	// rollback must reclaim each removed version's own chain, once.
	t1, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, t1, []byte("k"), bytes.Repeat([]byte("a"), 600)))
	require.NoError(t, m.Put(ctx, t1, []byte("k"), bytes.Repeat([]byte("b"), 600)))
	require.NoError(t, m.Abort(t1))

	t2, err := m.Begin()
	require.NoError(t, err)
	_, err = m.Get(t2, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, m.Commit(t2))

	// A double free would loop the free list and hand the same page out
	// twice.
	seen := map[page.PageID]struct{}{}
	for i := 0; i < 4; i++ {
		id, err := dm.Allocate()
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "page %d allocated twice", id)
		seen[id] = struct{}{}
	}
}
