package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keldadb/keldadb/core/btree"
	"github.com/keldadb/keldadb/core/storage/bufferpool"
	"github.com/keldadb/keldadb/core/storage/disk"
	"github.com/keldadb/keldadb/core/storage/page"
	"github.com/keldadb/keldadb/core/txn"
	"github.com/keldadb/keldadb/core/wal"
)

// harness is a full storage stack that can be "crashed": closed without
// flushing the buffer pool, so dirty pages die with it.
type harness struct {
	dir  string
	dm   *disk.Manager
	lm   *wal.Manager
	pool *bufferpool.Manager
	tree *btree.Tree
	mgr  *txn.Manager
	res  *Result
}

func openHarness(t *testing.T, dir string) *harness {
	t.Helper()
	logger := zap.NewNop()

	dm, err := disk.Open(filepath.Join(dir, "kelda.db"), page.MinPageSize, logger)
	require.NoError(t, err)
	lm, err := wal.Open(filepath.Join(dir, "kelda.wal"), 256*1024, logger)
	require.NoError(t, err)

	res, err := Run(dm, lm, logger)
	require.NoError(t, err)

	pool, err := bufferpool.New(dm, 64, lm, logger)
	require.NoError(t, err)
	tree, err := btree.Open(pool, dm, lm, logger)
	require.NoError(t, err)

	require.NoError(t, Undo(tree, lm, res, logger))

	mgr := txn.NewManager(tree, lm, txn.Options{}, logger)
	mgr.SetNextID(res.MaxTxnID + 1)
	return &harness{dir: dir, dm: dm, lm: lm, pool: pool, tree: tree, mgr: mgr, res: res}
}

// crash drops the stack on the floor. Whatever the pool had not flushed
// is gone; whatever the log had synced survives.
func (h *harness) crash() {
	h.mgr.Close()
	h.lm.Close()
	h.dm.Close()
}

func commitKV(t *testing.T, h *harness, kv map[string]string) {
	t.Helper()
	tx, err := h.mgr.Begin()
	require.NoError(t, err)
	for k, v := range kv {
		require.NoError(t, h.mgr.Put(context.Background(), tx, []byte(k), []byte(v)))
	}
	require.NoError(t, h.mgr.Commit(tx))
}

func requireValue(t *testing.T, h *harness, key, want string) {
	t.Helper()
	tx, err := h.mgr.Begin()
	require.NoError(t, err)
	got, err := h.mgr.Get(tx, []byte(key))
	require.NoError(t, err, "key %q", key)
	require.Equal(t, []byte(want), got)
	require.NoError(t, h.mgr.Commit(tx))
}

func requireAbsent(t *testing.T, h *harness, key string) {
	t.Helper()
	tx, err := h.mgr.Begin()
	require.NoError(t, err)
	_, err = h.mgr.Get(tx, []byte(key))
	require.ErrorIs(t, err, txn.ErrNotFound, "key %q", key)
	require.NoError(t, h.mgr.Commit(tx))
}

func TestCommittedWritesSurviveCrash(t *testing.T) {
	dir := t.TempDir()
	h := openHarness(t, dir)
	commitKV(t, h, map[string]string{"alpha": "1", "beta": "2"})
	h.crash()

	h = openHarness(t, dir)
	defer h.crash()
	requireValue(t, h, "alpha", "1")
	requireValue(t, h, "beta", "2")
}

func TestUncommittedWritesRolledBack(t *testing.T) {
	dir := t.TempDir()
	h := openHarness(t, dir)
	commitKV(t, h, map[string]string{"keep": "yes"})

	tx, err := h.mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, h.mgr.Put(context.Background(), tx, []byte("drop"), []byte("no")))
	require.NoError(t, h.mgr.Put(context.Background(), tx, []byte("keep2"), []byte("no")))
	// Force the dangling writes into the log without committing.
	require.NoError(t, h.lm.Sync())
	h.crash()

	h = openHarness(t, dir)
	defer h.crash()
	require.NotEmpty(t, h.res.Losers, "the open transaction must be found by analysis")
	requireValue(t, h, "keep", "yes")
	requireAbsent(t, h, "drop")
	requireAbsent(t, h, "keep2")

	// The loser's versions are physically gone, not just invisible.
	chain, err := h.tree.Search([]byte("drop"))
	require.NoError(t, err)
	require.Empty(t, chain)
}

func TestRolledBackOverwriteRestoresOldValue(t *testing.T) {
	dir := t.TempDir()
	h := openHarness(t, dir)
	commitKV(t, h, map[string]string{"k": "old"})

	tx, err := h.mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, h.mgr.Put(context.Background(), tx, []byte("k"), []byte("new")))
	require.NoError(t, h.mgr.Delete(context.Background(), tx, []byte("k")))
	require.NoError(t, h.lm.Sync())
	h.crash()

	h = openHarness(t, dir)
	defer h.crash()
	requireValue(t, h, "k", "old")
}

// A crashed transaction that had forced splits must leave the tree both
// consistent and free of its keys.
func TestRollbackAcrossStructuralChanges(t *testing.T) {
	dir := t.TempDir()
	h := openHarness(t, dir)
	commitKV(t, h, map[string]string{"committed": "v"})

	tx, err := h.mgr.Begin()
	require.NoError(t, err)
	value := make([]byte, 200)
	for i := range value {
		value[i] = byte('x')
	}
	for i := 0; i < 400; i++ {
		key := fmt.Sprintf("loser-%04d", i)
		require.NoError(t, h.mgr.Put(context.Background(), tx, []byte(key), value))
	}
	require.NoError(t, h.lm.Sync())
	h.crash()

	h = openHarness(t, dir)
	defer h.crash()
	requireValue(t, h, "committed", "v")

	c := h.tree.NewCursor()
	require.NoError(t, c.Seek(nil))
	count := 0
	var prev []byte
	for c.Valid() {
		require.Greater(t, string(c.Key()), string(prev), "keys must stay strictly ascending")
		prev = append(prev[:0], c.Key()...)
		count++
		require.NoError(t, c.Next())
	}
	require.Equal(t, 1, count, "only the committed key survives")
}

func TestRecoveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	h := openHarness(t, dir)
	commitKV(t, h, map[string]string{"a": "1", "b": "2", "c": "3"})
	h.crash()

	h = openHarness(t, dir)
	h.crash()

	h = openHarness(t, dir)
	defer h.crash()
	requireValue(t, h, "a", "1")
	requireValue(t, h, "b", "2")
	requireValue(t, h, "c", "3")
}

// A torn tail (the file ends mid-record) is cut at the last valid
// record. Here the cut lands on a commit record, turning that
// transaction into a loser: its writes must vanish.
func TestTornTailTurnsCommitIntoLoser(t *testing.T) {
	dir := t.TempDir()
	h := openHarness(t, dir)
	commitKV(t, h, map[string]string{"safe": "1"})
	commitKV(t, h, map[string]string{"doomed": "2"})
	h.crash()

	walPath := filepath.Join(dir, "kelda.wal")
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	// The file ends with the second transaction's commit record; losing
	// its last bytes makes that record unreadable.
	require.NoError(t, os.Truncate(walPath, info.Size()-5))

	h = openHarness(t, dir)
	defer h.crash()
	require.True(t, h.res.Truncated)
	requireValue(t, h, "safe", "1")
	requireAbsent(t, h, "doomed")
}

// A transaction can begin while a checkpoint is being logged: its Begin
// record lands below the CheckpointStart record, yet it is missing from
// the checkpoint's table. Analysis must still pick it up from its later
// records, or its uncommitted writes would survive the crash.
func TestLoserMissingFromCheckpointTable(t *testing.T) {
	dir := t.TempDir()
	h := openHarness(t, dir)
	commitKV(t, h, map[string]string{"keep": "yes"})

	tx, err := h.mgr.Begin()
	require.NoError(t, err)

	// A checkpoint whose table was captured just before tx began.
	start, err := h.lm.Append(&wal.Record{
		Type:  wal.RecordCheckpointStart,
		After: wal.EncodeTxnTable(nil),
	})
	require.NoError(t, err)
	require.NoError(t, h.pool.FlushAll())
	_, err = h.lm.AppendSync(&wal.Record{Type: wal.RecordCheckpointEnd, PrevLSN: start})
	require.NoError(t, err)
	require.NoError(t, h.dm.UpdateHeader(func(fh *disk.FileHeader) { fh.CheckpointLSN = start }))

	require.NoError(t, h.mgr.Put(context.Background(), tx, []byte("drop"), []byte("no")))
	require.NoError(t, h.lm.Sync())
	h.crash()

	h = openHarness(t, dir)
	defer h.crash()
	require.Contains(t, h.res.Losers, tx.ID(), "analysis must find the transaction the checkpoint table missed")
	requireValue(t, h, "keep", "yes")
	requireAbsent(t, h, "drop")
}

// Checkpoints race committing writers and then reclaim the log below
// the checkpoint. Every record below CheckpointStart must have its page
// image flushed by the checkpoint, or the commit is unrecoverable once
// the log is truncated and the pool dies with the crash.
func TestCheckpointsDuringConcurrentCommits(t *testing.T) {
	dir := t.TempDir()
	h := openHarness(t, dir)

	const keys = 200
	writer := make(chan error, 1)
	go func() {
		for i := 0; i < keys; i++ {
			tx, err := h.mgr.Begin()
			if err == nil {
				err = h.mgr.Put(context.Background(), tx, []byte(fmt.Sprintf("k%03d", i)), []byte("v"))
			}
			if err == nil {
				err = h.mgr.Commit(tx)
			}
			if err != nil {
				writer <- err
				return
			}
		}
		writer <- nil
	}()

	checkpoint := func() {
		start, err := h.lm.Append(&wal.Record{
			Type:  wal.RecordCheckpointStart,
			After: wal.EncodeTxnTable(h.mgr.ActiveTable()),
		})
		require.NoError(t, err)
		h.tree.Quiesce()
		require.NoError(t, h.pool.FlushAll())
		_, err = h.lm.AppendSync(&wal.Record{Type: wal.RecordCheckpointEnd, PrevLSN: start})
		require.NoError(t, err)
		require.NoError(t, h.dm.UpdateHeader(func(fh *disk.FileHeader) { fh.CheckpointLSN = start }))
		bound := start
		for _, e := range h.mgr.ActiveTable() {
			if e.BeginLSN < bound {
				bound = e.BeginLSN
			}
		}
		require.NoError(t, h.lm.TruncateBefore(bound))
	}

	var werr error
	for running := true; running; {
		select {
		case werr = <-writer:
			running = false
		default:
		}
		checkpoint()
	}
	require.NoError(t, werr)
	h.crash()

	h = openHarness(t, dir)
	defer h.crash()
	for i := 0; i < keys; i++ {
		requireValue(t, h, fmt.Sprintf("k%03d", i), "v")
	}
}

func TestTxnIDsRestartAboveLog(t *testing.T) {
	dir := t.TempDir()
	h := openHarness(t, dir)
	commitKV(t, h, map[string]string{"k": "v"})
	h.crash()

	h = openHarness(t, dir)
	defer h.crash()
	require.NotZero(t, h.res.MaxTxnID)
	tx, err := h.mgr.Begin()
	require.NoError(t, err)
	require.Greater(t, tx.ID(), h.res.MaxTxnID)
	require.NoError(t, h.mgr.Commit(tx))
}
