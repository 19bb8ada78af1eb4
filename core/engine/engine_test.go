package engine

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func setupEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	return openEngineAt(t, t.TempDir(), cfg)
}

func openEngineAt(t *testing.T, dir string, cfg Config) *Engine {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	e, err := Open(dir, cfg, WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutCommitGetRoundTrip(t *testing.T) {
	e := setupEngine(t, Config{})
	ctx := context.Background()

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, tx, []byte("k"), []byte("v")))
	require.NoError(t, e.Commit(tx))

	tx2, err := e.Begin()
	require.NoError(t, err)
	got, err := e.Get(tx2, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
	require.NoError(t, e.Commit(tx2))
}

func TestGetNotFound(t *testing.T) {
	e := setupEngine(t, Config{})

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = e.Get(tx, []byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, e.Abort(tx))
}

// The snapshot scenario: a reader that began before a writer committed
// keeps not seeing the write for its whole lifetime.
func TestSnapshotFixedAtBegin(t *testing.T) {
	e := setupEngine(t, Config{})
	ctx := context.Background()

	t1, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, t1, []byte("k"), []byte("a")))

	t2, err := e.Begin()
	require.NoError(t, err)
	_, err = e.Get(t2, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.Commit(t1))

	_, err = e.Get(t2, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, e.Commit(t2))
}

// Two committed transactions with overlapping writes on one key:
// exactly one commits, the other fails with a serialization error.
func TestOverlappingWritersExactlyOneCommits(t *testing.T) {
	e := setupEngine(t, Config{LockTimeout: 2 * time.Second})
	ctx := context.Background()

	start := make(chan struct{})
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			tx, err := e.Begin()
			if err != nil {
				results <- err
				return
			}
			<-start
			if err := e.Put(ctx, tx, []byte("contended"), []byte{byte(i)}); err != nil {
				results <- err
				return
			}
			results <- e.Commit(tx)
		}()
	}
	close(start)

	var commits, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			commits++
		default:
			require.ErrorIs(t, err, ErrConflict)
			conflicts++
		}
	}
	require.Equal(t, 1, commits)
	require.Equal(t, 1, conflicts)
}

// 1000 keys inserted in random order by 10 concurrent transactions of
// 100 keys each; a full scan then yields all 1000 in ascending order
// with no duplicates.
func TestConcurrentInsertScenario(t *testing.T) {
	e := setupEngine(t, Config{BufferPoolPages: 256})
	ctx := context.Background()

	keys := rand.New(rand.NewSource(7)).Perm(1000)
	var g errgroup.Group
	for w := 0; w < 10; w++ {
		batch := keys[w*100 : (w+1)*100]
		g.Go(func() error {
			tx, err := e.Begin()
			if err != nil {
				return err
			}
			for _, n := range batch {
				key := fmt.Sprintf("key-%04d", n+1)
				value := fmt.Sprintf("value-%04d", n+1)
				if err := e.Put(ctx, tx, []byte(key), []byte(value)); err != nil {
					return err
				}
			}
			return e.Commit(tx)
		})
	}
	require.NoError(t, g.Wait())

	tx, err := e.Begin()
	require.NoError(t, err)
	c, err := e.Scan(tx, []byte("key-0001"), []byte("key-1000"))
	require.NoError(t, err)

	var prev string
	count := 0
	for {
		key, value, err := c.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Greater(t, string(key), prev, "keys must be strictly ascending")
		require.Equal(t, "value-"+string(key[4:]), string(value))
		prev = string(key)
		count++
	}
	require.Equal(t, 1000, count)
	require.NoError(t, e.Commit(tx))
}

func TestScanBoundsAndSnapshot(t *testing.T) {
	e := setupEngine(t, Config{})
	ctx := context.Background()

	tx, err := e.Begin()
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, e.Put(ctx, tx, []byte(k), []byte("v-"+k)))
	}
	require.NoError(t, e.Commit(tx))

	// Uncommitted writes from a concurrent transaction stay invisible.
	intruder, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, intruder, []byte("bb"), []byte("hidden")))

	reader, err := e.Begin()
	require.NoError(t, err)
	c, err := e.Scan(reader, []byte("b"), []byte("d"))
	require.NoError(t, err)

	var got []string
	for {
		key, _, err := c.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(key))
	}
	require.Equal(t, []string{"b", "c", "d"}, got)
	require.NoError(t, e.Commit(reader))
	require.NoError(t, e.Abort(intruder))
}

func TestScanSkipsDeleted(t *testing.T) {
	e := setupEngine(t, Config{})
	ctx := context.Background()

	tx, err := e.Begin()
	require.NoError(t, err)
	for _, k := range []string{"x1", "x2", "x3"} {
		require.NoError(t, e.Put(ctx, tx, []byte(k), []byte("v")))
	}
	require.NoError(t, e.Commit(tx))

	tx2, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, tx2, []byte("x2")))
	require.NoError(t, e.Commit(tx2))

	tx3, err := e.Begin()
	require.NoError(t, err)
	c, err := e.Scan(tx3, nil, nil)
	require.NoError(t, err)
	var got []string
	for {
		key, _, err := c.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(key))
	}
	require.Equal(t, []string{"x1", "x3"}, got)
	require.NoError(t, e.Commit(tx3))
}

// A structural change mid-scan kills the cursor with ErrStaleCursor;
// the scan must be re-issued, not resumed.
func TestScanInvalidatedByStructuralChange(t *testing.T) {
	e := setupEngine(t, Config{})
	ctx := context.Background()

	tx, err := e.Begin()
	require.NoError(t, err)
	filler := make([]byte, 120)
	for i := 0; i < 300; i++ {
		require.NoError(t, e.Put(ctx, tx, []byte(fmt.Sprintf("k%04d", i)), filler))
	}
	require.NoError(t, e.Commit(tx))

	reader, err := e.Begin()
	require.NoError(t, err)
	c, err := e.Scan(reader, nil, nil)
	require.NoError(t, err)
	_, _, err = c.Next()
	require.NoError(t, err)

	// Enough inserts to split at least one leaf.
	writer, err := e.Begin()
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, e.Put(ctx, writer, []byte(fmt.Sprintf("z%04d", i)), filler))
	}
	require.NoError(t, e.Commit(writer))

	var scanErr error
	for {
		_, _, err := c.Next()
		if err != nil {
			scanErr = err
			break
		}
	}
	require.ErrorIs(t, scanErr, ErrStaleCursor)

	// A fresh scan works and still sees the reader's snapshot only.
	c2, err := e.Scan(reader, []byte("z"), nil)
	require.NoError(t, err)
	_, _, err = c2.Next()
	require.ErrorIs(t, err, io.EOF, "writer committed after reader began")
	require.NoError(t, e.Commit(reader))
}

func TestDeleteThenGet(t *testing.T) {
	e := setupEngine(t, Config{})
	ctx := context.Background()

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, tx, []byte("k"), []byte("v")))
	require.NoError(t, e.Commit(tx))

	tx2, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, tx2, []byte("k")))
	// Our own delete is visible to us.
	_, err = e.Get(tx2, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, e.Commit(tx2))

	tx3, err := e.Begin()
	require.NoError(t, err)
	_, err = e.Get(tx3, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, e.Commit(tx3))
}

func TestCheckpointAndReopen(t *testing.T) {
	dir := t.TempDir()
	e := openEngineAt(t, dir, Config{})
	ctx := context.Background()

	tx, err := e.Begin()
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Put(ctx, tx, []byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%03d", i))))
	}
	require.NoError(t, e.Commit(tx))

	lsn, err := e.Checkpoint()
	require.NoError(t, err)
	require.NotZero(t, lsn)
	require.NoError(t, e.Close())

	e2 := openEngineAt(t, dir, Config{})
	tx2, err := e2.Begin()
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		got, err := e2.Get(tx2, []byte(fmt.Sprintf("k%03d", i)))
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("v%03d", i)), got)
	}
	require.NoError(t, e2.Commit(tx2))
}

// A checkpoint taken while a transaction is open must keep enough log
// for that transaction's rollback.
func TestCheckpointPreservesOpenTxnRollback(t *testing.T) {
	e := setupEngine(t, Config{})
	ctx := context.Background()

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, tx, []byte("pending"), []byte("v")))

	_, err = e.Checkpoint()
	require.NoError(t, err)

	require.NoError(t, e.Abort(tx))

	tx2, err := e.Begin()
	require.NoError(t, err)
	_, err = e.Get(tx2, []byte("pending"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, e.Commit(tx2))
}

// Checkpoints run concurrently with committing writers; after a clean
// reopen every committed key must be present.
func TestCheckpointsConcurrentWithWriters(t *testing.T) {
	dir := t.TempDir()
	e := openEngineAt(t, dir, Config{BufferPoolPages: 128})
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 100; i++ {
			tx, err := e.Begin()
			if err != nil {
				return err
			}
			if err := e.Put(ctx, tx, []byte(fmt.Sprintf("ck-%03d", i)), []byte("v")); err != nil {
				return err
			}
			if err := e.Commit(tx); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 20; i++ {
			if _, err := e.Checkpoint(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	require.NoError(t, e.Close())

	e2 := openEngineAt(t, dir, Config{})
	tx, err := e2.Begin()
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		got, err := e2.Get(tx, []byte(fmt.Sprintf("ck-%03d", i)))
		require.NoError(t, err)
		require.Equal(t, []byte("v"), got)
	}
	require.NoError(t, e2.Commit(tx))
}

func TestOperationsAfterClose(t *testing.T) {
	e := setupEngine(t, Config{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "close is idempotent")

	_, err := e.Begin()
	require.ErrorIs(t, err, ErrClosed)
	_, err = e.Checkpoint()
	require.ErrorIs(t, err, ErrClosed)
}

func TestBackgroundLoopsRun(t *testing.T) {
	e := setupEngine(t, Config{
		CheckpointInterval: 20 * time.Millisecond,
		GCInterval:         20 * time.Millisecond,
	})
	ctx := context.Background()

	// Churn a key so both the checkpointer and the sweeper have work.
	for i := 0; i < 20; i++ {
		tx, err := e.Begin()
		require.NoError(t, err)
		require.NoError(t, e.Put(ctx, tx, []byte("churn"), []byte(fmt.Sprintf("v%d", i))))
		require.NoError(t, e.Commit(tx))
	}
	time.Sleep(100 * time.Millisecond)

	tx, err := e.Begin()
	require.NoError(t, err)
	got, err := e.Get(tx, []byte("churn"))
	require.NoError(t, err)
	require.Equal(t, []byte("v19"), got)
	require.NoError(t, e.Commit(tx))
}
