// Package engine is the public face of KeldaDB: a transactional
// key-value store over a single page file and a write-ahead log.
// Transactions run under snapshot isolation; point write-write
// conflicts abort the second writer, while range-predicate phantoms
// remain possible and are a documented limitation, not a hidden one.
//
// One Engine owns its two files exclusively. Multiple engines can
// coexist in one process; nothing here is a package-level singleton.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/keldadb/keldadb/core/btree"
	"github.com/keldadb/keldadb/core/mvcc"
	"github.com/keldadb/keldadb/core/recovery"
	"github.com/keldadb/keldadb/core/storage/bufferpool"
	"github.com/keldadb/keldadb/core/storage/disk"
	"github.com/keldadb/keldadb/core/txn"
	"github.com/keldadb/keldadb/core/wal"
)

const (
	dataFileName = "kelda.db"
	walFileName  = "kelda.wal"
)

// Option customizes an Engine at Open time.
type Option func(*options)

type options struct {
	logger *zap.Logger
	meter  metric.Meter
}

// WithLogger attaches a logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeter attaches a metrics meter; the default is a noop.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// Engine is a transactional key-value store instance.
type Engine struct {
	cfg Config
	id  uuid.UUID
	log *zap.Logger

	dm      *disk.Manager
	lm      *wal.Manager
	pool    *bufferpool.Manager
	tree    *btree.Tree
	txns    *txn.Manager
	sweeper *mvcc.Sweeper
	met     *metrics

	// ckptMu serializes checkpoints against each other and Close.
	ckptMu sync.Mutex

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Open opens (or creates) the engine rooted at dir. Recovery runs to
// completion before Open returns; the engine it hands back is
// consistent and ready for transactions.
func Open(dir string, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	o := options{logger: zap.NewNop(), meter: noop.NewMeterProvider().Meter("keldadb")}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	e := &Engine{cfg: cfg, id: uuid.New()}
	e.log = o.logger.Named("engine").With(zap.String("instance", e.id.String()))

	var err error
	if e.dm, err = disk.Open(filepath.Join(dir, dataFileName), cfg.PageSize, o.logger); err != nil {
		return nil, err
	}
	if e.lm, err = wal.Open(filepath.Join(dir, walFileName), cfg.WALBufferSize, o.logger); err != nil {
		e.dm.Close()
		return nil, err
	}

	res, err := recovery.Run(e.dm, e.lm, o.logger)
	if err != nil {
		e.shutdownFiles()
		return nil, fmt.Errorf("recovery: %w", err)
	}
	if e.pool, err = bufferpool.New(e.dm, cfg.BufferPoolPages, e.lm, o.logger); err != nil {
		e.shutdownFiles()
		return nil, err
	}
	if e.tree, err = btree.Open(e.pool, e.dm, e.lm, o.logger); err != nil {
		e.shutdownFiles()
		return nil, err
	}
	if err = recovery.Undo(e.tree, e.lm, res, o.logger); err != nil {
		e.shutdownFiles()
		return nil, fmt.Errorf("recovery undo: %w", err)
	}

	e.txns = txn.NewManager(e.tree, e.lm, txn.Options{
		LockWaitTimeout:  cfg.LockTimeout,
		DeadlockInterval: cfg.DeadlockInterval,
	}, o.logger)
	e.txns.SetNextID(res.MaxTxnID + 1)

	if e.met, err = newMetrics(o.meter, e.pool); err != nil {
		e.txns.Close()
		e.shutdownFiles()
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	e.startBackground(o.logger)
	e.log.Info("engine open",
		zap.Int("page_size", cfg.PageSize),
		zap.Int("buffer_pool_pages", cfg.BufferPoolPages),
		zap.Uint64("recovered_losers", uint64(len(res.Losers))))
	return e, nil
}

func (e *Engine) shutdownFiles() {
	e.lm.Close()
	e.dm.Close()
}

func (e *Engine) startBackground(logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	e.group = g

	if e.cfg.GCInterval > 0 {
		e.sweeper = mvcc.NewSweeper(e.txns.Horizon, e.sweep, e.cfg.GCInterval, e.cfg.GCMaxPassesPerSec, logger)
		g.Go(func() error { return e.sweeper.Run(ctx) })
	}
	if e.cfg.CheckpointInterval > 0 {
		g.Go(func() error { return e.checkpointLoop(ctx) })
	}
}

func (e *Engine) sweep(ctx context.Context, horizon uint64) (int, error) {
	pruned, err := e.tree.Prune(ctx, horizon)
	if pruned > 0 {
		e.met.gcPruned.Add(ctx, int64(pruned))
	}
	return pruned, err
}

func (e *Engine) checkpointLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Checkpoint(); err != nil && !errors.Is(err, ErrClosed) {
				e.log.Error("periodic checkpoint failed", zap.Error(err))
			}
		}
	}
}

// Begin starts a new transaction.
func (e *Engine) Begin() (*txn.Txn, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return e.txns.Begin()
}

// Get returns the value of key as of the transaction's snapshot.
func (e *Engine) Get(tx *txn.Txn, key []byte) ([]byte, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return e.txns.Get(tx, key)
}

// Put writes key=value inside the transaction. ErrConflict means the
// transaction lost a write-write race and was aborted.
func (e *Engine) Put(ctx context.Context, tx *txn.Txn, key, value []byte) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	err := e.txns.Put(ctx, tx, key, value)
	e.countWriteOutcome(ctx, err)
	return err
}

// Delete removes key inside the transaction.
func (e *Engine) Delete(ctx context.Context, tx *txn.Txn, key []byte) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	err := e.txns.Delete(ctx, tx, key)
	e.countWriteOutcome(ctx, err)
	return err
}

func (e *Engine) countWriteOutcome(ctx context.Context, err error) {
	switch {
	case errors.Is(err, ErrConflict):
		e.met.conflicts.Add(ctx, 1)
		e.met.aborts.Add(ctx, 1)
	case errors.Is(err, ErrDeadlock):
		e.met.aborts.Add(ctx, 1)
	}
}

// Commit makes the transaction durable. After a nil return the writes
// survive any crash.
func (e *Engine) Commit(tx *txn.Txn) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if err := e.txns.Commit(tx); err != nil {
		return err
	}
	e.met.commits.Add(context.Background(), 1)
	return nil
}

// Abort rolls the transaction back.
func (e *Engine) Abort(tx *txn.Txn) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if err := e.txns.Abort(tx); err != nil {
		return err
	}
	e.met.aborts.Add(context.Background(), 1)
	return nil
}

// Scan returns a cursor over [low, high] (inclusive; nil low starts at
// the first key, nil high runs to the end) under the transaction's
// snapshot. A structural change to the tree mid-scan surfaces as
// ErrStaleCursor; the scan is then dead and must be re-issued.
func (e *Engine) Scan(tx *txn.Txn, low, high []byte) (*Cursor, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if tx.State() != txn.StateActive {
		return nil, ErrTxnNotActive
	}
	c := &Cursor{e: e, tx: tx, inner: e.tree.NewCursor(), high: high}
	if err := c.inner.Seek(low); err != nil {
		return nil, err
	}
	return c, nil
}

// Cursor iterates visible keys in ascending order. Not safe for
// concurrent use.
type Cursor struct {
	e     *Engine
	tx    *txn.Txn
	inner *btree.Cursor
	high  []byte
	done  bool
}

// Next returns the next visible key/value pair, or io.EOF when the
// range is exhausted.
func (c *Cursor) Next() ([]byte, []byte, error) {
	if c.done {
		return nil, nil, io.EOF
	}
	if c.tx.State() != txn.StateActive {
		return nil, nil, ErrTxnNotActive
	}
	snap := c.tx.Snapshot()
	for c.inner.Valid() {
		key := append([]byte(nil), c.inner.Key()...)
		if c.high != nil && bytes.Compare(key, c.high) > 0 {
			c.done = true
			return nil, nil, io.EOF
		}
		v := snap.VisibleVersion(c.inner.Chain())
		if err := c.inner.Next(); err != nil {
			c.done = true
			return nil, nil, err
		}
		if v == nil {
			continue
		}
		value, err := c.e.tree.ResolveValue(v)
		if err != nil {
			return nil, nil, err
		}
		return key, value, nil
	}
	c.done = true
	return nil, nil, io.EOF
}

// Checkpoint flushes all dirty pages under the write-ahead invariant,
// records the active transaction table, and reclaims log space not
// needed by replay or by the rollback of any open transaction. Returns
// the LSN replay will start from after the next crash.
func (e *Engine) Checkpoint() (wal.LSN, error) {
	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()
	if err := e.ensureOpen(); err != nil {
		return wal.InvalidLSN, err
	}

	table := e.txns.ActiveTable()
	start, err := e.lm.Append(&wal.Record{
		Type:  wal.RecordCheckpointStart,
		After: wal.EncodeTxnTable(table),
	})
	if err != nil {
		return wal.InvalidLSN, fmt.Errorf("checkpoint start: %w", err)
	}
	// Wait out in-flight publishes so every record below start has its
	// page image in the pool before the flush pass scans for dirty frames.
	e.tree.Quiesce()
	if err := e.pool.FlushAll(); err != nil {
		return wal.InvalidLSN, fmt.Errorf("checkpoint flush: %w", err)
	}
	if _, err := e.lm.AppendSync(&wal.Record{Type: wal.RecordCheckpointEnd, PrevLSN: start}); err != nil {
		return wal.InvalidLSN, fmt.Errorf("checkpoint end: %w", err)
	}
	if err := e.dm.UpdateHeader(func(h *disk.FileHeader) {
		h.CheckpointLSN = start
	}); err != nil {
		return wal.InvalidLSN, fmt.Errorf("recording checkpoint: %w", err)
	}

	// Records behind the oldest open transaction must survive for its
	// potential rollback; everything before both bounds is dead weight.
	// The bound comes from a fresh snapshot, not the logged table: a
	// transaction can begin between the table capture and the
	// CheckpointStart append, and its Begin record sits below start.
	bound := start
	for _, entry := range e.txns.ActiveTable() {
		if entry.BeginLSN < bound {
			bound = entry.BeginLSN
		}
	}
	if err := e.lm.TruncateBefore(bound); err != nil {
		return wal.InvalidLSN, fmt.Errorf("reclaiming log: %w", err)
	}

	e.met.checkpoints.Add(context.Background(), 1)
	e.log.Debug("checkpoint complete",
		zap.Uint64("checkpoint_lsn", uint64(start)),
		zap.Uint64("log_reclaimed_to", uint64(bound)),
		zap.Int("active_txns", len(table)))
	return start, nil
}

func (e *Engine) ensureOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Close checkpoints, stops the background loops, and closes the files.
// Open transactions become losers for the next recovery to roll back.
func (e *Engine) Close() error {
	if _, err := e.Checkpoint(); err != nil && !errors.Is(err, ErrClosed) {
		e.log.Warn("final checkpoint failed", zap.Error(err))
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	if err := e.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn("background loop exited with error", zap.Error(err))
	}
	e.txns.Close()
	e.met.close()

	var firstErr error
	if err := e.pool.FlushAll(); err != nil {
		firstErr = err
	}
	if err := e.lm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.dm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.log.Info("engine closed")
	return firstErr
}
