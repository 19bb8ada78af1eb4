// Package txn provides snapshot-isolated transactions over the key
// index. Writers take per-key locks held to transaction end; reads
// never block. A write that lands on a version the writer's snapshot
// cannot see is a serialization failure: the writer aborts and the
// caller retries. Commit is durable when the commit record is, not
// when pages are.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keldadb/keldadb/core/btree"
	"github.com/keldadb/keldadb/core/mvcc"
	"github.com/keldadb/keldadb/core/wal"
)

// Options tunes the manager. Zero values select the defaults.
type Options struct {
	// LockWaitTimeout bounds how long a write waits behind another
	// writer of the same key before giving up with ErrLockTimeout.
	LockWaitTimeout time.Duration

	// DeadlockInterval is how often the wait-for graph is checked for
	// cycles. Zero disables the detector.
	DeadlockInterval time.Duration
}

const defaultLockWaitTimeout = 5 * time.Second

// Manager begins, commits and aborts transactions and routes their
// reads and writes through the tree.
type Manager struct {
	tree  *btree.Tree
	wal   *wal.Manager
	locks *lockTable
	log   *zap.Logger

	lockWait time.Duration

	mu     sync.Mutex
	nextID uint64
	active map[uint64]*Txn

	detectEvery time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewManager wires a transaction manager over the tree and log. Call
// Close to stop the deadlock detector.
func NewManager(tree *btree.Tree, lm *wal.Manager, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LockWaitTimeout <= 0 {
		opts.LockWaitTimeout = defaultLockWaitTimeout
	}
	m := &Manager{
		tree:        tree,
		wal:         lm,
		locks:       newLockTable(),
		log:         logger.Named("txn"),
		lockWait:    opts.LockWaitTimeout,
		nextID:      1,
		active:      make(map[uint64]*Txn),
		detectEvery: opts.DeadlockInterval,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if m.detectEvery > 0 {
		go m.detectLoop()
	} else {
		close(m.done)
	}
	return m
}

// SetNextID moves the id counter past transactions seen in the log.
// Called once after recovery, before any Begin.
func (m *Manager) SetNextID(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.nextID {
		m.nextID = id
	}
}

// Close stops the deadlock detector. Active transactions keep their
// handles; the engine aborts them on shutdown.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Manager) detectLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.detectEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if victim := m.locks.DetectDeadlock(); victim != 0 {
				m.log.Warn("broke deadlock", zap.Uint64("victim", victim))
			}
		}
	}
}

// Begin starts a transaction: a fresh id and a snapshot of everything
// in flight right now.
func (m *Manager) Begin() (*Txn, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	snap := &mvcc.Snapshot{
		Owner:     id,
		Threshold: id,
		Active:    make(map[uint64]struct{}, len(m.active)),
	}
	for other := range m.active {
		snap.Active[other] = struct{}{}
	}
	t := &Txn{
		id:    id,
		snap:  snap,
		locks: make(map[string]struct{}),
	}
	m.active[id] = t
	m.mu.Unlock()

	lsn, err := m.wal.Append(&wal.Record{TxnID: id, Type: wal.RecordBegin})
	if err != nil {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		return nil, err
	}
	t.beginLSN = lsn
	t.lastLSN = lsn
	return t, nil
}

// Get returns the value of key visible to the transaction's snapshot,
// or ErrNotFound.
func (m *Manager) Get(t *Txn, key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return nil, err
	}
	chain, err := m.tree.Search(key)
	if err != nil {
		return nil, err
	}
	v := t.snap.VisibleVersion(chain)
	if v == nil {
		return nil, ErrNotFound
	}
	return m.tree.ResolveValue(v)
}

// Put writes key=value. A concurrent write on the same key by another
// transaction aborts this one with ErrConflict; a lock-wait timeout
// returns ErrLockTimeout with the transaction still active.
func (m *Manager) Put(ctx context.Context, t *Txn, key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	head, err := m.lockAndValidate(ctx, t, key)
	if err != nil {
		return err
	}

	v, err := m.tree.MakeVersion(t.id, value)
	if err != nil {
		return err
	}
	isUpdate := head != nil && !head.Deleted()
	lsn, err := m.tree.Put(t.id, key, v, isUpdate, t.lastLSN)
	if err != nil {
		return err
	}
	t.recordWrite(writePut, key, lsn)
	return nil
}

// Delete removes key for transactions that begin after this one
// commits. Deleting a key the snapshot cannot see is ErrNotFound.
func (m *Manager) Delete(ctx context.Context, t *Txn, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	head, err := m.lockAndValidate(ctx, t, key)
	if err != nil {
		return err
	}
	if head == nil || head.Deleted() {
		return ErrNotFound
	}
	lsn, err := m.tree.Delete(t.id, key, t.lastLSN)
	if err != nil {
		return err
	}
	t.recordWrite(writeDelete, key, lsn)
	return nil
}

// lockAndValidate takes the key's write lock and applies first-writer-
// wins: if the newest version (or newest deletion) was made by a
// transaction the snapshot cannot see, another writer got there first
// and this transaction aborts. Returns the visible head version, which
// may be nil. Caller holds t.mu.
func (m *Manager) lockAndValidate(ctx context.Context, t *Txn, key []byte) (*mvcc.Version, error) {
	ks := string(key)
	if err := m.locks.Acquire(ctx, t.id, ks, m.lockWait); err != nil {
		if errors.Is(err, ErrDeadlock) {
			m.abortLocked(t)
		}
		return nil, err
	}
	t.locks[ks] = struct{}{}

	chain, err := m.tree.Search(key)
	if err != nil {
		return nil, err
	}
	head := chain.Head()
	if head == nil {
		return nil, nil
	}
	// The lock serializes writers, so any version left in the chain by
	// a terminated transaction is committed. Invisible means committed
	// after this snapshot was taken.
	if !t.snap.Sees(head.CreatedBy) || (head.Deleted() && !t.snap.Sees(head.DeletedBy)) {
		m.abortLocked(t)
		return nil, ErrConflict
	}
	if v := t.snap.VisibleVersion(chain); v != nil {
		return v, nil
	}
	return nil, nil
}

// Commit makes the transaction's writes durable and visible to future
// snapshots. Once this returns nil the outcome cannot be reversed.
func (m *Manager) Commit(t *Txn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	if _, err := m.wal.AppendSync(&wal.Record{TxnID: t.id, Type: wal.RecordCommit, PrevLSN: t.lastLSN}); err != nil {
		return fmt.Errorf("committing txn %d: %w", t.id, err)
	}
	t.state = StateCommitted
	m.finish(t)
	return nil
}

// Abort rolls the transaction's writes back with compensation records
// and releases its locks.
func (m *Manager) Abort(t *Txn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	m.abortLocked(t)
	return nil
}

// abortLocked undoes t's writes newest first. Each compensation record
// points past the undone record, so a crash mid-abort resumes where
// this left off instead of undoing twice. Caller holds t.mu.
func (m *Manager) abortLocked(t *Txn) {
	prev := t.lastLSN
	for i := len(t.writes) - 1; i >= 0; i-- {
		op := t.writes[i]
		undoNext := wal.InvalidLSN
		if i > 0 {
			undoNext = t.writes[i-1].lsn
		}
		var (
			lsn wal.LSN
			err error
		)
		switch op.kind {
		case writePut:
			lsn, err = m.tree.UndoPut(t.id, op.key, undoNext, prev)
		case writeDelete:
			lsn, err = m.tree.UndoDelete(t.id, op.key, undoNext, prev)
		}
		if err != nil {
			// The version may be gone already if this write was both
			// made and undone by an earlier partial rollback.
			m.log.Warn("undo failed",
				zap.Uint64("txn_id", t.id),
				zap.ByteString("key", op.key),
				zap.Error(err))
			continue
		}
		prev = lsn
	}
	if _, err := m.wal.Append(&wal.Record{TxnID: t.id, Type: wal.RecordAbort, PrevLSN: prev}); err != nil {
		m.log.Error("appending abort record", zap.Uint64("txn_id", t.id), zap.Error(err))
	}
	t.state = StateAborted
	m.finish(t)
}

// finish releases locks and drops the transaction from the active set.
// Caller holds t.mu and the state is already terminal.
func (m *Manager) finish(t *Txn) {
	m.locks.ReleaseAll(t.id, t.locks)
	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
	t.writes = nil
}

// Horizon returns the oldest transaction id any active snapshot can
// still distinguish. Versions shadowed below it are unreachable and
// safe to prune.
func (m *Manager) Horizon() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.nextID
	for _, t := range m.active {
		if t.id < h {
			h = t.id
		}
		if t.snap.Threshold < h {
			h = t.snap.Threshold
		}
		for other := range t.snap.Active {
			if other < h {
				h = other
			}
		}
	}
	return h
}

// ActiveTable snapshots the in-flight transactions for a checkpoint
// record.
func (m *Manager) ActiveTable() []wal.TxnTableEntry {
	m.mu.Lock()
	txns := make([]*Txn, 0, len(m.active))
	for _, t := range m.active {
		txns = append(txns, t)
	}
	m.mu.Unlock()

	// Handle locks nest inside the manager lock going the other way, so
	// LastLSN is read after m.mu is released.
	out := make([]wal.TxnTableEntry, 0, len(txns))
	for _, t := range txns {
		t.mu.Lock()
		out = append(out, wal.TxnTableEntry{TxnID: t.id, LastLSN: t.lastLSN, BeginLSN: t.beginLSN})
		t.mu.Unlock()
	}
	return out
}

// ActiveCount returns how many transactions are in flight.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
