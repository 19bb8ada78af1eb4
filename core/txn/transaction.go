package txn

import (
	"sync"

	"github.com/keldadb/keldadb/core/mvcc"
	"github.com/keldadb/keldadb/core/wal"
)

// State is the transaction lifecycle. Active transitions once, to
// Committed or Aborted, and never back.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

type writeKind int

const (
	writePut writeKind = iota
	writeDelete
)

// writeOp records one mutation for rollback. Ops are undone newest
// first on abort.
type writeOp struct {
	kind writeKind
	key  []byte
	lsn  wal.LSN
}

// Txn is a transaction handle. It is not safe for concurrent use by
// multiple goroutines; the manager's maps are, the handle is not.
type Txn struct {
	id   uint64
	snap *mvcc.Snapshot

	mu       sync.Mutex
	state    State
	beginLSN wal.LSN
	lastLSN  wal.LSN
	writes   []writeOp
	locks    map[string]struct{}
}

// ID returns the transaction's id.
func (t *Txn) ID() uint64 { return t.id }

// Snapshot returns the visibility snapshot fixed at begin time.
func (t *Txn) Snapshot() *mvcc.Snapshot { return t.snap }

// State returns the current lifecycle state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastLSN returns the most recent log record this transaction wrote.
func (t *Txn) LastLSN() wal.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLSN
}

func (t *Txn) requireActive() error {
	if t.state != StateActive {
		return ErrTxnNotActive
	}
	return nil
}

func (t *Txn) recordWrite(kind writeKind, key []byte, lsn wal.LSN) {
	t.writes = append(t.writes, writeOp{kind: kind, key: append([]byte(nil), key...), lsn: lsn})
	t.lastLSN = lsn
}
