package engine

import (
	"errors"

	"github.com/keldadb/keldadb/core/btree"
	"github.com/keldadb/keldadb/core/txn"
)

// The engine surfaces the error taxonomy of its layers under one roof
// so callers classify with errors.Is against a single package.
var (
	// ErrNotFound: the key has no version visible to the transaction.
	ErrNotFound = txn.ErrNotFound

	// ErrConflict: write-write serialization failure; the transaction
	// was aborted, retry it from the top.
	ErrConflict = txn.ErrConflict

	// ErrLockTimeout: a bounded lock wait expired; the transaction is
	// still active and the operation can be retried.
	ErrLockTimeout = txn.ErrLockTimeout

	// ErrDeadlock: chosen as deadlock victim and aborted; retry.
	ErrDeadlock = txn.ErrDeadlock

	// ErrTxnNotActive: the handle was already committed or aborted.
	ErrTxnNotActive = txn.ErrTxnNotActive

	// ErrStaleCursor: a structural change invalidated the scan;
	// re-issue it.
	ErrStaleCursor = btree.ErrStaleCursor

	// ErrClosed: the engine was shut down.
	ErrClosed = errors.New("engine is closed")
)
