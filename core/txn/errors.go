package txn

import "errors"

var (
	// ErrNotFound means the key has no version visible to the snapshot.
	ErrNotFound = errors.New("key not found")

	// ErrConflict is the serialization failure: another transaction
	// wrote the key after this one took its snapshot. The losing
	// transaction is aborted and the caller retries it.
	ErrConflict = errors.New("serialization failure: concurrent write on the same key")

	// ErrLockTimeout means a write lock wait exceeded the configured
	// bound. Retryable; the transaction stays active.
	ErrLockTimeout = errors.New("lock wait timed out")

	// ErrDeadlock means this transaction was chosen as the deadlock
	// victim. It is aborted and the caller retries it.
	ErrDeadlock = errors.New("deadlock detected, transaction aborted")

	// ErrTxnNotActive means the handle was already committed or aborted.
	ErrTxnNotActive = errors.New("transaction is not active")
)
