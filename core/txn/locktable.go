package txn

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// lockTable hands out per-key write locks held until transaction end.
// Waiters queue FIFO behind the holder; a bounded wait and a wait-for
// cycle check keep contention from turning into a hang. All locking is
// in-process, so the table doubles as the wait-for graph.
type waiter struct {
	txnID   uint64
	granted chan error // closed never; receives nil on grant or a doom error
}

type keyLock struct {
	holder  uint64
	waiters []*waiter
}

type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

func (t *lockTable) lock()   { t.mu.Lock() }
func (t *lockTable) unlock() { t.mu.Unlock() }

// Acquire takes the write lock on key for txnID, waiting at most
// timeout behind the current holder. Reentrant for the holder.
func (t *lockTable) Acquire(ctx context.Context, txnID uint64, key string, timeout time.Duration) error {
	t.lock()
	l := t.locks[key]
	if l == nil {
		t.locks[key] = &keyLock{holder: txnID}
		t.unlock()
		return nil
	}
	if l.holder == txnID {
		t.unlock()
		return nil
	}
	if l.holder == 0 && len(l.waiters) == 0 {
		l.holder = txnID
		t.unlock()
		return nil
	}
	w := &waiter{txnID: txnID, granted: make(chan error, 1)}
	l.waiters = append(l.waiters, w)
	t.unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-w.granted:
		return err
	case <-timer.C:
		return t.abandon(key, w, fmt.Errorf("waiting for %q: %w", key, ErrLockTimeout))
	case <-ctx.Done():
		return t.abandon(key, w, ctx.Err())
	}
}

// abandon removes a waiter that gave up. The grant may already be in
// flight; if so the lock is ours and the wait succeeded after all.
func (t *lockTable) abandon(key string, w *waiter, cause error) error {
	t.lock()
	defer t.unlock()
	select {
	case err := <-w.granted:
		if err != nil {
			return err
		}
		return nil
	default:
	}
	l := t.locks[key]
	for i, cand := range l.waiters {
		if cand == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	if l.holder == 0 && len(l.waiters) == 0 {
		delete(t.locks, key)
	}
	return cause
}

// ReleaseAll frees every lock txnID holds and hands each to its oldest
// waiter.
func (t *lockTable) ReleaseAll(txnID uint64, keys map[string]struct{}) {
	t.lock()
	defer t.unlock()
	for key := range keys {
		l := t.locks[key]
		if l == nil || l.holder != txnID {
			continue
		}
		t.grantNext(key, l)
	}
}

func (t *lockTable) grantNext(key string, l *keyLock) {
	if len(l.waiters) == 0 {
		delete(t.locks, key)
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.holder = next.txnID
	next.granted <- nil
}

// DetectDeadlock walks the wait-for graph (waiter depends on holder)
// and, when it finds a cycle, dooms the youngest waiting transaction in
// it. Returns the victim's id, or 0 when the graph is acyclic.
func (t *lockTable) DetectDeadlock() uint64 {
	t.lock()
	defer t.unlock()

	waitsOn := make(map[uint64]uint64) // waiter -> holder
	for _, l := range t.locks {
		for _, w := range l.waiters {
			waitsOn[w.txnID] = l.holder
		}
	}

	visited := make(map[uint64]bool)
	for start := range waitsOn {
		if visited[start] {
			continue
		}
		// Follow the chain from start; a revisit within this walk is a
		// cycle.
		onPath := make(map[uint64]bool)
		var path []uint64
		cur := start
		for {
			if visited[cur] {
				break
			}
			if onPath[cur] {
				victim := t.youngestInCycle(path, cur)
				t.doom(victim)
				return victim
			}
			onPath[cur] = true
			path = append(path, cur)
			next, ok := waitsOn[cur]
			if !ok {
				break
			}
			cur = next
		}
		for _, id := range path {
			visited[id] = true
		}
	}
	return 0
}

// youngestInCycle picks the highest transaction id on the cycle portion
// of path, starting where entry reappears. Only waiters can be doomed.
func (t *lockTable) youngestInCycle(path []uint64, entry uint64) uint64 {
	victim := uint64(0)
	inCycle := false
	for _, id := range path {
		if id == entry {
			inCycle = true
		}
		if inCycle && id > victim && t.isWaiting(id) {
			victim = id
		}
	}
	if victim == 0 {
		victim = entry
	}
	return victim
}

func (t *lockTable) isWaiting(txnID uint64) bool {
	for _, l := range t.locks {
		for _, w := range l.waiters {
			if w.txnID == txnID {
				return true
			}
		}
	}
	return false
}

// doom wakes every wait of txnID with a deadlock error.
func (t *lockTable) doom(txnID uint64) {
	for key, l := range t.locks {
		for i := 0; i < len(l.waiters); {
			w := l.waiters[i]
			if w.txnID != txnID {
				i++
				continue
			}
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			w.granted <- fmt.Errorf("waiting for %q: %w", key, ErrDeadlock)
		}
		if l.holder == 0 && len(l.waiters) == 0 {
			delete(t.locks, key)
		}
	}
}
