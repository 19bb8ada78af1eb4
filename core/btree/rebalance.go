package btree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/keldadb/keldadb/core/storage/page"
	"github.com/keldadb/keldadb/core/wal"
)

// rebalance restores the fill invariant at the given frame level after
// a shrinking operation. The descent must have been taken with holdAll,
// so every ancestor is still latched. Merging may cascade upward; a
// root with a single child collapses into it. Emptied pages are queued
// on the descent and freed only after it is fully released.
func (d *descent) rebalance(level int) error {
	t := d.t
	fr := d.frames[level]

	if level == 0 {
		if fr.p.Type() != page.TypeBTreeInternal || len(fr.inner.keys) > 0 {
			return nil
		}
		// Root with one child: the child becomes the root.
		if !d.metaHeld {
			return fmt.Errorf("root collapse without the tree lock held")
		}
		child := fr.inner.children[0]
		if err := t.setRoot(child); err != nil {
			return err
		}
		if err := d.retire(fr.p.ID()); err != nil {
			return err
		}
		t.structVer.Add(1)
		t.log.Debug("collapsed root",
			zap.Uint64("old_root", uint64(fr.p.ID())),
			zap.Uint64("root", uint64(child)))
		return nil
	}

	if fr.p.PayloadLen() >= t.minFill {
		return nil
	}

	parent := d.frames[level-1]
	idx := parent.childIdx

	// Pair with the right sibling; the rightmost child pairs with its
	// left neighbor instead. The parent's exclusive latch serializes
	// sibling access, so the extra latch cannot deadlock.
	leftIdx := idx
	if idx == len(parent.inner.keys) {
		leftIdx = idx - 1
	}
	leftID := parent.inner.children[leftIdx]
	rightID := parent.inner.children[leftIdx+1]

	var left, right *page.Page
	var err error
	if leftID == fr.p.ID() {
		left = fr.p
		right, err = t.fetchLatched(rightID)
		if err != nil {
			return err
		}
		defer t.releasePage(right, true)
	} else {
		right = fr.p
		left, err = t.fetchLatched(leftID)
		if err != nil {
			return err
		}
		defer t.releasePage(left, true)
	}

	if left.Type() == page.TypeBTreeLeaf {
		err = d.rebalanceLeaves(level, leftIdx, left, right)
	} else {
		err = d.rebalanceInners(level, leftIdx, left, right)
	}
	if err != nil {
		return err
	}

	if parent.inner.encodedSize() < t.minFill || (level-1 == 0 && len(parent.inner.keys) == 0) {
		return d.rebalance(level - 1)
	}
	return nil
}

func (d *descent) rebalanceLeaves(level, sepIdx int, left, right *page.Page) error {
	t := d.t
	parent := d.frames[level-1]

	ll, err := decodeLeaf(left)
	if err != nil {
		return err
	}
	rl, err := decodeLeaf(right)
	if err != nil {
		return err
	}

	g := &imageGroup{}
	if ll.encodedSize()+rl.encodedSize()-2 <= t.usable {
		// Merge right into left and drop the separator.
		ll.entries = append(ll.entries, rl.entries...)
		sl := stage(left)
		sl.SetNext(right.Next())
		ll.encode(sl)
		parent.inner.removeAt(sepIdx)
		sp := stage(parent.p)
		parent.inner.encode(sp)
		g.addStaged(left, sl)
		g.addStaged(parent.p, sp)

		if err := t.commitGroup(wal.RecordMerge, g); err != nil {
			return err
		}
		parent.dirty = true
		d.markDirty(left)
		return d.retire(right.ID())
	}

	// Borrow: shift entries toward the light side until it reaches the
	// fill threshold, then refresh the separator.
	if ll.encodedSize() < t.minFill {
		for ll.encodedSize() < t.minFill && len(rl.entries) > 1 {
			ll.entries = append(ll.entries, rl.entries[0])
			rl.entries = rl.entries[1:]
		}
	} else {
		for rl.encodedSize() < t.minFill && len(ll.entries) > 1 {
			rl.entries = append([]leafEntry{ll.entries[len(ll.entries)-1]}, rl.entries...)
			ll.entries = ll.entries[:len(ll.entries)-1]
		}
	}
	parent.inner.keys[sepIdx] = append([]byte(nil), rl.entries[0].key...)

	sl, sr, sp := stage(left), stage(right), stage(parent.p)
	ll.encode(sl)
	rl.encode(sr)
	parent.inner.encode(sp)
	g.addStaged(left, sl)
	g.addStaged(right, sr)
	g.addStaged(parent.p, sp)

	if err := t.commitGroup(wal.RecordMerge, g); err != nil {
		return err
	}
	parent.dirty = true
	d.markDirty(left)
	d.markDirty(right)
	return nil
}

func (d *descent) rebalanceInners(level, sepIdx int, left, right *page.Page) error {
	t := d.t
	parent := d.frames[level-1]
	sep := parent.inner.keys[sepIdx]

	li, err := decodeInner(left)
	if err != nil {
		return err
	}
	ri, err := decodeInner(right)
	if err != nil {
		return err
	}

	g := &imageGroup{}
	if li.encodedSize()+ri.encodedSize()+2+len(sep)-10 <= t.usable {
		// Merge: the separator moves down between the two key runs.
		li.keys = append(li.keys, sep)
		li.keys = append(li.keys, ri.keys...)
		li.children = append(li.children, ri.children...)
		sl := stage(left)
		li.encode(sl)
		parent.inner.removeAt(sepIdx)
		sp := stage(parent.p)
		parent.inner.encode(sp)
		g.addStaged(left, sl)
		g.addStaged(parent.p, sp)

		if err := t.commitGroup(wal.RecordMerge, g); err != nil {
			return err
		}
		parent.dirty = true
		d.markDirty(left)
		d.refreshFrame(level, left, li)
		return d.retire(right.ID())
	}

	// Borrow one child through the parent separator.
	if li.encodedSize() < ri.encodedSize() {
		li.keys = append(li.keys, sep)
		li.children = append(li.children, ri.children[0])
		parent.inner.keys[sepIdx] = ri.keys[0]
		ri.keys = ri.keys[1:]
		ri.children = ri.children[1:]
	} else {
		ri.keys = append([][]byte{sep}, ri.keys...)
		ri.children = append([]page.PageID{li.children[len(li.children)-1]}, ri.children...)
		parent.inner.keys[sepIdx] = li.keys[len(li.keys)-1]
		li.keys = li.keys[:len(li.keys)-1]
		li.children = li.children[:len(li.children)-1]
	}
	sl, sr, sp := stage(left), stage(right), stage(parent.p)
	li.encode(sl)
	ri.encode(sr)
	parent.inner.encode(sp)
	g.addStaged(left, sl)
	g.addStaged(right, sr)
	g.addStaged(parent.p, sp)

	if err := t.commitGroup(wal.RecordMerge, g); err != nil {
		return err
	}
	parent.dirty = true
	d.markDirty(left)
	d.markDirty(right)
	d.refreshFrame(level, left, li)
	d.refreshFrame(level, right, ri)
	return nil
}

// refreshFrame swaps in the freshly decoded node for a descent frame
// that still points at p, keeping the cached view in step with the
// rebalanced page.
func (d *descent) refreshFrame(level int, p *page.Page, in *innerNode) {
	fr := d.frames[level]
	if fr.p == p {
		fr.inner = in
	}
}

// retire logs the page free and queues the page for reclamation once
// the descent releases its latches.
func (d *descent) retire(id page.PageID) error {
	if _, err := d.t.wal.Append(&wal.Record{Type: wal.RecordPageFree, PageID: id}); err != nil {
		return err
	}
	d.freeAfter = append(d.freeAfter, id)
	return nil
}

// processFrees returns retired pages to the free list. The free-list
// write destroys page content, so the log describing where that content
// went is synced first. Call only after the descent is released.
func (t *Tree) processFrees(ids []page.PageID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.wal.Sync(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := t.pool.Drop(id); err != nil {
			return err
		}
		if err := t.dm.Free(id); err != nil {
			return err
		}
	}
	return nil
}

func (d *descent) markDirty(p *page.Page) {
	for _, fr := range d.frames {
		if fr.p == p {
			fr.dirty = true
		}
	}
}

func (t *Tree) fetchLatched(id page.PageID) (*page.Page, error) {
	p, err := t.pool.Fetch(id)
	if err != nil {
		return nil, err
	}
	p.Latch()
	return p, nil
}

func (t *Tree) releasePage(p *page.Page, dirty bool) {
	id := p.ID()
	p.Unlatch()
	if err := t.pool.Unpin(id, dirty); err != nil {
		t.log.Error("unpin failed", zap.Uint64("page_id", uint64(id)), zap.Error(err))
	}
}

// Prune sweeps the tree left to right, dropping versions that no
// snapshot at or above horizon can see. Empty entries are removed and
// underfull leaves rebalanced. Returns the number of versions removed.
func (t *Tree) Prune(ctx context.Context, horizon uint64) (int, error) {
	pruned := 0
	var resume []byte
	for {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		n, next, err := t.pruneOneLeaf(resume, horizon)
		if err != nil {
			return pruned, err
		}
		pruned += n
		if next == nil {
			return pruned, nil
		}
		resume = next
	}
}

// pruneOneLeaf prunes the leaf covering resumeKey (the leftmost leaf
// when nil) and returns the lower bound of the next leaf's key range,
// or nil when the pruned leaf was the rightmost.
func (t *Tree) pruneOneLeaf(resumeKey []byte, horizon uint64) (int, []byte, error) {
	key := resumeKey
	if key == nil {
		key = []byte{0}
	}
	d, err := t.descendWrite(key, 0, true)
	if err != nil {
		return 0, nil, err
	}
	defer d.release()

	// The tightest enclosing separator is the first key of the next
	// leaf's subtree; it drives the resume point independently of what
	// pruning does to this leaf.
	var next []byte
	for i := len(d.frames) - 2; i >= 0; i-- {
		fr := d.frames[i]
		if fr.childIdx < len(fr.inner.keys) {
			next = append([]byte(nil), fr.inner.keys[fr.childIdx]...)
			break
		}
	}

	leaf := d.leaf()
	ln, err := decodeLeaf(leaf.p)
	if err != nil {
		return 0, nil, err
	}

	pruned := 0
	var freed []page.PageID
	kept := ln.entries[:0]
	for _, e := range ln.entries {
		chain, orphans := e.chain.Prune(horizon)
		pruned += len(e.chain) - len(chain)
		freed = append(freed, orphans...)
		if len(chain) == 0 {
			continue
		}
		e.chain = chain
		kept = append(kept, e)
	}
	if pruned == 0 {
		return 0, next, nil
	}
	ln.entries = kept

	staged := stage(leaf.p)
	ln.encode(staged)
	rec := &wal.Record{Type: wal.RecordGCPrune, PageID: leaf.p.ID(), After: staged.Data()}
	t.pubMu.RLock()
	lsn, err := t.wal.Append(rec)
	if err != nil {
		t.pubMu.RUnlock()
		return pruned, next, err
	}
	publish(leaf.p, staged, lsn)
	t.pool.MarkDirty(leaf.p.ID())
	t.pubMu.RUnlock()
	leaf.dirty = true

	if err := d.rebalance(len(d.frames) - 1); err != nil {
		return pruned, next, err
	}
	d.release()

	if err := t.processFrees(d.freeAfter); err != nil {
		return pruned, next, err
	}
	for _, id := range freed {
		if err := t.freeOverflow(0, id); err != nil {
			return pruned, next, err
		}
	}
	return pruned, next, nil
}
