// Package btree implements the key index: a B+Tree of fixed-size pages
// whose leaves store per-key version chains. Readers crab down with
// shared latches; writers descend pessimistically with exclusive
// latches, releasing ancestors once a child has room to absorb the
// change. A structural change (split, merge, borrow) is logged as one
// record carrying the after-images of every page it touched, so replay
// applies it in full or not at all; structural changes also bump a
// version counter that invalidates open cursors.
//
// Mutations are staged on scratch copies and published onto the live
// page only after the describing record is in the log. A failed append
// therefore leaves no unlogged change behind for the buffer pool to
// flush.
package btree

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/keldadb/keldadb/core/mvcc"
	"github.com/keldadb/keldadb/core/storage/bufferpool"
	"github.com/keldadb/keldadb/core/storage/disk"
	"github.com/keldadb/keldadb/core/storage/page"
	"github.com/keldadb/keldadb/core/wal"
)

// Tree errors.
var (
	ErrEmptyKey      = errors.New("empty key")
	ErrKeyTooLarge   = fmt.Errorf("key exceeds %d bytes", MaxKeySize)
	ErrKeyNotFound   = errors.New("key not found")
	ErrStaleCursor   = errors.New("cursor invalidated by a structural change")
	ErrEntryTooLarge = errors.New("version chain exceeds the per-entry capacity")
)

// Tree is the page-backed B+Tree. The root pointer is guarded by
// metaMu: readers hold it shared until the root page is latched,
// writers hold it exclusively until the root is known to be safe.
type Tree struct {
	pool *bufferpool.Manager
	dm   *disk.Manager
	wal  *wal.Manager

	usable      int // payload bytes per page
	maxEntry    int // caps one key's entry so a single split always resolves overflow
	minFill     int // rebalance threshold
	inlineLimit int // values above this spill to overflow pages

	metaMu sync.RWMutex
	root   page.PageID

	// pubMu brackets every append-then-publish window: held shared from
	// the record append until its page images are published and marked
	// dirty. Checkpoints take it exclusively as a barrier, so no record
	// below the checkpoint can exist only in a staged copy.
	pubMu sync.RWMutex

	structVer atomic.Uint64
	log       *zap.Logger
}

// Open attaches a tree to the data file's root page, creating an empty
// root leaf on a fresh file.
func Open(pool *bufferpool.Manager, dm *disk.Manager, lm *wal.Manager, logger *zap.Logger) (*Tree, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	usable := dm.PageSize() - page.HeaderSize
	t := &Tree{
		pool:        pool,
		dm:          dm,
		wal:         lm,
		usable:      usable,
		maxEntry:    usable / 2,
		minFill:     usable / 4,
		inlineLimit: usable / 8,
		log:         logger.Named("btree"),
	}
	t.root = dm.Header().RootPageID
	if t.root == page.InvalidPageID {
		if err := t.bootstrap(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tree) bootstrap() error {
	p, err := t.pool.NewPage(page.TypeBTreeLeaf)
	if err != nil {
		return fmt.Errorf("creating root leaf: %w", err)
	}
	(&leafNode{}).encode(p)
	if err := t.logPageImage(wal.RecordPageAlloc, 0, p); err != nil {
		t.pool.Unpin(p.ID(), false)
		return err
	}
	if err := t.setRoot(p.ID()); err != nil {
		t.pool.Unpin(p.ID(), true)
		return err
	}
	if err := t.pool.Unpin(p.ID(), true); err != nil {
		return err
	}
	t.log.Info("created empty tree", zap.Uint64("root", uint64(t.root)))
	return nil
}

// setRoot logs a bare root change, makes it durable, and persists it in
// the file header. Callers must hold metaMu exclusively (or be the only
// goroutine, during bootstrap and recovery). Root changes caused by
// splits travel inside the split's image group instead.
func (t *Tree) setRoot(id page.PageID) error {
	h := t.dm.Header()
	h.RootPageID = id
	rec := &wal.Record{Type: wal.RecordHeaderChange, After: h.EncodeFields()}
	lsn, err := t.wal.Append(rec)
	if err != nil {
		return err
	}
	// The header write below is immediately durable, so the records
	// describing the pages it points at must be on disk first.
	if err := t.wal.Sync(); err != nil {
		return err
	}
	if err := t.dm.UpdateHeader(func(fh *disk.FileHeader) {
		fh.RootPageID = id
		fh.HeaderLSN = lsn
	}); err != nil {
		return err
	}
	t.root = id
	return nil
}

// StructVersion returns the current structure version. It changes on
// every split, merge or borrow.
func (t *Tree) StructVersion() uint64 { return t.structVer.Load() }

func validateKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	return nil
}

// stage returns a detached copy of the page for mutation before the
// describing record exists.
func stage(p *page.Page) *page.Page {
	return page.Wrap(p.ID(), append([]byte(nil), p.Data()...))
}

// publish copies a staged image onto the live page and stamps it.
func publish(live, staged *page.Page, lsn wal.LSN) {
	copy(live.Data(), staged.Data())
	live.SetLSN(lsn)
}

// Quiesce waits out every append-then-publish window already underway.
// After it returns, each appended record's page images are in their
// frames and flagged dirty, so a following flush pass cannot miss them.
func (t *Tree) Quiesce() {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
}

// logPageImage appends a single-page record for a freshly allocated
// page that no tree node references yet, then stamps it. The page sits
// in the pool's table, so the stamp takes its latch against a
// concurrent flush.
func (t *Tree) logPageImage(rt wal.RecordType, txnID uint64, p *page.Page) error {
	rec := &wal.Record{
		TxnID:  txnID,
		Type:   rt,
		PageID: p.ID(),
		After:  append([]byte(nil), p.Data()...),
	}
	t.pubMu.RLock()
	defer t.pubMu.RUnlock()
	lsn, err := t.wal.Append(rec)
	if err != nil {
		return err
	}
	p.Latch()
	p.SetLSN(lsn)
	t.pool.MarkDirty(p.ID())
	p.Unlatch()
	return nil
}

// Search returns the version chain stored under key, or nil when the
// key has no entry. The returned chain is a private copy.
func (t *Tree) Search(key []byte) (mvcc.Chain, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	p, err := t.readLeaf(key)
	if err != nil {
		return nil, err
	}
	ln, err := decodeLeaf(p)
	if err != nil {
		t.releaseRead(p)
		return nil, err
	}
	i, found := ln.find(key)
	t.releaseRead(p)
	if !found {
		return nil, nil
	}
	return ln.entries[i].chain, nil
}

func (t *Tree) releaseRead(p *page.Page) {
	id := p.ID()
	p.RUnlatch()
	if err := t.pool.Unpin(id, false); err != nil {
		t.log.Error("unpin failed", zap.Uint64("page_id", uint64(id)), zap.Error(err))
	}
}

// dframe is one level of a pessimistic write descent.
type dframe struct {
	p        *page.Page
	inner    *innerNode // nil at the leaf
	childIdx int
	dirty    bool
}

// descent is the latched path from the root down to a leaf. Frames are
// root first; metaHeld means the root may still change.
type descent struct {
	t        *Tree
	metaHeld bool
	frames   []*dframe

	// freeAfter queues pages emptied by merges; they are reclaimed only
	// once every latch of this descent is released.
	freeAfter []page.PageID
}

func (d *descent) leaf() *dframe { return d.frames[len(d.frames)-1] }

// releaseAbove drops every frame above level, plus the meta lock.
func (d *descent) releaseAbove(level int) {
	if d.metaHeld {
		d.t.metaMu.Unlock()
		d.metaHeld = false
	}
	for _, fr := range d.frames[:level] {
		d.t.releaseFrame(fr)
	}
	d.frames = d.frames[level:]
}

func (d *descent) release() {
	if d.metaHeld {
		d.t.metaMu.Unlock()
		d.metaHeld = false
	}
	for _, fr := range d.frames {
		d.t.releaseFrame(fr)
	}
	d.frames = nil
}

func (t *Tree) releaseFrame(fr *dframe) {
	if fr.p == nil {
		return
	}
	id := fr.p.ID()
	fr.p.Unlatch()
	if err := t.pool.Unpin(id, fr.dirty); err != nil {
		t.log.Error("unpin failed", zap.Uint64("page_id", uint64(id)), zap.Error(err))
	}
	fr.p = nil
}

// descendWrite latches the path to the leaf covering key. growth is the
// worst-case byte growth the operation can cause at the leaf; when
// holdAll is false, ancestors are released as soon as a child has room
// for the change its subtree could push up.
func (t *Tree) descendWrite(key []byte, growth int, holdAll bool) (*descent, error) {
	d := &descent{t: t}
	t.metaMu.Lock()
	d.metaHeld = true

	p, err := t.pool.Fetch(t.root)
	if err != nil {
		d.release()
		return nil, err
	}
	p.Latch()
	d.frames = append(d.frames, &dframe{p: p})

	for {
		cur := d.leaf()
		if cur.p.Type() == page.TypeBTreeLeaf {
			if !holdAll && cur.p.PayloadLen()+growth <= t.usable {
				d.releaseAbove(len(d.frames) - 1)
			}
			return d, nil
		}
		in, err := decodeInner(cur.p)
		if err != nil {
			d.release()
			return nil, err
		}
		cur.inner = in
		cur.childIdx = in.childFor(key)

		// An internal node gains one separator if its child splits.
		if !holdAll && cur.p.PayloadLen()+2+MaxKeySize+8 <= t.usable {
			d.releaseAbove(len(d.frames) - 1)
		}

		child, err := t.pool.Fetch(in.children[cur.childIdx])
		if err != nil {
			d.release()
			return nil, err
		}
		child.Latch()
		d.frames = append(d.frames, &dframe{p: child})
	}
}

// Put prepends a version for key, creating the entry when absent. The
// caller resolves whether this is an insert or an update of a visible
// record; that only affects the record type logged. Returns the LSN of
// the value record for the transaction's undo chain.
func (t *Tree) Put(txnID uint64, key []byte, v mvcc.Version, isUpdate bool, prevLSN wal.LSN) (wal.LSN, error) {
	if err := validateKey(key); err != nil {
		return wal.InvalidLSN, err
	}
	growth := 4 + len(key) + mvcc.Chain{v}.EncodedSize()
	d, err := t.descendWrite(key, growth, false)
	if err != nil {
		return wal.InvalidLSN, err
	}
	defer d.release()

	leaf := d.leaf()
	ln, err := decodeLeaf(leaf.p)
	if err != nil {
		return wal.InvalidLSN, err
	}
	i, found := ln.find(key)
	if found {
		ln.entries[i].chain = ln.entries[i].chain.Prepend(v)
	} else {
		ln.insertAt(i, leafEntry{key: append([]byte(nil), key...), chain: mvcc.Chain{v}})
	}
	if 4+len(key)+ln.entries[i].chain.EncodedSize() > t.maxEntry {
		return wal.InvalidLSN, fmt.Errorf("%w: key %q", ErrEntryTooLarge, key)
	}

	if ln.encodedSize() > t.usable {
		if ln, err = d.splitLeaf(ln, key); err != nil {
			return wal.InvalidLSN, err
		}
	}

	rt := wal.RecordInsert
	if isUpdate {
		rt = wal.RecordUpdate
	}
	return t.commitLeaf(rt, txnID, prevLSN, wal.InvalidLSN, key, d.leaf(), ln)
}

// Delete marks the newest version of key as deleted by txnID. The
// caller has already validated that the head version is visible to it.
func (t *Tree) Delete(txnID uint64, key []byte, prevLSN wal.LSN) (wal.LSN, error) {
	if err := validateKey(key); err != nil {
		return wal.InvalidLSN, err
	}
	// The deletion mark changes no byte counts, so the leaf alone is
	// latched.
	d, err := t.descendWrite(key, 0, false)
	if err != nil {
		return wal.InvalidLSN, err
	}
	defer d.release()

	leaf := d.leaf()
	ln, err := decodeLeaf(leaf.p)
	if err != nil {
		return wal.InvalidLSN, err
	}
	i, found := ln.find(key)
	if !found || len(ln.entries[i].chain) == 0 {
		return wal.InvalidLSN, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	ln.entries[i].chain[0].DeletedBy = txnID

	return t.commitLeaf(wal.RecordDelete, txnID, prevLSN, wal.InvalidLSN, key, leaf, ln)
}

// UndoPut rolls back txnID's version of key, logging a compensation
// record. The removed version's overflow chain, if any, is reclaimed.
// Removing the last version removes the key entry itself.
func (t *Tree) UndoPut(txnID uint64, key []byte, undoNext, prevLSN wal.LSN) (wal.LSN, error) {
	if err := validateKey(key); err != nil {
		return wal.InvalidLSN, err
	}
	d, err := t.descendWrite(key, 0, true)
	if err != nil {
		return wal.InvalidLSN, err
	}
	defer d.release()

	leaf := d.leaf()
	ln, err := decodeLeaf(leaf.p)
	if err != nil {
		return wal.InvalidLSN, err
	}
	i, found := ln.find(key)
	if !found {
		return wal.InvalidLSN, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	chain, removed := ln.entries[i].chain.RemoveCreatedBy(txnID)
	if removed == nil {
		return wal.InvalidLSN, fmt.Errorf("no version of %q created by txn %d", key, txnID)
	}
	orphan := page.InvalidPageID
	if removed.Overflowed() {
		orphan = removed.OverflowPage
	}
	if len(chain) == 0 {
		ln.removeAt(i)
	} else {
		ln.entries[i].chain = chain
	}

	lsn, err := t.commitLeaf(wal.RecordCLR, txnID, prevLSN, undoNext, key, leaf, ln)
	if err != nil {
		return wal.InvalidLSN, err
	}
	if err := d.rebalance(len(d.frames) - 1); err != nil {
		return wal.InvalidLSN, err
	}
	d.release()

	if err := t.processFrees(d.freeAfter); err != nil {
		return wal.InvalidLSN, err
	}
	if orphan != page.InvalidPageID {
		if err := t.freeOverflow(txnID, orphan); err != nil {
			return wal.InvalidLSN, err
		}
	}
	return lsn, nil
}

// UndoDelete clears txnID's deletion mark on key, logging a
// compensation record.
func (t *Tree) UndoDelete(txnID uint64, key []byte, undoNext, prevLSN wal.LSN) (wal.LSN, error) {
	if err := validateKey(key); err != nil {
		return wal.InvalidLSN, err
	}
	d, err := t.descendWrite(key, 0, false)
	if err != nil {
		return wal.InvalidLSN, err
	}
	defer d.release()

	leaf := d.leaf()
	ln, err := decodeLeaf(leaf.p)
	if err != nil {
		return wal.InvalidLSN, err
	}
	i, found := ln.find(key)
	if !found {
		return wal.InvalidLSN, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	chain, ok := ln.entries[i].chain.ClearDeletedBy(txnID)
	if !ok {
		return wal.InvalidLSN, fmt.Errorf("no deletion of %q by txn %d", key, txnID)
	}
	ln.entries[i].chain = chain

	return t.commitLeaf(wal.RecordCLR, txnID, prevLSN, undoNext, key, leaf, ln)
}

// commitLeaf stages the mutated leaf, appends the value record carrying
// its after-image, and publishes the image onto the live page.
func (t *Tree) commitLeaf(rt wal.RecordType, txnID uint64, prevLSN, undoNext wal.LSN, key []byte, leaf *dframe, ln *leafNode) (wal.LSN, error) {
	staged := stage(leaf.p)
	ln.encode(staged)
	rec := &wal.Record{
		TxnID:    txnID,
		Type:     rt,
		PrevLSN:  prevLSN,
		UndoNext: undoNext,
		PageID:   leaf.p.ID(),
		Key:      append([]byte(nil), key...),
		After:    staged.Data(),
	}
	t.pubMu.RLock()
	defer t.pubMu.RUnlock()
	lsn, err := t.wal.Append(rec)
	if err != nil {
		return wal.InvalidLSN, err
	}
	publish(leaf.p, staged, lsn)
	t.pool.MarkDirty(leaf.p.ID())
	leaf.dirty = true
	return lsn, nil
}

// imageGroup collects everything one structural change touches so it
// can be logged as a single record and applied after the append.
type imageGroup struct {
	live    []*page.Page // pages to publish staged images onto
	staged  []*page.Page
	fresh   []*page.Page // new pages, encoded directly
	newRoot page.PageID

	// swaps defers descent frame rewiring until the group committed.
	swaps []frameSwap
	// unpin defers releasing new pages that do not become frames.
	unpin []*page.Page
}

type frameSwap struct {
	fr       *dframe
	p        *page.Page
	inner    *innerNode
	childIdx int
}

func (g *imageGroup) addStaged(live, staged *page.Page) {
	g.live = append(g.live, live)
	g.staged = append(g.staged, staged)
}

func (g *imageGroup) addFresh(p *page.Page) {
	g.fresh = append(g.fresh, p)
}

// commit appends the group as one record, then publishes every staged
// image, stamps every page, persists a root change, and performs the
// deferred frame swaps. On error nothing has been published.
func (t *Tree) commitGroup(rt wal.RecordType, g *imageGroup) error {
	pg := &wal.PageGroup{}
	for _, p := range g.fresh {
		pg.Pages = append(pg.Pages, wal.PageImage{ID: p.ID(), Data: p.Data()})
	}
	for _, s := range g.staged {
		pg.Pages = append(pg.Pages, wal.PageImage{ID: s.ID(), Data: s.Data()})
	}
	if g.newRoot != page.InvalidPageID {
		h := t.dm.Header()
		h.RootPageID = g.newRoot
		pg.HeaderFields = h.EncodeFields()
	}

	t.pubMu.RLock()
	lsn, err := t.wal.Append(&wal.Record{Type: rt, After: pg.Encode()})
	if err != nil {
		t.pubMu.RUnlock()
		for _, p := range append(g.unpin, g.swapPages()...) {
			t.pool.Unpin(p.ID(), false)
		}
		return err
	}

	for _, p := range g.fresh {
		p.Latch()
		p.SetLSN(lsn)
		t.pool.MarkDirty(p.ID())
		p.Unlatch()
	}
	for i, s := range g.staged {
		publish(g.live[i], s, lsn)
		t.pool.MarkDirty(g.live[i].ID())
	}
	t.pubMu.RUnlock()
	if g.newRoot != page.InvalidPageID {
		// The header write is immediately durable; the images it points
		// at must be on disk first.
		if err := t.wal.Sync(); err != nil {
			return err
		}
		if err := t.dm.UpdateHeader(func(fh *disk.FileHeader) {
			fh.RootPageID = g.newRoot
			fh.HeaderLSN = lsn
		}); err != nil {
			return err
		}
		t.root = g.newRoot
	}
	t.structVer.Add(1)

	for _, sw := range g.swaps {
		sw.p.Latch()
		old := sw.fr.p
		sw.fr.p = sw.p
		sw.fr.inner = sw.inner
		sw.fr.childIdx = sw.childIdx
		sw.fr.dirty = true
		old.Unlatch()
		if err := t.pool.Unpin(old.ID(), true); err != nil {
			return err
		}
	}
	for _, p := range g.unpin {
		if err := t.pool.Unpin(p.ID(), true); err != nil {
			return err
		}
	}
	return nil
}

func (g *imageGroup) swapPages() []*page.Page {
	out := make([]*page.Page, 0, len(g.swaps))
	for _, sw := range g.swaps {
		out = append(out, sw.p)
	}
	return out
}

// splitLeaf splits the overfull bottom frame and installs the separator
// in the parent, splitting upward as far as needed; the whole cascade
// is one image group. Entry sizes are capped at half a page, so one
// split always leaves both halves fitting. Returns the decoded half
// covering key, with the descent's bottom frame updated to match.
func (d *descent) splitLeaf(ln *leafNode, key []byte) (*leafNode, error) {
	t := d.t
	left := d.leaf()
	g := &imageGroup{newRoot: page.InvalidPageID}

	mid := splitPoint(ln, key, t.usable)
	right, err := t.pool.NewPage(page.TypeBTreeLeaf)
	if err != nil {
		return nil, err
	}
	rn := &leafNode{entries: ln.entries[mid:]}
	ln.entries = ln.entries[:mid]
	sep := append([]byte(nil), rn.entries[0].key...)

	leftStaged := stage(left.p)
	right.SetNext(leftStaged.Next())
	leftStaged.SetNext(right.ID())
	rn.encode(right)
	ln.encode(leftStaged)
	g.addFresh(right)
	g.addStaged(left.p, leftStaged)

	keyGoesRight := bytes.Compare(key, sep) >= 0
	if keyGoesRight {
		g.swaps = append(g.swaps, frameSwap{fr: left, p: right})
	} else {
		g.unpin = append(g.unpin, right)
	}

	if err := d.planParentInsert(g, len(d.frames)-2, sep, right.ID()); err != nil {
		for _, p := range append(g.unpin, g.swapPages()...) {
			t.pool.Unpin(p.ID(), false)
		}
		return nil, err
	}
	if err := t.commitGroup(wal.RecordSplit, g); err != nil {
		return nil, err
	}
	if keyGoesRight {
		return rn, nil
	}
	return ln, nil
}

// planParentInsert stages a separator insert at the given frame level,
// splitting upward when the parent is full. level -1 grows the tree
// with a new root.
func (d *descent) planParentInsert(g *imageGroup, level int, sep []byte, right page.PageID) error {
	t := d.t
	if level < 0 {
		if !d.metaHeld {
			return errors.New("root changed without the tree lock held")
		}
		oldRoot := d.frames[0].p.ID()
		nr, err := t.pool.NewPage(page.TypeBTreeInternal)
		if err != nil {
			return err
		}
		(&innerNode{keys: [][]byte{sep}, children: []page.PageID{oldRoot, right}}).encode(nr)
		g.addFresh(nr)
		g.unpin = append(g.unpin, nr)
		g.newRoot = nr.ID()
		return nil
	}

	fr := d.frames[level]
	fr.inner.insertAt(fr.inner.childFor(sep), sep, right)
	if fr.inner.encodedSize() <= t.usable {
		staged := stage(fr.p)
		fr.inner.encode(staged)
		g.addStaged(fr.p, staged)
		fr.dirty = true
		return nil
	}
	return d.planInnerSplit(g, level)
}

// planInnerSplit splits the internal node at level, pushing its middle
// separator into the level above.
func (d *descent) planInnerSplit(g *imageGroup, level int) error {
	t := d.t
	fr := d.frames[level]
	in := fr.inner

	mid := len(in.keys) / 2
	upKey := in.keys[mid]
	rightNode := &innerNode{
		keys:     append([][]byte(nil), in.keys[mid+1:]...),
		children: append([]page.PageID(nil), in.children[mid+1:]...),
	}
	in.keys = in.keys[:mid]
	in.children = in.children[:mid+1]

	right, err := t.pool.NewPage(page.TypeBTreeInternal)
	if err != nil {
		return err
	}
	rightNode.encode(right)
	staged := stage(fr.p)
	in.encode(staged)
	g.addFresh(right)
	g.addStaged(fr.p, staged)
	fr.dirty = true

	// If the followed child moved to the new right node, rewire the
	// frame once the group commits so lower levels keep a valid path.
	if fr.childIdx > mid {
		g.swaps = append(g.swaps, frameSwap{
			fr:       fr,
			p:        right,
			inner:    rightNode,
			childIdx: fr.childIdx - mid - 1,
		})
	} else {
		g.unpin = append(g.unpin, right)
	}

	return d.planParentInsert(g, level-1, upKey, right.ID())
}

// splitPoint picks the separator index for an overfull leaf: the byte
// midpoint clamped so both halves fit their pages, which the per-entry
// size cap guarantees is possible.
func splitPoint(ln *leafNode, key []byte, usable int) int {
	n := len(ln.entries)
	sizes := make([]int, n)
	total := 0
	for i := range ln.entries {
		e := &ln.entries[i]
		sizes[i] = 2 + len(e.key) + e.chain.EncodedSize()
		total += sizes[i]
	}

	// maxLeft: largest mid whose left half fits. minRight: smallest mid
	// whose right half fits.
	maxLeft, acc := 1, sizes[0]
	for mid := 2; mid < n; mid++ {
		acc += sizes[mid-1]
		if 2+acc > usable {
			break
		}
		maxLeft = mid
	}
	minRight, tail := n-1, sizes[n-1]
	for mid := n - 2; mid >= 1; mid-- {
		tail += sizes[mid]
		if 2+tail > usable {
			break
		}
		minRight = mid
	}

	mid, acc := n-1, 0
	for i := 0; i < n-1; i++ {
		acc += sizes[i]
		if 2*acc >= total {
			mid = i + 1
			break
		}
	}
	if mid < minRight {
		mid = minRight
	}
	if mid > maxLeft {
		mid = maxLeft
	}
	return mid
}
