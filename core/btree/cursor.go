package btree

import (
	"github.com/keldadb/keldadb/core/mvcc"
	"github.com/keldadb/keldadb/core/storage/page"
)

// Cursor iterates entries in key order. It snapshots one leaf at a
// time and follows sibling links; a split, merge or borrow anywhere in
// the tree after the last Seek invalidates it, and further calls return
// ErrStaleCursor. Callers recover by re-seeking past the last key they
// consumed.
type Cursor struct {
	t        *Tree
	ver      uint64
	entries  []leafEntry
	idx      int
	nextLeaf page.PageID
	valid    bool
}

// NewCursor returns an unpositioned cursor; call Seek before use.
func (t *Tree) NewCursor() *Cursor {
	return &Cursor{t: t}
}

// Seek positions the cursor at the first entry with key >= target and
// re-arms staleness detection.
func (c *Cursor) Seek(target []byte) error {
	if len(target) == 0 {
		target = []byte{0}
	}
	p, err := c.t.readLeaf(target)
	if err != nil {
		return err
	}
	ln, err := decodeLeaf(p)
	if err != nil {
		c.t.releaseRead(p)
		return err
	}
	i, _ := ln.find(target)
	c.ver = c.t.structVer.Load()
	c.entries = ln.entries[i:]
	c.idx = 0
	c.nextLeaf = p.Next()
	c.t.releaseRead(p)

	c.valid = true
	if c.idx >= len(c.entries) {
		return c.advanceLeaf()
	}
	return nil
}

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool { return c.valid }

// Key returns the current entry's key. Valid only while Valid is true.
func (c *Cursor) Key() []byte { return c.entries[c.idx].key }

// Chain returns the current entry's version chain.
func (c *Cursor) Chain() mvcc.Chain { return c.entries[c.idx].chain }

// Next advances to the following entry. It returns ErrStaleCursor if
// the tree changed shape since the last Seek; the cursor stays usable
// through a fresh Seek.
func (c *Cursor) Next() error {
	if !c.valid {
		return nil
	}
	c.idx++
	if c.idx < len(c.entries) {
		return nil
	}
	return c.advanceLeaf()
}

func (c *Cursor) advanceLeaf() error {
	for {
		if c.nextLeaf == page.InvalidPageID {
			c.valid = false
			return nil
		}
		p, err := c.t.pool.Fetch(c.nextLeaf)
		if err != nil {
			return err
		}
		p.RLatch()
		if c.t.structVer.Load() != c.ver {
			c.t.releaseRead(p)
			c.valid = false
			return ErrStaleCursor
		}
		ln, err := decodeLeaf(p)
		if err != nil {
			c.t.releaseRead(p)
			return err
		}
		c.entries = ln.entries
		c.idx = 0
		c.nextLeaf = p.Next()
		c.t.releaseRead(p)
		if len(c.entries) > 0 {
			return nil
		}
	}
}

// readLeaf crabs down with shared latches to the leaf covering key and
// returns it latched and pinned.
func (t *Tree) readLeaf(key []byte) (*page.Page, error) {
	t.metaMu.RLock()
	p, err := t.pool.Fetch(t.root)
	if err != nil {
		t.metaMu.RUnlock()
		return nil, err
	}
	p.RLatch()
	t.metaMu.RUnlock()

	for p.Type() == page.TypeBTreeInternal {
		in, err := decodeInner(p)
		if err != nil {
			t.releaseRead(p)
			return nil, err
		}
		child, err := t.pool.Fetch(in.children[in.childFor(key)])
		if err != nil {
			t.releaseRead(p)
			return nil, err
		}
		child.RLatch()
		t.releaseRead(p)
		p = child
	}
	return p, nil
}
