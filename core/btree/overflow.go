package btree

import (
	"fmt"

	"github.com/keldadb/keldadb/core/mvcc"
	"github.com/keldadb/keldadb/core/storage/page"
	"github.com/keldadb/keldadb/core/wal"
)

// MakeVersion builds the version for a value, spilling it to a chain of
// overflow pages when it is too large to inline. Overflow pages are
// written and logged before any leaf references them, so a replayed
// leaf image never points at pages the log cannot rebuild.
func (t *Tree) MakeVersion(txnID uint64, value []byte) (mvcc.Version, error) {
	if len(value) <= t.inlineLimit {
		return mvcc.Version{CreatedBy: txnID, Inline: append([]byte(nil), value...)}, nil
	}
	first, err := t.writeOverflow(txnID, value)
	if err != nil {
		return mvcc.Version{}, err
	}
	return mvcc.Version{
		CreatedBy:    txnID,
		OverflowPage: first,
		OverflowLen:  uint32(len(value)),
	}, nil
}

// ResolveValue materializes a version's value, following the overflow
// chain when the value is not inline.
func (t *Tree) ResolveValue(v *mvcc.Version) ([]byte, error) {
	if !v.Overflowed() {
		return append([]byte(nil), v.Inline...), nil
	}
	return t.readOverflow(v.OverflowPage, int(v.OverflowLen))
}

// writeOverflow lays the value out over freshly allocated pages, built
// back to front so each page's chain pointer is final when written.
func (t *Tree) writeOverflow(txnID uint64, value []byte) (page.PageID, error) {
	chunk := t.usable
	count := (len(value) + chunk - 1) / chunk

	next := page.InvalidPageID
	for i := count - 1; i >= 0; i-- {
		part := value[i*chunk:]
		if len(part) > chunk {
			part = part[:chunk]
		}
		p, err := t.pool.NewPage(page.TypeOverflow)
		if err != nil {
			return page.InvalidPageID, err
		}
		copy(p.Payload(), part)
		p.SetPayloadLen(len(part))
		p.SetNext(next)
		if err := t.logPageImage(wal.RecordPageAlloc, txnID, p); err != nil {
			t.pool.Unpin(p.ID(), true)
			return page.InvalidPageID, err
		}
		next = p.ID()
		if err := t.pool.Unpin(p.ID(), true); err != nil {
			return page.InvalidPageID, err
		}
	}
	return next, nil
}

func (t *Tree) readOverflow(first page.PageID, total int) ([]byte, error) {
	out := make([]byte, 0, total)
	id := first
	for id != page.InvalidPageID && len(out) < total {
		p, err := t.pool.Fetch(id)
		if err != nil {
			return nil, err
		}
		p.RLatch()
		if p.Type() != page.TypeOverflow {
			typ := p.Type()
			t.releaseRead(p)
			return nil, fmt.Errorf("page %d in overflow chain has type %s", id, typ)
		}
		out = append(out, p.Payload()[:p.PayloadLen()]...)
		next := p.Next()
		t.releaseRead(p)
		id = next
	}
	if len(out) != total {
		return nil, fmt.Errorf("overflow chain from page %d holds %d bytes, expected %d", first, len(out), total)
	}
	return out, nil
}

// freeOverflow returns an overflow chain to the free list. The chain's
// alloc records are made durable first: the free-list write destroys
// page content.
func (t *Tree) freeOverflow(txnID uint64, first page.PageID) error {
	var ids []page.PageID
	id := first
	for id != page.InvalidPageID {
		p, err := t.pool.Fetch(id)
		if err != nil {
			return err
		}
		p.RLatch()
		next := p.Next()
		t.releaseRead(p)
		ids = append(ids, id)
		id = next
	}
	for _, id := range ids {
		if _, err := t.wal.Append(&wal.Record{TxnID: txnID, Type: wal.RecordPageFree, PageID: id}); err != nil {
			return err
		}
	}
	return t.processFrees(ids)
}
