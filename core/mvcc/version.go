// Package mvcc implements multi-version concurrency control over record
// version chains. Versions are plain values serialized into leaf pages;
// visibility is a pure function of a chain and a transaction snapshot,
// so chains can be decoded, inspected and re-encoded without shared
// state.
//
// Chains are ordered newest first. Aborted versions are removed from
// chains during rollback, so every version created by a terminated
// transaction is a committed one.
package mvcc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/keldadb/keldadb/core/storage/page"
)

// ErrBadChain reports an undecodable version chain image.
var ErrBadChain = errors.New("malformed version chain")

const (
	flagDeleted  = 1 << 0
	flagOverflow = 1 << 1
)

// Version is one record version. CreatedBy is the transaction that
// wrote it; DeletedBy is zero for a live version, else the transaction
// that deleted it. Small values live inline; large ones are spilled to
// an overflow chain and referenced by page id.
type Version struct {
	CreatedBy uint64
	DeletedBy uint64

	Inline       []byte
	OverflowPage page.PageID
	OverflowLen  uint32
}

// Deleted reports whether the version carries a deletion mark.
func (v *Version) Deleted() bool { return v.DeletedBy != 0 }

// Overflowed reports whether the value lives on an overflow chain
// instead of inline.
func (v *Version) Overflowed() bool { return v.OverflowPage != page.InvalidPageID }

func (v *Version) encodedSize() int {
	// createdBy + deletedBy + flags
	n := 8 + 8 + 1
	if v.Overflowed() {
		return n + 8 + 4
	}
	return n + 4 + len(v.Inline)
}

// Chain is a record's version history, newest first.
type Chain []Version

// EncodedSize returns the number of bytes Encode will produce.
func (c Chain) EncodedSize() int {
	n := 2
	for i := range c {
		n += c[i].encodedSize()
	}
	return n
}

// Encode serializes the chain into dst and returns the bytes written.
// dst must have room for EncodedSize bytes.
func (c Chain) Encode(dst []byte) int {
	binary.LittleEndian.PutUint16(dst, uint16(len(c)))
	off := 2
	for i := range c {
		v := &c[i]
		binary.LittleEndian.PutUint64(dst[off:], v.CreatedBy)
		binary.LittleEndian.PutUint64(dst[off+8:], v.DeletedBy)
		var flags byte
		if v.Deleted() {
			flags |= flagDeleted
		}
		if v.Overflowed() {
			flags |= flagOverflow
		}
		dst[off+16] = flags
		off += 17
		if v.Overflowed() {
			binary.LittleEndian.PutUint64(dst[off:], uint64(v.OverflowPage))
			binary.LittleEndian.PutUint32(dst[off+8:], v.OverflowLen)
			off += 12
		} else {
			binary.LittleEndian.PutUint32(dst[off:], uint32(len(v.Inline)))
			off += 4
			off += copy(dst[off:], v.Inline)
		}
	}
	return off
}

// DecodeChain deserializes a chain from src and returns it along with
// the bytes consumed. Inline values are copied out of src.
func DecodeChain(src []byte) (Chain, int, error) {
	if len(src) < 2 {
		return nil, 0, fmt.Errorf("%w: short count", ErrBadChain)
	}
	count := int(binary.LittleEndian.Uint16(src))
	chain := make(Chain, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		if len(src) < off+17 {
			return nil, 0, fmt.Errorf("%w: truncated version %d", ErrBadChain, i)
		}
		v := Version{
			CreatedBy: binary.LittleEndian.Uint64(src[off:]),
			DeletedBy: binary.LittleEndian.Uint64(src[off+8:]),
		}
		flags := src[off+16]
		off += 17
		if flags&flagOverflow != 0 {
			if len(src) < off+12 {
				return nil, 0, fmt.Errorf("%w: truncated overflow ref in version %d", ErrBadChain, i)
			}
			v.OverflowPage = page.PageID(binary.LittleEndian.Uint64(src[off:]))
			v.OverflowLen = binary.LittleEndian.Uint32(src[off+8:])
			off += 12
		} else {
			if len(src) < off+4 {
				return nil, 0, fmt.Errorf("%w: truncated value length in version %d", ErrBadChain, i)
			}
			vlen := int(binary.LittleEndian.Uint32(src[off:]))
			off += 4
			if len(src) < off+vlen {
				return nil, 0, fmt.Errorf("%w: truncated value in version %d", ErrBadChain, i)
			}
			v.Inline = append([]byte(nil), src[off:off+vlen]...)
			off += vlen
		}
		chain = append(chain, v)
	}
	return chain, off, nil
}

// Head returns the newest version, or nil for an empty chain.
func (c Chain) Head() *Version {
	if len(c) == 0 {
		return nil
	}
	return &c[0]
}

// Prepend returns the chain with v as its new head.
func (c Chain) Prepend(v Version) Chain {
	out := make(Chain, 0, len(c)+1)
	out = append(out, v)
	return append(out, c...)
}

// RemoveCreatedBy drops the newest version created by txnID, clearing
// any deletion mark the same transaction left on the version below it.
// Rollback uses this to make an aborted insert or update vanish. The
// removed version is returned so the caller can reclaim its overflow
// chain; a transaction that overwrote its own key holds several
// versions, and only the removed one's chain is dead.
func (c Chain) RemoveCreatedBy(txnID uint64) (Chain, *Version) {
	for i := range c {
		if c[i].CreatedBy != txnID {
			continue
		}
		removed := c[i]
		out := make(Chain, 0, len(c)-1)
		out = append(out, c[:i]...)
		out = append(out, c[i+1:]...)
		for j := range out {
			if out[j].DeletedBy == txnID {
				out[j].DeletedBy = 0
			}
		}
		return out, &removed
	}
	return c, nil
}

// ClearDeletedBy removes the deletion mark txnID left, if any. Rollback
// uses this to undo a delete.
func (c Chain) ClearDeletedBy(txnID uint64) (Chain, bool) {
	for i := range c {
		if c[i].DeletedBy == txnID {
			out := append(Chain(nil), c...)
			out[i].DeletedBy = 0
			return out, true
		}
	}
	return c, false
}

// Prune drops versions no snapshot at or above horizon can ever see: a
// version shadowed by a newer one committed below the horizon, and
// deleted versions whose deletion committed below the horizon. The
// returned overflow page ids belong to dropped versions and must be
// freed by the caller. Prune never empties a chain down from a live
// visible version; a chain that prunes to empty had no reachable data.
func (c Chain) Prune(horizon uint64) (kept Chain, freed []page.PageID) {
	kept = make(Chain, 0, len(c))
	shadowed := false
	for i := range c {
		v := c[i]
		drop := shadowed || (v.Deleted() && v.DeletedBy < horizon)
		if !drop {
			kept = append(kept, v)
		} else if v.Overflowed() {
			freed = append(freed, v.OverflowPage)
		}
		// Everything below a version committed before the horizon is
		// invisible to all current and future snapshots, whether the
		// shadowing version itself survives or not.
		if v.CreatedBy < horizon {
			shadowed = true
		}
	}
	return kept, freed
}
