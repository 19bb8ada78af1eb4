package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/keldadb/keldadb/core/mvcc"
	"github.com/keldadb/keldadb/core/storage/page"
)

// MaxKeySize bounds keys so any two entries always fit in a page after
// a split.
const MaxKeySize = 512

// leafEntry pairs a key with its version chain.
type leafEntry struct {
	key   []byte
	chain mvcc.Chain
}

// leafNode is the decoded form of a leaf page payload: entries sorted
// by key. The right sibling link lives in the page header, not here.
type leafNode struct {
	entries []leafEntry
}

func (n *leafNode) encodedSize() int {
	size := 2
	for i := range n.entries {
		size += 2 + len(n.entries[i].key) + n.entries[i].chain.EncodedSize()
	}
	return size
}

func (n *leafNode) encode(p *page.Page) {
	dst := p.Payload()
	binary.LittleEndian.PutUint16(dst, uint16(len(n.entries)))
	off := 2
	for i := range n.entries {
		e := &n.entries[i]
		binary.LittleEndian.PutUint16(dst[off:], uint16(len(e.key)))
		off += 2
		off += copy(dst[off:], e.key)
		off += e.chain.Encode(dst[off:])
	}
	p.SetPayloadLen(off)
}

func decodeLeaf(p *page.Page) (*leafNode, error) {
	src := p.Payload()[:p.PayloadLen()]
	if len(src) < 2 {
		return nil, fmt.Errorf("leaf page %d: short payload", p.ID())
	}
	count := int(binary.LittleEndian.Uint16(src))
	n := &leafNode{entries: make([]leafEntry, 0, count)}
	off := 2
	for i := 0; i < count; i++ {
		if len(src) < off+2 {
			return nil, fmt.Errorf("leaf page %d: truncated entry %d", p.ID(), i)
		}
		klen := int(binary.LittleEndian.Uint16(src[off:]))
		off += 2
		if len(src) < off+klen {
			return nil, fmt.Errorf("leaf page %d: truncated key in entry %d", p.ID(), i)
		}
		key := append([]byte(nil), src[off:off+klen]...)
		off += klen
		chain, consumed, err := mvcc.DecodeChain(src[off:])
		if err != nil {
			return nil, fmt.Errorf("leaf page %d, entry %d: %w", p.ID(), i, err)
		}
		off += consumed
		n.entries = append(n.entries, leafEntry{key: key, chain: chain})
	}
	return n, nil
}

// find returns the index of key and whether it is present; on a miss
// the index is the insertion point.
func (n *leafNode) find(key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	return i, i < len(n.entries) && bytes.Equal(n.entries[i].key, key)
}

func (n *leafNode) insertAt(i int, e leafEntry) {
	n.entries = append(n.entries, leafEntry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

func (n *leafNode) removeAt(i int) {
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
}

// innerNode is the decoded form of an internal page payload: n sorted
// separator keys and n+1 children. Keys in children[i] are < keys[i];
// keys in children[i+1] are >= keys[i].
type innerNode struct {
	keys     [][]byte
	children []page.PageID
}

func (n *innerNode) encodedSize() int {
	size := 2 + 8
	for _, k := range n.keys {
		size += 2 + len(k) + 8
	}
	return size
}

func (n *innerNode) encode(p *page.Page) {
	dst := p.Payload()
	binary.LittleEndian.PutUint16(dst, uint16(len(n.keys)))
	binary.LittleEndian.PutUint64(dst[2:], uint64(n.children[0]))
	off := 10
	for i, k := range n.keys {
		binary.LittleEndian.PutUint16(dst[off:], uint16(len(k)))
		off += 2
		off += copy(dst[off:], k)
		binary.LittleEndian.PutUint64(dst[off:], uint64(n.children[i+1]))
		off += 8
	}
	p.SetPayloadLen(off)
}

func decodeInner(p *page.Page) (*innerNode, error) {
	src := p.Payload()[:p.PayloadLen()]
	if len(src) < 10 {
		return nil, fmt.Errorf("internal page %d: short payload", p.ID())
	}
	count := int(binary.LittleEndian.Uint16(src))
	n := &innerNode{
		keys:     make([][]byte, 0, count),
		children: make([]page.PageID, 0, count+1),
	}
	n.children = append(n.children, page.PageID(binary.LittleEndian.Uint64(src[2:])))
	off := 10
	for i := 0; i < count; i++ {
		if len(src) < off+2 {
			return nil, fmt.Errorf("internal page %d: truncated separator %d", p.ID(), i)
		}
		klen := int(binary.LittleEndian.Uint16(src[off:]))
		off += 2
		if len(src) < off+klen+8 {
			return nil, fmt.Errorf("internal page %d: truncated separator %d", p.ID(), i)
		}
		n.keys = append(n.keys, append([]byte(nil), src[off:off+klen]...))
		off += klen
		n.children = append(n.children, page.PageID(binary.LittleEndian.Uint64(src[off:])))
		off += 8
	}
	return n, nil
}

// childFor returns the index of the child subtree that covers key.
func (n *innerNode) childFor(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(key, n.keys[i]) < 0
	})
}

// insertAt inserts a separator and its right child at separator index i.
func (n *innerNode) insertAt(i int, key []byte, right page.PageID) {
	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = key

	n.children = append(n.children, page.InvalidPageID)
	copy(n.children[i+2:], n.children[i+1:])
	n.children[i+1] = right
}

// removeAt removes separator i and the child to its right.
func (n *innerNode) removeAt(i int) {
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.children = append(n.children[:i+1], n.children[i+2:]...)
}
