// Package page defines the fixed-size page frame shared by the disk
// manager, the buffer pool and the B+Tree. Every on-disk page carries a
// small header with its type, the LSN of the last log record applied to
// it, and an xxhash checksum over the header fields and payload.
package page

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PageID identifies a page by its position in the data file. Page 0 is
// reserved for the file header, so 0 doubles as the invalid id.
type PageID uint64

// InvalidPageID marks an unset page reference.
const InvalidPageID PageID = 0

// LSN is a Log Sequence Number: the logical byte offset of a WAL record.
type LSN uint64

// InvalidLSN marks a page that has no WAL record applied to it yet.
const InvalidLSN LSN = 0

// Type tags the role of a page.
type Type uint8

const (
	// TypeFree is an unallocated page on the free list.
	TypeFree Type = iota
	// TypeMeta is the file header page (page 0).
	TypeMeta
	// TypeBTreeInternal holds separator keys and child page ids.
	TypeBTreeInternal
	// TypeBTreeLeaf holds keys and their record version chains.
	TypeBTreeLeaf
	// TypeOverflow holds payload bytes that do not fit inline in a leaf.
	TypeOverflow
)

func (t Type) String() string {
	switch t {
	case TypeFree:
		return "free"
	case TypeMeta:
		return "meta"
	case TypeBTreeInternal:
		return "internal"
	case TypeBTreeLeaf:
		return "leaf"
	case TypeOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// On-disk page header layout. The checksum covers bytes [0, offChecksum)
// plus the payload; it excludes itself and the reserved tail.
const (
	offType       = 0
	offLSN        = 1
	offPayloadLen = 9
	offNext       = 11
	offChecksum   = 19

	// HeaderSize is the number of bytes reserved at the start of every
	// page. The gap between offChecksum+8 and HeaderSize is reserved.
	HeaderSize = 32
)

const (
	// MinPageSize and MaxPageSize bound the configurable page size.
	MinPageSize = 4096
	MaxPageSize = 16384
)

// ValidSize reports whether n is a legal page size (power of two within
// the supported range).
func ValidSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && n&(n-1) == 0
}

// Page is an in-memory page frame. The pin count and dirty flag are
// owned by the buffer pool and must only be touched under its mutex;
// the latch serializes access to the page contents.
type Page struct {
	id       PageID
	data     []byte
	pinCount int
	dirty    bool

	latch sync.RWMutex
}

// New allocates an empty page frame of the given size.
func New(id PageID, size int) *Page {
	return &Page{id: id, data: make([]byte, size)}
}

// Wrap makes a detached frame over an existing buffer. Callers use it
// to stage a page image before publishing it onto a live frame.
func Wrap(id PageID, data []byte) *Page {
	return &Page{id: id, data: data}
}

// ID returns the page id currently held by this frame.
func (p *Page) ID() PageID { return p.id }

// SetID rebinds the frame to a different page id.
func (p *Page) SetID(id PageID) { p.id = id }

// Data returns the full page buffer, header included.
func (p *Page) Data() []byte { return p.data }

// Payload returns the usable region after the header.
func (p *Page) Payload() []byte { return p.data[HeaderSize:] }

// Reset clears the frame for reuse by the buffer pool.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.dirty = false
	for i := range p.data {
		p.data[i] = 0
	}
}

// Pin increments the pin count. Buffer pool mutex must be held.
func (p *Page) Pin() { p.pinCount++ }

// Unpin decrements the pin count. Buffer pool mutex must be held.
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

// PinCount returns the current pin count.
func (p *Page) PinCount() int { return p.pinCount }

// IsDirty reports whether the frame has unflushed changes.
func (p *Page) IsDirty() bool { return p.dirty }

// SetDirty marks or clears the dirty flag.
func (p *Page) SetDirty(d bool) { p.dirty = d }

// Latch acquires the exclusive page latch.
func (p *Page) Latch() { p.latch.Lock() }

// Unlatch releases the exclusive page latch.
func (p *Page) Unlatch() { p.latch.Unlock() }

// RLatch acquires the shared page latch.
func (p *Page) RLatch() { p.latch.RLock() }

// RUnlatch releases the shared page latch.
func (p *Page) RUnlatch() { p.latch.RUnlock() }

// Type returns the page type from the header.
func (p *Page) Type() Type { return Type(p.data[offType]) }

// SetType stores the page type into the header.
func (p *Page) SetType(t Type) { p.data[offType] = byte(t) }

// LSN returns the header LSN stamp: the last WAL record applied to this
// page. Recovery uses it to skip records already reflected on disk.
func (p *Page) LSN() LSN { return LSNOf(p.data) }

// SetLSN stamps the header with the given LSN.
func (p *Page) SetLSN(lsn LSN) {
	binary.LittleEndian.PutUint64(p.data[offLSN:], uint64(lsn))
}

// Next returns the header chain pointer. Free pages use it for the free
// list, overflow pages for the overflow chain, and leaves for the right
// sibling link.
func (p *Page) Next() PageID {
	return PageID(binary.LittleEndian.Uint64(p.data[offNext:]))
}

// SetNext stores the header chain pointer.
func (p *Page) SetNext(id PageID) {
	binary.LittleEndian.PutUint64(p.data[offNext:], uint64(id))
}

// PayloadLen returns the number of meaningful payload bytes.
func (p *Page) PayloadLen() int {
	return int(binary.LittleEndian.Uint16(p.data[offPayloadLen:]))
}

// SetPayloadLen records the number of meaningful payload bytes.
func (p *Page) SetPayloadLen(n int) {
	binary.LittleEndian.PutUint16(p.data[offPayloadLen:], uint16(n))
}

// LSNOf reads the header LSN stamp from a raw page buffer.
func LSNOf(data []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(data[offLSN:]))
}

// Seal computes and stores the header checksum of a raw page buffer.
// Call before the buffer is written to disk.
func Seal(data []byte) {
	binary.LittleEndian.PutUint64(data[offChecksum:], checksum(data))
}

// Verify recomputes the checksum of a raw page buffer and compares it to
// the stored one.
func Verify(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("page buffer too short: %d bytes", len(data))
	}
	want := binary.LittleEndian.Uint64(data[offChecksum:])
	if got := checksum(data); got != want {
		return fmt.Errorf("page checksum mismatch: got %x, want %x", got, want)
	}
	return nil
}

func checksum(data []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(data[:offChecksum])
	_, _ = d.Write(data[HeaderSize:])
	return d.Sum64()
}
