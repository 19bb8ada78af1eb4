package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/keldadb/keldadb/core/storage/page"
)

// PageImage is one page's after-image inside a structural record.
type PageImage struct {
	ID   page.PageID
	Data []byte
}

// PageGroup is the payload of a split or merge record: the after-images
// of every page the operation touched, plus the mutable file-header
// fields when the operation moved the root. A structural change spans
// several pages but is logged as one record, so replay applies it in
// full or not at all.
type PageGroup struct {
	Pages []PageImage

	// HeaderFields is a disk.FileHeader field image when the root
	// changed, nil otherwise. Replay applies only the root pointer from
	// it; allocation state is kept durable synchronously.
	HeaderFields []byte
}

// Encode serializes the group for a Record's After payload.
func (g *PageGroup) Encode() []byte {
	size := 2
	for i := range g.Pages {
		size += 8 + 4 + len(g.Pages[i].Data)
	}
	size += 2 + len(g.HeaderFields)

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf, uint16(len(g.Pages)))
	off := 2
	for i := range g.Pages {
		img := &g.Pages[i]
		binary.LittleEndian.PutUint64(buf[off:], uint64(img.ID))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(len(img.Data)))
		off += 12
		off += copy(buf[off:], img.Data)
	}
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(g.HeaderFields)))
	off += 2
	copy(buf[off:], g.HeaderFields)
	return buf
}

// DecodePageGroup deserializes a structural record payload.
func DecodePageGroup(buf []byte) (*PageGroup, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: short page group", ErrCorruptRecord)
	}
	count := int(binary.LittleEndian.Uint16(buf))
	g := &PageGroup{Pages: make([]PageImage, 0, count)}
	off := 2
	for i := 0; i < count; i++ {
		if len(buf) < off+12 {
			return nil, fmt.Errorf("%w: truncated page image %d", ErrCorruptRecord, i)
		}
		id := page.PageID(binary.LittleEndian.Uint64(buf[off:]))
		size := int(binary.LittleEndian.Uint32(buf[off+8:]))
		off += 12
		if len(buf) < off+size {
			return nil, fmt.Errorf("%w: truncated page image %d", ErrCorruptRecord, i)
		}
		g.Pages = append(g.Pages, PageImage{ID: id, Data: append([]byte(nil), buf[off:off+size]...)})
		off += size
	}
	if len(buf) < off+2 {
		return nil, fmt.Errorf("%w: truncated header fields", ErrCorruptRecord)
	}
	hlen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if hlen > 0 {
		if len(buf) < off+hlen {
			return nil, fmt.Errorf("%w: truncated header fields", ErrCorruptRecord)
		}
		g.HeaderFields = append([]byte(nil), buf[off:off+hlen]...)
	}
	return g, nil
}
