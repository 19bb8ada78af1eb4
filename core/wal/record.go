package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/keldadb/keldadb/core/storage/page"
)

// LSN aliases the page-level LSN so log positions and page stamps are
// the same type across the engine.
type LSN = page.LSN

// InvalidLSN marks an unset log position.
const InvalidLSN LSN = page.InvalidLSN

// RecordType identifies the operation a log record describes.
type RecordType uint8

const (
	// RecordBegin marks the start of a transaction.
	RecordBegin RecordType = iota + 1
	// RecordInsert is a value mutation: a new record version appended to
	// a key's chain. Carries the leaf after-image for redo and the
	// key/txn pair for logical undo.
	RecordInsert
	// RecordUpdate is a value mutation replacing the visible version
	// (an insert of a newer version over an existing key).
	RecordUpdate
	// RecordDelete is a value mutation marking the visible version
	// deleted by a transaction.
	RecordDelete
	// RecordCommit makes a transaction durable. Commit is defined as the
	// durability of this record, not of any page.
	RecordCommit
	// RecordAbort marks a rolled-back transaction.
	RecordAbort
	// RecordCLR is a compensation record written while undoing; its
	// UndoNext points at the next record of the same transaction to
	// undo, making undo itself crash-safe.
	RecordCLR
	// RecordPageAlloc is a structural record: a freshly allocated page
	// with its initial image.
	RecordPageAlloc
	// RecordPageFree is a structural record: a page returned to the
	// free list.
	RecordPageFree
	// RecordSplit is a structural record: a PageGroup holding the
	// after-image of every page a node split touched, so replay applies
	// the split whole or not at all.
	RecordSplit
	// RecordMerge is a structural record: a PageGroup for a merge or
	// sibling borrow, atomic like RecordSplit.
	RecordMerge
	// RecordHeaderChange carries the mutable file-header fields (root
	// page, free list head, page count) after a structural change.
	RecordHeaderChange
	// RecordCheckpointStart opens a checkpoint and carries the active
	// transaction table.
	RecordCheckpointStart
	// RecordCheckpointEnd closes a checkpoint.
	RecordCheckpointEnd
	// RecordGCPrune is the after-image of a leaf whose dead versions
	// were swept.
	RecordGCPrune
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "begin"
	case RecordInsert:
		return "insert"
	case RecordUpdate:
		return "update"
	case RecordDelete:
		return "delete"
	case RecordCommit:
		return "commit"
	case RecordAbort:
		return "abort"
	case RecordCLR:
		return "clr"
	case RecordPageAlloc:
		return "page-alloc"
	case RecordPageFree:
		return "page-free"
	case RecordSplit:
		return "split"
	case RecordMerge:
		return "merge"
	case RecordHeaderChange:
		return "header-change"
	case RecordCheckpointStart:
		return "checkpoint-start"
	case RecordCheckpointEnd:
		return "checkpoint-end"
	case RecordGCPrune:
		return "gc-prune"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// IsValueOp reports whether the record is a transactional value mutation
// subject to undo.
func (t RecordType) IsValueOp() bool {
	return t == RecordInsert || t == RecordUpdate || t == RecordDelete
}

// HasPageImage reports whether the record's After field is a single
// full page image replayable by redo.
func (t RecordType) HasPageImage() bool {
	switch t {
	case RecordInsert, RecordUpdate, RecordDelete, RecordCLR,
		RecordPageAlloc, RecordGCPrune:
		return true
	default:
		return false
	}
}

// HasPageGroup reports whether the record's After field is an encoded
// PageGroup.
func (t RecordType) HasPageGroup() bool {
	return t == RecordSplit || t == RecordMerge
}

// Record is a single WAL entry. The serialized format must stay stable:
// recovery depends on it.
type Record struct {
	LSN     LSN
	PrevLSN LSN // previous record of the same transaction, for undo
	TxnID   uint64
	Type    RecordType
	PageID   page.PageID
	UndoNext LSN    // CLR only: next record of the txn to undo
	Key      []byte // logical undo target for value mutations
	After    []byte // page after-image, header fields, or checkpoint table
}

const recordFixedSize = 8 + 8 + 8 + 1 + 8 + 8 + 2 + 4

// EncodedSize returns the serialized payload size of the record,
// excluding the frame header the log manager adds.
func (r *Record) EncodedSize() int {
	return recordFixedSize + len(r.Key) + len(r.After)
}

// Encode serializes the record into a fresh byte slice.
func (r *Record) Encode() []byte {
	buf := make([]byte, r.EncodedSize())
	binary.LittleEndian.PutUint64(buf[0:], uint64(r.LSN))
	binary.LittleEndian.PutUint64(buf[8:], uint64(r.PrevLSN))
	binary.LittleEndian.PutUint64(buf[16:], r.TxnID)
	buf[24] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[25:], uint64(r.PageID))
	binary.LittleEndian.PutUint64(buf[33:], uint64(r.UndoNext))
	binary.LittleEndian.PutUint16(buf[41:], uint16(len(r.Key)))
	binary.LittleEndian.PutUint32(buf[43:], uint32(len(r.After)))
	n := recordFixedSize
	n += copy(buf[n:], r.Key)
	copy(buf[n:], r.After)
	return buf
}

// Decode deserializes a record payload produced by Encode.
func Decode(buf []byte) (*Record, error) {
	if len(buf) < recordFixedSize {
		return nil, fmt.Errorf("%w: record payload too short (%d bytes)", ErrCorruptRecord, len(buf))
	}
	r := &Record{
		LSN:      LSN(binary.LittleEndian.Uint64(buf[0:])),
		PrevLSN:  LSN(binary.LittleEndian.Uint64(buf[8:])),
		TxnID:    binary.LittleEndian.Uint64(buf[16:]),
		Type:     RecordType(buf[24]),
		PageID:   page.PageID(binary.LittleEndian.Uint64(buf[25:])),
		UndoNext: LSN(binary.LittleEndian.Uint64(buf[33:])),
	}
	keyLen := int(binary.LittleEndian.Uint16(buf[41:]))
	afterLen := int(binary.LittleEndian.Uint32(buf[43:]))
	if recordFixedSize+keyLen+afterLen != len(buf) {
		return nil, fmt.Errorf("%w: record length mismatch (%d key + %d after in %d bytes)",
			ErrCorruptRecord, keyLen, afterLen, len(buf))
	}
	n := recordFixedSize
	if keyLen > 0 {
		r.Key = append([]byte(nil), buf[n:n+keyLen]...)
		n += keyLen
	}
	if afterLen > 0 {
		r.After = append([]byte(nil), buf[n:n+afterLen]...)
	}
	return r, nil
}

// TxnTableEntry describes one active transaction inside a
// checkpoint-start record.
type TxnTableEntry struct {
	TxnID    uint64
	LastLSN  LSN
	BeginLSN LSN
}

// EncodeTxnTable serializes the active transaction table for a
// checkpoint-start record.
func EncodeTxnTable(entries []TxnTableEntry) []byte {
	buf := make([]byte, 4+24*len(entries))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], e.TxnID)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(e.LastLSN))
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(e.BeginLSN))
		off += 24
	}
	return buf
}

// DecodeTxnTable deserializes a checkpoint-start transaction table.
func DecodeTxnTable(buf []byte) ([]TxnTableEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: short checkpoint table", ErrCorruptRecord)
	}
	n := int(binary.LittleEndian.Uint32(buf[0:]))
	if len(buf) != 4+24*n {
		return nil, fmt.Errorf("%w: checkpoint table length mismatch", ErrCorruptRecord)
	}
	entries := make([]TxnTableEntry, 0, n)
	off := 4
	for i := 0; i < n; i++ {
		entries = append(entries, TxnTableEntry{
			TxnID:    binary.LittleEndian.Uint64(buf[off:]),
			LastLSN:  LSN(binary.LittleEndian.Uint64(buf[off+8:])),
			BeginLSN: LSN(binary.LittleEndian.Uint64(buf[off+16:])),
		})
		off += 24
	}
	return entries, nil
}
