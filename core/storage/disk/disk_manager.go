// Package disk implements the page store: fixed-size block I/O over a
// single data file with a persisted free list. Page 0 holds the file
// header; all other pages are read and written as whole, checksummed
// blocks.
package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/keldadb/keldadb/core/storage/page"
)

// Page store errors.
var (
	ErrIO            = errors.New("storage I/O failure")
	ErrChecksum      = errors.New("page checksum mismatch")
	ErrBadHeader     = errors.New("invalid data file header")
	ErrInvalidPageID = errors.New("invalid page id")
	ErrClosed        = errors.New("disk manager is closed")
)

const (
	fileMagic     = 0x4B4C4441 // "KLDA"
	fileVersion   = 1
	headerEncSize = 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8
)

// FileHeader is the persistent metadata stored on page 0.
type FileHeader struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	PageCount     uint64
	RootPageID    page.PageID
	FreeListHead  page.PageID
	CheckpointLSN page.LSN
	// HeaderLSN stamps the last WAL record applied to the header itself,
	// so header replays are idempotent like page replays.
	HeaderLSN page.LSN
}

// EncodeFields serializes the mutable header fields (everything except
// magic/version/page size) for WAL header-change records.
func (h *FileHeader) EncodeFields() []byte {
	buf := make([]byte, 8*5)
	binary.LittleEndian.PutUint64(buf[0:], h.PageCount)
	binary.LittleEndian.PutUint64(buf[8:], uint64(h.RootPageID))
	binary.LittleEndian.PutUint64(buf[16:], uint64(h.FreeListHead))
	binary.LittleEndian.PutUint64(buf[24:], uint64(h.CheckpointLSN))
	binary.LittleEndian.PutUint64(buf[32:], uint64(h.HeaderLSN))
	return buf
}

// DecodeFields deserializes the mutable header fields.
func (h *FileHeader) DecodeFields(buf []byte) error {
	if len(buf) < 8*5 {
		return fmt.Errorf("%w: short header field image (%d bytes)", ErrBadHeader, len(buf))
	}
	h.PageCount = binary.LittleEndian.Uint64(buf[0:])
	h.RootPageID = page.PageID(binary.LittleEndian.Uint64(buf[8:]))
	h.FreeListHead = page.PageID(binary.LittleEndian.Uint64(buf[16:]))
	h.CheckpointLSN = page.LSN(binary.LittleEndian.Uint64(buf[24:]))
	h.HeaderLSN = page.LSN(binary.LittleEndian.Uint64(buf[32:]))
	return nil
}

func (h *FileHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], h.Magic)
	binary.LittleEndian.PutUint32(dst[4:], h.Version)
	binary.LittleEndian.PutUint32(dst[8:], h.PageSize)
	binary.LittleEndian.PutUint64(dst[12:], h.PageCount)
	binary.LittleEndian.PutUint64(dst[20:], uint64(h.RootPageID))
	binary.LittleEndian.PutUint64(dst[28:], uint64(h.FreeListHead))
	binary.LittleEndian.PutUint64(dst[36:], uint64(h.CheckpointLSN))
	binary.LittleEndian.PutUint64(dst[44:], uint64(h.HeaderLSN))
}

func (h *FileHeader) decode(src []byte) {
	h.Magic = binary.LittleEndian.Uint32(src[0:])
	h.Version = binary.LittleEndian.Uint32(src[4:])
	h.PageSize = binary.LittleEndian.Uint32(src[8:])
	h.PageCount = binary.LittleEndian.Uint64(src[12:])
	h.RootPageID = page.PageID(binary.LittleEndian.Uint64(src[20:]))
	h.FreeListHead = page.PageID(binary.LittleEndian.Uint64(src[28:]))
	h.CheckpointLSN = page.LSN(binary.LittleEndian.Uint64(src[36:]))
	h.HeaderLSN = page.LSN(binary.LittleEndian.Uint64(src[44:]))
}

// Manager owns the single data file. All public methods are safe for
// concurrent use.
type Manager struct {
	path     string
	file     *os.File
	pageSize int
	header   FileHeader
	mu       sync.Mutex
	log      *zap.Logger
}

// Open opens the data file at path, creating and initializing it if it
// does not exist. pageSize only applies on creation; on open the size
// recorded in the header wins and a mismatch is rejected.
func Open(path string, pageSize int, logger *zap.Logger) (*Manager, error) {
	if !page.ValidSize(pageSize) {
		return nil, fmt.Errorf("%w: unsupported page size %d", ErrBadHeader, pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{path: path, pageSize: pageSize, log: logger.Named("disk")}

	_, statErr := os.Stat(path)
	switch {
	case os.IsNotExist(statErr):
		if err := m.create(); err != nil {
			return nil, err
		}
	case statErr == nil:
		if err := m.open(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, statErr)
	}

	m.log.Info("data file opened",
		zap.String("path", path),
		zap.Int("page_size", m.pageSize),
		zap.Uint64("page_count", m.header.PageCount))
	return m, nil
}

func (m *Manager) create() error {
	file, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrIO, m.path, err)
	}
	m.file = file
	m.header = FileHeader{
		Magic:    fileMagic,
		Version:  fileVersion,
		PageSize: uint32(m.pageSize),
		// Page 0 is the header itself.
		PageCount: 1,
	}
	if err := m.writeHeaderLocked(); err != nil {
		m.file.Close()
		_ = os.Remove(m.path)
		return err
	}
	return nil
}

func (m *Manager) open() error {
	file, err := os.OpenFile(m.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrIO, m.path, err)
	}
	m.file = file

	buf := make([]byte, m.pageSize)
	if _, err := io.ReadFull(io.NewSectionReader(file, 0, int64(m.pageSize)), buf); err != nil {
		file.Close()
		return fmt.Errorf("%w: reading file header: %v", ErrIO, err)
	}
	if err := page.Verify(buf); err != nil {
		file.Close()
		return fmt.Errorf("%w: header page: %v", ErrChecksum, err)
	}
	m.header.decode(buf[page.HeaderSize:])
	if m.header.Magic != fileMagic {
		file.Close()
		return fmt.Errorf("%w: bad magic %#x", ErrBadHeader, m.header.Magic)
	}
	if m.header.Version != fileVersion {
		file.Close()
		return fmt.Errorf("%w: unsupported format version %d", ErrBadHeader, m.header.Version)
	}
	if !page.ValidSize(int(m.header.PageSize)) {
		file.Close()
		return fmt.Errorf("%w: recorded page size %d", ErrBadHeader, m.header.PageSize)
	}
	if int(m.header.PageSize) != m.pageSize {
		file.Close()
		return fmt.Errorf("%w: file page size %d does not match configured %d",
			ErrBadHeader, m.header.PageSize, m.pageSize)
	}
	return nil
}

// writeHeaderLocked serializes the header onto page 0 and syncs. Caller
// must hold m.mu (or be the only goroutine, during create).
func (m *Manager) writeHeaderLocked() error {
	buf := make([]byte, m.pageSize)
	buf[0] = byte(page.TypeMeta)
	binary.LittleEndian.PutUint64(buf[1:], uint64(m.header.HeaderLSN))
	m.header.encode(buf[page.HeaderSize:])
	binary.LittleEndian.PutUint16(buf[9:], headerEncSize)
	page.Seal(buf)
	if _, err := m.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: writing file header: %v", ErrIO, err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing file header: %v", ErrIO, err)
	}
	return nil
}

// Header returns a copy of the current file header.
func (m *Manager) Header() FileHeader {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

// UpdateHeader applies fn to the header and persists the result.
func (m *Manager) UpdateHeader(fn func(*FileHeader)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	fn(&m.header)
	return m.writeHeaderLocked()
}

// PageSize returns the fixed page size of the file.
func (m *Manager) PageSize() int { return m.pageSize }

// PageCount returns the current number of pages, header page included.
func (m *Manager) PageCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header.PageCount
}

// ReadPage reads the page into buf (which must be exactly one page) and
// verifies its checksum. Corrupt pages are never returned to the caller.
func (m *Manager) ReadPage(id page.PageID, buf []byte) error {
	if len(buf) != m.pageSize {
		return fmt.Errorf("%w: buffer is %d bytes, page size is %d", ErrIO, len(buf), m.pageSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if id == page.InvalidPageID || uint64(id) >= m.header.PageCount {
		return fmt.Errorf("%w: page %d of %d", ErrInvalidPageID, id, m.header.PageCount)
	}
	if _, err := m.file.ReadAt(buf, int64(id)*int64(m.pageSize)); err != nil {
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, id, err)
	}
	if err := page.Verify(buf); err != nil {
		return fmt.Errorf("%w: page %d: %v", ErrChecksum, id, err)
	}
	return nil
}

// WritePage seals buf with a fresh checksum and writes it as page id.
// The buffer must be exactly one page; partial writes never happen at
// this layer.
func (m *Manager) WritePage(id page.PageID, buf []byte) error {
	if len(buf) != m.pageSize {
		return fmt.Errorf("%w: buffer is %d bytes, page size is %d", ErrIO, len(buf), m.pageSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writePageLocked(id, buf)
}

func (m *Manager) writePageLocked(id page.PageID, buf []byte) error {
	if m.file == nil {
		return ErrClosed
	}
	if id == page.InvalidPageID {
		return fmt.Errorf("%w: page %d", ErrInvalidPageID, id)
	}
	page.Seal(buf)
	if _, err := m.file.WriteAt(buf, int64(id)*int64(m.pageSize)); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, id, err)
	}
	if uint64(id) >= m.header.PageCount {
		m.header.PageCount = uint64(id) + 1
	}
	return nil
}

// Allocate returns a usable page id, reusing the free list head when one
// exists and extending the file otherwise. The page contents are
// undefined until the caller writes them.
func (m *Manager) Allocate() (page.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return page.InvalidPageID, ErrClosed
	}

	if head := m.header.FreeListHead; head != page.InvalidPageID {
		buf := make([]byte, m.pageSize)
		if _, err := m.file.ReadAt(buf, int64(head)*int64(m.pageSize)); err != nil {
			return page.InvalidPageID, fmt.Errorf("%w: reading free page %d: %v", ErrIO, head, err)
		}
		if err := page.Verify(buf); err != nil {
			return page.InvalidPageID, fmt.Errorf("%w: free page %d: %v", ErrChecksum, head, err)
		}
		next := page.PageID(binary.LittleEndian.Uint64(buf[11:]))
		m.header.FreeListHead = next
		if err := m.writeHeaderLocked(); err != nil {
			return page.InvalidPageID, err
		}
		m.log.Debug("reused free page", zap.Uint64("page_id", uint64(head)))
		return head, nil
	}

	id := page.PageID(m.header.PageCount)
	buf := make([]byte, m.pageSize)
	if err := m.writePageLocked(id, buf); err != nil {
		return page.InvalidPageID, err
	}
	if err := m.writeHeaderLocked(); err != nil {
		return page.InvalidPageID, err
	}
	m.log.Debug("extended file with page", zap.Uint64("page_id", uint64(id)))
	return id, nil
}

// Free retypes the page as free and pushes it onto the free list.
func (m *Manager) Free(id page.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if id == page.InvalidPageID || uint64(id) >= m.header.PageCount {
		return fmt.Errorf("%w: page %d", ErrInvalidPageID, id)
	}
	buf := make([]byte, m.pageSize)
	buf[0] = byte(page.TypeFree)
	binary.LittleEndian.PutUint64(buf[11:], uint64(m.header.FreeListHead))
	if err := m.writePageLocked(id, buf); err != nil {
		return err
	}
	m.header.FreeListHead = id
	return m.writeHeaderLocked()
}

// Sync flushes all outstanding writes to stable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// Close syncs and closes the data file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	if err := m.file.Sync(); err != nil {
		m.file.Close()
		m.file = nil
		return fmt.Errorf("%w: final sync: %v", ErrIO, err)
	}
	err := m.file.Close()
	m.file = nil
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, err)
	}
	return nil
}
