// Package wal implements the write-ahead log: an append-only file of
// length-prefixed, checksummed records identified by monotonically
// increasing LSNs. Appends are buffered and flushed by a background
// ticker; commit-path appends block until durable. The invariant the
// rest of the engine builds on: a page is never flushed before the log
// records describing its changes are durable.
package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Log errors.
var (
	ErrCorruptRecord = errors.New("corrupt log record")
	ErrClosed        = errors.New("log manager is closed")
	ErrLSNOutOfRange = errors.New("LSN outside the retained log")
)

const (
	walMagic   = 0x4B4C4457 // "KLDW"
	walVersion = 1

	// walHeaderSize is the fixed file header: magic, version, base LSN,
	// and reserved space.
	walHeaderSize = 32

	// frameHeaderSize prefixes every record: payload length (4) and
	// xxhash64 checksum of the payload (8).
	frameHeaderSize = 12

	// maxRecordSize bounds a single record payload; anything larger in a
	// length prefix is treated as corruption.
	maxRecordSize = 1 << 20

	defaultFlushInterval = 50 * time.Millisecond
)

// Manager owns the WAL file. LSNs are logical byte offsets: they start
// at 1 and survive truncation through the base LSN persisted in the
// file header.
type Manager struct {
	path string
	file *os.File

	mu          sync.Mutex
	buf         *bytes.Buffer
	bufSize     int
	baseLSN     LSN   // LSN of the first byte after the file header
	nextLSN     LSN   // next LSN to assign
	durable     LSN   // everything below this LSN is synced to disk
	writeOffset int64 // file offset where the next flush lands

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *zap.Logger
}

// Open opens or creates the WAL file at path. bufSize caps the in-memory
// append buffer.
func Open(path string, bufSize int, logger *zap.Logger) (*Manager, error) {
	if bufSize <= 0 {
		return nil, fmt.Errorf("log buffer size must be positive, got %d", bufSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		path:    path,
		buf:     bytes.NewBuffer(make([]byte, 0, bufSize)),
		bufSize: bufSize,
		stop:    make(chan struct{}),
		log:     logger.Named("wal"),
	}

	info, statErr := os.Stat(path)
	switch {
	case os.IsNotExist(statErr):
		if err := m.create(); err != nil {
			return nil, err
		}
	case statErr == nil:
		if err := m.open(info.Size()); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("stat %s: %w", path, statErr)
	}

	m.wg.Add(1)
	go m.flusher()

	m.log.Info("log opened",
		zap.String("path", path),
		zap.Uint64("base_lsn", uint64(m.baseLSN)),
		zap.Uint64("next_lsn", uint64(m.nextLSN)))
	return m, nil
}

func (m *Manager) create() error {
	file, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating log file %s: %w", m.path, err)
	}
	m.file = file
	m.baseLSN = 1
	m.nextLSN = 1
	m.durable = 1
	m.writeOffset = walHeaderSize
	if err := m.writeFileHeader(file, m.baseLSN); err != nil {
		file.Close()
		_ = os.Remove(m.path)
		return err
	}
	return nil
}

func (m *Manager) open(size int64) error {
	file, err := os.OpenFile(m.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", m.path, err)
	}
	base, err := readFileHeader(file)
	if err != nil {
		file.Close()
		return err
	}
	if size < walHeaderSize {
		// Torn header write; rebuild an empty log.
		file.Close()
		if err := os.Remove(m.path); err != nil {
			return fmt.Errorf("removing torn log file: %w", err)
		}
		return m.create()
	}
	m.file = file
	m.baseLSN = base
	m.nextLSN = base + LSN(size-walHeaderSize)
	m.durable = m.nextLSN
	m.writeOffset = size
	return nil
}

func (m *Manager) writeFileHeader(file *os.File, base LSN) error {
	hdr := make([]byte, walHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], walMagic)
	binary.LittleEndian.PutUint32(hdr[4:], walVersion)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(base))
	if _, err := file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("writing log file header: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing log file header: %w", err)
	}
	return nil
}

func readFileHeader(file *os.File) (LSN, error) {
	hdr := make([]byte, walHeaderSize)
	if _, err := file.ReadAt(hdr, 0); err != nil {
		return InvalidLSN, fmt.Errorf("reading log file header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != walMagic {
		return InvalidLSN, fmt.Errorf("%w: bad log magic", ErrCorruptRecord)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != walVersion {
		return InvalidLSN, fmt.Errorf("unsupported log format version %d", v)
	}
	return LSN(binary.LittleEndian.Uint64(hdr[8:])), nil
}

// BaseLSN returns the LSN of the oldest retained record.
func (m *Manager) BaseLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseLSN
}

// NextLSN returns the LSN the next appended record will receive.
func (m *Manager) NextLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLSN
}

// Durable returns the LSN below which every record is on stable storage.
func (m *Manager) Durable() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durable
}

// Append assigns the record an LSN and buffers it. Durability is not
// guaranteed until the flusher runs or SyncTo/AppendSync is called.
func (m *Manager) Append(rec *Record) (LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(rec)
}

// AppendSync appends the record and blocks until it is durable. Commit
// and abort records take this path: commit is defined as the durability
// of the commit record.
func (m *Manager) AppendSync(rec *Record) (LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lsn, err := m.appendLocked(rec)
	if err != nil {
		return InvalidLSN, err
	}
	if err := m.syncLocked(); err != nil {
		return InvalidLSN, err
	}
	return lsn, nil
}

func (m *Manager) appendLocked(rec *Record) (LSN, error) {
	if m.file == nil {
		return InvalidLSN, ErrClosed
	}
	rec.LSN = m.nextLSN
	payload := rec.Encode()
	if len(payload) > maxRecordSize {
		return InvalidLSN, fmt.Errorf("log record of %d bytes exceeds the %d byte limit", len(payload), maxRecordSize)
	}

	frame := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint64(frame[4:], xxhash.Sum64(payload))

	if m.buf.Len()+len(frame)+len(payload) > m.bufSize {
		if err := m.flushLocked(); err != nil {
			return InvalidLSN, err
		}
	}
	m.buf.Write(frame)
	m.buf.Write(payload)
	m.nextLSN += LSN(len(frame) + len(payload))

	m.log.Debug("appended log record",
		zap.Uint64("lsn", uint64(rec.LSN)),
		zap.Stringer("type", rec.Type),
		zap.Uint64("txn_id", rec.TxnID),
		zap.Uint64("page_id", uint64(rec.PageID)))
	return rec.LSN, nil
}

// Sync flushes the buffer and fsyncs the log file.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	return m.syncLocked()
}

// SyncTo blocks until every record with an LSN below lsn is durable.
// The buffer pool calls this before flushing a dirty page stamped with
// lsn, which is the write-ahead invariant.
func (m *Manager) SyncTo(lsn LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if lsn == InvalidLSN || lsn < m.durable {
		return nil
	}
	return m.syncLocked()
}

func (m *Manager) syncLocked() error {
	if err := m.flushLocked(); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("syncing log file: %w", err)
	}
	m.durable = m.nextLSN
	return nil
}

// flushLocked writes the buffer to the file without syncing.
func (m *Manager) flushLocked() error {
	if m.buf.Len() == 0 {
		return nil
	}
	n, err := m.file.WriteAt(m.buf.Bytes(), m.writeOffset)
	if err != nil {
		return fmt.Errorf("writing log buffer: %w", err)
	}
	if n != m.buf.Len() {
		return fmt.Errorf("short write to log file: expected %d, wrote %d", m.buf.Len(), n)
	}
	m.writeOffset += int64(n)
	m.buf.Reset()
	return nil
}

// TruncateTail discards everything at or after endLSN. Recovery calls
// this after finding a torn or corrupt tail; endLSN must come from a
// reader's LastValid.
func (m *Manager) TruncateTail(endLSN LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if endLSN < m.baseLSN || endLSN > m.nextLSN {
		return fmt.Errorf("%w: tail truncation at %d (log spans %d..%d)",
			ErrLSNOutOfRange, endLSN, m.baseLSN, m.nextLSN)
	}
	if err := m.flushLocked(); err != nil {
		return err
	}
	offset := walHeaderSize + int64(endLSN-m.baseLSN)
	if err := m.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncating log tail: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("syncing truncated log: %w", err)
	}
	m.writeOffset = offset
	m.nextLSN = endLSN
	m.durable = endLSN
	m.log.Warn("log tail truncated", zap.Uint64("end_lsn", uint64(endLSN)))
	return nil
}

// TruncateBefore drops records below lsn, rewriting the retained tail
// into a new file under an updated base LSN. LSNs of retained records
// are unchanged. Checkpointing uses this to bound recovery replay.
func (m *Manager) TruncateBefore(lsn LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if lsn <= m.baseLSN {
		return nil
	}
	if lsn > m.nextLSN {
		return fmt.Errorf("%w: truncation point %d beyond next LSN %d", ErrLSNOutOfRange, lsn, m.nextLSN)
	}
	if err := m.syncLocked(); err != nil {
		return err
	}

	tmpPath := m.path + ".truncating"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating truncation temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	if err := m.writeFileHeader(tmp, lsn); err != nil {
		tmp.Close()
		return err
	}
	srcOffset := walHeaderSize + int64(lsn-m.baseLSN)
	tail := make([]byte, m.writeOffset-srcOffset)
	if _, err := m.file.ReadAt(tail, srcOffset); err != nil {
		tmp.Close()
		return fmt.Errorf("reading retained log tail: %w", err)
	}
	if _, err := tmp.WriteAt(tail, walHeaderSize); err != nil {
		tmp.Close()
		return fmt.Errorf("writing retained log tail: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing truncated log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing truncated log: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("installing truncated log: %w", err)
	}

	m.file.Close()
	file, err := os.OpenFile(m.path, os.O_RDWR, 0o644)
	if err != nil {
		m.file = nil
		return fmt.Errorf("reopening truncated log: %w", err)
	}
	m.file = file
	m.baseLSN = lsn
	m.writeOffset = walHeaderSize + int64(m.nextLSN-lsn)

	m.log.Info("log truncated",
		zap.Uint64("base_lsn", uint64(lsn)),
		zap.Int64("retained_bytes", int64(m.nextLSN-lsn)))
	return nil
}

// flusher periodically flushes and syncs buffered records so the
// durable horizon advances without waiting for a commit.
func (m *Manager) flusher() {
	defer m.wg.Done()
	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.file != nil && m.buf.Len() > 0 {
				if err := m.syncLocked(); err != nil {
					m.log.Error("periodic log flush failed", zap.Error(err))
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close flushes outstanding records and closes the file.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.syncLocked()
	closeErr := m.file.Close()
	m.file = nil
	if err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("closing log file: %w", closeErr)
	}
	return nil
}
