// Package bufferpool caches pages in a bounded set of frames with an
// LRU eviction policy. A frame may only be evicted when its pin count
// is zero, and a dirty victim is flushed only after the WAL is durable
// up to the page's stamped LSN.
package bufferpool

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/keldadb/keldadb/core/storage/disk"
	"github.com/keldadb/keldadb/core/storage/page"
)

// Buffer pool errors.
var (
	ErrPoolFull     = errors.New("buffer pool is full and all pages are pinned")
	ErrPageNotFound = errors.New("page not resident in buffer pool")
	ErrPagePinned   = errors.New("page is still pinned")
)

// LogSyncer is the slice of the WAL the pool needs for the write-ahead
// invariant. A nil syncer is allowed (recovery bootstraps a pool before
// the log is replayable); then flushes proceed unguarded.
type LogSyncer interface {
	SyncTo(lsn page.LSN) error
}

// Manager is the buffer pool. All frame bookkeeping (pin counts, dirty
// flags, the LRU list) is guarded by mu; page contents are guarded by
// the per-page latches, which callers hold across reads and mutations.
type Manager struct {
	dm       *disk.Manager
	wal      LogSyncer
	capacity int

	mu        sync.Mutex
	frames    []*page.Page
	pageTable map[page.PageID]int
	lru       *list.List // frame indices, front = most recently used
	lruElem   map[int]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64

	log *zap.Logger
}

// New creates a pool of capacity frames over the given disk manager.
func New(dm *disk.Manager, capacity int, wal LogSyncer, logger *zap.Logger) (*Manager, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer pool capacity must be positive, got %d", capacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		dm:        dm,
		wal:       wal,
		capacity:  capacity,
		frames:    make([]*page.Page, capacity),
		pageTable: make(map[page.PageID]int, capacity),
		lru:       list.New(),
		lruElem:   make(map[int]*list.Element, capacity),
		log:       logger.Named("bufferpool"),
	}
	for i := range m.frames {
		m.frames[i] = page.New(page.InvalidPageID, dm.PageSize())
	}
	m.log.Info("buffer pool initialized",
		zap.Int("capacity", capacity),
		zap.Int("page_size", dm.PageSize()))
	return m, nil
}

// Fetch returns the page pinned. The caller must pair it with Unpin,
// deferring so the pin releases on every exit path.
func (m *Manager) Fetch(id page.PageID) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.pageTable[id]; ok {
		p := m.frames[idx]
		p.Pin()
		m.touch(idx)
		m.hits.Add(1)
		return p, nil
	}
	m.misses.Add(1)

	idx, err := m.victimLocked()
	if err != nil {
		return nil, err
	}
	p := m.frames[idx]
	p.Reset()
	if err := m.dm.ReadPage(id, p.Data()); err != nil {
		return nil, err
	}
	p.SetID(id)
	p.Pin()
	m.pageTable[id] = idx
	m.touch(idx)
	return p, nil
}

// NewPage allocates a page on disk, loads it into a frame zeroed and
// typed, and returns it pinned and dirty.
func (m *Manager) NewPage(t page.Type) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.dm.Allocate()
	if err != nil {
		return nil, err
	}
	idx, err := m.victimLocked()
	if err != nil {
		// The allocated page would leak from the free list otherwise.
		if freeErr := m.dm.Free(id); freeErr != nil {
			m.log.Error("failed to return orphaned page to free list",
				zap.Uint64("page_id", uint64(id)), zap.Error(freeErr))
		}
		return nil, err
	}
	p := m.frames[idx]
	p.Reset()
	p.SetID(id)
	p.SetType(t)
	p.Pin()
	p.SetDirty(true)
	m.pageTable[id] = idx
	m.touch(idx)
	return p, nil
}

// Unpin drops one pin. dirty records that the caller changed the page
// contents while pinned.
func (m *Manager) Unpin(id page.PageID, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.pageTable[id]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, id)
	}
	p := m.frames[idx]
	if p.PinCount() == 0 {
		return fmt.Errorf("page %d unpinned below zero", id)
	}
	p.Unpin()
	if dirty {
		p.SetDirty(true)
	}
	return nil
}

// MarkDirty flags a resident page dirty without touching its pin count.
// Mutators that publish new content under the page latch call it inside
// the same latch bracket, so a concurrent FlushAll either sees the flag
// or waits out the publish on the latch.
func (m *Manager) MarkDirty(id page.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.pageTable[id]; ok {
		m.frames[idx].SetDirty(true)
	}
}

// FlushPage writes the page to disk if dirty, syncing the WAL to its
// stamped LSN first. The page may be pinned and latched by a mutator;
// the image is copied under the page latch.
func (m *Manager) FlushPage(id page.PageID) error {
	m.mu.Lock()
	idx, ok := m.pageTable[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: page %d", ErrPageNotFound, id)
	}
	p := m.frames[idx]
	p.Pin()
	m.mu.Unlock()

	err := m.flushFrame(p)
	if uerr := m.Unpin(id, false); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// FlushAll writes every dirty resident page. The checkpoint path uses
// it after quiescing in-flight publishes.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	candidates := make([]*page.Page, 0, len(m.pageTable))
	for _, idx := range m.pageTable {
		p := m.frames[idx]
		if p.IsDirty() {
			p.Pin()
			candidates = append(candidates, p)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range candidates {
		if err := m.flushFrame(p); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := m.Unpin(p.ID(), false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.dm.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushFrame writes one pinned frame. The image and LSN are copied
// under the page read latch so a mutator holding the exclusive latch
// cannot tear them. The dirty flag is cleared inside the latch bracket:
// a publish that lands after the copy re-dirties the page instead of
// losing its change. The caller's pin keeps the frame from being
// recycled while the latch is awaited.
func (m *Manager) flushFrame(p *page.Page) error {
	p.RLatch()
	m.mu.Lock()
	if !p.IsDirty() {
		m.mu.Unlock()
		p.RUnlatch()
		return nil
	}
	p.SetDirty(false)
	m.mu.Unlock()
	id := p.ID()
	lsn := p.LSN()
	img := append([]byte(nil), p.Data()...)
	p.RUnlatch()

	if m.wal != nil {
		if err := m.wal.SyncTo(lsn); err != nil {
			m.MarkDirty(id)
			return fmt.Errorf("syncing log before flushing page %d: %w", id, err)
		}
	}
	if err := m.dm.WritePage(id, img); err != nil {
		m.MarkDirty(id)
		return err
	}
	return nil
}

// flushFrameLocked is the eviction-path flush. The victim's pin count
// is zero, so no latch holder exists and the frame can be written in
// place under the pool mutex alone.
func (m *Manager) flushFrameLocked(p *page.Page) error {
	if !p.IsDirty() {
		return nil
	}
	if m.wal != nil {
		if err := m.wal.SyncTo(p.LSN()); err != nil {
			return fmt.Errorf("syncing log before flushing page %d: %w", p.ID(), err)
		}
	}
	if err := m.dm.WritePage(p.ID(), p.Data()); err != nil {
		return err
	}
	p.SetDirty(false)
	return nil
}

// Drop discards the resident copy of a freed page without flushing it.
// The page must be unpinned.
func (m *Manager) Drop(id page.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.pageTable[id]
	if !ok {
		return nil
	}
	p := m.frames[idx]
	if p.PinCount() != 0 {
		return fmt.Errorf("%w: page %d (pins %d)", ErrPagePinned, id, p.PinCount())
	}
	delete(m.pageTable, id)
	if e, ok := m.lruElem[idx]; ok {
		m.lru.Remove(e)
		delete(m.lruElem, idx)
	}
	p.Reset()
	return nil
}

// victimLocked finds a frame to reuse: the least recently used unpinned
// frame, else a never-used one. Dirty victims are flushed under the
// write-ahead invariant before reuse.
func (m *Manager) victimLocked() (int, error) {
	for e := m.lru.Back(); e != nil; e = e.Prev() {
		idx := e.Value.(int)
		p := m.frames[idx]
		if p.PinCount() != 0 {
			continue
		}
		if p.IsDirty() {
			if err := m.flushFrameLocked(p); err != nil {
				return -1, fmt.Errorf("evicting page %d: %w", p.ID(), err)
			}
		}
		m.log.Debug("evicting page",
			zap.Uint64("page_id", uint64(p.ID())),
			zap.Int("frame", idx))
		delete(m.pageTable, p.ID())
		m.lru.Remove(e)
		delete(m.lruElem, idx)
		return idx, nil
	}
	for i, p := range m.frames {
		if p.ID() == page.InvalidPageID {
			if _, tracked := m.lruElem[i]; !tracked {
				return i, nil
			}
		}
	}
	return -1, ErrPoolFull
}

// touch moves the frame to the front of the LRU list, inserting it if
// it is new.
func (m *Manager) touch(idx int) {
	if e, ok := m.lruElem[idx]; ok {
		m.lru.MoveToFront(e)
		return
	}
	m.lruElem[idx] = m.lru.PushFront(idx)
}

// Len returns the number of resident pages.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pageTable)
}

// Stats returns cumulative hit and miss counts.
func (m *Manager) Stats() (hits, misses uint64) {
	return m.hits.Load(), m.misses.Load()
}
