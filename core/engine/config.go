package engine

import (
	"fmt"
	"time"

	"github.com/keldadb/keldadb/core/storage/page"
)

// Config tunes one engine instance. Zero values pick the defaults in
// Validate, so an empty Config is a working engine.
type Config struct {
	// PageSize is the fixed block size of the data file. Only applies
	// when the file is created; reopening validates against the header.
	PageSize int `yaml:"page_size"`

	// BufferPoolPages caps how many pages the cache holds in memory.
	BufferPoolPages int `yaml:"buffer_pool_pages"`

	// WALBufferSize is the in-memory log buffer in bytes.
	WALBufferSize int `yaml:"wal_buffer_size"`

	// CheckpointInterval is the period of the background checkpoint.
	// Zero disables it; Checkpoint can still be called directly.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// GCInterval is the idle time between version GC passes. Zero
	// disables the background sweeper.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCMaxPassesPerSec additionally caps the sweep rate.
	GCMaxPassesPerSec float64 `yaml:"gc_max_passes_per_sec"`

	// LockTimeout bounds write lock waits.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// DeadlockInterval is how often the wait-for graph is checked.
	DeadlockInterval time.Duration `yaml:"deadlock_interval"`
}

const (
	defaultBufferPoolPages   = 1024
	defaultWALBufferSize     = 1 << 20
	defaultLockTimeout       = 5 * time.Second
	defaultDeadlockInterval  = 250 * time.Millisecond
	defaultGCMaxPassesPerSec = 4.0
)

// Validate fills in defaults and rejects values the storage layers
// cannot honor.
func (c *Config) Validate() error {
	if c.PageSize == 0 {
		c.PageSize = page.MinPageSize
	}
	if !page.ValidSize(c.PageSize) {
		return fmt.Errorf("page size %d: must be a power of two between %d and %d",
			c.PageSize, page.MinPageSize, page.MaxPageSize)
	}
	if c.BufferPoolPages <= 0 {
		c.BufferPoolPages = defaultBufferPoolPages
	}
	if c.BufferPoolPages < 8 {
		return fmt.Errorf("buffer pool of %d pages is too small to latch a descent", c.BufferPoolPages)
	}
	if c.WALBufferSize <= 0 {
		c.WALBufferSize = defaultWALBufferSize
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.DeadlockInterval <= 0 {
		c.DeadlockInterval = defaultDeadlockInterval
	}
	if c.GCMaxPassesPerSec <= 0 {
		c.GCMaxPassesPerSec = defaultGCMaxPassesPerSec
	}
	return nil
}
