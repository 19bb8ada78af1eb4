// Package recovery rebuilds a consistent engine state from the log
// after a crash. It runs three passes: analysis walks forward from the
// last checkpoint to find the transactions that were still in flight,
// redo replays page images idempotently using each page's stamped LSN,
// and undo rolls the in-flight transactions back with compensation
// records. A torn or corrupt log tail is cut at the last valid record
// and recovery proceeds; committed work before the cut is never lost
// because commit waits for durability.
package recovery

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"

	"github.com/keldadb/keldadb/core/storage/disk"
	"github.com/keldadb/keldadb/core/storage/page"
	"github.com/keldadb/keldadb/core/wal"
)

// Result is what analysis and redo learned about the crashed state.
type Result struct {
	// Losers maps each transaction active at crash time to its last
	// log record. Undo rolls them back.
	Losers map[uint64]wal.LSN

	// MaxTxnID is the highest transaction id seen anywhere in the log;
	// the id counter restarts above it.
	MaxTxnID uint64

	// RedoStart is where replay began (the last checkpoint, or the log
	// base).
	RedoStart wal.LSN

	// Truncated is set when a corrupt tail was cut off.
	Truncated bool

	// Applied counts the page images redo actually wrote.
	Applied int
}

// Run performs analysis and redo against the raw page store. The
// caller builds the buffer pool and tree afterwards and then calls
// Undo with the result.
func Run(dm *disk.Manager, lm *wal.Manager, logger *zap.Logger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("recovery")

	res := &Result{Losers: make(map[uint64]wal.LSN)}
	start := dm.Header().CheckpointLSN
	if start < lm.BaseLSN() {
		start = lm.BaseLSN()
	}
	res.RedoStart = start

	if err := analyze(lm, start, res, log); err != nil {
		return nil, err
	}
	if err := redo(dm, lm, start, res, log); err != nil {
		return nil, err
	}
	if err := dm.Sync(); err != nil {
		return nil, err
	}

	log.Info("analysis and redo complete",
		zap.Uint64("redo_start", uint64(start)),
		zap.Int("images_applied", res.Applied),
		zap.Int("losers", len(res.Losers)),
		zap.Bool("tail_truncated", res.Truncated))
	return res, nil
}

// analyze scans forward from start, building the loser table. A corrupt
// record ends the log: everything behind it is cut off.
func analyze(lm *wal.Manager, start wal.LSN, res *Result, log *zap.Logger) error {
	r, err := lm.NewReader(start)
	if err != nil {
		return fmt.Errorf("opening log for analysis: %w", err)
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if !errors.Is(err, wal.ErrCorruptRecord) {
				return fmt.Errorf("analysis scan: %w", err)
			}
			cut := r.LastValid()
			log.Warn("corrupt log tail, truncating",
				zap.Uint64("last_valid", uint64(cut)),
				zap.Error(err))
			if terr := lm.TruncateTail(cut); terr != nil {
				return fmt.Errorf("truncating corrupt tail: %w", terr)
			}
			res.Truncated = true
			return nil
		}

		if rec.TxnID > res.MaxTxnID {
			res.MaxTxnID = rec.TxnID
		}
		switch rec.Type {
		case wal.RecordBegin:
			res.Losers[rec.TxnID] = rec.LSN
		case wal.RecordCommit, wal.RecordAbort:
			delete(res.Losers, rec.TxnID)
		case wal.RecordCheckpointStart:
			// Transactions begun before the checkpoint live in its table.
			entries, derr := wal.DecodeTxnTable(rec.After)
			if derr != nil {
				return fmt.Errorf("checkpoint table at LSN %d: %w", rec.LSN, derr)
			}
			for _, e := range entries {
				if _, known := res.Losers[e.TxnID]; !known {
					res.Losers[e.TxnID] = e.LastLSN
				}
				if e.TxnID > res.MaxTxnID {
					res.MaxTxnID = e.TxnID
				}
			}
		default:
			// Any record from an unknown transaction makes it a loser: a
			// Begin can land just before the checkpoint record yet miss its
			// table, so presence in the scan is the authoritative signal.
			if rec.TxnID != 0 {
				res.Losers[rec.TxnID] = rec.LSN
			}
		}
	}
}

// redo replays page images forward. A page already stamped at or past
// the record's LSN is skipped; an unreadable page is overwritten, since
// the image is the authoritative content.
func redo(dm *disk.Manager, lm *wal.Manager, start wal.LSN, res *Result, log *zap.Logger) error {
	r, err := lm.NewReader(start)
	if err != nil {
		return fmt.Errorf("opening log for redo: %w", err)
	}
	defer r.Close()

	buf := make([]byte, dm.PageSize())
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, wal.ErrCorruptRecord) && res.Truncated {
				return nil
			}
			return fmt.Errorf("redo scan: %w", err)
		}

		switch {
		case rec.Type.HasPageImage():
			applied, err := applyImage(dm, buf, rec.PageID, rec.After, rec.LSN)
			if err != nil {
				return err
			}
			if applied {
				res.Applied++
			}
		case rec.Type.HasPageGroup():
			g, err := wal.DecodePageGroup(rec.After)
			if err != nil {
				return fmt.Errorf("page group at LSN %d: %w", rec.LSN, err)
			}
			for _, img := range g.Pages {
				applied, err := applyImage(dm, buf, img.ID, img.Data, rec.LSN)
				if err != nil {
					return err
				}
				if applied {
					res.Applied++
				}
			}
			if g.HeaderFields != nil {
				if err := applyHeader(dm, g.HeaderFields, rec.LSN); err != nil {
					return err
				}
			}
		case rec.Type == wal.RecordHeaderChange:
			if err := applyHeader(dm, rec.After, rec.LSN); err != nil {
				return err
			}
		case rec.Type == wal.RecordPageFree:
			// Free-list state is written through synchronously; replaying
			// it could clobber a page that was since reused.
		}
	}
}

// applyImage writes a logged page image unless the on-disk page already
// carries it. Logged images predate their record's stamp, so the page
// is restamped with the record's LSN on the way out.
func applyImage(dm *disk.Manager, buf []byte, id page.PageID, image []byte, lsn wal.LSN) (bool, error) {
	if len(image) != len(buf) {
		return false, fmt.Errorf("image for page %d is %d bytes, page size is %d", id, len(image), len(buf))
	}
	err := dm.ReadPage(id, buf)
	switch {
	case err == nil:
		if page.LSNOf(buf) >= lsn {
			return false, nil
		}
	case errors.Is(err, disk.ErrChecksum):
		// Torn write; the image is the truth.
	default:
		return false, err
	}
	copy(buf, image)
	p := page.Wrap(id, buf)
	p.SetLSN(lsn)
	return true, dm.WritePage(id, buf)
}

// applyHeader replays a header-field image. Only the root pointer is
// restored: page count and free list are written through synchronously
// and must never move backwards.
func applyHeader(dm *disk.Manager, fields []byte, lsn wal.LSN) error {
	var logged disk.FileHeader
	if err := logged.DecodeFields(fields); err != nil {
		return err
	}
	if dm.Header().HeaderLSN >= lsn {
		return nil
	}
	return dm.UpdateHeader(func(h *disk.FileHeader) {
		h.RootPageID = logged.RootPageID
		h.HeaderLSN = lsn
	})
}

// losersByRecency orders loser ids newest last-record first, the order
// undo processes them in.
func losersByRecency(losers map[uint64]wal.LSN) []uint64 {
	ids := make([]uint64, 0, len(losers))
	for id := range losers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return losers[ids[i]] > losers[ids[j]] })
	return ids
}
