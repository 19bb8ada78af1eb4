package recovery

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/keldadb/keldadb/core/btree"
	"github.com/keldadb/keldadb/core/wal"
)

// Undo rolls back every loser transaction, newest first, following each
// one's record chain backwards. Compensation records are written as it
// goes, and a compensation record found in the chain skips straight to
// its UndoNext, so a crash during a previous undo never rolls the same
// record back twice. Finishes each transaction with an abort record.
func Undo(tree *btree.Tree, lm *wal.Manager, res *Result, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("recovery")

	for _, txnID := range losersByRecency(res.Losers) {
		if err := undoTxn(tree, lm, txnID, res.Losers[txnID], log); err != nil {
			return fmt.Errorf("rolling back txn %d: %w", txnID, err)
		}
	}
	if len(res.Losers) > 0 {
		if err := lm.Sync(); err != nil {
			return err
		}
		log.Info("rolled back unfinished transactions", zap.Int("count", len(res.Losers)))
	}
	return nil
}

func undoTxn(tree *btree.Tree, lm *wal.Manager, txnID uint64, lastLSN wal.LSN, log *zap.Logger) error {
	prev := lastLSN
	cur := lastLSN
	for cur != wal.InvalidLSN {
		rec, err := recordAt(lm, cur)
		if err != nil {
			return err
		}
		if rec.TxnID != txnID {
			return fmt.Errorf("record at LSN %d belongs to txn %d", cur, rec.TxnID)
		}

		switch rec.Type {
		case wal.RecordCLR:
			// Everything between this record and its UndoNext is
			// already compensated.
			cur = rec.UndoNext
			prev = rec.LSN
			continue
		case wal.RecordBegin:
			cur = wal.InvalidLSN
			continue
		case wal.RecordInsert, wal.RecordUpdate:
			lsn, err := tree.UndoPut(txnID, rec.Key, rec.PrevLSN, prev)
			if err != nil {
				log.Warn("skipping undo of insert",
					zap.Uint64("txn_id", txnID),
					zap.ByteString("key", rec.Key),
					zap.Error(err))
			} else {
				prev = lsn
			}
		case wal.RecordDelete:
			lsn, err := tree.UndoDelete(txnID, rec.Key, rec.PrevLSN, prev)
			if err != nil {
				log.Warn("skipping undo of delete",
					zap.Uint64("txn_id", txnID),
					zap.ByteString("key", rec.Key),
					zap.Error(err))
			} else {
				prev = lsn
			}
		}
		cur = rec.PrevLSN
	}

	_, err := lm.Append(&wal.Record{TxnID: txnID, Type: wal.RecordAbort, PrevLSN: prev})
	return err
}

// recordAt reads the single record starting at lsn.
func recordAt(lm *wal.Manager, lsn wal.LSN) (*wal.Record, error) {
	r, err := lm.NewReader(lsn)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	rec, err := r.Next()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("no record at LSN %d", lsn)
	}
	return rec, err
}
