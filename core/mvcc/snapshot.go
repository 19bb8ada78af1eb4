package mvcc

// Snapshot freezes what a transaction is allowed to see: every
// transaction that committed before it began, plus its own writes.
// Transaction ids are assigned monotonically, so the snapshot is the id
// threshold at begin time plus the set of transactions still active
// then.
type Snapshot struct {
	// Owner is the transaction holding this snapshot.
	Owner uint64
	// Threshold is the next transaction id at begin time. Ids at or
	// above it started later and are never visible.
	Threshold uint64
	// Active holds the transactions that were in flight at begin time.
	Active map[uint64]struct{}
}

// Sees reports whether work done by txnID is visible to the snapshot.
// A terminated transaction's versions only remain in chains if it
// committed, so "started before me and no longer active" means
// committed before me.
func (s *Snapshot) Sees(txnID uint64) bool {
	if txnID == s.Owner {
		return true
	}
	if txnID >= s.Threshold {
		return false
	}
	_, active := s.Active[txnID]
	return !active
}

// VisibleVersion walks the chain newest first and returns the version
// the snapshot sees, or nil if the record does not exist for it. A
// version is visible when its creation is seen and its deletion, if
// any, is not.
func (s *Snapshot) VisibleVersion(c Chain) *Version {
	for i := range c {
		v := &c[i]
		if !s.Sees(v.CreatedBy) {
			continue
		}
		if v.Deleted() && s.Sees(v.DeletedBy) {
			return nil
		}
		return v
	}
	return nil
}
