package txn

import (
	"fmt"
	"sync"

	"replicacore/internal/consensus"
)

// State is a transaction participant slot's lifecycle state.
type State int

const (
	// Open is the absent/fresh state before BEGIN_TXN, and the state
	// immediately after it.
	Open State = iota
	Committing
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case Committing:
		return "Committing"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// OpKind is the type of a participant op request.
type OpKind int

const (
	OpUnknown OpKind = iota
	OpBeginTxn
	OpBeginCommit
	OpFinalizeCommit
	OpAbortTxn
)

func (k OpKind) String() string {
	switch k {
	case OpBeginTxn:
		return "BEGIN_TXN"
	case OpBeginCommit:
		return "BEGIN_COMMIT"
	case OpFinalizeCommit:
		return "FINALIZE_COMMIT"
	case OpAbortTxn:
		return "ABORT_TXN"
	default:
		return "UNKNOWN"
	}
}

// Txn is one transaction's participant-side state. A slot starts absent
// from the registry (freshly created on first sight of its txn_id): that
// absence is distinguished from Open via initialized, so that an aborted
// BEGIN_TXN can roll a slot back to "never existed".
type Txn struct {
	mu sync.Mutex

	txnID       int64
	initialized bool
	state       State

	beginOpID consensus.OpId
	commitTS  uint64
	commitOp  ScopedOp
}

// NewTxn creates a fresh, uninitialized slot for txnID.
func NewTxn(txnID int64) *Txn {
	return &Txn{txnID: txnID, state: Open}
}

// AcquireWriteLock serialises all participant ops for this txn across
// Prepare through Finish of any single op.
func (t *Txn) AcquireWriteLock() {
	t.mu.Lock()
}

// ReleaseWriteLock releases the per-txn slot lock acquired by
// AcquireWriteLock.
func (t *Txn) ReleaseWriteLock() {
	t.mu.Unlock()
}

// TxnID returns the transaction id this slot belongs to.
func (t *Txn) TxnID() int64 {
	return t.txnID
}

// StateLocked returns the current lifecycle state. The caller must hold
// the write lock.
func (t *Txn) StateLocked() State {
	return t.state
}

// IsInitializedLocked reports whether BEGIN_TXN has ever succeeded for
// this slot. The caller must hold the write lock.
func (t *Txn) IsInitializedLocked() bool {
	return t.initialized
}

// ValidateLocked checks whether kind is a legal transition from the
// current state, per the participant op state machine:
//
//	BEGIN_TXN        — only on a fresh (uninitialized) slot.
//	BEGIN_COMMIT     — only from Open.
//	FINALIZE_COMMIT  — only from Committing.
//	ABORT_TXN        — from Open or Committing.
//	UNKNOWN          — never valid.
func (t *Txn) ValidateLocked(kind OpKind) error {
	switch kind {
	case OpBeginTxn:
		if t.initialized {
			return fmt.Errorf("txn %d: BEGIN_TXN on an already-initialized slot (state=%s)", t.txnID, t.state)
		}
		return nil
	case OpBeginCommit:
		if !t.initialized || t.state != Open {
			return fmt.Errorf("txn %d: BEGIN_COMMIT requires Open, have state=%s initialized=%v", t.txnID, t.state, t.initialized)
		}
		return nil
	case OpFinalizeCommit:
		if !t.initialized || t.state != Committing {
			return fmt.Errorf("txn %d: FINALIZE_COMMIT requires Committing, have state=%s initialized=%v", t.txnID, t.state, t.initialized)
		}
		return nil
	case OpAbortTxn:
		if !t.initialized || (t.state != Open && t.state != Committing) {
			return fmt.Errorf("txn %d: ABORT_TXN requires Open or Committing, have state=%s initialized=%v", t.txnID, t.state, t.initialized)
		}
		return nil
	default:
		return fmt.Errorf("txn %d: unknown participant op kind", t.txnID)
	}
}

// BeginLocked marks the slot Open and initialized, recording the OpId it
// was begun at. The caller must hold the write lock and have validated
// OpBeginTxn first.
func (t *Txn) BeginLocked(opID consensus.OpId) {
	t.initialized = true
	t.state = Open
	t.beginOpID = opID
}

// BeginCommitLocked marks the slot Committing and transfers ownership of
// commitOp into the transaction: a later FINALIZE_COMMIT or ABORT_TXN
// will close it.
func (t *Txn) BeginCommitLocked(commitOp ScopedOp) {
	t.state = Committing
	t.commitOp = commitOp
}

// FinalizeLocked marks the slot Committed at commitTS, and calls
// FinishApplying on the held commit op, if any, making the commit visible
// to scanners. A replayed FINALIZE_COMMIT with no commit op held (no
// matching BEGIN_COMMIT was ever observed) is tolerated rather than
// treated as an error.
func (t *Txn) FinalizeLocked(commitTS uint64) {
	t.state = Committed
	t.commitTS = commitTS
	if t.commitOp != nil {
		t.commitOp.FinishApplying()
		t.commitOp = nil
	}
}

// AbortLocked marks the slot Aborted, aborting the held commit op, if
// any, to unblock scanners with abort-visibility.
func (t *Txn) AbortLocked() {
	t.state = Aborted
	if t.commitOp != nil {
		t.commitOp.Abort()
		t.commitOp = nil
	}
}

// ClearUninitializedLocked rolls a slot back to "never existed" after a
// BEGIN_TXN fails to apply. It is a no-op if the slot did reach
// initialized.
func (t *Txn) ClearUninitializedLocked() bool {
	if t.initialized {
		return false
	}
	t.state = Open
	return true
}

// CommitOpLocked returns the held commit op, or nil if none is held.
func (t *Txn) CommitOpLocked() ScopedOp {
	return t.commitOp
}

// SetCommitOpLocked overwrites the held commit op.
func (t *Txn) SetCommitOpLocked(op ScopedOp) {
	t.commitOp = op
}
