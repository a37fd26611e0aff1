package txn

import (
	"testing"

	"replicacore/internal/consensus"
)

func TestValidateLockedStateMachine(t *testing.T) {
	tr := NewTxn(1)
	tr.AcquireWriteLock()
	defer tr.ReleaseWriteLock()

	if err := tr.ValidateLocked(OpBeginTxn); err != nil {
		t.Fatalf("BEGIN_TXN should be valid on a fresh slot: %v", err)
	}
	if err := tr.ValidateLocked(OpBeginCommit); err == nil {
		t.Fatal("BEGIN_COMMIT should be invalid before BEGIN_TXN")
	}

	tr.BeginLocked(consensus.OpId{Term: 1, Index: 1})

	if err := tr.ValidateLocked(OpBeginTxn); err == nil {
		t.Fatal("BEGIN_TXN should be invalid once already initialized")
	}
	if err := tr.ValidateLocked(OpFinalizeCommit); err == nil {
		t.Fatal("FINALIZE_COMMIT should be invalid before BEGIN_COMMIT")
	}
	if err := tr.ValidateLocked(OpBeginCommit); err != nil {
		t.Fatalf("BEGIN_COMMIT should be valid from Open: %v", err)
	}

	tr.BeginCommitLocked(nil)

	if err := tr.ValidateLocked(OpBeginCommit); err == nil {
		t.Fatal("BEGIN_COMMIT should be invalid from Committing")
	}
	if err := tr.ValidateLocked(OpFinalizeCommit); err != nil {
		t.Fatalf("FINALIZE_COMMIT should be valid from Committing: %v", err)
	}

	tr.FinalizeLocked(42)

	if err := tr.ValidateLocked(OpAbortTxn); err == nil {
		t.Fatal("ABORT_TXN should be invalid once Committed")
	}
}

func TestValidateLockedAbortFromOpenOrCommitting(t *testing.T) {
	tr := NewTxn(2)
	tr.AcquireWriteLock()
	defer tr.ReleaseWriteLock()

	tr.BeginLocked(consensus.OpId{Term: 1, Index: 1})
	if err := tr.ValidateLocked(OpAbortTxn); err != nil {
		t.Fatalf("ABORT_TXN should be valid from Open: %v", err)
	}

	tr.BeginCommitLocked(nil)
	if err := tr.ValidateLocked(OpAbortTxn); err != nil {
		t.Fatalf("ABORT_TXN should be valid from Committing: %v", err)
	}
}

func TestValidateLockedUnknownAlwaysRejected(t *testing.T) {
	tr := NewTxn(3)
	tr.AcquireWriteLock()
	defer tr.ReleaseWriteLock()

	if err := tr.ValidateLocked(OpUnknown); err == nil {
		t.Fatal("UNKNOWN op type must always be rejected")
	}
}

func TestClearUninitializedLockedRollsBackFailedBeginTxn(t *testing.T) {
	tr := NewTxn(4)
	tr.AcquireWriteLock()
	defer tr.ReleaseWriteLock()

	if !tr.ClearUninitializedLocked() {
		t.Fatal("expected a fresh, never-begun slot to report as clearable")
	}

	tr.BeginLocked(consensus.OpId{Term: 1, Index: 1})
	if tr.ClearUninitializedLocked() {
		t.Fatal("an initialized slot must not report as clearable")
	}
}

type fakeScopedOp struct {
	ts       uint64
	finished bool
	aborted  bool
}

func (f *fakeScopedOp) Timestamp() uint64 { return f.ts }
func (f *fakeScopedOp) FinishApplying()   { f.finished = true }
func (f *fakeScopedOp) Abort()            { f.aborted = true }

func TestFinalizeLockedFinishesHeldCommitOp(t *testing.T) {
	tr := NewTxn(5)
	tr.AcquireWriteLock()
	defer tr.ReleaseWriteLock()

	tr.BeginLocked(consensus.OpId{Term: 1, Index: 1})
	op := &fakeScopedOp{ts: 100}
	tr.BeginCommitLocked(op)
	tr.FinalizeLocked(100)

	if !op.finished {
		t.Fatal("expected FinishApplying to be called on the held commit op")
	}
	if tr.CommitOpLocked() != nil {
		t.Fatal("expected commit op to be cleared after finalize")
	}
}

func TestFinalizeLockedWithoutHeldCommitOpIsTolerated(t *testing.T) {
	tr := NewTxn(6)
	tr.AcquireWriteLock()
	defer tr.ReleaseWriteLock()

	tr.BeginLocked(consensus.OpId{Term: 1, Index: 1})
	// No BEGIN_COMMIT was ever observed (e.g. a replayed FINALIZE_COMMIT);
	// finalize must not panic or error just because no commit op is held.
	tr.FinalizeLocked(100)

	if tr.StateLocked() != Committed {
		t.Fatalf("state = %s, want Committed", tr.StateLocked())
	}
}

func TestAbortLockedAbortsHeldCommitOp(t *testing.T) {
	tr := NewTxn(7)
	tr.AcquireWriteLock()
	defer tr.ReleaseWriteLock()

	tr.BeginLocked(consensus.OpId{Term: 1, Index: 1})
	op := &fakeScopedOp{ts: 50}
	tr.BeginCommitLocked(op)
	tr.AbortLocked()

	if !op.aborted {
		t.Fatal("expected Abort to be called on the held commit op")
	}
	if tr.StateLocked() != Aborted {
		t.Fatalf("state = %s, want Aborted", tr.StateLocked())
	}
}

func TestParticipantGetOrCreateAndClear(t *testing.T) {
	p := NewParticipant()

	t1 := p.GetOrCreate(1, nil)
	t1again := p.GetOrCreate(1, nil)
	if t1 != t1again {
		t.Fatal("expected GetOrCreate to return the same slot for the same txn id")
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}

	p.Clear(1)
	if p.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Clear", p.Len())
	}

	t1reborn := p.GetOrCreate(1, nil)
	if t1reborn == t1 {
		t.Fatal("expected a cleared slot to be genuinely recreated, not reused")
	}
}
