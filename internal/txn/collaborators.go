package txn

// Clock is the hybrid-clock collaborator a ParticipantOp bumps on a
// leader-driven FINALIZE_COMMIT, so future operations observe
// monotonically increasing timestamps and MVCC scanners see the commit.
type Clock interface {
	// UpdateAndAdvance bumps the physical clock so future reads return a
	// timestamp strictly greater than ts, returning an error if ts is
	// rejected (for example, too far in the future).
	UpdateAndAdvance(ts uint64) error
	// Now returns the current time as a raw timestamp.
	Now() uint64
}

// ScopedOp is the MVCC handle a BEGIN_COMMIT op registers at its assigned
// timestamp and transfers into the transaction on apply. It blocks
// scanners reading at or after its timestamp until FinishApplying or
// Abort is called.
type ScopedOp interface {
	Timestamp() uint64
	// FinishApplying makes the commit visible to scanners reading at or
	// after this op's timestamp.
	FinishApplying()
	// Abort unblocks scanners with abort-visibility instead of commit
	// visibility.
	Abort()
}

// Tablet is the MVCC/storage collaborator a ParticipantOp drives through
// StartOp/StartApplying at Start/Apply time.
type Tablet interface {
	// StartOp registers an MVCC op at ts, returning a ScopedOp the caller
	// must eventually FinishApplying or Abort.
	StartOp(ts uint64) (ScopedOp, error)
}

// LogAnchorRegistry is opaque to this package: it is passed through
// get_or_create calls but never inspected or mutated here.
type LogAnchorRegistry interface{}
