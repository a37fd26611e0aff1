package participant

import (
	"fmt"
	"time"

	"replicacore/internal/consensus"
	"replicacore/internal/metrics"
	"replicacore/internal/txn"
)

// Request is a ParticipantOpPB-equivalent request. Timestamp is the
// timestamp assigned to this op's consensus round: it is set exactly once,
// on the leader, before the request is encoded and proposed (see
// Coordinator.ProposeParticipantOp), and is carried as-is through the
// replicated log entry so every replica applying the same committed entry
// drives Start/Apply with the identical value a local clock read at apply
// time could never guarantee.
type Request struct {
	TxnID                    int64
	Type                     txn.OpKind
	FinalizedCommitTimestamp uint64
	Timestamp                uint64
}

// CommitMsg is the commit message an Apply constructs on success,
// carrying enough of the applied op to describe what happened.
type CommitMsg struct {
	OpType    txn.OpKind
	TxnID     int64
	Timestamp uint64
}

// Result is the outcome Finish is told about.
type Result int

const (
	ResultApplied Result = iota
	ResultAborted
)

// State is a ParticipantOpState: the per-op object carrying everything a
// single Prepare->Start->Apply->Finish run needs. One State is used for
// exactly one request.
type State struct {
	participant *txn.Participant
	tablet      txn.Tablet
	clock       txn.Clock

	request Request

	txn    *txn.Txn
	locked bool

	heldCommitOp txn.ScopedOp
	opID         consensus.OpId
	timestamp    uint64
}

// NewState creates a ParticipantOpState addressing participant/tablet/clock
// for req. Nothing is locked or validated yet; call Prepare first.
func NewState(participant *txn.Participant, tablet txn.Tablet, clock txn.Clock, req Request) *State {
	return &State{participant: participant, tablet: tablet, clock: clock, request: req}
}

// Prepare implements phase 1: AcquireTxnAndLock, ValidateOp, and — for a
// leader-driven FINALIZE_COMMIT — bump the hybrid clock. isLeader should
// be true only on the replica that is proposing this op (the one that
// will assign it a timestamp before replicating), never on a follower
// applying an already-timestamped commit.
func (s *State) Prepare(isLeader bool) error {
	s.txn = s.participant.GetOrCreate(s.request.TxnID, nil)
	s.txn.AcquireWriteLock()
	s.locked = true

	if s.request.Type == txn.OpUnknown {
		return invalidArgument("Prepare: UNKNOWN participant op type")
	}

	if err := s.txn.ValidateLocked(s.request.Type); err != nil {
		return illegalStateWrap(err)
	}

	if isLeader && s.request.Type == txn.OpFinalizeCommit {
		if err := s.clock.UpdateAndAdvance(s.request.FinalizedCommitTimestamp); err != nil {
			return fmt.Errorf("Prepare: clock rejected finalized commit timestamp %d: %w", s.request.FinalizedCommitTimestamp, err)
		}
	}

	return nil
}

// Start implements phase 2: records the OpId and timestamp assigned to
// this op's consensus round, and for BEGIN_COMMIT only, registers an MVCC
// op at that timestamp that will block scanners until commit or abort.
func (s *State) Start(opID consensus.OpId, timestamp uint64) error {
	s.opID = opID
	s.timestamp = timestamp

	if s.request.Type == txn.OpBeginCommit {
		op, err := s.tablet.StartOp(timestamp)
		if err != nil {
			return fmt.Errorf("Start: StartOp(%d): %w", timestamp, err)
		}
		s.heldCommitOp = op
	}
	return nil
}

// Apply implements phase 3: performs the transaction slot transition
// under the held txn lock and constructs the resulting commit message.
func (s *State) Apply() (*CommitMsg, error) {
	switch s.request.Type {
	case txn.OpBeginTxn:
		s.txn.BeginLocked(s.opID)
	case txn.OpBeginCommit:
		s.txn.BeginCommitLocked(s.heldCommitOp)
		s.heldCommitOp = nil
	case txn.OpFinalizeCommit:
		s.txn.FinalizeLocked(s.request.FinalizedCommitTimestamp)
	case txn.OpAbortTxn:
		s.txn.AbortLocked()
	default:
		return nil, invalidArgument(fmt.Sprintf("Apply: unhandled op type %s", s.request.Type))
	}

	return &CommitMsg{OpType: s.request.Type, TxnID: s.request.TxnID, Timestamp: s.timestamp}, nil
}

// Finish implements phase 4: releases the txn lock and drops the handle.
// On ResultAborted, a slot that never reached initialized (a failed
// BEGIN_TXN) is cleared from the registry entirely, rolling it back to
// "never existed". On ResultApplied, the slot is left in its new state.
func (s *State) Finish(result Result) {
	if !s.locked {
		return
	}

	if result == ResultAborted && s.txn.ClearUninitializedLocked() {
		s.participant.Clear(s.request.TxnID)
	}

	s.txn.ReleaseWriteLock()
	s.locked = false
}

// Drive runs all four phases for req against the given collaborators,
// recording metrics and timing the whole op by opType. isLeader is
// forwarded to Prepare unchanged.
func Drive(participant *txn.Participant, tablet txn.Tablet, clock txn.Clock, req Request, isLeader bool, opID consensus.OpId, timestamp uint64) (*CommitMsg, error) {
	start := time.Now()
	state := NewState(participant, tablet, clock, req)

	commit, err := driveLocked(state, isLeader, opID, timestamp)

	metrics.ConsensusParticipantOpDuration.WithLabelValues(req.Type.String()).Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.ConsensusParticipantOpsTotal.WithLabelValues(req.Type.String(), result).Inc()

	return commit, err
}

func driveLocked(state *State, isLeader bool, opID consensus.OpId, timestamp uint64) (*CommitMsg, error) {
	if err := state.Prepare(isLeader); err != nil {
		state.Finish(ResultAborted)
		return nil, err
	}

	if err := state.Start(opID, timestamp); err != nil {
		state.Finish(ResultAborted)
		return nil, err
	}

	commit, err := state.Apply()
	if err != nil {
		state.Finish(ResultAborted)
		return nil, err
	}

	state.Finish(ResultApplied)
	return commit, nil
}

func invalidArgument(msg string) error {
	return fmt.Errorf("InvalidArgument: %s", msg)
}

func illegalStateWrap(err error) error {
	return fmt.Errorf("IllegalState: %w", err)
}
