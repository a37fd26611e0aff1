package consensus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeContinuation struct {
	mu        sync.Mutex
	committed bool
	commits   int
	aborted   bool
	commitErr error
}

func (f *fakeContinuation) ConsensusCommitted() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = true
	f.commits++
	return f.commitErr
}

func (f *fakeContinuation) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

func (f *fakeContinuation) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
}

func (f *fakeContinuation) wasCommitted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

func (f *fakeContinuation) wasAborted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

func newTestReplicaState(t *testing.T) *ReplicaState {
	t.Helper()
	store, err := OpenMetadataStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenMetadataStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pool := NewCallbackDispatchPool(2, 16)
	t.Cleanup(pool.Close)

	rs, err := NewReplicaState("self", store, pool, nil)
	if err != nil {
		t.Fatalf("NewReplicaState: %v", err)
	}
	return rs
}

func makeLeaderQuorum(self string, others ...string) Quorum {
	peers := []Peer{{PermanentUUID: self, Role: RoleLeader}}
	for _, o := range others {
		peers = append(peers, Peer{PermanentUUID: o, Role: RoleFollower})
	}
	return Quorum{Peers: peers, SeqNo: 1}
}

func startAsLeader(t *testing.T, rs *ReplicaState) {
	t.Helper()
	startLock, err := rs.LockForStart()
	if err != nil {
		t.Fatalf("LockForStart: %v", err)
	}
	if err := rs.StartUnlocked(OpId{}); err != nil {
		startLock.Unlock()
		t.Fatalf("StartUnlocked: %v", err)
	}
	startLock.Unlock()

	lock, err := rs.LockForConfigChange()
	if err != nil {
		t.Fatalf("LockForConfigChange: %v", err)
	}
	if err := rs.SetCommittedQuorumUnlocked(makeLeaderQuorum("self", "peer2", "peer3")); err != nil {
		lock.Unlock()
		t.Fatalf("SetCommittedQuorumUnlocked: %v", err)
	}
	rs.FinishConfigChangeUnlocked()
	lock.Unlock()
}

func TestLockForStartOnlyInInitialized(t *testing.T) {
	rs := newTestReplicaState(t)
	startAsLeader(t, rs)

	if _, err := rs.LockForStart(); err == nil {
		t.Fatal("expected LockForStart to fail once Running")
	}
}

func TestLockForReplicateRequiresLeader(t *testing.T) {
	rs := newTestReplicaState(t)
	startAsLeader(t, rs)

	lock, err := rs.LockForReplicate(&ReplicateMsg{OpType: OpParticipant})
	if err != nil {
		t.Fatalf("expected leader to be allowed to replicate: %v", err)
	}
	lock.Unlock()
}

func TestNewIdUnlockedMonotonic(t *testing.T) {
	rs := newTestReplicaState(t)
	startAsLeader(t, rs)

	lock, err := rs.LockForReplicate(&ReplicateMsg{OpType: OpParticipant})
	if err != nil {
		t.Fatalf("LockForReplicate: %v", err)
	}
	defer lock.Unlock()

	id1 := rs.NewIdUnlocked()
	id2 := rs.NewIdUnlocked()
	if !id1.Less(id2) {
		t.Fatalf("expected %s < %s", id1, id2)
	}
}

func TestAddPendingOperationRejectsOutsideRunningForNonConfigChange(t *testing.T) {
	rs := newTestReplicaState(t)
	round := &ConsensusRound{Msg: &ReplicateMsg{OpType: OpParticipant, Id: OpId{1, 1}, HasId: true}}
	if err := rs.AddPendingOperation(round); err == nil {
		t.Fatal("expected AddPendingOperation to reject a participant op before Running")
	}
}

func TestMarkConsensusCommittedUpToIsIdempotent(t *testing.T) {
	rs := newTestReplicaState(t)
	startAsLeader(t, rs)

	lock, err := rs.LockForReplicate(&ReplicateMsg{OpType: OpParticipant})
	if err != nil {
		t.Fatalf("LockForReplicate: %v", err)
	}
	id := rs.NewIdUnlocked()
	cont := &fakeContinuation{}
	round := &ConsensusRound{Msg: &ReplicateMsg{OpType: OpParticipant, Id: id, HasId: true}, CommitContinuation: cont}
	if err := rs.AddPendingOperation(round); err != nil {
		t.Fatalf("AddPendingOperation: %v", err)
	}
	lock.Unlock()

	commitLock, err := rs.LockForCommit()
	if err != nil {
		t.Fatalf("LockForCommit: %v", err)
	}
	if err := rs.MarkConsensusCommittedUpToUnlocked(id); err != nil {
		t.Fatalf("MarkConsensusCommittedUpToUnlocked: %v", err)
	}
	if err := rs.MarkConsensusCommittedUpToUnlocked(id); err != nil {
		t.Fatalf("second MarkConsensusCommittedUpToUnlocked call should be a no-op, got: %v", err)
	}
	commitLock.Unlock()

	if !cont.wasCommitted() || cont.commitCount() != 1 {
		t.Fatal("expected commit continuation to fire exactly once")
	}
}

func TestMarkConsensusCommittedUpToLeavesOpInFlightOnContinuationError(t *testing.T) {
	rs := newTestReplicaState(t)
	startAsLeader(t, rs)

	lock, err := rs.LockForReplicate(&ReplicateMsg{OpType: OpParticipant})
	if err != nil {
		t.Fatalf("LockForReplicate: %v", err)
	}
	id := rs.NewIdUnlocked()
	cont := &fakeContinuation{commitErr: errors.New("apply failed")}
	round := &ConsensusRound{Msg: &ReplicateMsg{OpType: OpParticipant, Id: id, HasId: true}, CommitContinuation: cont}
	if err := rs.AddPendingOperation(round); err != nil {
		t.Fatalf("AddPendingOperation: %v", err)
	}
	lock.Unlock()

	commitLock, err := rs.LockForCommit()
	if err != nil {
		t.Fatalf("LockForCommit: %v", err)
	}
	err = rs.MarkConsensusCommittedUpToUnlocked(id)
	commitLock.Unlock()

	if err == nil {
		t.Fatal("expected the continuation's error to surface")
	}

	// The ground truth never undoes the InsertOrDie into in_flight_commits
	// on a failed continuation (raft_consensus_state.cc's
	// MarkConsensusCommittedUpToUnlocked has no equivalent of a rollback
	// on RETURN_NOT_OK); the op must still be reported in-flight.
	if rs.InFlightCommitsLenUnlocked() != 1 {
		t.Fatalf("expected the failed op to remain in in_flight_commits, got len=%d", rs.InFlightCommitsLenUnlocked())
	}
}

// orderRecordingContinuation appends its own id to a shared slice when
// ConsensusCommitted fires, so a test can assert the order multiple
// continuations ran in.
type orderRecordingContinuation struct {
	id    OpId
	order *[]OpId
}

func (c *orderRecordingContinuation) ConsensusCommitted() error {
	*c.order = append(*c.order, c.id)
	return nil
}

func (c *orderRecordingContinuation) Abort() {}

func TestMarkConsensusCommittedUpToFiresBothCrossedRoundsInKeyOrder(t *testing.T) {
	rs := newTestReplicaState(t)
	startAsLeader(t, rs)

	lock, err := rs.LockForReplicate(&ReplicateMsg{OpType: OpParticipant})
	if err != nil {
		t.Fatalf("LockForReplicate: %v", err)
	}

	var fired []OpId

	firstID := rs.NewIdUnlocked()
	firstRound := &ConsensusRound{
		Msg:                &ReplicateMsg{OpType: OpParticipant, Id: firstID, HasId: true},
		CommitContinuation: &orderRecordingContinuation{id: firstID, order: &fired},
	}
	if err := rs.AddPendingOperation(firstRound); err != nil {
		t.Fatalf("AddPendingOperation(first): %v", err)
	}

	secondID := rs.NewIdUnlocked()
	secondRound := &ConsensusRound{
		Msg:                &ReplicateMsg{OpType: OpParticipant, Id: secondID, HasId: true},
		CommitContinuation: &orderRecordingContinuation{id: secondID, order: &fired},
	}
	if err := rs.AddPendingOperation(secondRound); err != nil {
		t.Fatalf("AddPendingOperation(second): %v", err)
	}
	lock.Unlock()

	commitLock, err := rs.LockForCommit()
	if err != nil {
		t.Fatalf("LockForCommit: %v", err)
	}
	// A single call marking committed up to secondID must cross both
	// pending rounds in one pass.
	if err := rs.MarkConsensusCommittedUpToUnlocked(secondID); err != nil {
		t.Fatalf("MarkConsensusCommittedUpToUnlocked: %v", err)
	}
	commitLock.Unlock()

	if len(fired) != 2 || fired[0] != firstID || fired[1] != secondID {
		t.Fatalf("expected continuations to fire in key order [%s %s], got %v", firstID, secondID, fired)
	}
	if rs.InFlightCommitsLenUnlocked() != 2 {
		t.Fatalf("expected both rounds in in_flight_commits, got len=%d", rs.InFlightCommitsLenUnlocked())
	}
}

func TestUpdateCommittedOpIdRemovesFromBothTablesAndFiresWatcher(t *testing.T) {
	rs := newTestReplicaState(t)
	startAsLeader(t, rs)

	lock, err := rs.LockForReplicate(&ReplicateMsg{OpType: OpParticipant})
	if err != nil {
		t.Fatalf("LockForReplicate: %v", err)
	}
	id := rs.NewIdUnlocked()
	round := &ConsensusRound{Msg: &ReplicateMsg{OpType: OpParticipant, Id: id, HasId: true}}
	if err := rs.AddPendingOperation(round); err != nil {
		t.Fatalf("AddPendingOperation: %v", err)
	}
	lock.Unlock()

	fired := make(chan OpStatus, 1)
	readLock, err := rs.LockForRead()
	if err != nil {
		t.Fatalf("LockForRead: %v", err)
	}
	if err := rs.RegisterOnCommitCallback(id, func(status OpStatus) { fired <- status }); err != nil {
		t.Fatalf("RegisterOnCommitCallback: %v", err)
	}
	readLock.Unlock()

	commitLock, err := rs.LockForCommit()
	if err != nil {
		t.Fatalf("LockForCommit: %v", err)
	}
	if err := rs.MarkConsensusCommittedUpToUnlocked(id); err != nil {
		t.Fatalf("MarkConsensusCommittedUpToUnlocked: %v", err)
	}
	if err := rs.UpdateCommittedOpIdUnlocked(id); err != nil {
		t.Fatalf("UpdateCommittedOpIdUnlocked: %v", err)
	}
	if rs.PendingOpsLenUnlocked() != 0 {
		t.Fatalf("expected pending_txns empty, got %d entries", rs.PendingOpsLenUnlocked())
	}
	if rs.InFlightCommitsLenUnlocked() != 0 {
		t.Fatalf("expected in_flight_commits empty, got %d entries", rs.InFlightCommitsLenUnlocked())
	}
	commitLock.Unlock()

	select {
	case status := <-fired:
		if status.OpId != id {
			t.Fatalf("fired watcher for %s, want %s", status.OpId, id)
		}
	case <-time.After(time.Second):
		t.Fatal("commit watcher never fired")
	}
}

func TestCancelPendingOperationOnlyLastAssigned(t *testing.T) {
	rs := newTestReplicaState(t)
	startAsLeader(t, rs)

	lock, err := rs.LockForReplicate(&ReplicateMsg{OpType: OpParticipant})
	if err != nil {
		t.Fatalf("LockForReplicate: %v", err)
	}
	defer lock.Unlock()

	id1 := rs.NewIdUnlocked()
	round1 := &ConsensusRound{Msg: &ReplicateMsg{OpType: OpParticipant, Id: id1, HasId: true}}
	if err := rs.AddPendingOperation(round1); err != nil {
		t.Fatalf("AddPendingOperation: %v", err)
	}

	id2 := rs.NewIdUnlocked()
	round2 := &ConsensusRound{Msg: &ReplicateMsg{OpType: OpParticipant, Id: id2, HasId: true}}
	if err := rs.AddPendingOperation(round2); err != nil {
		t.Fatalf("AddPendingOperation: %v", err)
	}

	if err := rs.CancelPendingOperation(id1); err == nil {
		t.Fatal("expected cancelling a non-last id to fail")
	}
	if err := rs.CancelPendingOperation(id2); err != nil {
		t.Fatalf("expected cancelling the last assigned id to succeed: %v", err)
	}
	if rs.PendingOpsLenUnlocked() != 1 {
		t.Fatalf("expected one remaining pending op, got %d", rs.PendingOpsLenUnlocked())
	}
}

func TestSetCurrentTermUnlockedRejectsRegression(t *testing.T) {
	rs := newTestReplicaState(t)
	lock, err := rs.LockForElection()
	if err != nil {
		t.Fatalf("LockForElection: %v", err)
	}
	defer lock.Unlock()

	if err := rs.SetCurrentTermUnlocked(5); err != nil {
		t.Fatalf("SetCurrentTermUnlocked(5): %v", err)
	}
	if err := rs.SetCurrentTermUnlocked(3); err == nil {
		t.Fatal("expected term regression to be rejected")
	}
	if rs.CurrentTermUnlocked() != 5 {
		t.Fatalf("term should remain 5 after rejected regression, got %d", rs.CurrentTermUnlocked())
	}
}

func TestIncrementTermClearsVote(t *testing.T) {
	rs := newTestReplicaState(t)
	lock, err := rs.LockForElection()
	if err != nil {
		t.Fatalf("LockForElection: %v", err)
	}
	defer lock.Unlock()

	if err := rs.SetVotedForCurrentTermUnlocked("peer2"); err != nil {
		t.Fatalf("SetVotedForCurrentTermUnlocked: %v", err)
	}
	if err := rs.IncrementTermUnlocked(); err != nil {
		t.Fatalf("IncrementTermUnlocked: %v", err)
	}
	if _, ok := rs.VotedForUnlocked(); ok {
		t.Fatal("expected vote to be cleared after term increment")
	}
}

func TestSetCommittedQuorumMismatchWithPendingIsFatal(t *testing.T) {
	rs := newTestReplicaState(t)
	lock, err := rs.LockForConfigChange()
	if err != nil {
		t.Fatalf("LockForConfigChange: %v", err)
	}
	defer lock.Unlock()

	pending := makeLeaderQuorum("self", "peer2")
	if err := rs.SetPendingQuorumUnlocked(pending); err != nil {
		t.Fatalf("SetPendingQuorumUnlocked: %v", err)
	}

	mismatched := makeLeaderQuorum("self", "peer3")

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected SetCommittedQuorumUnlocked to panic on pending/committed mismatch")
		}
	}()
	_ = rs.SetCommittedQuorumUnlocked(mismatched)
}

func TestShutdownResetsLatchAndDrainsCancelledRounds(t *testing.T) {
	rs := newTestReplicaState(t)
	startAsLeader(t, rs)

	lock, err := rs.LockForReplicate(&ReplicateMsg{OpType: OpParticipant})
	if err != nil {
		t.Fatalf("LockForReplicate: %v", err)
	}

	// inFlightID is proposed and committed first, so it has a lower OpId
	// and MarkConsensusCommittedUpToUnlocked can cross it without also
	// crossing pendingID, which is proposed afterward and never
	// committed.
	inFlightID := rs.NewIdUnlocked()
	inFlightCont := &fakeContinuation{}
	inFlightRound := &ConsensusRound{Msg: &ReplicateMsg{OpType: OpParticipant, Id: inFlightID, HasId: true}, CommitContinuation: inFlightCont}
	if err := rs.AddPendingOperation(inFlightRound); err != nil {
		t.Fatalf("AddPendingOperation: %v", err)
	}
	if err := rs.MarkConsensusCommittedUpToUnlocked(inFlightID); err != nil {
		t.Fatalf("MarkConsensusCommittedUpToUnlocked: %v", err)
	}

	pendingID := rs.NewIdUnlocked()
	cont := &fakeContinuation{}
	pendingRound := &ConsensusRound{Msg: &ReplicateMsg{OpType: OpParticipant, Id: pendingID, HasId: true}, CommitContinuation: cont}
	if err := rs.AddPendingOperation(pendingRound); err != nil {
		t.Fatalf("AddPendingOperation: %v", err)
	}
	lock.Unlock()

	shutdownLock, err := rs.LockForShutdown()
	if err != nil {
		t.Fatalf("LockForShutdown: %v", err)
	}
	if err := rs.CancelPendingTransactions(); err != nil {
		t.Fatalf("CancelPendingTransactions: %v", err)
	}
	shutdownLock.Unlock()

	if !cont.wasAborted() {
		t.Fatal("expected the not-yet-committed round to be aborted")
	}
	if inFlightCont.wasAborted() {
		t.Fatal("in-flight round must be left alone, not aborted")
	}

	finishLock, err := rs.LockForCommit()
	if err != nil {
		t.Fatalf("LockForCommit: %v", err)
	}
	if err := rs.UpdateCommittedOpIdUnlocked(inFlightID); err != nil {
		t.Fatalf("UpdateCommittedOpIdUnlocked: %v", err)
	}
	finishLock.Unlock()

	done := make(chan struct{})
	go func() {
		rs.WaitForOutstandingApplies()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForOutstandingApplies did not return after the in-flight apply finished")
	}
}

func TestMarkConsensusCommittedUpToRejectsDuringShutdown(t *testing.T) {
	rs := newTestReplicaState(t)
	startAsLeader(t, rs)

	lock, err := rs.LockForShutdown()
	if err != nil {
		t.Fatalf("LockForShutdown: %v", err)
	}
	defer lock.Unlock()

	err = rs.MarkConsensusCommittedUpToUnlocked(OpId{Term: 1, Index: 99})
	if err == nil {
		t.Fatal("expected ServiceUnavailable during shutdown")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Kind != KindServiceUnavailable {
		t.Fatalf("expected KindServiceUnavailable, got %v", err)
	}
}
