package consensus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"

	"replicacore/internal/metrics"
)

// LifecycleState is one of the five states a ReplicaState moves through.
type LifecycleState int

const (
	Initialized LifecycleState = iota
	Running
	ChangingConfig
	ShuttingDown
	ShutDown
)

func (s LifecycleState) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case Running:
		return "Running"
	case ChangingConfig:
		return "ChangingConfig"
	case ShuttingDown:
		return "ShuttingDown"
	case ShutDown:
		return "ShutDown"
	default:
		return "Unknown"
	}
}

// OpType distinguishes the kinds of operations that flow through
// ReplicaState's pending-op table.
type OpType int

const (
	OpUnknown OpType = iota
	OpChangeConfig
	OpParticipant
)

// ReplicateMsg is the payload handed to ReplicaState when a round is
// proposed, or received from a leader.
type ReplicateMsg struct {
	OpType    OpType
	Id        OpId
	HasId     bool
	Timestamp uint64
	RequestID string
	Payload   any
}

// CommitContinuation is invoked when a round's commit watermark advances
// past it, and on abort during shutdown.
type CommitContinuation interface {
	ConsensusCommitted() error
	Abort()
}

// ConsensusRound is one in-flight replicated operation.
type ConsensusRound struct {
	Msg                *ReplicateMsg
	ReplicateCallback  OperationCallback
	CommitContinuation CommitContinuation
	Tracker            *MajorityOpStatusTracker
}

type pendingTxnItem struct {
	id    OpId
	round *ConsensusRound
}

func (i *pendingTxnItem) Less(other btree.Item) bool {
	return i.id.Less(other.(*pendingTxnItem).id)
}

// ReplicaState owns a single tablet's consensus metadata, pending
// operation table, watermarks, and callback watcher registries. Every
// state-changing method must be called while holding the lock obtained
// from one of the eight LockForX entry points.
type ReplicaState struct {
	mu sync.Mutex

	selfUUID string

	state LifecycleState

	activeQuorumState *QuorumState
	pendingQuorum     *Quorum
	committedQuorum   Quorum

	currentTerm uint64
	votedFor    string
	hasVotedFor bool

	nextIndex          uint64
	receivedOpId       OpId
	replicatedOpId     OpId
	lastTriggeredApply OpId

	pendingTxns      *btree.BTree
	inFlightCommits  map[OpId]struct{}
	inFlightApplies  *countdownLatch

	replicateWatchers *WatcherRegistry
	commitWatchers    *WatcherRegistry

	metadata  *MetadataStore
	pool      *CallbackDispatchPool
	validator RoleChangeValidator
}

// NewReplicaState constructs a ReplicaState in Initialized, restoring
// whatever metadata was durably persisted (or zero values if none was).
func NewReplicaState(selfUUID string, metadata *MetadataStore, pool *CallbackDispatchPool, validator RoleChangeValidator) (*ReplicaState, error) {
	restored, ok, err := metadata.Load()
	if err != nil {
		return nil, ioError("load persisted metadata", err)
	}

	rs := &ReplicaState{
		selfUUID:          selfUUID,
		state:             Initialized,
		pendingTxns:       btree.New(32),
		inFlightCommits:   make(map[OpId]struct{}),
		inFlightApplies:   newCountdownLatch(),
		replicateWatchers: NewWatcherRegistry(MarkAllOpsBefore, pool),
		commitWatchers:    NewWatcherRegistry(MarkOnlyThisOp, pool),
		metadata:          metadata,
		pool:              pool,
		validator:         validator,
	}

	if ok {
		rs.currentTerm = restored.CurrentTerm
		rs.votedFor = restored.VotedFor
		rs.hasVotedFor = restored.HasVotedFor
		rs.committedQuorum = restored.CommittedQuorum
	}
	rs.activeQuorumState = BuildQuorumState(rs.committedQuorum, rs.selfUUID)

	return rs, nil
}

// UpdateLock is the RAII-style handle returned by the eight LockForX
// entry points. Callers must call Unlock exactly once.
type UpdateLock struct {
	rs *ReplicaState
}

// Unlock releases update_lock.
func (l *UpdateLock) Unlock() {
	l.rs.mu.Unlock()
}

func (rs *ReplicaState) lockFailed(err error) (*UpdateLock, error) {
	rs.mu.Unlock()
	return nil, err
}

// LockForStart is valid only in Initialized; the caller must follow it
// with StartUnlocked.
func (rs *ReplicaState) LockForStart() (*UpdateLock, error) {
	rs.mu.Lock()
	if rs.state != Initialized {
		return rs.lockFailed(illegalState(fmt.Sprintf("LockForStart: state=%s, want Initialized", rs.state)))
	}
	return &UpdateLock{rs: rs}, nil
}

// LockForRead is valid in any state and grants read-only access.
func (rs *ReplicaState) LockForRead() (*UpdateLock, error) {
	rs.mu.Lock()
	return &UpdateLock{rs: rs}, nil
}

// LockForReplicate is valid in Running when this peer is LEADER, or when
// this peer is CANDIDATE, the message is a config change, and the term is
// still zero (bootstrap election).
func (rs *ReplicaState) LockForReplicate(msg *ReplicateMsg) (*UpdateLock, error) {
	rs.mu.Lock()
	if rs.state != Running {
		return rs.lockFailed(illegalState(fmt.Sprintf("LockForReplicate: state=%s, want Running", rs.state)))
	}
	role := rs.activeQuorumState.Role
	bootstrapException := role == RoleCandidate && msg.OpType == OpChangeConfig && rs.currentTerm == 0
	if role != RoleLeader && !bootstrapException {
		return rs.lockFailed(illegalState(fmt.Sprintf("LockForReplicate: role=%s is not eligible to replicate", role)))
	}
	return &UpdateLock{rs: rs}, nil
}

// LockForCommit is valid in Running or ShuttingDown.
func (rs *ReplicaState) LockForCommit() (*UpdateLock, error) {
	rs.mu.Lock()
	if rs.state != Running && rs.state != ShuttingDown {
		return rs.lockFailed(illegalState(fmt.Sprintf("LockForCommit: state=%s, want Running or ShuttingDown", rs.state)))
	}
	return &UpdateLock{rs: rs}, nil
}

// LockForConfigChange is valid in Initialized or Running, and transitions
// the state to ChangingConfig on success.
func (rs *ReplicaState) LockForConfigChange() (*UpdateLock, error) {
	rs.mu.Lock()
	if rs.state != Initialized && rs.state != Running {
		return rs.lockFailed(illegalState(fmt.Sprintf("LockForConfigChange: state=%s, want Initialized or Running", rs.state)))
	}
	rs.state = ChangingConfig
	return &UpdateLock{rs: rs}, nil
}

// LockForElection is valid in Initialized or Running.
func (rs *ReplicaState) LockForElection() (*UpdateLock, error) {
	rs.mu.Lock()
	if rs.state != Initialized && rs.state != Running {
		return rs.lockFailed(illegalState(fmt.Sprintf("LockForElection: state=%s, want Initialized or Running", rs.state)))
	}
	return &UpdateLock{rs: rs}, nil
}

// LockForUpdate is valid in Running for a peer that is neither LEADER nor
// NON_PARTICIPANT: it is how a follower accepts entries from its leader.
func (rs *ReplicaState) LockForUpdate() (*UpdateLock, error) {
	rs.mu.Lock()
	if rs.state != Running {
		return rs.lockFailed(illegalState(fmt.Sprintf("LockForUpdate: state=%s, want Running", rs.state)))
	}
	role := rs.activeQuorumState.Role
	if role == RoleLeader || role == RoleNonParticipant {
		return rs.lockFailed(illegalState(fmt.Sprintf("LockForUpdate: role=%s may not accept follower updates", role)))
	}
	return &UpdateLock{rs: rs}, nil
}

// LockForShutdown is valid in every state except ShutDown. On success the
// state moves to ShuttingDown and in_flight_applies_latch is reset to the
// current size of in_flight_commits.
func (rs *ReplicaState) LockForShutdown() (*UpdateLock, error) {
	rs.mu.Lock()
	if rs.state == ShutDown {
		return rs.lockFailed(illegalState("LockForShutdown: already ShutDown"))
	}
	rs.state = ShuttingDown
	rs.inFlightApplies.Reset(len(rs.inFlightCommits))
	return &UpdateLock{rs: rs}, nil
}

// StartUnlocked completes the Initialized->Running transition begun by
// LockForStart, seeding the watermarks from initialID.
func (rs *ReplicaState) StartUnlocked(initialID OpId) error {
	if rs.state != Initialized {
		return illegalState(fmt.Sprintf("StartUnlocked: state=%s, want Initialized", rs.state))
	}
	rs.nextIndex = initialID.Index + 1
	rs.receivedOpId = initialID
	rs.replicatedOpId = initialID
	rs.lastTriggeredApply = initialID
	rs.state = Running
	return nil
}

// FinishShutdownUnlocked completes the ShuttingDown->ShutDown transition.
func (rs *ReplicaState) FinishShutdownUnlocked() {
	rs.state = ShutDown
}

// FinishConfigChangeUnlocked returns the replica to Running after a
// config change completes (or is abandoned).
func (rs *ReplicaState) FinishConfigChangeUnlocked() {
	if rs.state == ChangingConfig {
		rs.state = Running
	}
}

// StateUnlocked reports the current lifecycle state.
func (rs *ReplicaState) StateUnlocked() LifecycleState {
	return rs.state
}

// ActiveQuorumStateUnlocked returns the current derived QuorumState.
func (rs *ReplicaState) ActiveQuorumStateUnlocked() *QuorumState {
	return rs.activeQuorumState
}

// CurrentTermUnlocked returns the persisted term.
func (rs *ReplicaState) CurrentTermUnlocked() uint64 {
	return rs.currentTerm
}

// NewIdUnlocked assigns the next OpId on this term: valid only for a
// leader (or the candidate/term-0 bootstrap exception already checked by
// LockForReplicate).
func (rs *ReplicaState) NewIdUnlocked() OpId {
	id := OpId{Term: rs.currentTerm, Index: rs.nextIndex}
	rs.nextIndex++
	return id
}

// UpdateLastReceivedOpIdUnlocked records the largest OpId seen so far,
// enforcing that it never regresses.
func (rs *ReplicaState) UpdateLastReceivedOpIdUnlocked(id OpId) error {
	if id.Less(rs.receivedOpId) {
		fatalInvariant("received_op_id regressed: %s -> %s", rs.receivedOpId, id)
	}
	rs.receivedOpId = id
	rs.nextIndex = id.Index + 1
	return nil
}

// UpdateLastReplicatedOpIdUnlocked records the largest OpId known to be
// durably replicated to a majority.
func (rs *ReplicaState) UpdateLastReplicatedOpIdUnlocked(id OpId) error {
	if id.Less(rs.replicatedOpId) {
		fatalInvariant("replicated_op_id regressed: %s -> %s", rs.replicatedOpId, id)
	}
	rs.replicatedOpId = id
	rs.replicateWatchers.MarkFinished(id, nil)
	return nil
}

// ReceivedOpIdUnlocked, ReplicatedOpIdUnlocked, and
// LastTriggeredApplyUnlocked expose the three watermarks.
func (rs *ReplicaState) ReceivedOpIdUnlocked() OpId       { return rs.receivedOpId }
func (rs *ReplicaState) ReplicatedOpIdUnlocked() OpId     { return rs.replicatedOpId }
func (rs *ReplicaState) LastTriggeredApplyUnlocked() OpId { return rs.lastTriggeredApply }

// SelfUUID returns the uuid this replica was constructed with, for use in
// log fields by callers outside this package (the raft loop, the apply
// path) that want to scope their own logging to a tablet/replica without
// reaching into ReplicaState's locked fields.
func (rs *ReplicaState) SelfUUID() string { return rs.selfUUID }

// AddPendingOperation inserts round into pending_txns, keyed by its
// ReplicateMsg's id. Outside Running, only CHANGE_CONFIG_OP rounds are
// accepted, covering the pre-Start bootstrap case.
func (rs *ReplicaState) AddPendingOperation(round *ConsensusRound) error {
	if !round.Msg.HasId {
		return invalidArgument("AddPendingOperation: round has no assigned OpId")
	}
	if rs.state != Running && round.Msg.OpType != OpChangeConfig {
		return illegalState(fmt.Sprintf("AddPendingOperation: state=%s accepts only CHANGE_CONFIG_OP before Running", rs.state))
	}

	item := &pendingTxnItem{id: round.Msg.Id, round: round}
	if existing := rs.pendingTxns.ReplaceOrInsert(item); existing != nil {
		fatalInvariant("duplicate pending_txns insert at %s", round.Msg.Id)
	}
	metrics.ConsensusPendingOpsTotal.Set(float64(rs.pendingTxns.Len()))
	return nil
}

// CancelPendingOperation rolls back a proposal that failed before
// entering replication. It is only valid for the most recently assigned
// id on the current term.
func (rs *ReplicaState) CancelPendingOperation(id OpId) error {
	if id.Term != rs.currentTerm || id.Index+1 != rs.nextIndex {
		return illegalState(fmt.Sprintf("CancelPendingOperation: %s is not the most recently assigned id", id))
	}
	rs.nextIndex--
	rs.pendingTxns.Delete(&pendingTxnItem{id: id})
	metrics.ConsensusPendingOpsTotal.Set(float64(rs.pendingTxns.Len()))
	return nil
}

// MarkConsensusCommittedUpToUnlocked advances the commit watermark to id,
// firing each crossed round's commit continuation (or, absent one,
// dispatching its replicate callback) in key order. It is idempotent: a
// second call with an id already at or before last_triggered_apply is a
// no-op.
func (rs *ReplicaState) MarkConsensusCommittedUpToUnlocked(id OpId) error {
	if rs.state == ShuttingDown || rs.state == ShutDown {
		return serviceUnavailable("MarkConsensusCommittedUpToUnlocked: watermark advance attempted during shutdown")
	}
	if rs.state != Running {
		return illegalState(fmt.Sprintf("MarkConsensusCommittedUpToUnlocked: state=%s, want Running", rs.state))
	}
	if id.LessOrEqual(rs.lastTriggeredApply) {
		return nil
	}

	var crossed []*pendingTxnItem
	rs.pendingTxns.AscendRange(
		&pendingTxnItem{id: rs.lastTriggeredApply},
		&pendingTxnItem{id: OpId{Term: id.Term, Index: id.Index + 1}},
		func(it btree.Item) bool {
			item := it.(*pendingTxnItem)
			if rs.lastTriggeredApply.Less(item.id) {
				crossed = append(crossed, item)
			}
			return true
		},
	)

	for _, item := range crossed {
		rs.inFlightCommits[item.id] = struct{}{}

		var fireErr error
		if item.round.CommitContinuation != nil {
			fireErr = item.round.CommitContinuation.ConsensusCommitted()
		} else if item.round.ReplicateCallback != nil {
			cb := item.round.ReplicateCallback
			rs.pool.Submit(func() { cb(OpStatus{OpId: item.id}) })
		}

		if fireErr != nil {
			// The ground truth never undoes the InsertOrDie into
			// in_flight_commits on a failed continuation: the op stays
			// marked in-flight, and last_triggered_apply_ is left one
			// short of it, so the caller sees the error and the replica's
			// bookkeeping reflects an apply that was attempted but did not
			// finish, not one that never started.
			return fireErr
		}
	}

	rs.lastTriggeredApply = id
	metrics.ConsensusInFlightCommitsTotal.Set(float64(len(rs.inFlightCommits)))
	return nil
}

// UpdateCommittedOpIdUnlocked is called by a committing round when its
// apply completes. id must be present in both in_flight_commits and
// pending_txns; both are removed atomically and the commit_watchers
// registry fires for exactly id.
func (rs *ReplicaState) UpdateCommittedOpIdUnlocked(id OpId) error {
	if _, ok := rs.inFlightCommits[id]; !ok {
		fatalInvariant("UpdateCommittedOpIdUnlocked: %s absent from in_flight_commits", id)
	}
	if item := rs.pendingTxns.Get(&pendingTxnItem{id: id}); item == nil {
		fatalInvariant("UpdateCommittedOpIdUnlocked: %s absent from pending_txns", id)
	}

	delete(rs.inFlightCommits, id)
	rs.pendingTxns.Delete(&pendingTxnItem{id: id})
	metrics.ConsensusPendingOpsTotal.Set(float64(rs.pendingTxns.Len()))
	metrics.ConsensusInFlightCommitsTotal.Set(float64(len(rs.inFlightCommits)))

	rs.commitWatchers.MarkFinished(id, nil)

	if rs.state == ShuttingDown {
		rs.inFlightApplies.CountDown()
	}
	return nil
}

// CancelPendingTransactions aborts every pending round not yet in
// in_flight_commits. It is only valid during ShuttingDown; rounds already
// in flight are left alone to drain via WaitForOutstandingApplies.
func (rs *ReplicaState) CancelPendingTransactions() error {
	if rs.state != ShuttingDown {
		return illegalState(fmt.Sprintf("CancelPendingTransactions: state=%s, want ShuttingDown", rs.state))
	}

	var toAbort []*pendingTxnItem
	rs.pendingTxns.Ascend(func(it btree.Item) bool {
		item := it.(*pendingTxnItem)
		if _, inFlight := rs.inFlightCommits[item.id]; !inFlight {
			toAbort = append(toAbort, item)
		}
		return true
	})

	for _, item := range toAbort {
		if item.round.CommitContinuation != nil {
			item.round.CommitContinuation.Abort()
		}
	}
	return nil
}

// WaitForOutstandingApplies blocks until every apply that was in flight at
// the moment of the ShuttingDown transition has finished.
func (rs *ReplicaState) WaitForOutstandingApplies() {
	rs.inFlightApplies.Wait()
}

// IncrementTermUnlocked bumps current_term by one, clears voted_for, and
// flushes. It must succeed; a flush failure is fatal to the caller's
// intent but never silently skipped.
func (rs *ReplicaState) IncrementTermUnlocked() error {
	rs.currentTerm++
	rs.votedFor = ""
	rs.hasVotedFor = false
	if err := rs.flushLocked(); err != nil {
		return err
	}
	metrics.ConsensusTermChangesTotal.Inc()
	return nil
}

// SetCurrentTermUnlocked sets current_term to newTerm, rejecting any
// regression, clearing voted_for, and flushing.
func (rs *ReplicaState) SetCurrentTermUnlocked(newTerm uint64) error {
	if newTerm < rs.currentTerm {
		return invalidArgument(fmt.Sprintf("SetCurrentTermUnlocked: new term %d < current term %d", newTerm, rs.currentTerm))
	}
	changed := newTerm != rs.currentTerm
	rs.currentTerm = newTerm
	rs.votedFor = ""
	rs.hasVotedFor = false
	if err := rs.flushLocked(); err != nil {
		return err
	}
	if changed {
		metrics.ConsensusTermChangesTotal.Inc()
	}
	return nil
}

// SetVotedForCurrentTermUnlocked records this replica's vote for the
// current term and flushes.
func (rs *ReplicaState) SetVotedForCurrentTermUnlocked(uuid string) error {
	rs.votedFor = uuid
	rs.hasVotedFor = true
	return rs.flushLocked()
}

// VotedForUnlocked reports the current term's recorded vote, if any.
func (rs *ReplicaState) VotedForUnlocked() (string, bool) {
	return rs.votedFor, rs.hasVotedFor
}

// SetPendingQuorumUnlocked stages new as the pending quorum and rebuilds
// active_quorum_state from it. It fails if a pending quorum is already
// staged.
func (rs *ReplicaState) SetPendingQuorumUnlocked(newQuorum Quorum) error {
	if rs.pendingQuorum != nil {
		return illegalState("SetPendingQuorumUnlocked: a pending quorum already exists")
	}
	cloned := newQuorum.Clone()
	rs.pendingQuorum = &cloned
	rs.rebuildActiveQuorumStateLocked(cloned)
	return nil
}

// SetCommittedQuorumUnlocked persists new as committed_quorum and flushes,
// clearing any pending quorum. If a pending quorum is staged, new must be
// byte-identical to it.
func (rs *ReplicaState) SetCommittedQuorumUnlocked(newQuorum Quorum) error {
	if rs.pendingQuorum != nil {
		if !rs.pendingQuorum.Equal(newQuorum) {
			fatalInvariant("SetCommittedQuorumUnlocked: committed quorum %s does not match pending quorum %s", newQuorum, *rs.pendingQuorum)
		}
	} else {
		rs.rebuildActiveQuorumStateLocked(newQuorum)
	}

	rs.committedQuorum = newQuorum.Clone()
	if err := rs.flushLocked(); err != nil {
		return err
	}
	rs.pendingQuorum = nil
	return nil
}

// IncrementConfigSeqNoUnlocked bumps committed_quorum's seqno and flushes.
func (rs *ReplicaState) IncrementConfigSeqNoUnlocked() error {
	rs.committedQuorum.SeqNo++
	return rs.flushLocked()
}

// CommittedQuorumUnlocked returns a copy of the committed quorum.
func (rs *ReplicaState) CommittedQuorumUnlocked() Quorum {
	return rs.committedQuorum.Clone()
}

func (rs *ReplicaState) rebuildActiveQuorumStateLocked(q Quorum) {
	next := BuildQuorumState(q, rs.selfUUID)
	if rs.validator != nil && rs.activeQuorumState != nil {
		if err := rs.validator(rs.activeQuorumState.Role, next.Role); err != nil {
			slog.Warn("quorum state role change rejected by validator, keeping proposed state anyway",
				"from", rs.activeQuorumState.Role, "to", next.Role, "err", err)
		}
	}
	rs.activeQuorumState = next
}

func (rs *ReplicaState) flushLocked() error {
	return rs.metadata.Flush(PersistentMetadata{
		CurrentTerm:     rs.currentTerm,
		VotedFor:        rs.votedFor,
		HasVotedFor:     rs.hasVotedFor,
		CommittedQuorum: rs.committedQuorum,
	})
}

// RegisterOnReplicateCallback registers cb to fire the first time any
// OpId >= id replicates. It fails with AlreadyPresent if that has already
// happened.
func (rs *ReplicaState) RegisterOnReplicateCallback(id OpId, cb OperationCallback) error {
	if id.LessOrEqual(rs.replicatedOpId) {
		return alreadyPresent(fmt.Sprintf("RegisterOnReplicateCallback: %s already replicated", id))
	}
	rs.replicateWatchers.Register(id, cb)
	return nil
}

// RegisterOnCommitCallback registers cb to fire when exactly id commits.
// It fails with AlreadyPresent if id has already replicated and is no
// longer in pending_txns (meaning it already committed).
func (rs *ReplicaState) RegisterOnCommitCallback(id OpId, cb OperationCallback) error {
	_, stillPending := rs.pendingTxns.Get(&pendingTxnItem{id: id}).(*pendingTxnItem)
	if id.LessOrEqual(rs.replicatedOpId) && !stillPending {
		return alreadyPresent(fmt.Sprintf("RegisterOnCommitCallback: %s already committed", id))
	}
	rs.commitWatchers.Register(id, cb)
	return nil
}

// PendingOpsLenUnlocked reports the size of pending_txns.
func (rs *ReplicaState) PendingOpsLenUnlocked() int {
	return rs.pendingTxns.Len()
}

// InFlightCommitsLenUnlocked reports the size of in_flight_commits.
func (rs *ReplicaState) InFlightCommitsLenUnlocked() int {
	return len(rs.inFlightCommits)
}
