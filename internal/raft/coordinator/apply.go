package coordinator

import (
	"fmt"
	"log/slog"

	"replicacore/internal/consensus"
	"replicacore/internal/ops/participant"
	"replicacore/internal/raft/ops"

	"go.etcd.io/raft/v3/raftpb"
)

// applyEntries drives every committed entry through the participant state
// machine (EntryNormal) or the conf-change machinery (EntryConfChange),
// advancing last_applied as it goes and returning the index it last
// applied.
func (c *Coordinator) applyEntries(entries []raftpb.Entry) (uint64, error) {
	var lastIndex uint64

	for i := range entries {
		entry := &entries[i]

		switch entry.Type {
		case raftpb.EntryNormal:
			if err := c.applyNormalEntry(entry); err != nil {
				return lastIndex, fmt.Errorf("apply entry %d/%d: %w", entry.Term, entry.Index, err)
			}
		case raftpb.EntryConfChange, raftpb.EntryConfChangeV2:
			if err := c.applyConfChangeEntry(entry); err != nil {
				return lastIndex, fmt.Errorf("apply conf change %d/%d: %w", entry.Term, entry.Index, err)
			}
		}

		c.SetLastApplied(entry.Index)
		lastIndex = entry.Index
	}
	return lastIndex, nil
}

// applyNormalEntry advances this replica's consensus watermarks to the
// entry's OpId and, for entries carrying a participant request, drives it
// through the four-phase participant op state machine using the
// timestamp already carried in req.Timestamp — assigned once by the
// leader in ProposeParticipantOp, never re-derived from this replica's
// own clock, so every replica applying the same committed entry agrees on
// the same timestamp. Empty entries are proposed by etcd-raft itself on
// leader election and carry nothing to decode.
func (c *Coordinator) applyNormalEntry(entry *raftpb.Entry) error {
	opID := consensus.OpId{Term: entry.Term, Index: entry.Index}

	if err := c.advanceWatermarks(opID); err != nil {
		return err
	}

	if len(entry.Data) == 0 {
		return nil
	}

	req, err := participant.DecodeRequest(entry.Data)
	if err != nil {
		return fmt.Errorf("decode participant request: %w", err)
	}

	isLeader := c.IsLeader()
	if _, err := participant.Drive(c.participant, c.tablet, c.clock, req, isLeader, opID, req.Timestamp); err != nil {
		slog.Warn("participant op failed to apply",
			"txn_id", req.TxnID,
			"type", req.Type.String(),
			"op_id", opID.String(),
			"error", err,
		)
	}
	return nil
}

// advanceWatermarks updates received/replicated/commit watermarks to
// reflect an entry etcd-raft has already committed. This module does not
// re-thread etcd-raft's own replication through ReplicaState's
// AddPendingOperation/ConsensusRound machinery (that remains a
// leader-proposal-side value object, exercised directly by its own
// tests); it only uses ReplicaState here for the watermark bookkeeping
// layered on top of whatever committed the entry.
func (c *Coordinator) advanceWatermarks(opID consensus.OpId) error {
	lock, err := c.replicaState.LockForCommit()
	if err != nil {
		return fmt.Errorf("lock for commit: %w", err)
	}
	defer lock.Unlock()

	if err := c.replicaState.UpdateLastReceivedOpIdUnlocked(opID); err != nil {
		return err
	}
	if err := c.replicaState.UpdateLastReplicatedOpIdUnlocked(opID); err != nil {
		return err
	}
	return c.replicaState.MarkConsensusCommittedUpToUnlocked(opID)
}

func (c *Coordinator) applyConfChangeEntry(entry *raftpb.Entry) error {
	var cc raftpb.ConfChange
	if err := cc.Unmarshal(entry.Data); err != nil {
		return fmt.Errorf("unmarshal conf change: %w", err)
	}

	confState := c.node.ApplyConfChange(cc)
	c.node.SetConfState(*confState)
	if err := c.node.Storage().SaveConfState(*confState); err != nil {
		return fmt.Errorf("save conf state: %w", err)
	}

	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		raftAddr, clientAddr := ops.DecodePeerMetadata(cc.Context)
		if raftAddr != "" {
			c.transport.AddPeer(cc.NodeID, raftAddr, clientAddr)
		}
	case raftpb.ConfChangeRemoveNode:
		c.transport.RemovePeer(cc.NodeID)
	}

	return nil
}

// applyLeaderSnapshot replaces the participant registry with the contents
// of a snapshot sent by the leader, used when a follower has fallen too
// far behind the log to catch up by replay.
func (c *Coordinator) applyLeaderSnapshot(snap raftpb.Snapshot) error {
	if err := c.participant.RestoreSnapshot(snap.Data); err != nil {
		return fmt.Errorf("restore participant snapshot: %w", err)
	}

	c.node.SetConfState(snap.Metadata.ConfState)
	c.SetLastApplied(snap.Metadata.Index)

	slog.Info("applied leader snapshot",
		"index", snap.Metadata.Index,
		"term", snap.Metadata.Term,
	)
	return nil
}

// recoverState restores whatever was last snapshotted, brings
// ReplicaState into Running at that point, and replays every entry the
// log storage has past the snapshot index, bringing the participant
// registry back to where it was before a restart.
func (c *Coordinator) recoverState() error {
	snapIndex := c.node.Storage().SnapshotIndex()

	if data := c.node.Storage().SnapshotData(); len(data) > 0 {
		if err := c.participant.RestoreSnapshot(data); err != nil {
			return fmt.Errorf("restore participant snapshot at recovery: %w", err)
		}
	}

	lock, err := c.replicaState.LockForStart()
	if err != nil {
		return fmt.Errorf("lock for start: %w", err)
	}
	startErr := c.replicaState.StartUnlocked(consensus.OpId{Index: snapIndex})
	lock.Unlock()
	if startErr != nil {
		return fmt.Errorf("start replica state: %w", startErr)
	}

	entries, err := c.node.Storage().EntriesAfter(snapIndex)
	if err != nil {
		return fmt.Errorf("entries after snapshot index %d: %w", snapIndex, err)
	}

	if len(entries) == 0 {
		c.SetLastApplied(snapIndex)
		return nil
	}

	if _, err := c.applyEntries(entries); err != nil {
		return fmt.Errorf("replay entries from storage: %w", err)
	}
	return nil
}
