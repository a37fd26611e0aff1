package consensus

// QuorumState is a derived, immutable view of a Quorum from one peer's
// perspective. A new QuorumState is built on any quorum change and the
// pointer held by ReplicaState is swapped atomically under update_lock; it
// is never mutated in place.
type QuorumState struct {
	Role         Role
	LeaderUUID   string
	VotingPeers  map[string]struct{}
	MajoritySize int
	QuorumSize   int
	ConfigSeqNo  uint64
}

// RoleChangeValidator is called with the old and new role on every
// QuorumState rebuild. An error it returns is logged and the rebuilt state
// is installed regardless: it cannot block the rebuild. A nil validator
// skips the check.
type RoleChangeValidator func(from, to Role) error

// BuildQuorumState walks the peer list once and derives the QuorumState for
// selfUUID. If selfUUID is not present in the quorum, Role is
// RoleNonParticipant and LeaderUUID may still be populated from another
// peer.
func BuildQuorumState(q Quorum, selfUUID string) *QuorumState {
	qs := &QuorumState{
		Role:        RoleNonParticipant,
		VotingPeers: make(map[string]struct{}),
		QuorumSize:  len(q.Peers),
		ConfigSeqNo: q.SeqNo,
	}

	voting := 0
	for _, p := range q.Peers {
		if p.PermanentUUID == selfUUID {
			qs.Role = p.Role
		}
		switch p.Role {
		case RoleLeader:
			qs.LeaderUUID = p.PermanentUUID
			qs.VotingPeers[p.PermanentUUID] = struct{}{}
			voting++
		case RoleFollower:
			qs.VotingPeers[p.PermanentUUID] = struct{}{}
			voting++
		}
	}

	qs.MajoritySize = voting/2 + 1
	return qs
}

// IsVoter reports whether uuid is a voting (LEADER or FOLLOWER) peer.
func (qs *QuorumState) IsVoter(uuid string) bool {
	_, ok := qs.VotingPeers[uuid]
	return ok
}
