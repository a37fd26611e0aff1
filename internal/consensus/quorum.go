package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Role is a peer's role within a Quorum.
type Role int

const (
	RoleNonParticipant Role = iota
	RoleLeader
	RoleFollower
	RoleCandidate
	RoleLearner
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "LEADER"
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleLearner:
		return "LEARNER"
	default:
		return "NON_PARTICIPANT"
	}
}

// Peer is one member of a Quorum.
type Peer struct {
	PermanentUUID string
	Role          Role
}

// Quorum is the configured set of peers for a tablet, plus a monotonically
// increasing config sequence number.
type Quorum struct {
	Peers  []Peer
	SeqNo  uint64
}

// Clone returns a deep copy, since ReplicaState must never let callers
// mutate a Quorum it has already stored.
func (q Quorum) Clone() Quorum {
	peers := make([]Peer, len(q.Peers))
	copy(peers, q.Peers)
	return Quorum{Peers: peers, SeqNo: q.SeqNo}
}

// CanonicalBytes produces a deterministic byte encoding of the Quorum, used
// to compare two Quorums for equality the way the pending/committed quorum
// equality check in the consensus state does. Field order is fixed and never
// depends on map iteration, so the encoding is stable across process
// restarts.
func (q Quorum) CanonicalBytes() []byte {
	var buf bytes.Buffer
	var u64 [8]byte

	binary.BigEndian.PutUint64(u64[:], q.SeqNo)
	buf.Write(u64[:])

	binary.BigEndian.PutUint64(u64[:], uint64(len(q.Peers)))
	buf.Write(u64[:])

	for _, p := range q.Peers {
		binary.BigEndian.PutUint64(u64[:], uint64(len(p.PermanentUUID)))
		buf.Write(u64[:])
		buf.WriteString(p.PermanentUUID)
		binary.BigEndian.PutUint64(u64[:], uint64(p.Role))
		buf.Write(u64[:])
	}

	return buf.Bytes()
}

// Equal reports canonical-serialisation equality between two Quorums.
func (q Quorum) Equal(other Quorum) bool {
	return bytes.Equal(q.CanonicalBytes(), other.CanonicalBytes())
}

// LeaderUUID returns the permanent UUID of the peer with role LEADER, or ""
// if there is none. At most one peer may hold role LEADER; this is a
// precondition callers of SetPendingQuorumUnlocked/SetCommittedQuorumUnlocked
// are expected to uphold.
func (q Quorum) LeaderUUID() string {
	for _, p := range q.Peers {
		if p.Role == RoleLeader {
			return p.PermanentUUID
		}
	}
	return ""
}

func (q Quorum) String() string {
	return fmt.Sprintf("Quorum{seqno=%d, peers=%d}", q.SeqNo, len(q.Peers))
}
