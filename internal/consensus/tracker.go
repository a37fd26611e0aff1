package consensus

import (
	"log/slog"
	"sync"
)

// MajorityOpStatusTracker is a per-proposal acknowledgement latch created
// for each leader-initiated ConsensusRound. It counts down to zero as
// voting peers acknowledge replication, independently of the unconditional
// replicated_count used to detect when every peer (voting or not) has
// acked.
//
// Go has no destructors, so the "warn if abandoned while incomplete"
// behaviour is implemented as an explicit Release, called by the owning
// ConsensusRound's cleanup path instead of a finalizer.
type MajorityOpStatusTracker struct {
	mu sync.Mutex

	votingPeers     map[string]struct{}
	majority        int
	totalPeerCount  int
	remaining       int
	replicatedCount int
	done            chan struct{}
	doneClosed      bool
	released        bool
}

// NewMajorityOpStatusTracker creates a tracker for a round replicated to
// votingPeers, requiring majority acks to be considered done.
func NewMajorityOpStatusTracker(votingPeers map[string]struct{}, majority, totalPeerCount int) *MajorityOpStatusTracker {
	t := &MajorityOpStatusTracker{
		votingPeers:    votingPeers,
		majority:       majority,
		totalPeerCount: totalPeerCount,
		remaining:      majority,
		done:           make(chan struct{}),
	}
	if majority <= 0 {
		t.closeDoneLocked()
	}
	return t
}

// AckPeer records an acknowledgement from uuid. The latch only counts down
// for voting peers; replicatedCount counts every call unconditionally,
// including repeat acks re-delivered for the same peer — callers that
// must not double-count a peer are responsible for deduplicating before
// calling AckPeer, the same contract the original implementation places
// on its own callers.
func (t *MajorityOpStatusTracker) AckPeer(uuid string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, voting := t.votingPeers[uuid]; voting {
		t.remaining--
		if t.remaining <= 0 {
			t.closeDoneLocked()
		}
	}

	t.replicatedCount++
	if t.replicatedCount > t.totalPeerCount {
		slog.Warn("majority op status tracker over-acked",
			"replicated_count", t.replicatedCount,
			"total_peers", t.totalPeerCount,
		)
	}
}

func (t *MajorityOpStatusTracker) closeDoneLocked() {
	if !t.doneClosed {
		t.doneClosed = true
		close(t.done)
	}
}

// IsDone reports whether the majority latch has reached zero.
func (t *MajorityOpStatusTracker) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneClosed
}

// IsAllDone reports whether every tracked peer (voting or not) has acked.
func (t *MajorityOpStatusTracker) IsAllDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replicatedCount >= t.totalPeerCount
}

// Wait blocks until the majority latch reaches zero.
func (t *MajorityOpStatusTracker) Wait() {
	<-t.done
}

// Release is the non-blocking destructor substitute: call it exactly once
// when the owning round is discarded, whether or not it ever reached
// IsDone. It logs a warning on the incomplete case, mirroring the
// destructor-warns-if-incomplete behaviour.
func (t *MajorityOpStatusTracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	if !t.doneClosed {
		slog.Warn("majority op status tracker discarded before majority acked",
			"remaining", t.remaining,
			"replicated_count", t.replicatedCount,
			"total_peers", t.totalPeerCount,
		)
	}
}
