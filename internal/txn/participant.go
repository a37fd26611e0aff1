package txn

import "sync"

// Participant is the process-wide, per-tablet registry of transaction
// participant slots. It is the Go analogue of TxnParticipant:
// get_or_create is the only way a ParticipantOp reaches a Txn.
type Participant struct {
	mu    sync.Mutex
	slots map[int64]*Txn
}

// NewParticipant creates an empty registry.
func NewParticipant() *Participant {
	return &Participant{slots: make(map[int64]*Txn)}
}

// GetOrCreate returns the slot for txnID, creating a fresh one on first
// sight. logAnchorRegistry is accepted and ignored, matching the
// interface's opaque pass-through contract.
func (p *Participant) GetOrCreate(txnID int64, _ LogAnchorRegistry) *Txn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.slots[txnID]; ok {
		return t
	}
	t := NewTxn(txnID)
	p.slots[txnID] = t
	return t
}

// Clear removes the slot for txnID entirely, used to roll back a failed
// BEGIN_TXN so a later retry sees a genuinely fresh slot rather than one
// left behind in Open.
func (p *Participant) Clear(txnID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.slots, txnID)
}

// Len reports how many transaction slots are currently tracked. Used for
// the participant-registry snapshot this module exposes for Raft
// snapshotting.
func (p *Participant) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Snapshot returns every tracked slot's id and state, for diagnostics and
// for building a point-in-time snapshot payload.
func (p *Participant) Snapshot() map[int64]State {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[int64]State, len(p.slots))
	for id, t := range p.slots {
		t.AcquireWriteLock()
		out[id] = t.StateLocked()
		t.ReleaseWriteLock()
	}
	return out
}
