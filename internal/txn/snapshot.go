package txn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const participantSnapshotRecordType byte = 1

// MarshalSnapshot encodes every tracked slot's id and state into a
// point-in-time payload suitable for a Raft snapshot. Slots mid-commit
// (Committing, holding a live MVCC op) are captured by state only: the
// held op itself is a runtime handle into the MVCC/storage collaborator
// and is never serialized, matching this registry's op-id-based replay
// story where a restored follower rebuilds any needed op by re-driving
// commands after the snapshot index rather than restoring live handles.
func (p *Participant) MarshalSnapshot() ([]byte, error) {
	snap := p.Snapshot()

	var buf bytes.Buffer
	var u64 [8]byte

	buf.WriteByte(participantSnapshotRecordType)

	binary.BigEndian.PutUint64(u64[:], uint64(len(snap)))
	buf.Write(u64[:])

	for txnID, state := range snap {
		binary.BigEndian.PutUint64(u64[:], uint64(txnID))
		buf.Write(u64[:])
		binary.BigEndian.PutUint64(u64[:], uint64(state))
		buf.Write(u64[:])
	}

	return buf.Bytes(), nil
}

// RestoreSnapshot replaces the registry's contents with the slots encoded
// in data. Restored slots are marked initialized at their recorded
// state; a slot is never restored into Open via ClearUninitializedLocked,
// since a snapshotted Open slot genuinely began and must stay begun.
func (p *Participant) RestoreSnapshot(data []byte) error {
	if len(data) == 0 {
		p.mu.Lock()
		p.slots = make(map[int64]*Txn)
		p.mu.Unlock()
		return nil
	}

	r := bytes.NewReader(data)
	var u64 [8]byte

	recType, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("read record type: %w", err)
	}
	if recType != participantSnapshotRecordType {
		return fmt.Errorf("unexpected participant snapshot record type %d", recType)
	}

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return fmt.Errorf("read slot count: %w", err)
	}
	count := binary.BigEndian.Uint64(u64[:])

	slots := make(map[int64]*Txn, count)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return fmt.Errorf("read txn id: %w", err)
		}
		txnID := int64(binary.BigEndian.Uint64(u64[:]))

		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return fmt.Errorf("read txn state: %w", err)
		}
		state := State(binary.BigEndian.Uint64(u64[:]))

		t := NewTxn(txnID)
		t.initialized = true
		t.state = state
		slots[txnID] = t
	}

	p.mu.Lock()
	p.slots = slots
	p.mu.Unlock()

	return nil
}
