package participant

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"replicacore/internal/txn"
)

const requestRecordType byte = 1

// EncodeRequest frames a Request into the payload carried by a raft log
// entry, so a participant op proposed on the leader decodes back into the
// same Request on every follower that applies it.
func EncodeRequest(req Request) []byte {
	var buf bytes.Buffer
	var u64 [8]byte

	buf.WriteByte(requestRecordType)

	binary.BigEndian.PutUint64(u64[:], uint64(req.TxnID))
	buf.Write(u64[:])

	buf.WriteByte(byte(req.Type))

	binary.BigEndian.PutUint64(u64[:], req.FinalizedCommitTimestamp)
	buf.Write(u64[:])

	binary.BigEndian.PutUint64(u64[:], req.Timestamp)
	buf.Write(u64[:])

	return buf.Bytes()
}

// DecodeRequest reverses EncodeRequest.
func DecodeRequest(data []byte) (Request, error) {
	r := bytes.NewReader(data)
	var u64 [8]byte

	recType, err := r.ReadByte()
	if err != nil {
		return Request{}, fmt.Errorf("read record type: %w", err)
	}
	if recType != requestRecordType {
		return Request{}, fmt.Errorf("unexpected participant request record type %d", recType)
	}

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return Request{}, fmt.Errorf("read txn id: %w", err)
	}
	txnID := int64(binary.BigEndian.Uint64(u64[:]))

	kind, err := r.ReadByte()
	if err != nil {
		return Request{}, fmt.Errorf("read op kind: %w", err)
	}

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return Request{}, fmt.Errorf("read finalized commit timestamp: %w", err)
	}
	finalizedTS := binary.BigEndian.Uint64(u64[:])

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return Request{}, fmt.Errorf("read op timestamp: %w", err)
	}
	ts := binary.BigEndian.Uint64(u64[:])

	return Request{
		TxnID:                    txnID,
		Type:                     txn.OpKind(kind),
		FinalizedCommitTimestamp: finalizedTS,
		Timestamp:                ts,
	}, nil
}
