package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/wal"
)

// PersistentMetadata is the durable half of a ReplicaState: the term,
// vote, and committed quorum that must survive a crash. It is the exact
// analogue of the "one file per tablet" persisted state described for
// this core, kept separate from the Raft log/hardstate storage the host's
// underlying engine already owns.
type PersistentMetadata struct {
	CurrentTerm     uint64
	VotedFor        string
	HasVotedFor     bool
	CommittedQuorum Quorum
}

func (m PersistentMetadata) clone() PersistentMetadata {
	return PersistentMetadata{
		CurrentTerm:     m.CurrentTerm,
		VotedFor:        m.VotedFor,
		HasVotedFor:     m.HasVotedFor,
		CommittedQuorum: m.CommittedQuorum.Clone(),
	}
}

const metadataRecordType byte = 1

// MetadataStore flushes PersistentMetadata to disk with atomic-replace
// semantics: each Flush appends one new record to a tidwall/wal log and
// then truncates everything before it, so a crash mid-flush leaves either
// the previous record or the new one intact, never a partial write. This
// mirrors the record-framing idiom the host's Raft log storage already
// uses, applied to a one-record-deep log instead of an append-only one.
type MetadataStore struct {
	mu      sync.Mutex
	log     *wal.Log
	lastIdx uint64
}

// OpenMetadataStore opens or creates the metadata log rooted at dir.
func OpenMetadataStore(dir string) (*MetadataStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	log, err := wal.Open(filepath.Join(dir, "metadata"), wal.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("wal.Open: %w", err)
	}

	last, err := log.LastIndex()
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("wal.LastIndex: %w", err)
	}

	return &MetadataStore{log: log, lastIdx: last}, nil
}

// Load returns the most recently flushed metadata, or the zero value with
// ok=false if nothing has ever been flushed.
func (s *MetadataStore) Load() (PersistentMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastIdx == 0 {
		return PersistentMetadata{}, false, nil
	}

	data, err := s.log.Read(s.lastIdx)
	if err != nil {
		return PersistentMetadata{}, false, fmt.Errorf("wal.Read(%d): %w", s.lastIdx, err)
	}

	m, err := unmarshalMetadata(data)
	if err != nil {
		return PersistentMetadata{}, false, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, true, nil
}

// Flush durably persists m, replacing whatever was previously persisted.
// A successful return guarantees the bytes survive a crash; a failure
// leaves the previously flushed record (if any) intact and untouched, so
// the caller may safely abort the in-progress intent without a state
// change.
func (s *MetadataStore) Flush(m PersistentMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := marshalMetadata(m)
	nextIdx := s.lastIdx + 1

	if err := s.log.Write(nextIdx, data); err != nil {
		return ioError("wal.Write", err)
	}
	if err := s.log.Sync(); err != nil {
		return ioError("wal.Sync", err)
	}

	if s.lastIdx > 0 {
		if err := s.log.TruncateFront(nextIdx); err != nil {
			return ioError("wal.TruncateFront", err)
		}
	}

	s.lastIdx = nextIdx
	return nil
}

// Close releases the underlying log file.
func (s *MetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Close()
}

func marshalMetadata(m PersistentMetadata) []byte {
	var buf bytes.Buffer
	var u64 [8]byte

	buf.WriteByte(metadataRecordType)

	binary.BigEndian.PutUint64(u64[:], m.CurrentTerm)
	buf.Write(u64[:])

	if m.HasVotedFor {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.BigEndian.PutUint64(u64[:], uint64(len(m.VotedFor)))
	buf.Write(u64[:])
	buf.WriteString(m.VotedFor)

	q := m.CommittedQuorum.CanonicalBytes()
	binary.BigEndian.PutUint64(u64[:], uint64(len(q)))
	buf.Write(u64[:])
	buf.Write(q)

	binary.BigEndian.PutUint64(u64[:], uint64(len(m.CommittedQuorum.Peers)))
	buf.Write(u64[:])
	for _, p := range m.CommittedQuorum.Peers {
		binary.BigEndian.PutUint64(u64[:], uint64(len(p.PermanentUUID)))
		buf.Write(u64[:])
		buf.WriteString(p.PermanentUUID)
		binary.BigEndian.PutUint64(u64[:], uint64(p.Role))
		buf.Write(u64[:])
	}
	binary.BigEndian.PutUint64(u64[:], m.CommittedQuorum.SeqNo)
	buf.Write(u64[:])

	return buf.Bytes()
}

func unmarshalMetadata(data []byte) (PersistentMetadata, error) {
	r := bytes.NewReader(data)

	recType, err := r.ReadByte()
	if err != nil {
		return PersistentMetadata{}, err
	}
	if recType != metadataRecordType {
		return PersistentMetadata{}, fmt.Errorf("unexpected record type %d", recType)
	}

	var m PersistentMetadata
	var u64 [8]byte

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return PersistentMetadata{}, err
	}
	m.CurrentTerm = binary.BigEndian.Uint64(u64[:])

	hasVoted, err := r.ReadByte()
	if err != nil {
		return PersistentMetadata{}, err
	}
	m.HasVotedFor = hasVoted == 1

	votedFor, err := readLenPrefixedString(r, u64[:])
	if err != nil {
		return PersistentMetadata{}, err
	}
	m.VotedFor = votedFor

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return PersistentMetadata{}, err
	}
	canonicalLen := binary.BigEndian.Uint64(u64[:])
	if _, err := r.Seek(int64(canonicalLen), io.SeekCurrent); err != nil {
		return PersistentMetadata{}, err
	}

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return PersistentMetadata{}, err
	}
	peerCount := binary.BigEndian.Uint64(u64[:])

	peers := make([]Peer, 0, peerCount)
	for i := uint64(0); i < peerCount; i++ {
		uuid, err := readLenPrefixedString(r, u64[:])
		if err != nil {
			return PersistentMetadata{}, err
		}
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return PersistentMetadata{}, err
		}
		peers = append(peers, Peer{PermanentUUID: uuid, Role: Role(binary.BigEndian.Uint64(u64[:]))})
	}

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return PersistentMetadata{}, err
	}
	seqNo := binary.BigEndian.Uint64(u64[:])

	m.CommittedQuorum = Quorum{Peers: peers, SeqNo: seqNo}
	return m, nil
}

func readLenPrefixedString(r *bytes.Reader, u64 []byte) (string, error) {
	if _, err := io.ReadFull(r, u64); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint64(u64)
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
