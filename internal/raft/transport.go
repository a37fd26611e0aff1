package raft

import (
	"log/slog"
	"sync"
	"time"

	"replicacore/internal/raft/ports"

	"go.etcd.io/raft/v3/raftpb"
)

// LoggingTransport is a minimal ports.Transport implementation that
// tracks peer addresses but performs no actual network I/O. The wire
// encoding a real peer-to-peer sender would use is out of this module's
// scope (it is the "thin request/response wire glue" the core consumes
// through an interface rather than implements); this stand-in lets the
// coordinator run end-to-end against a single node, or against peers
// fronted by an externally supplied Transport, while logging every send
// it would otherwise have to perform.
type LoggingTransport struct {
	mu         sync.Mutex
	raftAddrs  map[uint64]string
	clientAddr map[uint64]string
}

// NewLoggingTransport creates an empty transport with no peers known.
func NewLoggingTransport() *LoggingTransport {
	return &LoggingTransport{
		raftAddrs:  make(map[uint64]string),
		clientAddr: make(map[uint64]string),
	}
}

func (t *LoggingTransport) AddPeer(nodeID uint64, raftAddr, clientAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.raftAddrs[nodeID] = raftAddr
	t.clientAddr[nodeID] = clientAddr
}

func (t *LoggingTransport) GetPeerAddrs(nodeID uint64) (raftAddr, clientAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.raftAddrs[nodeID], t.clientAddr[nodeID]
}

func (t *LoggingTransport) AllPeers() (raftPeers, clientPeers map[uint64]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	raftPeers = make(map[uint64]string, len(t.raftAddrs))
	clientPeers = make(map[uint64]string, len(t.clientAddr))
	for id, addr := range t.raftAddrs {
		raftPeers[id] = addr
	}
	for id, addr := range t.clientAddr {
		clientPeers[id] = addr
	}
	return raftPeers, clientPeers
}

func (t *LoggingTransport) Peers() map[uint64]string {
	raftPeers, _ := t.AllPeers()
	return raftPeers
}

func (t *LoggingTransport) InitPeerClient(nodeID uint64, raftAddr string) error {
	slog.Debug("transport stand-in: init peer client", "node_id", nodeID, "raft_addr", raftAddr)
	return nil
}

func (t *LoggingTransport) StartPeerSender(nodeID uint64, queueSize int) {
	slog.Debug("transport stand-in: start peer sender", "node_id", nodeID, "queue_size", queueSize)
}

func (t *LoggingTransport) StopPeerSender(nodeID uint64) {
	slog.Debug("transport stand-in: stop peer sender", "node_id", nodeID)
}

func (t *LoggingTransport) ClosePeerClient(nodeID uint64) error {
	slog.Debug("transport stand-in: close peer client", "node_id", nodeID)
	return nil
}

func (t *LoggingTransport) RemovePeer(nodeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.raftAddrs, nodeID)
	delete(t.clientAddr, nodeID)
}

func (t *LoggingTransport) SendMessages(msgs []raftpb.Message) {
	for _, m := range msgs {
		slog.Debug("transport stand-in: would send raft message",
			"type", m.Type.String(), "to", m.To, "from", m.From)
	}
}

func (t *LoggingTransport) DrainMessageQueues(timeout time.Duration) {}

func (t *LoggingTransport) GetLeaderClient(nodeID uint64) (ports.LeaderClient, bool) {
	return nil, false
}
