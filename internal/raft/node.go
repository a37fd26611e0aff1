package raft

import (
	"context"
	"sync"

	"replicacore/internal/configuration/properties"
	"replicacore/internal/raft/ports"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// Node adapts a bootstrapped etcd-raft node and its WAL storage to the
// ports.RaftNode contract this module's coordinator depends on, so the
// coordinator never imports go.etcd.io/raft/v3 bootstrap details directly.
type Node struct {
	id      uint64
	inner   etcdraft.Node
	storage *Storage

	mu        sync.Mutex
	confState raftpb.ConfState
	isJoining bool
}

// NewNode bootstraps (or restarts) an etcd-raft node from rc and wraps it
// as a ports.RaftNode. join reports whether this node is joining an
// already-running cluster rather than forming or restarting one.
func NewNode(rc *properties.RaftConfigProperties, localAddr string, join bool) (*Node, error) {
	cfg, err := newNodeConfig(rc, localAddr)
	if err != nil {
		return nil, err
	}

	return &Node{
		id:        rc.NodeId,
		inner:     cfg.raftNode,
		storage:   cfg.storage,
		isJoining: join,
	}, nil
}

func (n *Node) Propose(ctx context.Context, data []byte) error {
	return n.inner.Propose(ctx, data)
}

func (n *Node) ReadIndex(ctx context.Context, rctx []byte) error {
	return n.inner.ReadIndex(ctx, rctx)
}

func (n *Node) ProposeConfChange(ctx context.Context, cc raftpb.ConfChange) error {
	return n.inner.ProposeConfChange(ctx, cc)
}

func (n *Node) Status() etcdraft.Status {
	return n.inner.Status()
}

func (n *Node) Tick() {
	n.inner.Tick()
}

func (n *Node) Ready() <-chan etcdraft.Ready {
	return n.inner.Ready()
}

func (n *Node) Step(ctx context.Context, msg raftpb.Message) error {
	return n.inner.Step(ctx, msg)
}

func (n *Node) Advance() {
	n.inner.Advance()
}

func (n *Node) TransferLeadership(ctx context.Context, lead, transferee uint64) {
	n.inner.TransferLeadership(ctx, lead, transferee)
}

func (n *Node) ApplyConfChange(cc raftpb.ConfChange) *raftpb.ConfState {
	return n.inner.ApplyConfChange(cc)
}

func (n *Node) Stop() {
	n.inner.Stop()
	n.storage.Close()
}

func (n *Node) ID() uint64 {
	return n.id
}

func (n *Node) ConfState() raftpb.ConfState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.confState
}

func (n *Node) SetConfState(cs raftpb.ConfState) {
	n.mu.Lock()
	n.confState = cs
	n.mu.Unlock()
}

// RestoreFromConfState seeds ConfState from whatever was last persisted,
// so GetPeerAddr/peer-reconciliation logic has a conf state to read
// before the first Ready arrives.
func (n *Node) RestoreFromConfState() {
	n.SetConfState(n.storage.ConfState())
}

func (n *Node) IsJoining() bool {
	return n.isJoining
}

func (n *Node) Storage() ports.WALStorage {
	return n.storage
}
