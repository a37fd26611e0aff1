package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"replicacore/internal/consensus"
	"replicacore/internal/metrics"
	"replicacore/internal/ops/participant"
	"replicacore/internal/raft/ops"
	"time"

	etcdraft "go.etcd.io/raft/v3"
)

// ProposeParticipantOp assigns req its consensus-round timestamp and
// proposes it to the raft log. The timestamp is assigned exactly once,
// here, on whichever replica calls Propose — never re-derived by a
// follower at apply time — so every replica that later applies the
// resulting committed entry (internal/raft/coordinator/apply.go) drives
// the participant op with the identical value. Returns ErrNotLeader
// without proposing if this replica is not currently leader, since only
// the leader's clock reading is meaningful for a round about to be
// replicated.
func (c *Coordinator) ProposeParticipantOp(ctx context.Context, req participant.Request) error {
	if !c.IsLeader() {
		return ErrNotLeader
	}

	if c.replicaState != nil {
		lock, err := c.replicaState.LockForRead()
		if err != nil {
			return fmt.Errorf("propose participant op: %w", err)
		}
		state := c.replicaState.StateUnlocked()
		lock.Unlock()
		if state != consensus.Running {
			return ErrReplicaNotRunning
		}
	}

	req.Timestamp = c.clock.Now()

	data := participant.EncodeRequest(req)
	if err := c.node.Propose(ctx, data); err != nil {
		metrics.ConsensusParticipantOpsTotal.WithLabelValues(req.Type.String(), "propose_error").Inc()
		slog.Warn("participant op propose failed", "tablet", c.tabletUUID(), "txn_id", req.TxnID, "op", req.Type.String(), "error", err)
		return fmt.Errorf("propose participant op: %w", err)
	}

	return nil
}

func (c *Coordinator) doReadIndex(ctx context.Context) (uint64, error) {
	start := time.Now()

	if c.node.Status().Lead == 0 {
		slog.Debug("read index failed: no leader", "node_id", c.node.ID(), "tablet", c.tabletUUID())
		metrics.ReadIndexTotal.WithLabelValues("no_leader").Inc()
		return 0, ErrNoLeader
	}

	if c.leaseBasedRead {
		if c.node.Status().RaftState != etcdraft.StateLeader {
			metrics.LeaseReadTotal.WithLabelValues("not_leader").Inc()
			return 0, ErrNotLeader
		}
	}

	reqID := c.idGen.Next()
	reqCtx := ops.EncodeReadIndexContext(reqID)
	reqCtxKey := string(reqCtx)

	ch := make(chan uint64, 1)
	c.registerReadWaiter(reqCtxKey, ch)
	defer c.unregisterReadWaiter(reqCtxKey)

	if err := c.node.ReadIndex(ctx, reqCtx); err != nil {
		slog.Debug("read index request failed", "node_id", c.node.ID(), "error", err)
		metrics.ReadIndexTotal.WithLabelValues("error").Inc()
		if c.leaseBasedRead {
			metrics.LeaseReadTotal.WithLabelValues("error").Inc()
		}
		return 0, fmt.Errorf("ReadIndex: %w", err)
	}

	select {
	case idx := <-ch:
		slog.Debug("read index received", "node_id", c.node.ID(), "index", idx)
		metrics.ReadIndexTotal.WithLabelValues("success").Inc()
		metrics.ReadIndexDuration.Observe(time.Since(start).Seconds())
		if c.leaseBasedRead {
			metrics.LeaseReadTotal.WithLabelValues("success").Inc()
		}
		return idx, nil

	case <-ctx.Done():
		slog.Debug("read index timeout", "node_id", c.node.ID())
		metrics.ReadIndexTotal.WithLabelValues("timeout").Inc()
		if c.leaseBasedRead {
			metrics.LeaseReadTotal.WithLabelValues("timeout").Inc()
		}
		return 0, ctx.Err()
	}
}

func (c *Coordinator) registerReadWaiter(key string, ch chan uint64) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.readWaiters[key] = &readWaiter{index: 0, ch: ch}
}

func (c *Coordinator) unregisterReadWaiter(key string) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	delete(c.readWaiters, key)
}

func (c *Coordinator) handleReadStates(readStates []etcdraft.ReadState) {
	if len(readStates) == 0 {
		return
	}

	slog.Debug("handling read states", "count", len(readStates))
	lastApplied := c.LastApplied()

	c.readMu.Lock()
	defer c.readMu.Unlock()

	for _, rs := range readStates {
		ctxKey := string(rs.RequestCtx)
		waiter, ok := c.readWaiters[ctxKey]
		if !ok {
			continue
		}

		if rs.Index > waiter.index {
			waiter.index = rs.Index
		}

		if lastApplied >= waiter.index {
			select {
			case waiter.ch <- waiter.index:
			default:
			}
			delete(c.readWaiters, ctxKey)
		}
	}
}

func (c *Coordinator) completeReadWaiters(lastApplied uint64) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	completed := 0
	for ctxKey, w := range c.readWaiters {
		if w == nil || w.index == 0 {
			continue
		}
		if lastApplied >= w.index {
			select {
			case w.ch <- w.index:
			default:
			}
			delete(c.readWaiters, ctxKey)
			completed++
		}
	}
	if completed > 0 {
		slog.Debug("completed read waiters", "count", completed, "lastApplied", lastApplied)
	}
}

func (c *Coordinator) cancelAllReadWaiters() {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for key, w := range c.readWaiters {
		if w != nil && w.ch != nil {
			close(w.ch)
		}
		delete(c.readWaiters, key)
	}
}

func (c *Coordinator) registerAppliedWaiter(index uint64) (string, chan uint64) {
	key := ops.EncodeAppliedWaiterKey(index, c.idGen.Next())
	ch := make(chan uint64, 1)

	c.readMu.Lock()
	c.readWaiters[key] = &readWaiter{index: index, ch: ch}
	c.readMu.Unlock()

	return key, ch
}
