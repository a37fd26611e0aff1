package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"replicacore/internal/configuration"
	"replicacore/internal/consensus"
	"replicacore/internal/logging"
	"replicacore/internal/raft"
	"replicacore/internal/raft/coordinator"
	"replicacore/internal/txn"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	cfg, err := configuration.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return
	}

	logging.Init(cfg.Application.LogLevel)
	slog.Info("starting replicacore node", "node_id", cfg.Raft.NodeId)

	localRaftAddr := net.JoinHostPort(cfg.Transport.Address, cfg.Transport.RaftPort)
	localClientAddr := net.JoinHostPort(cfg.Transport.Address, cfg.Transport.ClientPort)

	_, alreadyKnown := cfg.Raft.RaftPeers[cfg.Raft.NodeId]
	join := len(cfg.Raft.RaftPeers) > 0 && !alreadyKnown

	node, err := raft.NewNode(&cfg.Raft, localRaftAddr, join)
	if err != nil {
		slog.Error("failed to bootstrap raft node", "error", err)
		return
	}

	consensusCfg, err := raft.NewConsensusConfig(&cfg.Consensus, cfg.Raft.StorageBaseDir)
	if err != nil {
		slog.Error("invalid consensus configuration", "error", err)
		return
	}
	consensus.SetFatalInvariantPanics(!cfg.Consensus.DisableFatalInvariantPanic)

	metadataStore, err := consensus.OpenMetadataStore(consensusCfg.MetadataDir)
	if err != nil {
		slog.Error("failed to open metadata store", "error", err)
		return
	}
	defer metadataStore.Close()

	dispatchPool := consensus.NewCallbackDispatchPool(consensusCfg.PoolWorkers, consensusCfg.PoolQueueSize)
	defer dispatchPool.Close()

	replicaState, err := consensus.NewReplicaState(localRaftAddr, metadataStore, dispatchPool, nil)
	if err != nil {
		slog.Error("failed to initialize replica state", "error", err)
		return
	}

	transport := raft.NewLoggingTransport()
	for peerID, addr := range cfg.Raft.RaftPeers {
		transport.AddPeer(peerID, addr, cfg.Raft.ClientPeers[peerID])
	}

	participant := txn.NewParticipant()
	clock := txn.NewHybridClock()
	tablet := txn.NewMemoryTablet()

	coordCfg := coordinator.NewConfigFromProperties(&cfg.Raft, localRaftAddr, localClientAddr)
	coord := coordinator.New(node, transport, replicaState, participant, tablet, clock, coordCfg)

	coord.Start()
	slog.Info("replicacore node ready", "node_id", cfg.Raft.NodeId, "raft_addr", localRaftAddr)

	<-ctx.Done()

	slog.Info("shutting down replicacore node", "node_id", cfg.Raft.NodeId)
	coord.Stop()
}
