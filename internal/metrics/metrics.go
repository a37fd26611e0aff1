package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RaftIsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "is_leader",
		Help:      "Whether this node is the Raft leader (1=leader, 0=follower)",
	})

	RaftTerm = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "term",
		Help:      "Current Raft term",
	})

	RaftCommitIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "commit_index",
		Help:      "Current Raft commit index",
	})

	RaftAppliedIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "applied_index",
		Help:      "Last applied Raft index",
	})

	RaftSnapshotIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "snapshot_index",
		Help:      "Last snapshot index",
	})

	RaftPeersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "peers_total",
		Help:      "Number of Raft peers",
	})

	RaftMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "messages_total",
		Help:      "Total Raft messages sent/received",
	}, []string{"direction", "type"})

	RaftMessageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "message_errors_total",
		Help:      "Total Raft message errors",
	}, []string{"peer_id"})

	RaftProposalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "proposals_total",
		Help:      "Total proposals submitted",
	})

	RaftProposalsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "proposals_failed_total",
		Help:      "Total failed proposals",
	})

	RaftSnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "snapshots_total",
		Help:      "Total snapshots taken",
	})

	RaftSnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "snapshot_duration_seconds",
		Help:      "Time to create snapshot",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "command",
		Name:      "total",
		Help:      "Total commands processed",
	}, []string{"type", "status"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "replicacore",
		Subsystem: "command",
		Name:      "duration_seconds",
		Help:      "Command processing duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"type"})

	CommandsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "command",
		Name:      "in_flight",
		Help:      "Commands currently being processed",
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "replicacore",
		Subsystem: "batch",
		Name:      "size",
		Help:      "Number of commands per batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	BatchFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "batch",
		Name:      "flush_total",
		Help:      "Total batch flushes",
	}, []string{"reason"})

	BatchPendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "batch",
		Name:      "pending_commands",
		Help:      "Commands waiting in batch",
	})

	StorageKeysTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "storage",
		Name:      "keys_total",
		Help:      "Total keys in storage",
	})

	StorageOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Total storage operations",
	}, []string{"operation"})

	StorageSnapshotSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "storage",
		Name:      "snapshot_size_bytes",
		Help:      "Size of last snapshot in bytes",
	})

	ReadIndexTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "read_index_total",
		Help:      "Total read index requests",
	}, []string{"status"})

	ReadIndexDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "read_index_duration_seconds",
		Help:      "Read index request duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
	})

	WALWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "wal",
		Name:      "writes_total",
		Help:      "Total WAL writes",
	})

	WALWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "replicacore",
		Subsystem: "wal",
		Name:      "write_duration_seconds",
		Help:      "WAL write duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	WALSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "replicacore",
		Subsystem: "wal",
		Name:      "sync_duration_seconds",
		Help:      "WAL sync duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	ConsensusReceivedWatermark = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "consensus",
		Name:      "received_watermark",
		Help:      "Index of the last operation received from the leader",
	})

	ConsensusReplicatedWatermark = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "consensus",
		Name:      "replicated_watermark",
		Help:      "Index of the last operation known to be replicated to a majority",
	})

	ConsensusLastAppliedWatermark = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "consensus",
		Name:      "last_applied_watermark",
		Help:      "Index of the last operation applied to the state machine",
	})

	ConsensusPendingOpsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "consensus",
		Name:      "pending_ops_total",
		Help:      "Number of operations in the pending transactions table",
	})

	ConsensusInFlightCommitsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "consensus",
		Name:      "in_flight_commits_total",
		Help:      "Number of commits that have been ordered but not yet finished applying",
	})

	ConsensusTermChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "consensus",
		Name:      "term_changes_total",
		Help:      "Total number of times the current term advanced",
	})

	ConsensusParticipantOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "consensus",
		Name:      "participant_ops_total",
		Help:      "Total transaction participant operations processed",
	}, []string{"op_type", "result"})

	ConsensusParticipantOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "replicacore",
		Subsystem: "consensus",
		Name:      "participant_op_duration_seconds",
		Help:      "Time spent driving a participant operation through Prepare/Start/Apply/Finish",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
	}, []string{"op_type"})

	ConsensusCallbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replicacore",
		Subsystem: "consensus",
		Name:      "callback_queue_depth",
		Help:      "Number of replicate/commit callbacks waiting on the dispatch pool",
	})

	LeaderStepDownTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "leader_step_down_total",
		Help:      "Total number of times this node transferred away leadership",
	})

	LeaseReadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replicacore",
		Subsystem: "raft",
		Name:      "lease_reads_total",
		Help:      "Total lease-based reads",
	}, []string{"result"})
)
