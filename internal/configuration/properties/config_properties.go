package properties

import "time"

type ApplicationConfigProperties struct {
	Profile        string `yaml:"profile"`
	LogLevel       string `yaml:"log-level"`
	QuorumWaitTime uint64 `yaml:"quorum-wait-time"`
}

type EtcdConfigProperties struct {
	ElectionTick              int    `yaml:"election-tick"`
	HeartbeatTick             int    `yaml:"heartbeat-tick"`
	MaxSizePerMsg             uint64 `yaml:"max-size-per-msg"`
	MaxInflightMsgs           int    `yaml:"max-inflight-msgs"`
	MaxUncommittedEntriesSize uint64 `yaml:"max-uncommitted-entries-size"`
}

type WriteAheadLogProperties struct {
	NoSync bool `yaml:"no-sync"`
}

type RaftConfigProperties struct {
	NodeId                 uint64                  `yaml:"node-id"`
	RaftPeers              map[uint64]string       `yaml:"raft-peers"`
	ClientPeers            map[uint64]string       `yaml:"client-peers"`
	StorageBaseDir         string                  `yaml:"storage-base-dir"`
	TickInterval           uint64                  `yaml:"tick-interval"`
	SnapCount              uint64                  `yaml:"snap-count"`
	Timeout                uint64                  `yaml:"timeout"`
	StepInboxSize          uint64                  `yaml:"step-inbox-size"`
	SendQueueSize          int                     `yaml:"send-queue-size"`
	Etcd                   EtcdConfigProperties    `yaml:"etcd"`
	BatchSize              int                     `yaml:"batch-size"`
	BatchMaxWait           uint64                  `yaml:"batch-max-wait"`
	Wal                    WriteAheadLogProperties `yaml:"wal"`
	PromotionThreshold     uint64                  `yaml:"promotion-threshold"`
	PromotionCheckInterval uint64                  `yaml:"promotion-check-interval"`
	ServiceDrainTimeout    uint64                  `yaml:"service-drain-timeout"`
	LeaseBasedRead         bool                    `yaml:"lease-based-read"`
}

// TickDuration, PromotionCheckDuration, and ServiceDrainDuration convert
// this struct's millisecond-valued yaml fields into time.Duration for
// callers that need real durations rather than wire-friendly integers.
func (c *RaftConfigProperties) TickDuration() time.Duration {
	return time.Duration(c.TickInterval) * time.Millisecond
}

func (c *RaftConfigProperties) PromotionCheckDuration() time.Duration {
	return time.Duration(c.PromotionCheckInterval) * time.Millisecond
}

func (c *RaftConfigProperties) ServiceDrainDuration() time.Duration {
	return time.Duration(c.ServiceDrainTimeout) * time.Millisecond
}

// ConsensusProperties configures the per-tablet consensus layer: where its
// metadata (term, vote, committed quorum) is durably flushed, how many
// workers drain the callback-dispatch queue, and whether a violated fatal
// invariant aborts the process or only logs — the latter exists for tests
// that need to exercise a violation without crashing the test binary.
type ConsensusProperties struct {
	MetadataDir                string `yaml:"metadata-dir"`
	CallbackPoolWorkers        int    `yaml:"callback-pool-workers"`
	CallbackPoolQueueSize      int    `yaml:"callback-pool-queue-size"`
	DisableFatalInvariantPanic bool   `yaml:"disable-fatal-invariant-panic"`
}

type TransportConfigProperties struct {
	Network              string `yaml:"network"`
	Address              string `yaml:"address"`
	ClientPort           string `yaml:"client-port"`
	RaftPort             string `yaml:"raft-port"`
	Timeout              uint64 `yaml:"timeout"`
	MaxConcurrentStreams uint32 `yaml:"max-concurrent-streams"`
}

type Config struct {
	Application ApplicationConfigProperties `yaml:"app"`
	Transport   TransportConfigProperties   `yaml:"transport"`
	Raft        RaftConfigProperties        `yaml:"raft"`
	Consensus   ConsensusProperties         `yaml:"consensus"`
}
