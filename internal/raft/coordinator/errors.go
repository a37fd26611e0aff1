package coordinator

import "errors"

var (
	ErrNotLeader = errors.New("not leader")

	ErrShuttingDown = errors.New("shutting down")

	ErrNoLeader = errors.New("no leader")

	ErrAlreadyVoter = errors.New("already voter")

	ErrAlreadyLearner = errors.New("already learner")

	// ErrReplicaNotRunning is returned when a participant op is proposed
	// against a replica whose ReplicaState has not finished Start (or has
	// begun shutdown): there is nowhere for the op's apply-time watermark
	// bookkeeping to land yet.
	ErrReplicaNotRunning = errors.New("replica not running")
)
