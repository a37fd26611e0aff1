package consensus

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// fatalInvariantPanics controls whether fatalInvariant panics (the default,
// matching the original's hard-assertion/process-abort behaviour) or logs
// and lets the caller continue. SetFatalInvariantPanics exists for tests
// that need to exercise a violated-invariant path without crashing the
// test binary; production wiring leaves it at the default.
var fatalInvariantPanics atomic.Bool

func init() {
	fatalInvariantPanics.Store(true)
}

// SetFatalInvariantPanics configures process-wide whether fatalInvariant
// panics or logs and returns. Driven by
// !ConsensusProperties.DisableFatalInvariantPanic.
func SetFatalInvariantPanics(panics bool) {
	fatalInvariantPanics.Store(panics)
}

// ErrorKind classifies a recoverable consensus error. Fatal invariant
// violations are not represented here: they panic instead, since they
// indicate a protocol bug rather than a condition callers can react to.
type ErrorKind int

const (
	KindInvalidArgument ErrorKind = iota
	KindIllegalState
	KindServiceUnavailable
	KindAlreadyPresent
	KindIOError
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindIllegalState:
		return "IllegalState"
	case KindServiceUnavailable:
		return "ServiceUnavailable"
	case KindAlreadyPresent:
		return "AlreadyPresent"
	case KindIOError:
		return "IOError"
	default:
		return "Unknown"
	}
}

// StatusError is the error type every ReplicaState entry point returns on
// failure. Callers that need to branch on the failure kind should use
// errors.As against *StatusError rather than string-matching Error().
type StatusError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func newStatusError(kind ErrorKind, msg string, cause error) *StatusError {
	return &StatusError{Kind: kind, Msg: msg, Err: cause}
}

func invalidArgument(msg string) *StatusError {
	return newStatusError(KindInvalidArgument, msg, nil)
}

func illegalState(msg string) *StatusError {
	return newStatusError(KindIllegalState, msg, nil)
}

func serviceUnavailable(msg string) *StatusError {
	return newStatusError(KindServiceUnavailable, msg, nil)
}

func alreadyPresent(msg string) *StatusError {
	return newStatusError(KindAlreadyPresent, msg, nil)
}

func ioError(msg string, cause error) *StatusError {
	return newStatusError(KindIOError, msg, cause)
}

// fatalInvariant panics on a violation that should never be reachable
// absent a protocol bug: watermark regression, a duplicate pending_txns
// insert, removing an OpId absent from in_flight_commits, or a
// pending/committed quorum mismatch on persist. Callers hold update_lock
// at the point this fires, so the panic unwinds through one intent method.
// When SetFatalInvariantPanics(false) is in effect it logs instead,
// letting the caller's subsequent assignment proceed.
func fatalInvariant(format string, args ...any) {
	msg := fmt.Sprintf("consensus: fatal invariant violated: "+format, args...)
	if !fatalInvariantPanics.Load() {
		slog.Error(msg)
		return
	}
	panic(msg)
}
