package sigcomm

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrListenerOwnsEndpoint is returned by RecvSignal on a coordinator whose
	// background listener is the sole reader of its endpoint.
	ErrListenerOwnsEndpoint = errors.New("endpoint is owned by the coordinator listener")
	// ErrTransportClosed is returned by signal operations after Close.
	ErrTransportClosed = errors.New("transport is closed")
)

// ConfigError indicates a required external identifier is missing or
// malformed. It is fatal at startup.
type ConfigError struct {
	// Var is the environment variable or parameter that was rejected.
	Var   string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config: %s: %v", e.Var, e.Err)
	}
	return fmt.Sprintf("config: %s=%q: %v", e.Var, e.Value, e.Err)
}

func (e *ConfigError) Cause() error  { return e.Err }
func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError wraps an OS or group library failure on bind, send or
// receive.
type TransportError struct {
	Op        string
	LocalRank int
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v, localRank=%d", e.Op, e.Err, e.LocalRank)
}

func (e *TransportError) Cause() error  { return e.Err }
func (e *TransportError) Unwrap() error { return e.Err }

// BufferOverflowError indicates a message longer than the caller's buffer.
// Peers disagreeing on message sizes is a protocol mismatch, not a transient
// condition.
type BufferOverflowError struct {
	Op        string
	Len       int
	Max       int
	LocalRank int
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("%s: message len=%d exceeds max_len=%d, localRank=%d", e.Op, e.Len, e.Max, e.LocalRank)
}

// BroadcastError reports the peer whose send aborted a broadcast. Peers with a
// lower local rank than Peer (other than Root) were already signaled.
type BroadcastError struct {
	Root int
	Peer int
	Err  error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast from root %d aborted at peer %d: %v", e.Root, e.Peer, e.Err)
}

func (e *BroadcastError) Cause() error  { return e.Err }
func (e *BroadcastError) Unwrap() error { return e.Err }

func transportErr(op string, localRank int, err error) error {
	return &TransportError{Op: op, LocalRank: localRank, Err: err}
}
