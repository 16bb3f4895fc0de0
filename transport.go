package sigcomm

import (
	"sort"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// MaxSignalLen bounds every control message. Receivers size their buffers to
// it.
const MaxSignalLen = 8000

// SignalTransport moves short control signals between processes on one host.
// Destinations and sources are local ranks, never global ranks.
type SignalTransport interface {
	// SendSignal blocks until the message has been accepted for delivery to
	// the destination local rank.
	SendSignal(dest int, payload []byte) error
	// RecvSignal blocks until exactly one message arrives and returns it with
	// the sender's local rank. A message longer than maxLen is an error, never
	// a truncated payload.
	RecvSignal(maxLen int) (source int, payload []byte, err error)
	// BroadcastSignal sends payload to every local rank except root, one at a
	// time. The first failure aborts the broadcast; earlier peers keep the
	// signal.
	BroadcastSignal(root int, payload []byte) error
	// Close releases the endpoint.
	Close() error
}

// Signaling backends.
const (
	ModeSocket = "socket" // unix datagram sockets, one per local rank
	ModeGroup  = "group"  // cluster-wide message-passing group
)

// DefaultMode is used when neither WithMode nor SIGCOMM_MODE pick one.
const DefaultMode = ModeSocket

// backendConfig carries everything a backend constructor may need.
type backendConfig struct {
	os           osIface
	l            log15.Logger
	socketPrefix string
	group        Group
	fatal        func(error)
}

// newBackendFunc builds a transport and reports the identity it established.
type newBackendFunc func(cfg *backendConfig) (Identity, backend, error)

// backend is a SignalTransport that may need starting after the identity is
// final (the socket coordinator's listener).
type backend interface {
	SignalTransport
	start(id Identity) error
}

var (
	modesMu sync.RWMutex
	modes   = map[string]newBackendFunc{
		ModeSocket: newSocketBackend,
		ModeGroup:  newGroupBackend,
	}
)

// AvailableModes returns the registered backend names, sorted.
func AvailableModes() []string {
	modesMu.RLock()
	defer modesMu.RUnlock()
	result := make([]string, 0, len(modes))
	for name := range modes {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasMode checks if a backend is registered under name.
func HasMode(name string) bool {
	modesMu.RLock()
	defer modesMu.RUnlock()
	_, ok := modes[name]
	return ok
}

func lookupMode(name string) (newBackendFunc, error) {
	modesMu.RLock()
	fn, ok := modes[name]
	modesMu.RUnlock()
	if !ok {
		return nil, &ConfigError{Var: EnvMode, Value: name, Err: errors.Errorf("unknown mode, available: %v", AvailableModes())}
	}
	return fn, nil
}

// checkPayload rejects outgoing signals that no receiver could accept.
func checkPayload(op string, localRank int, payload []byte) error {
	if len(payload) > MaxSignalLen {
		return &BufferOverflowError{Op: op, Len: len(payload), Max: MaxSignalLen, LocalRank: localRank}
	}
	return nil
}

// broadcastSeq is the broadcast both backends share: localSize-1 sequential
// sends, skipping root.
func broadcastSeq(send func(dest int, payload []byte) error, localSize, root int, payload []byte) error {
	for peer := 0; peer < localSize; peer++ {
		if peer == root {
			continue
		}
		if err := send(peer, payload); err != nil {
			return &BroadcastError{Root: root, Peer: peer, Err: err}
		}
	}
	return nil
}
