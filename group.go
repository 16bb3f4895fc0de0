package sigcomm

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// Group is a cluster-wide message-passing group. In group mode it is the
// authority on this process's local rank (Rank) and local size (Size).
//
// Send must block until the destination has accepted the message. Recv must
// block until a message arrives, the context ends, or the group is closed.
type Group interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dest int, payload []byte) error
	Recv(ctx context.Context) (source int, payload []byte, err error)
	Close() error
}

// groupTransport is a SignalTransport routed through a Group. Signal
// semantics (bounds, overflow, broadcast order) match the socket backend.
type groupTransport struct {
	group     Group
	localRank int
	localSize int
	closed    int32
	l         log15.Logger
}

func newGroupBackend(cfg *backendConfig) (Identity, backend, error) {
	workerID, numWorkers, err := envWorker(cfg.os)
	if err != nil {
		return Identity{}, nil, err
	}
	group := cfg.group
	if group == nil {
		group, err = groupFromEnv(cfg.os, cfg.l)
		if err != nil {
			return Identity{}, nil, err
		}
	}
	id, err := Resolve(group.Rank(), group.Size(), workerID, numWorkers)
	if err != nil {
		group.Close()
		return Identity{}, nil, err
	}
	return id, newGroupTransport(cfg.l, group), nil
}

func groupFromEnv(osi osIface, l log15.Logger) (Group, error) {
	rawPeers, err := envString(osi, EnvGroupPeers)
	if err != nil {
		return nil, err
	}
	self, err := envString(osi, EnvGroupAddr)
	if err != nil {
		return nil, err
	}
	var peers []string
	for _, p := range strings.Split(rawPeers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return NewGRPCGroup(l, self, peers)
}

func newGroupTransport(l log15.Logger, group Group) *groupTransport {
	return &groupTransport{
		group:     group,
		localRank: group.Rank(),
		localSize: group.Size(),
		l:         l.New("localRank", group.Rank()),
	}
}

// start is a no-op: the group delivers to the application directly, so no
// process runs a listener in this mode.
func (t *groupTransport) start(id Identity) error {
	t.l.Debug("group transport ready", "role", id.Role(), "size", t.localSize)
	return nil
}

func (t *groupTransport) isClosed() bool {
	return atomic.LoadInt32(&t.closed) != 0
}

func (t *groupTransport) SendSignal(dest int, payload []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	if err := checkPayload("send", t.localRank, payload); err != nil {
		return err
	}
	if dest < 0 || dest >= t.localSize {
		return transportErr("send", t.localRank, errors.Errorf("destination %d out of range [0, %d)", dest, t.localSize))
	}
	if err := t.group.Send(context.Background(), dest, payload); err != nil {
		return transportErr("send", t.localRank, err)
	}
	t.l.Debug("group sent", "len", len(payload), "dest", dest)
	return nil
}

func (t *groupTransport) RecvSignal(maxLen int) (int, []byte, error) {
	if t.isClosed() {
		return 0, nil, ErrTransportClosed
	}
	source, payload, err := t.group.Recv(context.Background())
	if err != nil {
		if t.isClosed() || errors.Cause(err) == errGroupClosed {
			return 0, nil, ErrTransportClosed
		}
		return 0, nil, transportErr("recv", t.localRank, err)
	}
	if len(payload) > maxLen {
		return 0, nil, &BufferOverflowError{Op: "recv", Len: len(payload), Max: maxLen, LocalRank: t.localRank}
	}
	t.l.Debug("group received", "len", len(payload), "source", source)
	return source, payload, nil
}

func (t *groupTransport) BroadcastSignal(root int, payload []byte) error {
	return broadcastSeq(t.SendSignal, t.localSize, root, payload)
}

func (t *groupTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	return t.group.Close()
}

var errGroupClosed = errors.New("group closed")

// stubGroup accepts every send and never delivers anything. It stands in for a
// real group library when only identity bookkeeping is needed.
type stubGroup struct {
	rank, size int
	done       chan struct{}
	closeOnce  sync.Once
}

// NewStubGroup returns a Group of the given shape whose sends are dropped and
// whose receives block until Close.
func NewStubGroup(rank, size int) Group {
	return &stubGroup{rank: rank, size: size, done: make(chan struct{})}
}

func (g *stubGroup) Rank() int { return g.rank }
func (g *stubGroup) Size() int { return g.size }

func (g *stubGroup) Send(ctx context.Context, dest int, payload []byte) error {
	select {
	case <-g.done:
		return errGroupClosed
	default:
		return nil
	}
}

func (g *stubGroup) Recv(ctx context.Context) (int, []byte, error) {
	select {
	case <-g.done:
		return 0, nil, errGroupClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (g *stubGroup) Close() error {
	g.closeOnce.Do(func() { close(g.done) })
	return nil
}
