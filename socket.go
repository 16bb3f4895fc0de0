package sigcomm

import (
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultSocketPrefix is the base of every endpoint path. The local rank is
// appended in decimal, e.g. /tmp/socket_recv_3.
const DefaultSocketPrefix = "/tmp/socket_recv_"

// EndpointPath is where the socket endpoint for localRank lives. Senders
// compute the destination path the same way, so all local ranks must share a
// prefix.
func EndpointPath(prefix string, localRank int) string {
	return prefix + strconv.Itoa(localRank)
}

// localRankFromPath recovers a sender's local rank from its bound path.
func localRankFromPath(prefix, path string) (int, error) {
	if !strings.HasPrefix(path, prefix) {
		return 0, errors.Errorf("sender path %q is not under prefix %q", path, prefix)
	}
	r, err := strconv.Atoi(path[len(prefix):])
	if err != nil || r < 0 {
		return 0, errors.Errorf("sender path %q does not end in a local rank", path)
	}
	return r, nil
}

// removeStaleSocket deletes a socket file left at path by a previous run. A
// missing path is fine. Anything at the path that is not a socket is left
// alone and reported, since it was not created by us.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return errors.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// EndpointAlive reports whether a live socket is bound at localRank's endpoint.
// A path left behind by a process that exited without closing is not alive.
// The check connects without sending, so the endpoint's owner sees nothing.
func EndpointAlive(prefix string, localRank int) (bool, error) {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: EndpointPath(prefix, localRank), Net: "unixgram"})
	if err == nil {
		conn.Close()
		return true, nil
	}
	if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT) {
		return false, nil
	}
	return false, errors.Wrapf(err, "probing local rank %d", localRank)
}

// removeOwnSocket deletes path only if it is still the socket described by
// bound. A successor that re-bound the path keeps its endpoint.
func removeOwnSocket(path string, bound os.FileInfo) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if bound == nil || !os.SameFile(info, bound) {
		return nil
	}
	return os.Remove(path)
}

// socketTransport is a SignalTransport over unix datagram sockets. Every local
// rank binds its own path, and sends go out from that same socket so the
// receiver learns the sender from the source address.
type socketTransport struct {
	prefix    string
	localRank int
	localSize int

	conn *net.UnixConn
	// bound identifies the socket file we created, so Close never removes a
	// successor's.
	bound os.FileInfo

	stateLock sync.Mutex
	state     endpointState
	closeOnce sync.Once

	// listenerDone is closed when the coordinator's listener returns.
	listenerDone chan struct{}

	fatal func(error)
	l     log15.Logger
}

func newSocketBackend(cfg *backendConfig) (Identity, backend, error) {
	id, err := resolveEnv(cfg.os)
	if err != nil {
		return Identity{}, nil, err
	}
	t := newSocketTransport(cfg.l, cfg.socketPrefix, id.LocalRank(), id.LocalSize(), cfg.fatal)
	if err := t.bind(); err != nil {
		return Identity{}, nil, err
	}
	return id, t, nil
}

func newSocketTransport(l log15.Logger, prefix string, localRank, localSize int, fatal func(error)) *socketTransport {
	if prefix == "" {
		prefix = DefaultSocketPrefix
	}
	return &socketTransport{
		prefix:    prefix,
		localRank: localRank,
		localSize: localSize,
		state:     endpointUninitialized,
		fatal:     fatal,
		l:         l.New("localRank", localRank),
	}
}

func (t *socketTransport) path() string {
	return EndpointPath(t.prefix, t.localRank)
}

// bind creates the endpoint, replacing any stale socket at its path.
func (t *socketTransport) bind() error {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	if err := t.state.canTransitionTo(endpointBound); err != nil {
		return transportErr("bind", t.localRank, err)
	}

	path := t.path()
	if err := removeStaleSocket(path); err != nil {
		return transportErr("bind", t.localRank, errors.Wrap(err, "can't release stale endpoint"))
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return transportErr("bind", t.localRank, errors.Wrapf(err, "%s bind failed", path))
	}
	t.conn = conn
	if t.bound, err = os.Lstat(path); err != nil {
		t.l.Warn("can't stat bound socket, it won't be removed on close", "path", path, "err", err)
	}
	t.l.Debug("socket created", "path", path)
	return t.state.transitionTo(endpointBound)
}

// start spawns the listener when id says this process coordinates the host.
func (t *socketTransport) start(id Identity) error {
	if !id.IsCoordinator() {
		t.l.Debug("this is a participant, no listener")
		return nil
	}
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	if err := t.state.transitionTo(endpointListening); err != nil {
		return transportErr("listen", t.localRank, err)
	}
	t.listenerDone = make(chan struct{})
	go t.listen()
	return nil
}

// listen drains the coordinator's endpoint for as long as it is open. It is a
// liveness sink: payloads are logged, never handed to the application.
func (t *socketTransport) listen() {
	defer close(t.listenerDone)
	t.l.Debug("listening on socket", "path", t.path())
	buf := make([]byte, MaxSignalLen)
	for {
		n, from, err := t.recvFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.l.Info("endpoint closed, listener exiting")
				return
			}
			t.fatal(transportErr("listen", t.localRank, err))
			return
		}
		t.l.Debug("socket received", "len", n, "from", from)
	}
}

// recvFrom reads one datagram. n is the datagram's full length, which may be
// larger than buf. from is the sender's bound path, empty for unbound senders.
func (t *socketTransport) recvFrom(buf []byte) (n int, from string, err error) {
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return 0, "", err
	}
	var (
		sa    unix.Sockaddr
		opErr error
	)
	err = raw.Read(func(fd uintptr) bool {
		n, sa, opErr = unix.Recvfrom(int(fd), buf, unix.MSG_TRUNC)
		return opErr != unix.EAGAIN && opErr != unix.EWOULDBLOCK
	})
	if err != nil {
		return 0, "", err
	}
	if opErr != nil {
		return 0, "", opErr
	}
	if su, ok := sa.(*unix.SockaddrUnix); ok {
		from = su.Name
	}
	return n, from, nil
}

// checkState returns the error for an operation not allowed in the current
// state.
func (t *socketTransport) checkState(op string, reading bool) error {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	switch t.state {
	case endpointBound:
		return nil
	case endpointListening:
		if reading {
			return ErrListenerOwnsEndpoint
		}
		return nil
	case endpointClosed:
		return ErrTransportClosed
	default:
		return transportErr(op, t.localRank, errors.Errorf("endpoint is %s", t.state))
	}
}

func (t *socketTransport) SendSignal(dest int, payload []byte) error {
	if err := t.checkState("send", false); err != nil {
		return err
	}
	if err := checkPayload("send", t.localRank, payload); err != nil {
		return err
	}
	if dest < 0 || dest >= t.localSize {
		return transportErr("send", t.localRank, errors.Errorf("destination %d out of range [0, %d)", dest, t.localSize))
	}
	addr := &net.UnixAddr{Name: EndpointPath(t.prefix, dest), Net: "unixgram"}
	if _, err := t.conn.WriteToUnix(payload, addr); err != nil {
		return transportErr("send", t.localRank, err)
	}
	t.l.Debug("socket sent", "len", len(payload), "dest", dest)
	return nil
}

func (t *socketTransport) RecvSignal(maxLen int) (int, []byte, error) {
	if err := t.checkState("recv", true); err != nil {
		return 0, nil, err
	}
	buf := make([]byte, MaxSignalLen)
	n, from, err := t.recvFrom(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, nil, ErrTransportClosed
		}
		return 0, nil, transportErr("recv", t.localRank, err)
	}
	if n > MaxSignalLen || n > maxLen {
		return 0, nil, &BufferOverflowError{Op: "recv", Len: n, Max: maxLen, LocalRank: t.localRank}
	}
	source, err := localRankFromPath(t.prefix, from)
	if err != nil {
		return 0, nil, transportErr("recv", t.localRank, err)
	}
	t.l.Debug("socket received", "len", n, "source", source)
	payload := make([]byte, n)
	copy(payload, buf[:n])
	return source, payload, nil
}

func (t *socketTransport) BroadcastSignal(root int, payload []byte) error {
	return broadcastSeq(t.SendSignal, t.localSize, root, payload)
}

// Close closes the endpoint, waits for the listener to stop and removes the
// socket path unless another process has since bound it.
func (t *socketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.stateLock.Lock()
		_ = t.state.transitionTo(endpointClosed)
		t.stateLock.Unlock()

		if t.conn == nil {
			return
		}
		err = t.conn.Close()
		if t.listenerDone != nil {
			<-t.listenerDone
		}
		if rmErr := removeOwnSocket(t.path(), t.bound); rmErr != nil && err == nil {
			err = rmErr
		}
	})
	return err
}
