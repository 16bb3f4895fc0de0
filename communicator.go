package sigcomm

import (
	"context"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Communicator gives a process its identity and a signal channel to its
// co-located peers. Callers never need to know which backend carries the
// signals.
type Communicator struct {
	id        Identity
	mode      string
	transport backend
	engine    CollectiveEngine
	election  *electionLock

	socketPrefix string
	group        Group
	lockElection bool
	clock        clock.Clock

	fatal func(error)
	l     log15.Logger

	// mocks
	os osIface
}

// Option is an option function for Communicator.
type Option func(c *Communicator)

// WithLogger configures the logger to use for communicator operations.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(c *Communicator) {
		c.l = l
	}
}

// WithMode selects the signaling backend, ModeSocket or ModeGroup. Without it
// the SIGCOMM_MODE environment variable is consulted, then DefaultMode.
func WithMode(mode string) Option {
	return func(c *Communicator) {
		c.mode = mode
	}
}

// WithSocketPrefix sets the path prefix for socket endpoints and the election
// lock. Every process on a host must use the same prefix.
func WithSocketPrefix(prefix string) Option {
	return func(c *Communicator) {
		if prefix != "" {
			c.socketPrefix = prefix
		}
	}
}

// WithGroup supplies the message-passing group for ModeGroup. Without it a
// gRPC group is built from SIGCOMM_GROUP_PEERS and SIGCOMM_GROUP_ADDR.
func WithGroup(g Group) Option {
	return func(c *Communicator) {
		c.group = g
	}
}

// WithCollectiveEngine sets the engine that Reduce and BroadcastData delegate
// to. The default engine does nothing.
func WithCollectiveEngine(e CollectiveEngine) Option {
	return func(c *Communicator) {
		if e != nil {
			c.engine = e
		}
	}
}

// WithFatalHandler replaces what happens on a control channel failure. The
// default handler logs the error and exits the process with status 1. The
// failing call still returns the error if the handler returns.
func WithFatalHandler(fn func(error)) Option {
	return func(c *Communicator) {
		c.fatal = fn
	}
}

// WithLockElection makes the coordinator whichever process on the host first
// takes the election lock, instead of the highest local rank.
func WithLockElection() Option {
	return func(c *Communicator) {
		c.lockElection = true
	}
}

// WithClock sets the clock used for election backoff.
func WithClock(clk clock.Clock) Option {
	return func(c *Communicator) {
		c.clock = clk
	}
}

// New establishes this process's identity, binds its signal endpoint, and
// starts the host listener if this process is the coordinator. ctx bounds
// startup only.
func New(ctx context.Context, opts ...Option) (*Communicator, error) {
	return newCommunicator(ctx, realOS{}, opts...)
}

func newCommunicator(ctx context.Context, osi osIface, opts ...Option) (*Communicator, error) {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	c := &Communicator{
		socketPrefix: DefaultSocketPrefix,
		engine:       noopEngine{},
		clock:        clock.RealClock{},
		l:            noopLogger,
		os:           osi,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fatal == nil {
		c.fatal = c.exitOnFatal
	}
	if c.mode == "" {
		if m, ok := osi.LookupEnv(EnvMode); ok && strings.TrimSpace(m) != "" {
			c.mode = strings.TrimSpace(m)
		} else {
			c.mode = DefaultMode
		}
	}

	if err := c.init(ctx); err != nil {
		return nil, c.fail(err)
	}
	return c, nil
}

func (c *Communicator) init(ctx context.Context) error {
	newBackend, err := lookupMode(c.mode)
	if err != nil {
		return err
	}
	c.l.Debug("using communicator", "mode", c.mode)
	id, tr, err := newBackend(&backendConfig{
		os:           c.os,
		l:            c.l,
		socketPrefix: c.socketPrefix,
		group:        c.group,
		fatal:        c.fatal,
	})
	if err != nil {
		return err
	}

	if c.lockElection {
		c.election = newElectionLock(c.clock, c.l, c.socketPrefix, c.os.Getpid())
		role, err := c.election.elect(ctx)
		if err != nil {
			tr.Close()
			return transportErr("elect", id.LocalRank(), err)
		}
		id = id.withRole(role)
	}

	if err := tr.start(id); err != nil {
		tr.Close()
		if c.election != nil {
			c.election.unlock()
		}
		return err
	}
	c.id = id
	c.transport = tr
	c.l = c.l.New("rank", id.Rank(), "localRank", id.LocalRank())
	c.l.Info("communicator initialized", "mode", c.mode, "size", id.Size(), "localSize", id.LocalSize(), "role", id.Role())
	return nil
}

// exitOnFatal is the default fatal handler.
func (c *Communicator) exitOnFatal(err error) {
	c.l.Crit("control channel failure, exiting", "err", err, "localRank", c.localRankForLog(err))
	c.os.Exit(1)
}

func (c *Communicator) localRankForLog(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.LocalRank
	}
	return c.id.LocalRank()
}

// fail escalates err to the fatal handler and returns it. Operations racing an
// orderly Close are not failures.
func (c *Communicator) fail(err error) error {
	if err == nil || errors.Is(err, ErrTransportClosed) {
		return err
	}
	c.fatal(err)
	return err
}

// Identity returns this process's identity.
func (c *Communicator) Identity() Identity {
	return c.id
}

// Mode returns the name of the signaling backend in use.
func (c *Communicator) Mode() string {
	return c.mode
}

// SendSignal sends payload to the process at local rank dest.
func (c *Communicator) SendSignal(dest int, payload []byte) error {
	return c.fail(c.transport.SendSignal(dest, payload))
}

// RecvSignal blocks for the next signal addressed to this process. It fails
// rather than truncates if the signal is longer than maxLen.
func (c *Communicator) RecvSignal(maxLen int) (source int, payload []byte, err error) {
	source, payload, err = c.transport.RecvSignal(maxLen)
	if err != nil {
		return 0, nil, c.fail(err)
	}
	return source, payload, nil
}

// BroadcastSignal sends payload to every local rank except root. Delivery is
// best effort: if a peer fails, peers before it have the signal and peers after
// it do not.
func (c *Communicator) BroadcastSignal(root int, payload []byte) error {
	return c.fail(c.transport.BroadcastSignal(root, payload))
}

// Reduce hands a bulk reduction to the collective engine.
func (c *Communicator) Reduce(root int, buf []byte) error {
	return c.fail(errors.Wrap(c.engine.Reduce(root, buf), "collective reduce"))
}

// BroadcastData hands a bulk broadcast to the collective engine.
func (c *Communicator) BroadcastData(root int, buf []byte) error {
	return c.fail(errors.Wrap(c.engine.BroadcastData(root, buf), "collective broadcast"))
}

// Close releases the endpoint and, with lock election, the election lock.
func (c *Communicator) Close() error {
	err := c.transport.Close()
	if c.election != nil {
		if uerr := c.election.unlock(); err == nil {
			err = uerr
		}
	}
	c.l.Info("communicator closed")
	return err
}
