package sigcomm

import (
	"context"
	"net"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/sigcomm/internal/proto"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const deliverMethod = "/sigcomm.Group/Deliver"

// inboxDepth is how many delivered signals may wait for RecvSignal before
// senders block.
const inboxDepth = 64

type deliverer interface {
	Deliver(ctx context.Context, env *proto.Envelope) (*proto.Ack, error)
}

var groupServiceDesc = grpc.ServiceDesc{
	ServiceName: "sigcomm.Group",
	HandlerType: (*deliverer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sigcomm/group",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(proto.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(deliverer).Deliver(ctx, req.(*proto.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCGroup is a Group whose members are gRPC servers at a fixed, ordered list
// of addresses. A member's rank is its index in that list.
type GRPCGroup struct {
	rank  int
	peers []string

	lis    net.Listener
	server *grpc.Server
	inbox  chan *proto.Envelope

	connsMu sync.Mutex
	conns   map[int]*grpc.ClientConn

	done      chan struct{}
	closeOnce sync.Once

	l log15.Logger
}

// NewGRPCGroup joins the group described by peers as the member at self,
// listening on self.
func NewGRPCGroup(l log15.Logger, self string, peers []string) (*GRPCGroup, error) {
	rank, err := groupRank(self, peers)
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", self)
	if err != nil {
		return nil, transportErr("listen", rank, err)
	}
	return newGRPCGroup(l, lis, rank, peers), nil
}

func groupRank(self string, peers []string) (int, error) {
	if len(peers) == 0 {
		return 0, &ConfigError{Var: EnvGroupPeers, Err: errors.New("no group members")}
	}
	rank := -1
	seen := make(map[string]bool, len(peers))
	for i, p := range peers {
		if seen[p] {
			return 0, &ConfigError{Var: EnvGroupPeers, Value: p, Err: errors.New("duplicate member")}
		}
		seen[p] = true
		if p == self {
			rank = i
		}
	}
	if rank < 0 {
		return 0, &ConfigError{Var: EnvGroupAddr, Value: self, Err: errors.Errorf("not a member of %v", peers)}
	}
	return rank, nil
}

// newGRPCGroup serves the member at rank on an existing listener.
func newGRPCGroup(l log15.Logger, lis net.Listener, rank int, peers []string) *GRPCGroup {
	g := &GRPCGroup{
		rank:   rank,
		peers:  append([]string(nil), peers...),
		lis:    lis,
		server: grpc.NewServer(grpc.ForceServerCodec(proto.Codec{})),
		inbox:  make(chan *proto.Envelope, inboxDepth),
		conns:  make(map[int]*grpc.ClientConn),
		done:   make(chan struct{}),
		l:      l.New("groupRank", rank),
	}
	g.server.RegisterService(&groupServiceDesc, &groupService{g: g})
	go func() {
		if err := g.server.Serve(lis); err != nil {
			g.l.Error("group server stopped", "err", err)
		}
	}()
	g.l.Info("serving group member", "addr", lis.Addr().String(), "size", len(peers))
	return g
}

func (g *GRPCGroup) Rank() int { return g.rank }
func (g *GRPCGroup) Size() int { return len(g.peers) }

// conn returns the client for dest, creating it on first use. No client is
// created once Close has started.
func (g *GRPCGroup) conn(dest int) (*grpc.ClientConn, error) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	select {
	case <-g.done:
		return nil, errGroupClosed
	default:
	}
	if c, ok := g.conns[dest]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(g.peers[dest],
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(proto.Codec{})),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create client for member %d at %s", dest, g.peers[dest])
	}
	g.conns[dest] = c
	return c, nil
}

// Send delivers payload to dest and returns once dest has queued it. Members
// that are not up yet are waited for.
func (g *GRPCGroup) Send(ctx context.Context, dest int, payload []byte) error {
	select {
	case <-g.done:
		return errGroupClosed
	default:
	}
	if dest < 0 || dest >= len(g.peers) {
		return errors.Errorf("no group member %d", dest)
	}
	c, err := g.conn(dest)
	if err != nil {
		return err
	}
	env := &proto.Envelope{Version: proto.Version, Source: int32(g.rank), Payload: payload}
	if err := c.Invoke(ctx, deliverMethod, env, new(proto.Ack), grpc.WaitForReady(true)); err != nil {
		return errors.Wrapf(err, "deliver to member %d", dest)
	}
	return nil
}

func (g *GRPCGroup) Recv(ctx context.Context) (int, []byte, error) {
	select {
	case env := <-g.inbox:
		return int(env.Source), env.Payload, nil
	case <-g.done:
		return 0, nil, errGroupClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Close stops serving and drops all client connections.
func (g *GRPCGroup) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		g.server.Stop()

		g.connsMu.Lock()
		conns := g.conns
		g.conns = map[int]*grpc.ClientConn{}
		g.connsMu.Unlock()

		var eg errgroup.Group
		for dest, c := range conns {
			dest, c := dest, c
			eg.Go(func() error {
				return errors.Wrapf(c.Close(), "close client for member %d", dest)
			})
		}
		err = eg.Wait()
		g.l.Info("left group")
	})
	return err
}

type groupService struct {
	g *GRPCGroup
}

func (s *groupService) Deliver(ctx context.Context, env *proto.Envelope) (*proto.Ack, error) {
	if env.Source < 0 || int(env.Source) >= len(s.g.peers) {
		return nil, status.Errorf(codes.InvalidArgument, "unknown source member %d", env.Source)
	}
	if len(env.Payload) > MaxSignalLen {
		return nil, status.Errorf(codes.ResourceExhausted, "signal of %d bytes exceeds %d", len(env.Payload), MaxSignalLen)
	}
	select {
	case s.g.inbox <- env:
		return &proto.Ack{Version: proto.Version}, nil
	case <-s.g.done:
		return nil, status.Error(codes.Unavailable, "group member closed")
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}
