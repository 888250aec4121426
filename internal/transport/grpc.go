package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName   = "pipeline.v1.StageTransport"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// deliverServer is the server side of the StageTransport service
type deliverServer interface {
	Deliver(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(deliverServer).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var stageTransportDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pipeline/v1/transport.proto",
}

// GRPC is a Transport between processes. Each rank runs a gRPC server with
// the StageTransport service registered and dials its peers lazily.
type GRPC struct {
	rank     int
	peers    map[int]string
	dialOpts []grpc.DialOption
	inbox    *mailbox

	mu    sync.Mutex
	conns map[int]*grpc.ClientConn
}

// NewGRPC creates a transport for rank. peers maps rank to address.
// Without dial options, connections use insecure credentials.
func NewGRPC(rank int, peers map[int]string, capacity int, opts ...grpc.DialOption) *GRPC {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPC{
		rank:     rank,
		peers:    peers,
		dialOpts: opts,
		inbox:    newMailbox(capacity),
		conns:    make(map[int]*grpc.ClientConn),
	}
}

// Register attaches the StageTransport service to s
func (t *GRPC) Register(s *grpc.Server) {
	s.RegisterService(&stageTransportDesc, t)
}

// Deliver handles an inbound package
func (t *GRPC) Deliver(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	pkg, err := DecodePackage(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode package: %v", err)
	}
	if err := t.inbox.deliver(ctx, pkg); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.FromContextError(err).Err()
	}
	return &emptypb.Empty{}, nil
}

func (t *GRPC) conn(dst int) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[dst]; ok {
		return conn, nil
	}
	addr, ok := t.peers[dst]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRank, dst)
	}
	conn, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rank %d at %s: %w", dst, addr, err)
	}
	t.conns[dst] = conn
	return conn, nil
}

func (t *GRPC) Send(ctx context.Context, pkg *types.Package, dst int) error {
	conn, err := t.conn(dst)
	if err != nil {
		return err
	}

	out := pkg.Clone()
	out.Metadata.SrcRank = t.rank
	out.Metadata.DstRank = dst
	req, err := EncodePackage(out)
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, deliverMethod, req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("deliver to rank %d: %w", dst, err)
	}
	return nil
}

func (t *GRPC) Receive(ctx context.Context, src int) (*types.Package, error) {
	return t.inbox.receive(ctx, src)
}

// Close stops receiving and closes all peer connections
func (t *GRPC) Close() error {
	t.inbox.close()

	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for rank, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, rank)
	}
	return firstErr
}
