package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ahwlsqja/ledgerpool/types"
)

const (
	nodeServiceName = "ledgerpool.v1.Node"
	exchangeMethod  = "/ledgerpool.v1.Node/Exchange"
	clientIDKey     = "client-id"
	maxMsgSize      = 64 * 1024 * 1024 // 64MB
)

// nodeService is the server side of the Exchange stream.
type nodeService interface {
	Exchange(stream grpc.ServerStream) error
}

// Exchange is a bidirectional stream of BytesValue frames: requests up, replies down.
var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: nodeServiceName,
	HandlerType: (*nodeService)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "ledgerpool/v1/node.proto",
}

func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(nodeService).Exchange(stream)
}

// GRPCDialer opens one Exchange stream per node.
type GRPCDialer struct {
	// ClientID is sent as stream metadata; a fresh uuid is used when empty.
	ClientID string
}

// Dial connects to node.Address and opens the stream.
func (d *GRPCDialer) Dial(ctx context.Context, node *types.NodeInfo, r Receiver) (Conn, error) {
	cc, err := grpc.DialContext(
		ctx,
		node.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s at %s: %w", node.Alias, node.Address, err)
	}

	id := d.ClientID
	if id == "" {
		id = uuid.NewString()
	}

	// the stream outlives the dial context
	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, clientIDKey, id)
	stream, err := cc.NewStream(streamCtx, &nodeServiceDesc.Streams[0], exchangeMethod)
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("failed to open stream to %s: %w", node.Alias, err)
	}

	c := &grpcConn{cc: cc, stream: stream, cancel: cancel}
	go c.readLoop(r)
	return c, nil
}

type grpcConn struct {
	mu     sync.Mutex // SendMsg is not safe for concurrent use
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	closed atomic.Bool
}

func (c *grpcConn) Send(ctx context.Context, msg []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- c.stream.SendMsg(wrapperspb.Bytes(msg))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// a stuck stream is unusable; tear it down
		c.Close()
		<-done
		return ctx.Err()
	}
}

func (c *grpcConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	return c.cc.Close()
}

func (c *grpcConn) readLoop(r Receiver) {
	for {
		m := new(wrapperspb.BytesValue)
		if err := c.stream.RecvMsg(m); err != nil {
			if !c.closed.Swap(true) {
				c.cancel()
				c.cc.Close()
				r.Closed(err)
			}
			return
		}
		r.Receive(m.GetValue())
	}
}

// GRPCServer serves a Handler over the Exchange stream.
type GRPCServer struct {
	mu       sync.Mutex
	address  string
	handler  Handler
	server   *grpc.Server
	listener net.Listener
}

// NewGRPCServer creates a server; call Start to listen.
func NewGRPCServer(address string, h Handler) *GRPCServer {
	return &GRPCServer{address: address, handler: h}
}

// Start starts the gRPC server.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	server.RegisterService(&nodeServiceDesc, s)

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		_ = server.Serve(listener)
	}()
	return nil
}

// Addr returns the listener address.
func (s *GRPCServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop stops the server and drops every stream.
func (s *GRPCServer) Stop() error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()
	if server != nil {
		server.Stop()
	}
	return nil
}

// Exchange answers each request frame with the handler's replies.
func (s *GRPCServer) Exchange(stream grpc.ServerStream) error {
	for {
		req := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(req); err != nil {
			// io.EOF is a clean client close
			return nil
		}
		for _, reply := range s.handler(req.GetValue()) {
			if err := stream.SendMsg(wrapperspb.Bytes(reply)); err != nil {
				return err
			}
		}
	}
}
