package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ahwlsqja/ledgerpool/types"
)

// handshake is the first object a client writes on a TCP connection.
type handshake struct {
	ClientID string `json:"client_id"`
}

// frame carries one message on a TCP connection; messages are newline-delimited JSON objects.
type frame struct {
	Data []byte `json:"data"`
}

// TCPDialer opens JSON-framed TCP connections.
type TCPDialer struct {
	// ClientID is sent in the handshake; a fresh uuid is used when empty.
	ClientID string
}

// Dial connects to node.Address and starts reading.
func (d *TCPDialer) Dial(ctx context.Context, node *types.NodeInfo, r Receiver) (Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", node.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s at %s: %w", node.Alias, node.Address, err)
	}

	id := d.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	c := &tcpConn{conn: conn, enc: json.NewEncoder(conn)}

	// Send handshake
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if err := c.enc.Encode(&handshake{ClientID: id}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s failed: %w", node.Alias, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	go c.readLoop(r)
	return c, nil
}

type tcpConn struct {
	mu     sync.Mutex // serializes writes; frames must not interleave
	conn   net.Conn
	enc    *json.Encoder
	closed atomic.Bool
}

func (c *tcpConn) Send(ctx context.Context, msg []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.enc.Encode(&frame{Data: msg})
}

func (c *tcpConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *tcpConn) readLoop(r Receiver) {
	dec := json.NewDecoder(c.conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if !c.closed.Swap(true) {
				c.conn.Close()
				r.Closed(err)
			}
			return
		}
		r.Receive(f.Data)
	}
}

// TCPServer serves a Handler over JSON-framed TCP.
type TCPServer struct {
	mu       sync.Mutex
	address  string
	handler  Handler
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	wg       sync.WaitGroup
}

// NewTCPServer creates a server; call Start to listen.
func NewTCPServer(address string, h Handler) *TCPServer {
	return &TCPServer{
		address: address,
		handler: h,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start starts the listener.
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// Addr returns the listener address.
func (s *TCPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every client connection.
func (s *TCPServer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	err := s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// DropClients closes every client connection but keeps listening.
func (s *TCPServer) DropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// accept errors back off like net/http: 5ms doubling up to 1s
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func (s *TCPServer) acceptConnections() {
	defer s.wg.Done()
	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			time.Sleep(delay)
			continue
		}
		delay = 0

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	// Read handshake
	var hs handshake
	if err := dec.Decode(&hs); err != nil {
		return
	}

	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			return
		}
		for _, reply := range s.handler(f.Data) {
			if err := enc.Encode(&frame{Data: reply}); err != nil {
				return
			}
		}
	}
}
