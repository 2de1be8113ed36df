package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ahwlsqja/ledgerpool/types"
)

const (
	wsPath         = "/ws"
	clientIDHeader = "X-Client-Id"
)

// WSDialer opens WebSocket connections; each message is one binary frame.
type WSDialer struct {
	// ClientID is sent as a request header; a fresh uuid is used when empty.
	ClientID string
}

// Dial connects to ws://<node.Address>/ws.
func (d *WSDialer) Dial(ctx context.Context, node *types.NodeInfo, r Receiver) (Conn, error) {
	id := d.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	header := http.Header{}
	header.Set(clientIDHeader, id)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+node.Address+wsPath, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s at %s: %w", node.Alias, node.Address, err)
	}

	c := &wsConn{ws: ws}
	go c.readLoop(r)
	return c, nil
}

type wsConn struct {
	mu     sync.Mutex // one concurrent writer per connection
	ws     *websocket.Conn
	closed atomic.Bool
}

func (c *wsConn) Send(ctx context.Context, msg []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, msg)
}

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close()
}

func (c *wsConn) readLoop(r Receiver) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Swap(true) {
				c.ws.Close()
				r.Closed(err)
			}
			return
		}
		r.Receive(data)
	}
}

// WSServer serves a Handler over WebSocket.
type WSServer struct {
	mu       sync.Mutex
	address  string
	handler  Handler
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	conns    map[*websocket.Conn]struct{}
}

// NewWSServer creates a server; call Start to listen.
func NewWSServer(address string, h Handler) *WSServer {
	return &WSServer{
		address: address,
		handler: h,
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

// Start runs the WebSocket server.
func (s *WSServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, s.handleWebSocket)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

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
func (s *WSServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop closes the HTTP server and every hijacked connection.
func (s *WSServer) Stop() error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	for ws := range s.conns {
		ws.Close()
	}
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

// handleWebSocket upgrades HTTP to WebSocket.
func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[ws] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, req, err := ws.ReadMessage()
		if err != nil {
			return
		}
		for _, reply := range s.handler(req) {
			if err := ws.WriteMessage(websocket.BinaryMessage, reply); err != nil {
				return
			}
		}
	}
}
