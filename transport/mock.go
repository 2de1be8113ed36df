package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ahwlsqja/ledgerpool/types"
)

// MockNetwork is an in-memory Dialer whose nodes are driven by Handlers.
// Nodes are looked up by address.
type MockNetwork struct {
	mu    sync.Mutex
	nodes map[string]*MockNode
}

// NewMockNetwork creates an empty network.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{nodes: make(map[string]*MockNode)}
}

// AddNode registers a node answering with h at address.
func (n *MockNetwork) AddNode(address string, h Handler) *MockNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	node := &MockNode{address: address, handler: h}
	n.nodes[address] = node
	return node
}

// Node returns the node at address, or nil.
func (n *MockNetwork) Node(address string) *MockNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[address]
}

// Dial implements Dialer.
func (n *MockNetwork) Dial(ctx context.Context, info *types.NodeInfo, r Receiver) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node := n.Node(info.Address)
	if node == nil {
		return nil, fmt.Errorf("failed to connect to %s at %s: connection refused", info.Alias, info.Address)
	}
	return node.accept(r)
}

// MockNode is one simulated node.
type MockNode struct {
	mu        sync.Mutex
	address   string
	handler   Handler
	dialErr   error
	failDials int
	dials     int
	sendDelay time.Duration
	conns     []*mockConn
	received  [][]byte
}

// SetHandler replaces the node's handler.
func (m *MockNode) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// SetDialError makes every dial fail with err until cleared with nil.
func (m *MockNode) SetDialError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialErr = err
}

// SetSendDelay makes every Send to the node take d, or until its context ends.
func (m *MockNode) SetSendDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendDelay = d
}

// FailDials makes the next n dials fail.
func (m *MockNode) FailDials(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDials = n
}

// Dials returns how many dials were attempted.
func (m *MockNode) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// Received returns every message sent to the node.
func (m *MockNode) Received() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.received...)
}

// OpenConns returns the number of live connections.
func (m *MockNode) OpenConns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

// Disconnect drops every live connection as if the node went away.
func (m *MockNode) Disconnect() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		c.remoteClose(io.EOF)
	}
}

// Push sends msg on every live connection without a request.
func (m *MockNode) Push(msg []byte) {
	m.mu.Lock()
	conns := append([]*mockConn(nil), m.conns...)
	m.mu.Unlock()
	for _, c := range conns {
		c.deliver([][]byte{msg})
	}
}

func (m *MockNode) accept(r Receiver) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials++
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	if m.failDials > 0 {
		m.failDials--
		return nil, errors.New("connection refused")
	}
	c := &mockConn{node: m, receiver: r}
	m.conns = append(m.conns, c)
	return c, nil
}

func (m *MockNode) handle(msg []byte) [][]byte {
	m.mu.Lock()
	m.received = append(m.received, msg)
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(msg)
}

type mockConn struct {
	mu       sync.Mutex
	node     *MockNode
	receiver Receiver
	closed   bool
	queue    sync.Mutex // keeps replies of one connection in order
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) Send(ctx context.Context, msg []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.node.mu.Lock()
	delay := c.node.sendDelay
	c.node.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	cp := append([]byte(nil), msg...)
	replies := c.node.handle(cp)
	if len(replies) > 0 {
		// deliver off the caller's goroutine, like a socket would
		go c.deliver(replies)
	}
	return nil
}

func (c *mockConn) deliver(msgs [][]byte) {
	c.queue.Lock()
	defer c.queue.Unlock()
	for _, msg := range msgs {
		if c.isClosed() {
			return
		}
		c.receiver.Receive(msg)
	}
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) remoteClose(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.receiver.Closed(err)
}
