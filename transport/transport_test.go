package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/ledgerpool/types"
)

type chanReceiver struct {
	msgs   chan []byte
	closed chan error
}

func newChanReceiver() *chanReceiver {
	return &chanReceiver{msgs: make(chan []byte, 16), closed: make(chan error, 1)}
}

func (r *chanReceiver) Receive(msg []byte) { r.msgs <- msg }
func (r *chanReceiver) Closed(err error)   { r.closed <- err }

func (r *chanReceiver) next(t *testing.T) []byte {
	t.Helper()
	select {
	case msg := <-r.msgs:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

// echo answers every request twice: an ack then the request itself.
func echo(req []byte) [][]byte {
	return [][]byte{[]byte("ack"), req}
}

func TestTransports(t *testing.T) {
	for _, kind := range []string{KindTCP, KindGRPC, KindWebSocket} {
		t.Run(kind, func(t *testing.T) {
			srv, err := NewServer(kind, "127.0.0.1:0", echo)
			require.NoError(t, err)
			require.NoError(t, srv.Start())
			defer srv.Stop()

			dialer, err := NewDialer(kind)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			recv := newChanReceiver()
			node := &types.NodeInfo{Alias: "Node1", Address: srv.Addr()}
			conn, err := dialer.Dial(ctx, node, recv)
			require.NoError(t, err)

			require.NoError(t, conn.Send(ctx, []byte(`{"reqId":1}`)))
			require.Equal(t, "ack", string(recv.next(t)))
			require.Equal(t, `{"reqId":1}`, string(recv.next(t)))

			require.NoError(t, conn.Send(ctx, []byte(`{"reqId":2}`)))
			require.Equal(t, "ack", string(recv.next(t)))
			require.Equal(t, `{"reqId":2}`, string(recv.next(t)))

			// server going away is reported once
			require.NoError(t, srv.Stop())
			select {
			case err := <-recv.closed:
				require.Error(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("close not reported")
			}
			require.Error(t, conn.Send(ctx, []byte("late")))
			require.NoError(t, conn.Close())
		})
	}
}

func TestDialRefused(t *testing.T) {
	for _, kind := range []string{KindTCP, KindGRPC, KindWebSocket} {
		t.Run(kind, func(t *testing.T) {
			dialer, err := NewDialer(kind)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			// port 1 on loopback is not listening
			_, err = dialer.Dial(ctx, &types.NodeInfo{Alias: "Node1", Address: "127.0.0.1:1"}, newChanReceiver())
			require.Error(t, err)
		})
	}
}

func TestLocalCloseIsSilent(t *testing.T) {
	srv := NewTCPServer("127.0.0.1:0", echo)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	recv := newChanReceiver()
	conn, err := (&TCPDialer{}).Dial(context.Background(), &types.NodeInfo{Alias: "n", Address: srv.Addr()}, recv)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case err := <-recv.closed:
		t.Fatalf("unexpected close callback: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	require.ErrorIs(t, conn.Send(context.Background(), []byte("x")), ErrClosed)
}

func TestUnknownKind(t *testing.T) {
	_, err := NewDialer("carrier-pigeon")
	require.Error(t, err)
	_, err = NewServer("carrier-pigeon", "", echo)
	require.Error(t, err)
}

func TestMockNetwork(t *testing.T) {
	net := NewMockNetwork()
	node := net.AddNode("10.0.0.1:9702", echo)
	info := &types.NodeInfo{Alias: "Node1", Address: "10.0.0.1:9702"}
	ctx := context.Background()

	_, err := net.Dial(ctx, &types.NodeInfo{Alias: "x", Address: "nowhere"}, newChanReceiver())
	require.Error(t, err)

	node.FailDials(1)
	_, err = net.Dial(ctx, info, newChanReceiver())
	require.Error(t, err)

	recv := newChanReceiver()
	conn, err := net.Dial(ctx, info, recv)
	require.NoError(t, err)
	require.Equal(t, 2, node.Dials())
	require.Equal(t, 1, node.OpenConns())

	require.NoError(t, conn.Send(ctx, []byte("hello")))
	require.Equal(t, "ack", string(recv.next(t)))
	require.Equal(t, "hello", string(recv.next(t)))
	require.Len(t, node.Received(), 1)

	node.Push([]byte("unsolicited"))
	require.Equal(t, "unsolicited", string(recv.next(t)))

	node.Disconnect()
	require.ErrorIs(t, <-recv.closed, io.EOF)
	require.Equal(t, 0, node.OpenConns())

	node.SetDialError(errors.New("down"))
	_, err = net.Dial(ctx, info, newChanReceiver())
	require.EqualError(t, err, "down")
}

// failingListener fails every Accept until closed.
type failingListener struct {
	accepts atomic.Int32
	closed  chan struct{}
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
		return nil, errors.New("too many open files")
	}
}

func (l *failingListener) Close() error {
	close(l.closed)
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestTCPServerBacksOffOnAcceptErrors(t *testing.T) {
	l := &failingListener{closed: make(chan struct{})}
	s := NewTCPServer("127.0.0.1:0", echo)
	s.listener = l
	s.running = true
	s.wg.Add(1)
	go s.acceptConnections()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Stop())

	// 5ms doubling: a handful of attempts, not a busy loop
	n := l.accepts.Load()
	require.GreaterOrEqual(t, n, int32(2))
	require.LessOrEqual(t, n, int32(10))
}
