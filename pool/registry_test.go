package pool

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/ledgerpool/fault"
)

func TestRegistryCompletesOnce(t *testing.T) {
	r := NewRegistry()
	h := r.NewCommand(7)
	require.Equal(t, 1, r.PendingFor(7))

	require.True(t, r.Complete(h, Result{Reply: []byte("first")}, nil))
	require.False(t, r.Complete(h, Result{Reply: []byte("second")}, nil))
	require.Equal(t, 0, r.PendingFor(7))

	res, err := r.Await(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, "first", string(res.Reply))

	// the handle is consumed
	_, err = r.Await(context.Background(), h)
	require.True(t, fault.IsErrInvalidHandle(err))
	require.False(t, r.Complete(h, Result{}, nil))
	require.Zero(t, r.Commands())
}

func TestRegistryHandlesAreUnique(t *testing.T) {
	r := NewRegistry()
	seen := make(map[CommandHandle]bool)
	for i := 0; i < 100; i++ {
		h := r.NewCommand(0)
		require.False(t, seen[h])
		seen[h] = true
	}
	require.Equal(t, 100, r.Commands())
}

func TestRegistryHandlesWrapPastPendingOnes(t *testing.T) {
	r := NewRegistry()
	pending := r.NewCommand(0)
	require.Equal(t, CommandHandle(1), pending)

	r.nextCmd = math.MaxInt32
	h := r.NewCommand(0)
	require.Equal(t, CommandHandle(2), h, "handle 1 is still pending")

	// the pending command is untouched
	require.True(t, r.Complete(pending, Result{Reply: []byte("kept")}, nil))
	res, err := r.Await(context.Background(), pending)
	require.NoError(t, err)
	require.Equal(t, "kept", string(res.Reply))

	require.Equal(t, PoolHandle(1), r.reservePool())
	r.addPool(1, &session{})
	r.nextPool = math.MaxInt32
	require.Equal(t, PoolHandle(2), r.reservePool())
}

func TestRegistryAwait(t *testing.T) {
	r := NewRegistry()
	h := r.NewCommand(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Await(ctx, h)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// still awaitable after the caller gave up
	done := make(chan error, 1)
	go func() {
		_, err := r.Await(context.Background(), h)
		done <- err
	}()

	r.Complete(h, Result{}, fault.Terminate())
	require.True(t, fault.IsErrTerminate(<-done))
}

func TestRegistryPools(t *testing.T) {
	r := NewRegistry()
	h := r.reservePool()
	_, err := r.pool(h)
	require.True(t, fault.IsErrInvalidHandle(err))

	s := &session{name: "sandbox"}
	r.addPool(h, s)
	got, err := r.pool(h)
	require.NoError(t, err)
	require.Same(t, s, got)
	require.True(t, r.poolNamed("sandbox"))
	require.False(t, r.poolNamed("other"))

	// a stale session does not remove a newer one
	r.removePool(h, &session{name: "sandbox"})
	_, err = r.pool(h)
	require.NoError(t, err)

	_, err = r.takePool(h)
	require.NoError(t, err)
	_, err = r.takePool(h)
	require.True(t, fault.IsErrInvalidHandle(err))
	require.NotEqual(t, h, r.reservePool())
}
