package pool

import (
	"context"
	"sync"

	"github.com/ahwlsqja/ledgerpool/fault"
)

// PoolHandle identifies one open pool session.
type PoolHandle int32

// CommandHandle identifies one asynchronous operation.
type CommandHandle int32

// Result is the success payload of a command.
type Result struct {
	Pool  PoolHandle // OpenPool, RefreshPool
	Reply []byte     // SubmitRequest: the consensus reply
}

type completion struct {
	result Result
	err    error
}

type command struct {
	pool    PoolHandle
	done    chan completion // buffered; written once
	fired   bool
	waiting bool
}

// Registry maps handles to in-flight commands and open sessions. Its lock is
// never held across network I/O.
type Registry struct {
	mu       sync.Mutex
	nextCmd  CommandHandle
	nextPool PoolHandle
	commands map[CommandHandle]*command
	pools    map[PoolHandle]*session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[CommandHandle]*command),
		pools:    make(map[PoolHandle]*session),
	}
}

// NewCommand allocates a command handle, optionally tied to pool.
func (r *Registry) NewCommand(pool PoolHandle) CommandHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	// handles wrap around; skip ones still pending or unconsumed
	for {
		r.nextCmd++
		if r.nextCmd <= 0 {
			r.nextCmd = 1
		}
		if _, busy := r.commands[r.nextCmd]; !busy {
			break
		}
	}
	h := r.nextCmd
	r.commands[h] = &command{pool: pool, done: make(chan completion, 1)}
	return h
}

// Complete delivers the terminal notification of h. Only the first call has
// an effect; it returns false for unknown or already completed handles.
func (r *Registry) Complete(h CommandHandle, res Result, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[h]
	if !ok || cmd.fired {
		return false
	}
	cmd.fired = true
	cmd.done <- completion{result: res, err: err}
	return true
}

// Await blocks until h completes or ctx ends. A delivered result consumes h.
func (r *Registry) Await(ctx context.Context, h CommandHandle) (Result, error) {
	r.mu.Lock()
	cmd, ok := r.commands[h]
	if !ok {
		r.mu.Unlock()
		return Result{}, fault.InvalidHandle("command %d", h)
	}
	if cmd.waiting {
		r.mu.Unlock()
		return Result{}, fault.InvalidState("command %d is already awaited", h)
	}
	cmd.waiting = true
	r.mu.Unlock()

	select {
	case c := <-cmd.done:
		r.mu.Lock()
		delete(r.commands, h)
		r.mu.Unlock()
		return c.result, c.err
	case <-ctx.Done():
		r.mu.Lock()
		cmd.waiting = false
		r.mu.Unlock()
		return Result{}, ctx.Err()
	}
}

// PendingFor returns how many commands tied to pool have not completed.
func (r *Registry) PendingFor(pool PoolHandle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cmd := range r.commands {
		if cmd.pool == pool && !cmd.fired {
			n++
		}
	}
	return n
}

// Commands returns the number of commands not yet consumed.
func (r *Registry) Commands() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

// reservePool allocates a pool handle; it becomes valid with addPool.
func (r *Registry) reservePool() PoolHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		r.nextPool++
		if r.nextPool <= 0 {
			r.nextPool = 1
		}
		if _, busy := r.pools[r.nextPool]; !busy {
			return r.nextPool
		}
	}
}

func (r *Registry) addPool(h PoolHandle, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[h] = s
}

// pool returns the open session of h.
func (r *Registry) pool(h PoolHandle) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.pools[h]
	if !ok {
		return nil, fault.InvalidHandle("pool %d", h)
	}
	return s, nil
}

// takePool removes h and returns its session.
func (r *Registry) takePool(h PoolHandle) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.pools[h]
	if !ok {
		return nil, fault.InvalidHandle("pool %d", h)
	}
	delete(r.pools, h)
	return s, nil
}

// removePool drops h if it still maps to s.
func (r *Registry) removePool(h PoolHandle, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pools[h] == s {
		delete(r.pools, h)
	}
}

// poolNamed reports whether a session for name is open.
func (r *Registry) poolNamed(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.pools {
		if s.name == name {
			return true
		}
	}
	return false
}
