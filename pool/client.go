package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ahwlsqja/ledgerpool/consensus"
	"github.com/ahwlsqja/ledgerpool/fault"
	"github.com/ahwlsqja/ledgerpool/genesis"
	"github.com/ahwlsqja/ledgerpool/ledger"
	"github.com/ahwlsqja/ledgerpool/log"
	"github.com/ahwlsqja/ledgerpool/metrics"
	"github.com/ahwlsqja/ledgerpool/storage"
	"github.com/ahwlsqja/ledgerpool/transport"
	"github.com/ahwlsqja/ledgerpool/types"
)

// LedgerConfig names the genesis source of a pool.
type LedgerConfig struct {
	// GenesisTxn is the genesis transaction file; defaults to "<name>.txn".
	GenesisTxn string `json:"genesis_txn"`
}

// Client issues pool operations. Every operation returns a CommandHandle at
// once; its single outcome is collected with Await.
type Client struct {
	store    storage.Store
	dialer   transport.Dialer
	registry *Registry

	cfg     *Config
	logger  log.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
	policy  consensus.Policy
	seed    int64
	seeded  bool

	mu       sync.Mutex
	sessions map[PoolHandle]*session // running loops, opening ones included
	wg       sync.WaitGroup
	closed   bool
}

// NewClient creates a client over store and dialer.
func NewClient(store storage.Store, dialer transport.Dialer, opts ...Option) (*Client, error) {
	c := &Client{
		store:    store,
		dialer:   dialer,
		registry: NewRegistry(),
		cfg:      DefaultConfig(),
		sessions: make(map[PoolHandle]*session),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.store == nil || c.dialer == nil {
		return nil, fmt.Errorf("pool client needs a store and a dialer")
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	if c.logger == nil {
		c.logger = log.DefaultLogger()
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.policy == nil {
		c.policy = &consensus.BFTPolicy{ReadSubset: c.cfg.ReadSubsetSize}
	}
	return c, nil
}

// Registry exposes the handle registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

func (c *Client) sessionSeed(h PoolHandle) int64 {
	if c.seeded {
		return c.seed + int64(h)
	}
	return time.Now().UnixNano() + int64(h)
}

// Await waits for the outcome of h.
func (c *Client) Await(ctx context.Context, h CommandHandle) (Result, error) {
	return c.registry.Await(ctx, h)
}

// ================================================================================
//                          pool configurations
// ================================================================================

// CreatePoolConfig reads the genesis source of lc and persists its node list under name.
func (c *Client) CreatePoolConfig(name string, lc *LedgerConfig) (CommandHandle, error) {
	if err := storage.ValidateName(name); err != nil {
		return 0, err
	}
	path := name + ".txn"
	if lc != nil && lc.GenesisTxn != "" {
		path = lc.GenesisTxn
	}

	cmd := c.registry.NewCommand(0)
	go func() {
		nodes, err := genesis.LoadFile(path)
		if err != nil {
			c.registry.Complete(cmd, Result{}, fault.Wrap(err, "reading genesis "+path))
			return
		}
		if err := c.store.Store(name, types.NewPoolConfig(name, nodes)); err != nil {
			c.registry.Complete(cmd, Result{}, err)
			return
		}
		c.logger.Infow("pool config created", "pool", name, "nodes", len(nodes), "genesis", path)
		c.registry.Complete(cmd, Result{}, nil)
	}()
	return cmd, nil
}

// DeletePoolConfig removes the persisted config of name. An open pool cannot be deleted.
func (c *Client) DeletePoolConfig(name string) (CommandHandle, error) {
	if err := storage.ValidateName(name); err != nil {
		return 0, err
	}
	if c.registry.poolNamed(name) {
		return 0, fault.InvalidState("pool %s is open", name)
	}

	cmd := c.registry.NewCommand(0)
	go func() {
		err := c.store.Delete(name)
		if err == nil {
			c.logger.Infow("pool config deleted", "pool", name)
		}
		c.registry.Complete(cmd, Result{}, err)
	}()
	return cmd, nil
}

// ListPoolConfigs returns the names of all persisted configs.
func (c *Client) ListPoolConfigs() ([]string, error) {
	return c.store.List()
}

// ================================================================================
//                          pool sessions
// ================================================================================

// OpenPool loads the config of name and connects to its nodes. The command
// succeeds with the PoolHandle once one node is connected.
func (c *Client) OpenPool(name string) (CommandHandle, error) {
	if err := storage.ValidateName(name); err != nil {
		return 0, err
	}
	if c.isClosed() {
		return 0, fault.Terminate()
	}

	cmd := c.registry.NewCommand(0)
	go func() {
		cfg, err := c.store.Load(name)
		if err != nil {
			c.registry.Complete(cmd, Result{}, err)
			return
		}
		c.startSession(cmd, cfg)
	}()
	return cmd, nil
}

func (c *Client) startSession(cmd CommandHandle, cfg *types.PoolConfig) {
	h := c.registry.reservePool()
	s := newSession(c, h, cfg, cmd)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.registry.Complete(cmd, Result{}, fault.Terminate())
		return
	}
	c.sessions[h] = s
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		s.run()

		c.mu.Lock()
		delete(c.sessions, h)
		c.mu.Unlock()
	}()
}

// ClosePool closes h. Every pending command of the pool fails with Terminate.
func (c *Client) ClosePool(h PoolHandle) (CommandHandle, error) {
	s, err := c.registry.takePool(h)
	if err != nil {
		return 0, err
	}
	cmd := c.registry.NewCommand(h)
	if !s.enqueue(&closeOp{cmd: cmd}) {
		c.registry.Complete(cmd, Result{Pool: h}, nil)
	}
	return cmd, nil
}

// RefreshPool reloads the node list of h.
func (c *Client) RefreshPool(h PoolHandle) (CommandHandle, error) {
	s, err := c.registry.pool(h)
	if err != nil {
		return 0, err
	}
	if s.getState() == stateTerminated {
		return 0, fault.Terminate()
	}
	cmd := c.registry.NewCommand(h)
	if !s.enqueue(&refreshOp{cmd: cmd}) {
		c.registry.Complete(cmd, Result{}, fault.Terminate())
	}
	return cmd, nil
}

// SubmitRequest sends payload to the pool. The command succeeds with the
// reply the pool agreed on.
func (c *Client) SubmitRequest(h PoolHandle, payload []byte) (CommandHandle, error) {
	s, err := c.registry.pool(h)
	if err != nil {
		return 0, err
	}
	desc, err := ledger.ParseRequest(payload)
	if err != nil {
		return 0, err
	}
	if s.getState() == stateTerminated {
		return 0, fault.Terminate()
	}
	if err := s.claim(desc.ReqID); err != nil {
		return 0, err
	}

	cmd := c.registry.NewCommand(h)
	if !s.enqueue(&submitOp{cmd: cmd, desc: desc, payload: payload}) {
		s.release(desc.ReqID)
		c.registry.Complete(cmd, Result{}, fault.Terminate())
	}
	return cmd, nil
}

// PoolStatus returns a snapshot of an open pool.
func (c *Client) PoolStatus(ctx context.Context, h PoolHandle) (*Status, error) {
	s, err := c.registry.pool(h)
	if err != nil {
		return nil, err
	}
	reply := make(chan *Status, 1)
	if !s.enqueue(&statusOp{reply: reply}) {
		return nil, fault.Terminate()
	}
	select {
	case st, ok := <-reply:
		if !ok {
			return nil, fault.Terminate()
		}
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown closes every session and waits for their loops to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		c.registry.removePool(s.handle, s)
		s.enqueue(&closeOp{})
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Infow("pool client shut down", "sessions", len(sessions))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ================================================================================
//                          blocking wrappers
// ================================================================================

// Create is CreatePoolConfig followed by Await.
func (c *Client) Create(ctx context.Context, name string, lc *LedgerConfig) error {
	cmd, err := c.CreatePoolConfig(name, lc)
	if err != nil {
		return err
	}
	_, err = c.Await(ctx, cmd)
	return err
}

// Delete is DeletePoolConfig followed by Await.
func (c *Client) Delete(ctx context.Context, name string) error {
	cmd, err := c.DeletePoolConfig(name)
	if err != nil {
		return err
	}
	_, err = c.Await(ctx, cmd)
	return err
}

// Open is OpenPool followed by Await.
func (c *Client) Open(ctx context.Context, name string) (PoolHandle, error) {
	cmd, err := c.OpenPool(name)
	if err != nil {
		return 0, err
	}
	res, err := c.Await(ctx, cmd)
	return res.Pool, err
}

// Close is ClosePool followed by Await.
func (c *Client) Close(ctx context.Context, h PoolHandle) error {
	cmd, err := c.ClosePool(h)
	if err != nil {
		return err
	}
	_, err = c.Await(ctx, cmd)
	return err
}

// Refresh is RefreshPool followed by Await.
func (c *Client) Refresh(ctx context.Context, h PoolHandle) error {
	cmd, err := c.RefreshPool(h)
	if err != nil {
		return err
	}
	_, err = c.Await(ctx, cmd)
	return err
}

// Submit is SubmitRequest followed by Await.
func (c *Client) Submit(ctx context.Context, h PoolHandle, payload []byte) ([]byte, error) {
	cmd, err := c.SubmitRequest(h, payload)
	if err != nil {
		return nil, err
	}
	res, err := c.Await(ctx, cmd)
	return res.Reply, err
}
