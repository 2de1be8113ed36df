// Package main provides poolsim, a simulated validator pool for trying out
// pool clients. It serves N nodes over one transport and writes their
// genesis file.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/ahwlsqja/ledgerpool/crypto"
	"github.com/ahwlsqja/ledgerpool/genesis"
	"github.com/ahwlsqja/ledgerpool/log"
	"github.com/ahwlsqja/ledgerpool/metrics"
	"github.com/ahwlsqja/ledgerpool/transport"
	"github.com/ahwlsqja/ledgerpool/types"
)

// SimConfig describes a simulated pool.
type SimConfig struct {
	Nodes     int
	Transport string
	Host      string
	BasePort  int                 // 0 picks free ports
	Behaviors map[string]Behavior // by alias; honest when absent
}

// Simulator runs the servers of a simulated pool.
type Simulator struct {
	cfg      *SimConfig
	app      *Application
	logger   log.Logger
	handled  *prometheus.CounterVec
	servers  []transport.Server
	nodes    []*types.NodeInfo
	simNodes []*SimNode
}

// NewSimulator creates a simulator; reg may be nil.
func NewSimulator(cfg *SimConfig, logger log.Logger, reg prometheus.Registerer) (*Simulator, error) {
	if cfg.Nodes < 1 {
		return nil, fmt.Errorf("a pool needs at least one node")
	}
	s := &Simulator{cfg: cfg, app: NewApplication(), logger: logger}
	if reg != nil {
		s.handled = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerpool",
			Subsystem: "sim",
			Name:      "requests_total",
			Help:      "Requests handled by simulated nodes",
		}, []string{"node", "behavior"})
		reg.MustRegister(s.handled)
	}
	return s, nil
}

// Start starts every node server.
func (s *Simulator) Start() error {
	for i := 1; i <= s.cfg.Nodes; i++ {
		alias := fmt.Sprintf("Node%d", i)
		behavior := s.cfg.Behaviors[alias]
		if behavior == "" {
			behavior = Honest
		}
		node := &SimNode{
			Alias:    alias,
			behavior: behavior,
			app:      s.app,
			logger:   s.logger.Named("node").With("node", alias),
			handled:  s.handled,
		}

		port := 0
		if s.cfg.BasePort != 0 {
			port = s.cfg.BasePort + 2*(i-1)
		}
		srv, err := transport.NewServer(s.cfg.Transport, net.JoinHostPort(s.cfg.Host, strconv.Itoa(port)), node.Handle)
		if err != nil {
			s.Stop()
			return err
		}
		if err := srv.Start(); err != nil {
			s.Stop()
			return fmt.Errorf("starting %s: %w", alias, err)
		}
		s.servers = append(s.servers, srv)
		s.simNodes = append(s.simNodes, node)
		s.nodes = append(s.nodes, &types.NodeInfo{
			Alias:    alias,
			Address:  srv.Addr(),
			VerKey:   crypto.GenerateVerKey(),
			Services: []string{types.ServiceValidator},
		})
		s.logger.Infow("node listening", "node", alias, "addr", srv.Addr(), "behavior", behavior)
	}
	return nil
}

// Nodes returns the node list of the running pool.
func (s *Simulator) Nodes() []*types.NodeInfo {
	return s.nodes
}

// WriteGenesis writes the genesis file of the running pool.
func (s *Simulator) WriteGenesis(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := genesis.Write(f, s.nodes); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Stop stops every server.
func (s *Simulator) Stop() error {
	var errs *multierror.Error
	for _, srv := range s.servers {
		if err := srv.Stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.servers = nil
	return errs.ErrorOrNil()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg         SimConfig
		behaviors   map[string]string
		genesisPath string
		metricsAddr string
		logLevel    string
	)
	cmd := &cobra.Command{
		Use:          "poolsim",
		Short:        "Run a simulated validator pool",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := log.New(zapcore.Lock(os.Stderr), level, false)

			cfg.Behaviors = make(map[string]Behavior, len(behaviors))
			for alias, name := range behaviors {
				b, err := ParseBehavior(name)
				if err != nil {
					return err
				}
				cfg.Behaviors[alias] = b
			}

			reg := prometheus.NewRegistry()
			sim, err := NewSimulator(&cfg, logger, reg)
			if err != nil {
				return err
			}
			if err := sim.Start(); err != nil {
				return err
			}
			defer sim.Stop()

			if err := sim.WriteGenesis(genesisPath); err != nil {
				return err
			}
			logger.Infow("genesis written", "path", genesisPath, "nodes", cfg.Nodes)

			if metricsAddr != "" {
				srv := metrics.NewServer(metricsAddr, reg)
				if err := srv.Start(); err != nil {
					return err
				}
				defer srv.Stop()
				logger.Infow("metrics server listening", "addr", srv.Addr())
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logger.Infow("shutting down", "height", sim.app.Height(), "app_hash", fmt.Sprintf("%X", sim.app.AppHash()))
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&cfg.Nodes, "nodes", "n", 4, "number of nodes")
	f.StringVar(&cfg.Transport, "transport", transport.KindTCP, "transport: tcp, grpc or ws")
	f.StringVar(&cfg.Host, "host", "127.0.0.1", "listen host")
	f.IntVar(&cfg.BasePort, "base-port", 9702, "client port of Node1; later nodes add 2 (0 picks free ports)")
	f.StringToStringVar(&behaviors, "behavior", nil, "node behaviors, e.g. Node4=stale (honest, stale, silent, refuse, garbage)")
	f.StringVar(&genesisPath, "genesis", "pool_transactions_genesis", "genesis file to write")
	f.StringVar(&metricsAddr, "metrics", "", "host:port to serve Prometheus metrics on (optional)")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
