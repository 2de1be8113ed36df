// Package main provides poolctl, a command line client for validator pools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/ahwlsqja/ledgerpool/fault"
	"github.com/ahwlsqja/ledgerpool/log"
	"github.com/ahwlsqja/ledgerpool/metrics"
	"github.com/ahwlsqja/ledgerpool/pool"
	"github.com/ahwlsqja/ledgerpool/storage"
	"github.com/ahwlsqja/ledgerpool/transport"
)

// configuration keys; each is also a flag and a LEDGERPOOL_* variable
const (
	keyConfig          = "config"
	keyStorage         = "storage"
	keyDataDir         = "data-dir"
	keyTransport       = "transport"
	keyLogLevel        = "log-level"
	keyLogJSON         = "log-json"
	keyMetrics         = "metrics"
	keyRequestTimeout  = "request-timeout"
	keyConnectTimeout  = "connect-timeout"
	keyConnectAttempts = "connect-attempts"
	keyReadSubset      = "read-subset"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v (code %d %s)\n", err, fault.CodeOf(err), fault.CodeOf(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "poolctl",
		Short:         "Talk to a validator pool and get answers the pool agrees on",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v)
		},
	}

	defaults := pool.DefaultConfig()
	f := root.PersistentFlags()
	f.String(keyConfig, "", "config file (yaml, toml or json)")
	f.String(keyStorage, "file", "pool config storage: file, bolt or memory")
	f.String(keyDataDir, "./pools", "directory holding pool configs")
	f.String(keyTransport, transport.KindTCP, "node transport: tcp, grpc or ws")
	f.String(keyLogLevel, "warn", "log level: debug, info, warn or error")
	f.Bool(keyLogJSON, false, "log as JSON")
	f.String(keyMetrics, "", "host:port to serve Prometheus metrics on (optional)")
	f.Duration(keyRequestTimeout, defaults.RequestTimeout, "per-request deadline")
	f.Duration(keyConnectTimeout, defaults.ConnectTimeout, "timeout of one connect attempt")
	f.Int(keyConnectAttempts, defaults.ConnectAttempts, "connect attempts before a node is given up")
	f.Int(keyReadSubset, 0, "nodes a read is sent to first; 0 means a majority")
	_ = v.BindPFlags(f)

	root.AddCommand(
		newCreateCmd(v),
		newDeleteCmd(v),
		newListCmd(v),
		newSubmitCmd(v),
		newStatusCmd(v),
		newBuildCmd(),
	)
	return root
}

func loadConfig(v *viper.Viper) error {
	v.SetEnvPrefix("LEDGERPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString(keyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return nil
}

// app bundles what a command needs to talk to pools.
type app struct {
	client  *pool.Client
	store   storage.Store
	logger  log.Logger
	metrics *metrics.Server
}

func newApp(v *viper.Viper) (*app, error) {
	level, err := log.ParseLevel(v.GetString(keyLogLevel))
	if err != nil {
		return nil, err
	}
	logger := log.New(zapcore.Lock(os.Stderr), level, v.GetBool(keyLogJSON))

	store, err := storage.Open(v.GetString(keyStorage), v.GetString(keyDataDir))
	if err != nil {
		return nil, err
	}
	dialer, err := transport.NewDialer(v.GetString(keyTransport))
	if err != nil {
		store.Close()
		return nil, err
	}

	cfg := pool.DefaultConfig()
	cfg.RequestTimeout = v.GetDuration(keyRequestTimeout)
	cfg.ConnectTimeout = v.GetDuration(keyConnectTimeout)
	cfg.ConnectAttempts = v.GetInt(keyConnectAttempts)
	cfg.ReadSubsetSize = v.GetInt(keyReadSubset)

	a := &app{store: store, logger: logger}
	opts := []pool.Option{pool.WithConfig(cfg), pool.WithLogger(logger)}
	if addr := v.GetString(keyMetrics); addr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, pool.WithMetrics(metrics.NewMetrics("ledgerpool", reg)))
		a.metrics = metrics.NewServer(addr, reg)
		if err := a.metrics.Start(); err != nil {
			store.Close()
			return nil, err
		}
		logger.Infow("metrics server listening", "addr", a.metrics.Addr())
	}

	a.client, err = pool.NewClient(store, dialer, opts...)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.client != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.client.Shutdown(ctx); err != nil {
			a.logger.Warnw("shutdown incomplete", "err", err)
		}
	}
	if a.metrics != nil {
		_ = a.metrics.Stop()
	}
	_ = a.store.Close()
}

// withApp runs fn with a ready app and tears it down afterwards.
func withApp(v *viper.Viper, cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(v)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(cmd.Context(), a)
}

// withPool opens name for the duration of fn.
func withPool(ctx context.Context, a *app, name string, fn func(h pool.PoolHandle) error) error {
	h, err := a.client.Open(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.client.Close(context.Background(), h); err != nil {
			a.logger.Warnw("closing pool", "pool", name, "err", err)
		}
	}()
	return fn(h)
}
