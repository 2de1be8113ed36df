package pool

import (
	"github.com/jonboulle/clockwork"

	"github.com/ahwlsqja/ledgerpool/consensus"
	"github.com/ahwlsqja/ledgerpool/log"
	"github.com/ahwlsqja/ledgerpool/metrics"
)

// Option configures a Client.
type Option func(*Client)

// WithConfig replaces the default timing configuration.
func WithConfig(cfg *Config) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger; sessions log under the "pool" name.
func WithLogger(l log.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClock sets the clock used for deadlines, heartbeats and connect backoff.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithPolicy replaces the quorum policy.
func WithPolicy(p consensus.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithRandSeed fixes the seed of read subset selection.
func WithRandSeed(seed int64) Option {
	return func(c *Client) {
		c.seed = seed
		c.seeded = true
	}
}
