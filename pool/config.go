// Package pool is the pool consensus client: it opens connections to the
// validator nodes of a named pool, fans requests out to them and resolves
// each request once enough nodes agree.
package pool

import (
	"time"
)

// Config holds the timing knobs of a Client.
type Config struct {
	// 요청 타이밍
	RequestTimeout time.Duration // per-request deadline
	SendTimeout    time.Duration // bound on one Send to one node

	// 노드 연결
	ConnectTimeout    time.Duration // one dial attempt
	ConnectAttempts   int           // attempts before a node is marked Failed
	ConnectBackoff    time.Duration // wait after the first failed attempt, doubled each time
	MaxConnectBackoff time.Duration

	// 이벤트 루프
	HeartbeatInterval time.Duration // longest the session loop sleeps with nothing due

	// ReadSubsetSize is how many nodes a read-only request goes to first; 0 means a majority.
	ReadSubsetSize int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout:    20 * time.Second,
		SendTimeout:       5 * time.Second,
		ConnectTimeout:    5 * time.Second,
		ConnectAttempts:   3,
		ConnectBackoff:    200 * time.Millisecond,
		MaxConnectBackoff: 5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ReadSubsetSize:    0,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return ErrInvalidRequestTimeout
	}
	if c.SendTimeout <= 0 {
		return ErrInvalidSendTimeout
	}
	if c.ConnectTimeout <= 0 {
		return ErrInvalidConnectTimeout
	}
	if c.ConnectAttempts < 1 {
		return ErrInvalidConnectAttempts
	}
	if c.ConnectBackoff < 0 || c.MaxConnectBackoff < c.ConnectBackoff {
		return ErrInvalidBackoff
	}
	if c.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeat
	}
	if c.ReadSubsetSize < 0 {
		return ErrInvalidReadSubset
	}
	return nil
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrInvalidRequestTimeout  = configError("request timeout must be positive")
	ErrInvalidSendTimeout     = configError("send timeout must be positive")
	ErrInvalidConnectTimeout  = configError("connect timeout must be positive")
	ErrInvalidConnectAttempts = configError("at least one connect attempt is required")
	ErrInvalidBackoff         = configError("connect backoff must be non-negative and not above its maximum")
	ErrInvalidHeartbeat       = configError("heartbeat interval must be positive")
	ErrInvalidReadSubset      = configError("read subset size must not be negative")
)
