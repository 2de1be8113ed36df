// Package metrics provides Prometheus metrics for the pool client.
package metrics

import (
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcome labels.
const (
	OutcomeConsensus = "consensus"
	OutcomeRejected  = "rejected"
	OutcomeTimeout   = "timeout"
	OutcomeTerminate = "terminate"
)

// Metrics holds all Prometheus metrics of the pool client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Request metrics
	requestsTotal     *prometheus.CounterVec   // 결과별 요청 수
	requestDuration   *prometheus.HistogramVec // 제출부터 결과까지 걸린 시간
	pendingRequests   prometheus.Gauge         // 진행 중 요청 수
	readFallbackTotal prometheus.Counter       // 읽기 요청 대상 확장 횟수

	// Message metrics
	messagesSentTotal     *prometheus.CounterVec // 노드별 전송 메시지 수
	messagesReceivedTotal *prometheus.CounterVec // op별 수신 메시지 수
	malformedRepliesTotal prometheus.Counter

	// Node metrics
	nodeFailuresTotal *prometheus.CounterVec // 노드별 연결/전송 실패
	connectedNodes    *prometheus.GaugeVec   // 풀별 연결된 노드 수
	openPools         prometheus.Gauge
}

// NewMetrics creates a new Metrics instance and registers it with reg.
// A nil reg registers with the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{}

	// Request metrics
	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of submitted requests by outcome",
	}, []string{"outcome"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Time from dispatch to terminal outcome in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~65s
	}, []string{"kind"})

	m.pendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_requests",
		Help:      "Number of requests still collecting replies",
	})

	m.readFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "read_fallback_total",
		Help:      "Total number of read requests extended beyond their initial subset",
	})

	// Message metrics
	m.messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of requests sent by node",
	}, []string{"node"})

	m.messagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of node messages received by op",
	}, []string{"op"})

	m.malformedRepliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_replies_total",
		Help:      "Total number of replies that could not be decoded",
	})

	// Node metrics
	m.nodeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_failures_total",
		Help:      "Total number of node connect or send failures",
	}, []string{"node"})

	m.connectedNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_nodes",
		Help:      "Number of connected nodes per pool",
	}, []string{"pool"})

	m.openPools = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_pools",
		Help:      "Number of open pool sessions",
	})

	// Register all metrics
	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.pendingRequests,
		m.readFallbackTotal,
		m.messagesSentTotal,
		m.messagesReceivedTotal,
		m.malformedRepliesTotal,
		m.nodeFailuresTotal,
		m.connectedNodes,
		m.openPools,
	)

	return m
}

// RequestStarted records a newly dispatched request.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.pendingRequests.Inc()
}

// RequestFinished records a terminal outcome. kind is "read" or "write".
func (m *Metrics) RequestFinished(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ReadFallback records a read request extended to more nodes.
func (m *Metrics) ReadFallback() {
	if m == nil {
		return
	}
	m.readFallbackTotal.Inc()
}

// MessageSent increments the messages sent counter.
func (m *Metrics) MessageSent(node string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(node).Inc()
}

// MessageReceived increments the messages received counter.
func (m *Metrics) MessageReceived(op string) {
	if m == nil {
		return
	}
	m.messagesReceivedTotal.WithLabelValues(op).Inc()
}

// MalformedReply increments the malformed reply counter.
func (m *Metrics) MalformedReply() {
	if m == nil {
		return
	}
	m.malformedRepliesTotal.Inc()
}

// NodeFailure increments the failure counter of node.
func (m *Metrics) NodeFailure(node string) {
	if m == nil {
		return
	}
	m.nodeFailuresTotal.WithLabelValues(node).Inc()
}

// SetConnectedNodes sets the connected node count of pool.
func (m *Metrics) SetConnectedNodes(pool string, n int) {
	if m == nil {
		return
	}
	m.connectedNodes.WithLabelValues(pool).Set(float64(n))
}

// PoolOpened increments the open pool gauge.
func (m *Metrics) PoolOpened() {
	if m == nil {
		return
	}
	m.openPools.Inc()
}

// PoolClosed decrements the open pool gauge and drops the pool's node gauge.
func (m *Metrics) PoolClosed(pool string) {
	if m == nil {
		return
	}
	m.openPools.Dec()
	m.connectedNodes.DeleteLabelValues(pool)
}

// Server provides 프로메테우스 매트릭을 위한 HTTP 서버를 제공
type Server struct {
	addr     string
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new metrics HTTP server serving gatherer on /metrics.
// A nil gatherer serves the default registry.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	handler := promhttp.Handler()
	if gatherer != nil {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = l
	go func() {
		_ = s.server.Serve(l)
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	return s.server.Close()
}
