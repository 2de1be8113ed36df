package metrics

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	// none of these may panic
	m.RequestStarted()
	m.RequestFinished("write", OutcomeConsensus, time.Second)
	m.ReadFallback()
	m.MessageSent("Node1")
	m.MessageReceived("REPLY")
	m.MalformedReply()
	m.NodeFailure("Node1")
	m.SetConnectedNodes("sandbox", 3)
	m.PoolOpened()
	m.PoolClosed("sandbox")
}

func TestRequestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("ledgerpool", reg)

	m.RequestStarted()
	m.RequestStarted()
	m.RequestFinished("write", OutcomeConsensus, 10*time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(m.pendingRequests))
	require.Equal(t, float64(1), testutil.ToFloat64(m.requestsTotal.WithLabelValues(OutcomeConsensus)))

	m.SetConnectedNodes("sandbox", 4)
	m.PoolOpened()
	require.Equal(t, float64(4), testutil.ToFloat64(m.connectedNodes.WithLabelValues("sandbox")))
	m.PoolClosed("sandbox")
	require.Equal(t, float64(0), testutil.ToFloat64(m.openPools))
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("ledgerpool", reg)
	m.NodeFailure("Node2")

	s := NewServer("127.0.0.1:0", reg)
	require.NoError(t, s.Start())
	defer s.Stop()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `ledgerpool_node_failures_total{node="Node2"} 1`))
}
