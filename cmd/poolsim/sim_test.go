package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/ledgerpool/consensus"
	"github.com/ahwlsqja/ledgerpool/crypto"
	"github.com/ahwlsqja/ledgerpool/fault"
	"github.com/ahwlsqja/ledgerpool/ledger"
	"github.com/ahwlsqja/ledgerpool/log"
	"github.com/ahwlsqja/ledgerpool/pool"
	"github.com/ahwlsqja/ledgerpool/storage"
	"github.com/ahwlsqja/ledgerpool/transport"
)

const trustee = "Th7MpTaRZVRYnPiabds81Y"

func startSim(t *testing.T, kind string, behaviors map[string]Behavior) (*Simulator, string) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sim, err := NewSimulator(&SimConfig{
		Nodes:     4,
		Transport: kind,
		Host:      "127.0.0.1",
		Behaviors: behaviors,
	}, log.NewNop(), reg)
	require.NoError(t, err)
	require.NoError(t, sim.Start())
	t.Cleanup(func() { sim.Stop() })

	path := filepath.Join(t.TempDir(), "pool.txn")
	require.NoError(t, sim.WriteGenesis(path))
	return sim, path
}

func newClient(t *testing.T, kind string) *pool.Client {
	t.Helper()
	dialer, err := transport.NewDialer(kind)
	require.NoError(t, err)
	cfg := pool.DefaultConfig()
	cfg.RequestTimeout = 5 * time.Second
	cfg.ConnectTimeout = 2 * time.Second
	client, err := pool.NewClient(storage.NewMemStore(), dialer, pool.WithConfig(cfg), pool.WithLogger(log.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, client.Shutdown(ctx))
	})
	return client
}

func resultOf(t *testing.T, reply []byte) map[string]interface{} {
	t.Helper()
	msg, err := consensus.DecodeMessage(reply)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Result, &out))
	return out
}

func TestSimulatedPool(t *testing.T) {
	for _, kind := range []string{transport.KindTCP, transport.KindGRPC, transport.KindWebSocket} {
		t.Run(kind, func(t *testing.T) {
			sim, genesisPath := startSim(t, kind, map[string]Behavior{"Node4": Stale})
			client := newClient(t, kind)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			require.NoError(t, client.Create(ctx, "sim", &pool.LedgerConfig{GenesisTxn: genesisPath}))
			h, err := client.Open(ctx, "sim")
			require.NoError(t, err)

			target := newDID(t)
			nym, err := ledger.BuildNymRequest(trustee, target, "", "alice", "")
			require.NoError(t, err)
			reply, err := client.Submit(ctx, h, nym)
			require.NoError(t, err)
			require.EqualValues(t, 1, resultOf(t, reply)["seqNo"])

			getNym, err := ledger.BuildGetNymRequest(trustee, target)
			require.NoError(t, err)
			reply, err = client.Submit(ctx, h, getNym)
			require.NoError(t, err)
			result := resultOf(t, reply)
			require.EqualValues(t, 1, result["seqNo"])
			require.Contains(t, result["data"], target)

			require.NoError(t, client.Close(ctx, h))
			// every node sees the write
			require.GreaterOrEqual(t, testutil.ToFloat64(sim.handled.WithLabelValues("Node4", string(Stale))), 1.0)
		})
	}
}

func newDID(t *testing.T) string {
	t.Helper()
	did, err := crypto.DIDFromVerKey(crypto.GenerateVerKey())
	require.NoError(t, err)
	return did
}

func TestSimulatedPoolRefusesTogether(t *testing.T) {
	behaviors := map[string]Behavior{"Node1": Refuse, "Node2": Refuse, "Node3": Refuse}
	_, genesisPath := startSim(t, transport.KindTCP, behaviors)
	client := newClient(t, transport.KindTCP)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, client.Create(ctx, "sim", &pool.LedgerConfig{GenesisTxn: genesisPath}))
	h, err := client.Open(ctx, "sim")
	require.NoError(t, err)

	nym, err := ledger.BuildNymRequest(trustee, newDID(t), "", "", "")
	require.NoError(t, err)
	_, err = client.Submit(ctx, h, nym)
	require.True(t, fault.IsErrRejected(err), "got %v", err)
	require.ErrorContains(t, err, "simulated refusal")
}

func TestApplication(t *testing.T) {
	app := NewApplication()
	req := &ledger.Request{
		ReqID:      1,
		Identifier: trustee,
		Operation:  map[string]interface{}{"type": ledger.TypeNym, "dest": "abc"},
	}
	txn, err := app.DeliverTx(req, ledger.TypeNym)
	require.NoError(t, err)
	require.Equal(t, 1, txn.SeqNo)

	// replays keep their sequence number
	again, err := app.DeliverTx(req, ledger.TypeNym)
	require.NoError(t, err)
	require.Same(t, txn, again)
	require.Equal(t, 1, app.Height())
	require.Len(t, app.AppHash(), 32)

	got, err := app.Query(ledger.TypeGetNym, map[string]interface{}{"dest": "abc"})
	require.NoError(t, err)
	require.Same(t, txn, got)

	got, err = app.Query(ledger.TypeGetTxn, map[string]interface{}{"data": json.Number("1")})
	require.NoError(t, err)
	require.Same(t, txn, got)

	got, err = app.Query(ledger.TypeGetTxn, map[string]interface{}{"data": json.Number("9")})
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = app.DeliverTx(&ledger.Request{ReqID: 2, Identifier: trustee, Operation: map[string]interface{}{"type": "999"}}, "999")
	require.Error(t, err)

	_, err = ParseBehavior("chaotic")
	require.Error(t, err)
}
