package pool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/ledgerpool/crypto"
	"github.com/ahwlsqja/ledgerpool/fault"
	"github.com/ahwlsqja/ledgerpool/genesis"
	"github.com/ahwlsqja/ledgerpool/log"
	"github.com/ahwlsqja/ledgerpool/storage"
	"github.com/ahwlsqja/ledgerpool/transport"
	"github.com/ahwlsqja/ledgerpool/types"
)

func writeGenesis(t *testing.T, dir, file string, n int) string {
	t.Helper()
	var nodes []*types.NodeInfo
	for i := 1; i <= n; i++ {
		nodes = append(nodes, &types.NodeInfo{
			Alias:    fmt.Sprintf("Node%d", i),
			Address:  fmt.Sprintf("10.0.0.%d:9702", i),
			NodeAddr: fmt.Sprintf("10.0.0.%d:9701", i),
			VerKey:   crypto.GenerateVerKey(),
			Services: []string{types.ServiceValidator},
		})
	}
	var buf bytes.Buffer
	require.NoError(t, genesis.Write(&buf, nodes))
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func newFileClient(t *testing.T) (*Client, storage.Store) {
	t.Helper()
	store, err := storage.Open("file", filepath.Join(t.TempDir(), "pools"))
	require.NoError(t, err)
	client, err := NewClient(store, transport.NewMockNetwork(), WithConfig(fastConfig()), WithLogger(log.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, client.Shutdown(context.Background()))
		require.NoError(t, store.Close())
	})
	return client, store
}

func TestCreatePoolConfigTwice(t *testing.T) {
	client, store := newFileClient(t)
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := writeGenesis(t, dir, "first.txn", 4)
	require.NoError(t, client.Create(ctx, testPool, &LedgerConfig{GenesisTxn: first}))
	before, err := store.Load(testPool)
	require.NoError(t, err)
	require.Equal(t, 4, before.Size())

	second := writeGenesis(t, dir, "second.txn", 7)
	err = client.Create(ctx, testPool, &LedgerConfig{GenesisTxn: second})
	require.True(t, fault.IsErrAlreadyExists(err), "got %v", err)
	require.Equal(t, fault.PoolLedgerConfigAlreadyExistsError, fault.CodeOf(err))

	after, err := store.Load(testPool)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestCreatePoolConfigErrors(t *testing.T) {
	client, _ := newFileClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.CreatePoolConfig("", nil)
	require.Equal(t, fault.CommonInvalidStructure, fault.CodeOf(err))

	err = client.Create(ctx, testPool, &LedgerConfig{GenesisTxn: filepath.Join(t.TempDir(), "missing.txn")})
	require.Error(t, err)
	require.Equal(t, fault.CommonIOError, fault.CodeOf(err))

	bad := filepath.Join(t.TempDir(), "bad.txn")
	require.NoError(t, os.WriteFile(bad, []byte("{not json\n"), 0o644))
	err = client.Create(ctx, testPool, &LedgerConfig{GenesisTxn: bad})
	require.Error(t, err)

	names, err := client.ListPoolConfigs()
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestDeleteAndListPoolConfigs(t *testing.T) {
	client, _ := newFileClient(t)
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	path := writeGenesis(t, dir, "pool.txn", 4)
	for _, name := range []string{"beta", "alpha"} {
		require.NoError(t, client.Create(ctx, name, &LedgerConfig{GenesisTxn: path}))
	}
	names, err := client.ListPoolConfigs()
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, names)

	require.NoError(t, client.Delete(ctx, "alpha"))
	err = client.Delete(ctx, "alpha")
	require.True(t, fault.IsErrNotCreated(err), "got %v", err)

	names, err = client.ListPoolConfigs()
	require.NoError(t, err)
	require.Equal(t, []string{"beta"}, names)
}

func TestDeleteOpenPool(t *testing.T) {
	h := newHarness(t, fourNodes)
	ph := h.open()

	_, err := h.client.DeletePoolConfig(testPool)
	require.Equal(t, fault.CommonInvalidState, fault.CodeOf(err))

	require.NoError(t, h.client.Close(h.ctx(), ph))
	require.NoError(t, h.client.Delete(h.ctx(), testPool))
	_, err = h.client.Open(h.ctx(), testPool)
	require.True(t, fault.IsErrNotCreated(err))
}

func TestCreateDefaultsGenesisPath(t *testing.T) {
	client, store := newFileClient(t)
	dir := t.TempDir()
	writeGenesis(t, dir, "local.txn", 4)

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Create(ctx, "local", nil))

	cfg, err := store.Load("local")
	require.NoError(t, err)
	require.Equal(t, []string{"Node1", "Node2", "Node3", "Node4"}, cfg.Aliases())
}
