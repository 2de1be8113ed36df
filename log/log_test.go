package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(zapcore.AddSync(&buf), InfoLevel, true)

	l.Debugw("hidden", "k", 1)
	require.Zero(t, buf.Len())

	l.Named("pool").With("handle", 3).Infow("opened", "nodes", 4)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "INFO", entry["level"])
	require.Equal(t, "pool", entry["logger"])
	require.Equal(t, "opened", entry["msg"])
	require.EqualValues(t, 3, entry["handle"])
	require.EqualValues(t, 4, entry["nodes"])
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, DebugLevel, lvl)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}
