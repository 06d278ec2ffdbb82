package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestJSONLogger(t *testing.T) {
	t.Setenv(LevelEnv, "")
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", JSON: true, Writer: &buf})
	logger.Debug().Str("tool", "node").Msg("resolved")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "vx", line["app"])
	assert.Equal(t, "node", line["tool"])
	assert.Equal(t, "resolved", line["message"])
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv(LevelEnv, "error")
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", JSON: true, Writer: &buf})
	logger.Info().Msg("hidden")
	assert.Empty(t, buf.String())
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	file, err := OpenFile(dir)
	require.NoError(t, err)
	defer file.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), ".log")
}
