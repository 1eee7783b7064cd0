package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "json"}, &buf)
	l.Info().Str("ip", "10.0.0.1").Msg("Registered")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Registered", line["message"])
	assert.Equal(t, "10.0.0.1", line["ip"])
	assert.Equal(t, "info", line["level"])
	assert.Contains(t, line, "time")
}

func TestNewConsoleHasNoColorForBuffers(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "console"}, &buf)
	l.Warn().Msg("Queue full")

	assert.Contains(t, buf.String(), "Queue full")
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestOpenOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "masterlist.log")

	w := openOutput(path)
	f, ok := w.(*os.File)
	require.True(t, ok)
	t.Cleanup(func() { _ = f.Close() })

	assert.Equal(t, path, f.Name())
	assert.Equal(t, os.Stdout, openOutput("stdout"))
	assert.Equal(t, os.Stderr, openOutput("stderr"))
}
