package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "prod", "info")
	log.Debug("hidden")
	log.Info("issue created", "issue_id", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "issue created", rec["msg"])
	assert.Equal(t, "civic-issues", rec["service"])
	assert.Equal(t, float64(7), rec["issue_id"])
}

func TestNewWithWriterDevIsText(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "dev", "debug").Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}
