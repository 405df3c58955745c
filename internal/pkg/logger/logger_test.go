package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_ProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "info", Production: true, Console: zapcore.AddSync(&buf)})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("answer cached", zap.String("product_id", "FP-1002"))
	require.NoError(t, log.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "INFO", entry["level"])
	require.Equal(t, "answer cached", entry["message"])
	require.Equal(t, "FP-1002", entry["product_id"])
	require.Contains(t, entry, "timestamp")
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog-assist.log")
	var console bytes.Buffer
	log, err := New(Options{Level: "debug", FilePath: path, Console: zapcore.AddSync(&console)})
	require.NoError(t, err)

	log.Debug("frame skipped")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &entry))
	require.Equal(t, "DEBUG", entry["level"])
	require.Contains(t, console.String(), "frame skipped")
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	require.Error(t, err)
}
