package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json", Output: &buf})

	l.With(String("run_id", "r1")).Debug(context.Background(), "scan", Float("distance_km", 1.5), Int("k", 3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "scan", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "r1", rec["run_id"])
	assert.Equal(t, 1.5, rec["distance_km"])
	assert.Equal(t, float64(3), rec["k"])
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Output: &buf})

	l.Debug(context.Background(), "hidden")
	assert.Empty(t, buf.String())

	l.Info(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf})

	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx, nil))
	assert.Equal(t, Noop(), FromContext(context.Background(), nil))
}
