package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestStructuredLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelDebug)

	l.WithField("route", "bars").Info("topic started", "topic", "bars:AAPL:1m", "subscribers", 1)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "topic started", lines[0]["msg"])
	assert.Equal(t, "bars", lines[0]["route"])
	assert.Equal(t, "bars:AAPL:1m", lines[0]["topic"])
	assert.Equal(t, float64(1), lines[0]["subscribers"])
}

func TestStructuredLoggerOddFieldsIgnored(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelInfo)

	l.Info("odd", "key_only")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	_, ok := lines[0]["key_only"]
	assert.False(t, ok)
}

func TestSetLevelSharedAcrossChildren(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelInfo)
	child := l.WithField("conn_id", "c1")

	child.Debug("hidden")
	assert.Empty(t, buf.String())

	l.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, child.GetLevel())
	child.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestWithContextExtractsIDs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelInfo)

	ctx := context.WithValue(context.Background(), ContextKeyConnID, "conn-42")
	ctx = context.WithValue(ctx, ContextKeyUserID, "alice")
	l.WithContext(ctx).Info("connected")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "conn-42", lines[0]["conn_id"])
	assert.Equal(t, "alice", lines[0]["user_id"])
}

func TestLogHTTPRequestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelInfo)

	LogHTTPRequest(l, HTTPRequestInfo{Method: http.MethodGet, Path: "/health", StatusCode: 200, Latency: time.Millisecond})
	LogHTTPRequest(l, HTTPRequestInfo{Method: http.MethodGet, Path: "/ws", StatusCode: 401})
	LogHTTPRequest(l, HTTPRequestInfo{Method: http.MethodGet, Path: "/x", StatusCode: 503})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "warning", lines[1]["level"])
	assert.Equal(t, "error", lines[2]["level"])
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	l := NewLogger(Config{Level: "loud", Output: "discard"})
	assert.Equal(t, LevelInfo, l.GetLevel())
}

func TestFileOutputRotates(t *testing.T) {
	name := filepath.Join(t.TempDir(), "nested", "qstream.log")
	l := NewLogger(Config{Level: LevelInfo, Output: "file", Filename: name, MaxSize: 1})

	l.Info("written to file", "topic", "bars:AAPL:1m")

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestInitReplacesGlobal(t *testing.T) {
	prev := GetGlobalLogger()
	t.Cleanup(func() { SetGlobalLogger(prev) })

	Init(Config{Level: LevelWarn, Output: "discard"})
	assert.Equal(t, LevelWarn, GetGlobalLogger().GetLevel())
}
