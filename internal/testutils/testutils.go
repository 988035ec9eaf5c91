// Package testutils holds helpers shared by package tests: a suite with a
// captured logger, an in-process HTTP client and polling assertions.
package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qstream/internal/logger"
)

// TestConfig 测试配置
type TestConfig struct {
	LogLevel logger.LogLevel
}

// TestSuite bundles a logger whose output is kept in Logs, a temp dir and
// cleanups run in reverse order when the test ends.
type TestSuite struct {
	T       *testing.T
	Logger  logger.Logger
	Logs    *SyncBuffer
	TempDir string

	cleanups []func()
}

// NewTestSuite 创建测试套件. A nil config logs errors only.
func NewTestSuite(t *testing.T, config *TestConfig) *TestSuite {
	level := logger.LevelError
	if config != nil && config.LogLevel != "" {
		level = config.LogLevel
	}
	logs := &SyncBuffer{}
	s := &TestSuite{
		T:       t,
		Logger:  logger.NewWithWriter(logs, level),
		Logs:    logs,
		TempDir: t.TempDir(),
	}
	t.Cleanup(s.TearDown)
	return s
}

// AddCleanup registers fn to run at TearDown.
func (s *TestSuite) AddCleanup(fn func()) {
	s.cleanups = append(s.cleanups, fn)
}

// TearDown runs the registered cleanups, newest first. It is idempotent.
func (s *TestSuite) TearDown() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.cleanups = nil
}

// CreateTempFile 创建临时文件
func (s *TestSuite) CreateTempFile(name, content string) string {
	path := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// SyncBuffer is a bytes.Buffer safe for a logger writing from many goroutines.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Contains reports whether the captured output contains s.
func (b *SyncBuffer) Contains(s string) bool {
	return strings.Contains(b.String(), s)
}

// HTTPTestHelper serves requests against a handler without a listener.
type HTTPTestHelper struct {
	Handler http.Handler
	Suite   *TestSuite
}

// NewHTTPTestHelper 创建HTTP测试助手
func NewHTTPTestHelper(suite *TestSuite, handler http.Handler) *HTTPTestHelper {
	gin.SetMode(gin.TestMode)
	return &HTTPTestHelper{Handler: handler, Suite: suite}
}

// GET 发送GET请求
func (h *HTTPTestHelper) GET(path string, headers map[string]string) *HTTPResponse {
	return h.Request(http.MethodGet, path, nil, headers)
}

// Request sends body, JSON-encoded when not nil.
func (h *HTTPTestHelper) Request(method, path string, body any, headers map[string]string) *HTTPResponse {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.Suite.T, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.Handler.ServeHTTP(rec, req)
	return &HTTPResponse{
		StatusCode: rec.Code,
		Body:       rec.Body.Bytes(),
		Headers:    rec.Header(),
		t:          h.Suite.T,
	}
}

// HTTPResponse is a recorded response with chainable assertions.
type HTTPResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	t          *testing.T
}

func (r *HTTPResponse) AssertStatus(expected int) *HTTPResponse {
	assert.Equal(r.t, expected, r.StatusCode, string(r.Body))
	return r
}

func (r *HTTPResponse) AssertContains(substring string) *HTTPResponse {
	assert.Contains(r.t, string(r.Body), substring)
	return r
}

// GetJSON 获取JSON响应
func (r *HTTPResponse) GetJSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// RandomString returns n random upper-case letters, for symbols and accounts.
func RandomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('A' + rand.IntN(26))
	}
	return string(b)
}

// TimeoutContext 创建带超时的上下文
func TimeoutContext(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// WaitForCondition polls condition every 5ms and fails the test with
// message when it is still false after timeout.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	require.Eventually(t, condition, timeout, 5*time.Millisecond, message)
}

// Eventually 最终断言
func Eventually(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	WaitForCondition(t, condition, timeout, message)
}

// SetEnv sets an environment variable restored when the test ends.
func SetEnv(t *testing.T, key, value string) {
	t.Setenv(key, value)
}
