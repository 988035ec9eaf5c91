package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel 日志级别
type LogLevel string

const (
	LevelTrace LogLevel = "trace"
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var levels = map[LogLevel]logrus.Level{
	LevelTrace: logrus.TraceLevel,
	LevelDebug: logrus.DebugLevel,
	LevelInfo:  logrus.InfoLevel,
	LevelWarn:  logrus.WarnLevel,
	LevelError: logrus.ErrorLevel,
}

// LogFormat 日志格式
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config 日志配置
type Config struct {
	Level  LogLevel
	Format LogFormat
	// Output is stdout, stderr, file or discard.
	Output string
	// Filename, MaxSize (MB), MaxAge (days), MaxBackups and Compress apply
	// to file output, rotated by lumberjack.
	Filename   string
	MaxSize    int
	MaxAge     int
	MaxBackups int
	Compress   bool
	Caller     bool
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	Level:      LevelInfo,
	Format:     FormatJSON,
	Output:     "stdout",
	MaxSize:    100,
	MaxAge:     30,
	MaxBackups: 10,
	Compress:   true,
}

// Logger is the structured logger every package takes. Fields are passed as
// alternating key/value pairs; a trailing key without a value is dropped.
type Logger interface {
	Trace(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	// WithContext adds the connection and user ids carried by ctx.
	WithContext(ctx context.Context) Logger

	SetLevel(level LogLevel)
	GetLevel() LogLevel
}

// StructuredLogger is the logrus-backed Logger. Children made with WithField
// share the parent's level.
type StructuredLogger struct {
	entry *logrus.Entry
}

// NewLogger 创建新的日志器。An unknown level falls back to info.
func NewLogger(config Config) Logger {
	l := logrus.New()
	level, ok := levels[config.Level]
	if !ok {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetReportCaller(config.Caller)
	l.SetOutput(openOutput(config))

	caller := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	if config.Format == FormatText {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: caller,
		})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339Nano,
			CallerPrettyfier: caller,
		})
	}
	return &StructuredLogger{entry: logrus.NewEntry(l)}
}

// openOutput 根据配置选择输出
func openOutput(config Config) io.Writer {
	switch config.Output {
	case "stderr":
		return os.Stderr
	case "discard":
		return io.Discard
	case "file":
		name := config.Filename
		if name == "" {
			name = "logs/qstream.log"
		}
		if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   name,
			MaxSize:    config.MaxSize,
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		}
	default:
		return os.Stdout
	}
}

// NewWithWriter builds a JSON logger writing to w.
func NewWithWriter(w io.Writer, level LogLevel) Logger {
	l := NewLogger(Config{Level: level, Format: FormatJSON, Output: "discard"}).(*StructuredLogger)
	l.entry.Logger.SetOutput(w)
	return l
}

func (l *StructuredLogger) Trace(msg string, fields ...interface{}) {
	l.log(logrus.TraceLevel, msg, fields)
}

func (l *StructuredLogger) Debug(msg string, fields ...interface{}) {
	l.log(logrus.DebugLevel, msg, fields)
}

func (l *StructuredLogger) Info(msg string, fields ...interface{}) {
	l.log(logrus.InfoLevel, msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields ...interface{}) {
	l.log(logrus.WarnLevel, msg, fields)
}

func (l *StructuredLogger) Error(msg string, fields ...interface{}) {
	l.log(logrus.ErrorLevel, msg, fields)
}

func (l *StructuredLogger) WithField(key string, value interface{}) Logger {
	return &StructuredLogger{entry: l.entry.WithField(key, value)}
}

func (l *StructuredLogger) WithFields(fields map[string]interface{}) Logger {
	return &StructuredLogger{entry: l.entry.WithFields(fields)}
}

type contextKey string

const (
	// ContextKeyConnID carries the WebSocket connection id.
	ContextKeyConnID contextKey = "conn_id"
	// ContextKeyUserID carries the authenticated user id.
	ContextKeyUserID contextKey = "user_id"
)

var contextKeys = []contextKey{ContextKeyConnID, ContextKeyUserID}

func (l *StructuredLogger) WithContext(ctx context.Context) Logger {
	entry := l.entry.WithContext(ctx)
	for _, k := range contextKeys {
		if v := ctx.Value(k); v != nil {
			entry = entry.WithField(string(k), v)
		}
	}
	return &StructuredLogger{entry: entry}
}

// SetLevel changes the level of l and every logger derived from the same
// root. Unknown levels are ignored.
func (l *StructuredLogger) SetLevel(level LogLevel) {
	if lv, ok := levels[level]; ok {
		l.entry.Logger.SetLevel(lv)
	}
}

func (l *StructuredLogger) GetLevel() LogLevel {
	current := l.entry.Logger.GetLevel()
	for name, lv := range levels {
		if lv == current {
			return name
		}
	}
	return LevelInfo
}

func (l *StructuredLogger) log(level logrus.Level, msg string, kv []interface{}) {
	if !l.entry.Logger.IsLevelEnabled(level) {
		return
	}
	entry := l.entry
	if len(kv) > 1 {
		fields := make(logrus.Fields, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if key, ok := kv[i].(string); ok {
				fields[key] = kv[i+1]
			}
		}
		entry = entry.WithFields(fields)
	}
	entry.Log(level, msg)
}

var global atomic.Pointer[Logger]

func init() {
	SetGlobalLogger(NewLogger(DefaultConfig))
}

// Init replaces the global logger with one built from config.
func Init(config Config) {
	SetGlobalLogger(NewLogger(config))
}

// SetGlobalLogger 设置全局日志器
func SetGlobalLogger(l Logger) {
	global.Store(&l)
}

// GetGlobalLogger returns the logger used by components built without one.
func GetGlobalLogger() Logger {
	return *global.Load()
}

// Warn logs on the global logger.
func Warn(msg string, fields ...interface{}) {
	GetGlobalLogger().Warn(msg, fields...)
}

// HTTPRequestInfo HTTP请求信息
type HTTPRequestInfo struct {
	Method     string
	Path       string
	StatusCode int
	Latency    time.Duration
	ClientIP   string
	UserAgent  string
	BodySize   int64
	UserID     string
}

// LogHTTPRequest logs one request line. 5xx responses log at error and 4xx
// at warn.
func LogHTTPRequest(l Logger, info HTTPRequestInfo) {
	fields := map[string]interface{}{
		"method":      info.Method,
		"path":        info.Path,
		"status_code": info.StatusCode,
		"latency_ms":  float64(info.Latency.Microseconds()) / 1000,
		"client_ip":   info.ClientIP,
		"user_agent":  info.UserAgent,
		"body_size":   info.BodySize,
	}
	if info.UserID != "" {
		fields["user_id"] = info.UserID
	}

	entry := l.WithFields(fields)
	msg := fmt.Sprintf("%s %s - %d", info.Method, info.Path, info.StatusCode)
	switch {
	case info.StatusCode >= 500:
		entry.Error(msg)
	case info.StatusCode >= 400:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
}
