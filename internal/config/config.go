package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"qstream/internal/logger"
	"qstream/internal/topic"
)

// Config represents the application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Stream     StreamConfig     `yaml:"stream"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	JWT        JWTConfig        `yaml:"jwt"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// WebSocketConfig controls the WebSocket endpoint and per-connection limits.
type WebSocketConfig struct {
	Path            string        `yaml:"path"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	SendBuffer      int           `yaml:"send_buffer"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// StreamConfig controls subscriptions and the built-in routes.
type StreamConfig struct {
	QueueCapacity    int           `yaml:"queue_capacity"`
	OverflowPolicy   string        `yaml:"overflow_policy"`
	BlockTimeout     time.Duration `yaml:"block_timeout"`
	MaxSubscriptions int           `yaml:"max_subscriptions"`
	SubscribeRate    float64       `yaml:"subscribe_rate"`
	SubscribeBurst   int           `yaml:"subscribe_burst"`
	Symbols          []string      `yaml:"symbols"`
	BarInterval      time.Duration `yaml:"bar_interval"`
}

// QueueOptions converts the stream settings into subscriber queue bounds.
func (s StreamConfig) QueueOptions() topic.QueueOptions {
	policy, _ := topic.ParseOverflowPolicy(s.OverflowPolicy)
	return topic.QueueOptions{
		Capacity:     s.QueueCapacity,
		Policy:       policy,
		BlockTimeout: s.BlockTimeout,
	}
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MinReconnect    time.Duration `yaml:"min_reconnect"`
	MaxReconnect    time.Duration `yaml:"max_reconnect"`
	ChannelTemplate string        `yaml:"channel_template"`
}

// DSN builds a lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	SecretKey string        `yaml:"secret_key"`
	Issuer    string        `yaml:"issuer"`
	Duration  time.Duration `yaml:"duration"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPath    string `yaml:"prometheus_path"`
	// ReportSchedule is a cron spec for the topic snapshot log; empty disables it.
	ReportSchedule string `yaml:"report_schedule"`
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// LoggerConfig converts the section into a logger.Config.
func (l LoggingConfig) LoggerConfig() logger.Config {
	cfg := logger.DefaultConfig
	if l.Level != "" {
		cfg.Level = logger.LogLevel(l.Level)
	}
	if l.Format != "" {
		cfg.Format = logger.LogFormat(l.Format)
	}
	if l.Output != "" {
		cfg.Output = l.Output
	}
	cfg.Filename = l.Filename
	if l.MaxSize > 0 {
		cfg.MaxSize = l.MaxSize
	}
	if l.MaxAge > 0 {
		cfg.MaxAge = l.MaxAge
	}
	if l.MaxBackups > 0 {
		cfg.MaxBackups = l.MaxBackups
	}
	cfg.Compress = l.Compress
	return cfg
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "qstream", Version: "1.0.0", Env: "development"},
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxHeaderBytes:  1 << 20,
		},
		WebSocket: WebSocketConfig{
			Path:            "/ws",
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			MaxMessageSize:  4096,
			PingInterval:    30 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			SendBuffer:      256,
		},
		Stream: StreamConfig{
			QueueCapacity:    topic.DefaultQueueCapacity,
			OverflowPolicy:   topic.DropOldest.String(),
			BlockTimeout:     topic.DefaultBlockTimeout,
			MaxSubscriptions: 100,
			SubscribeRate:    20,
			SubscribeBurst:   40,
			Symbols:          []string{"AAPL", "MSFT", "GOOG", "AMZN", "TSLA"},
			BarInterval:      time.Second,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      10,
			ChannelPrefix: "qstream:",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			DBName:          "qstream",
			SSLMode:         "disable",
			MinReconnect:    time.Second,
			MaxReconnect:    time.Minute,
			ChannelTemplate: "executions_%s",
		},
		JWT: JWTConfig{Issuer: "qstream", Duration: 24 * time.Hour},
		Monitoring: MonitoringConfig{
			PrometheusEnabled: true,
			PrometheusPath:    "/metrics",
			ReportSchedule:    "@every 1m",
		},
		RateLimit: RateLimitConfig{Enabled: true, RequestsPerMinute: 600, Burst: 100},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Load reads a YAML file over the defaults, applies QSTREAM_* environment
// overrides and validates the result. An empty filename skips the file.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	NewEnvManager("", "").Apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply overrides cfg with the manager's environment variables.
func (em *EnvManager) Apply(cfg *Config) {
	cfg.App.Env = em.GetString("APP_ENV", cfg.App.Env)

	cfg.Server.Host = em.GetString("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = em.GetInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.ShutdownTimeout = em.GetDuration("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Stream.QueueCapacity = em.GetInt("STREAM_QUEUE_CAPACITY", cfg.Stream.QueueCapacity)
	cfg.Stream.OverflowPolicy = em.GetString("STREAM_OVERFLOW_POLICY", cfg.Stream.OverflowPolicy)
	cfg.Stream.BlockTimeout = em.GetDuration("STREAM_BLOCK_TIMEOUT", cfg.Stream.BlockTimeout)
	cfg.Stream.MaxSubscriptions = em.GetInt("STREAM_MAX_SUBSCRIPTIONS", cfg.Stream.MaxSubscriptions)
	if symbols := em.GetString("STREAM_SYMBOLS", ""); symbols != "" {
		cfg.Stream.Symbols = strings.Split(symbols, ",")
	}

	cfg.Redis.Enabled = em.GetBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = em.GetString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = em.GetEncryptedString("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Database.Enabled = em.GetBool("DATABASE_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = em.GetString("DATABASE_HOST", cfg.Database.Host)
	cfg.Database.Port = em.GetInt("DATABASE_PORT", cfg.Database.Port)
	cfg.Database.User = em.GetString("DATABASE_USER", cfg.Database.User)
	cfg.Database.Password = em.GetEncryptedString("DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = em.GetString("DATABASE_DBNAME", cfg.Database.DBName)

	cfg.JWT.SecretKey = em.GetEncryptedString("JWT_SECRET_KEY", cfg.JWT.SecretKey)

	cfg.Logging.Level = em.GetString("LOGGING_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = em.GetString("LOGGING_FORMAT", cfg.Logging.Format)
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Name == "" {
		errs = append(errs, errors.New("app.name is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, fmt.Errorf("websocket.path must start with '/': %q", c.WebSocket.Path))
	}
	if c.WebSocket.PongWait > 0 && c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, errors.New("websocket.ping_interval must be shorter than websocket.pong_wait"))
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, errors.New("websocket.send_buffer must be positive"))
	}
	if c.Stream.QueueCapacity <= 0 {
		errs = append(errs, errors.New("stream.queue_capacity must be positive"))
	}
	if _, ok := topic.ParseOverflowPolicy(c.Stream.OverflowPolicy); !ok {
		errs = append(errs, fmt.Errorf("stream.overflow_policy must be drop_oldest or block: %q", c.Stream.OverflowPolicy))
	}
	if c.Stream.MaxSubscriptions <= 0 {
		errs = append(errs, errors.New("stream.max_subscriptions must be positive"))
	}
	if c.Stream.SubscribeRate < 0 {
		errs = append(errs, errors.New("stream.subscribe_rate must not be negative"))
	}
	if c.Stream.BarInterval <= 0 {
		errs = append(errs, errors.New("stream.bar_interval must be positive"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.Database.Enabled && (c.Database.Host == "" || c.Database.DBName == "") {
		errs = append(errs, errors.New("database.host and database.dbname are required when the database is enabled"))
	}
	if c.Database.Enabled && strings.Count(c.Database.ChannelTemplate, "%s") != 1 {
		errs = append(errs, errors.New("database.channel_template must contain exactly one %s"))
	}
	if c.App.Env == "production" && len(c.JWT.SecretKey) < 32 {
		errs = append(errs, errors.New("jwt.secret_key must be at least 32 bytes in production"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
