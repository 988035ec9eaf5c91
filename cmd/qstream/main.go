package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"qstream/internal/api"
	"qstream/internal/auth"
	"qstream/internal/config"
	"qstream/internal/feed"
	"qstream/internal/logger"
	"qstream/internal/market"
	"qstream/internal/monitoring"
	"qstream/internal/routes"
	"qstream/internal/stream"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "YAML configuration file (defaults only when empty)")
		envPath    = flag.String("env-file", ".env", "environment file loaded before the configuration")
		issueFor   = flag.String("issue-token", "", "print a signed token for this user id and exit")
		accounts   = flag.StringSlice("accounts", nil, "accounts granted to the issued token")
		roles      = flag.StringSlice("roles", []string{"trader"}, "roles granted to the issued token")
		encrypt    = flag.String("encrypt", "", "print the ENC: form of a secret under QSTREAM_ENCRYPTION_KEY and exit")
	)
	flag.Parse()

	if *envPath != "" {
		if err := config.LoadEnvFile(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if *encrypt != "" {
		sealed, err := config.NewEnvManager("", "").Encrypt(*encrypt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encrypt: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(config.EncryptedPrefix + sealed)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	jwtManager := auth.NewJWTManager(cfg.JWT.SecretKey, cfg.JWT.Duration).WithIssuer(cfg.JWT.Issuer)
	if *issueFor != "" {
		token, err := jwtManager.GenerateToken(*issueFor, *issueFor, *roles, *accounts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger.Init(cfg.Logging.LoggerConfig())
	log := logger.GetGlobalLogger().WithField("service", cfg.App.Name)

	if err := run(cfg, jwtManager, log); err != nil {
		log.Error("qstream exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, jwtManager *auth.JWTManager, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics("qstream")
	svc := stream.NewService(stream.Options{
		Logger:   log,
		Observer: metrics,
		Recorder: metrics,
		Queue:    cfg.Stream.QueueOptions(),
	})
	defer svc.Shutdown()

	producers := routes.Producers{
		Bars: market.NewBarSource(cfg.Stream.Symbols, cfg.Stream.BarInterval, market.WithLogger(log)),
	}

	if cfg.Redis.Enabled {
		client, err := feed.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		producers.Orders = feed.NewRedisSource(client, cfg.Redis.ChannelPrefix, feed.DecodeJSON[feed.OrderUpdate], log)
	}

	if cfg.Database.Enabled {
		pg := feed.NewPGNotifySource(cfg.Database, feed.DecodeJSON[feed.Execution], log)
		defer pg.Close()
		producers.Executions = pg
	}

	registered, err := routes.Register(svc, producers, log)
	if err != nil {
		return fmt.Errorf("register routes: %w", err)
	}
	log.Info("Routes registered", "routes", strings.Join(registered, ","))

	if cfg.Monitoring.ReportSchedule != "" {
		reporter, err := monitoring.NewReporter(cfg.Monitoring.ReportSchedule, svc, log)
		if err != nil {
			return err
		}
		reporter.Start()
		defer reporter.Stop()
	}

	server, err := api.NewServer(cfg, api.Dependencies{
		Service: svc,
		JWT:     jwtManager,
		Metrics: metrics,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
