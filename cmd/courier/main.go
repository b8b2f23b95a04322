package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/database"
	"courier/internal/models"
	"courier/internal/retry"
	"courier/internal/service"
	"courier/internal/tracing"
	"courier/pkg/transport"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Courier %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting Courier")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			level = logrus.InfoLevel
		}
		if level > logrus.InfoLevel {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	}

	tracingManager := tracing.NewTracingManager(tracing.TracingConfig{
		ServiceName:    "courier",
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize database with exponential backoff retry
	backoffConfig := retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	}
	backoff := retry.NewBackoff(backoffConfig)

	var db *database.Database
	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	clock := transport.NewNetworkClock()

	httpClient := &http.Client{
		Timeout: time.Duration(cfg.Transport.TimeoutSec) * time.Second,
	}
	client := transport.NewHTTPClient(cfg.Transport.APIBaseURL, cfg.Transport.AuthToken, httpClient, clock, logger)

	prefs := service.StaticPreferences{
		Local:                models.Address(cfg.Account.Address),
		ReadReceipts:         cfg.Preferences.ReadReceiptsEnabled,
		UnidentifiedDelivery: cfg.Preferences.UnidentifiedDeliveryEnabled,
	}

	alarm := service.NewTimerAlarm(logger)
	expirer := service.NewExpiringMessageManager(db, alarm, clock, logger)
	alarm.SetWakeFunc(func() {
		expirer.CheckSchedule(ctx)
	})
	expirer.Start(ctx)

	contentHandler := service.NewMessageContentHandler(db, service.JSONContentDecryptor{}, expirer, clock, logger)
	dispatcher := service.NewEnvelopeDispatcher(db, contentHandler, clock, logger)

	notifier := service.NewLogNotifier(logger)

	runnerBackoff := retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Jitter:       true,
	}
	runner := service.NewJobRunner(constants.DefaultJobWorkers, constants.DefaultJobQueueDepth, runnerBackoff, logger)
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job runner: %w", err)
	}
	defer runner.Stop()

	aggregator := service.NewReadReceiptAggregator(db, client, expirer, prefs, clock, logger)

	feed := transport.NewFeed(cfg.Transport.FeedURL, cfg.Transport.AuthToken, func(envelope models.Envelope, isPushNotification bool) {
		dispatcher.ProcessEnvelope(ctx, envelope, isPushNotification)
	}, logger)
	if err := feed.Start(ctx); err != nil {
		return fmt.Errorf("failed to start envelope feed: %w", err)
	}
	defer feed.Stop()

	server := NewServer(cfg, serverDeps{
		storage:    db,
		dispatcher: dispatcher,
		aggregator: aggregator,
		runner:     runner,
		client:     client,
		expirer:    expirer,
		notifier:   notifier,
		prefs:      prefs,
		clock:      clock,
	}, logger)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}
