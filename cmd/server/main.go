package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arcade-points/internal/auth"
	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/email"
	"github.com/arcade-points/internal/handler"
	"github.com/arcade-points/internal/kafka"
	"github.com/arcade-points/internal/metrics"
	"github.com/arcade-points/internal/postgres"
	"github.com/arcade-points/internal/redis"
	"github.com/arcade-points/internal/scoring"
	"github.com/arcade-points/internal/service"
	"github.com/arcade-points/internal/store"
	"github.com/arcade-points/internal/store/memory"
	"github.com/arcade-points/internal/websocket"
	"github.com/arcade-points/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Local development keeps secrets in .env
	envErr := godotenv.Load()

	// Load configuration
	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		cfg = config.DefaultConfig()
	}

	logger := newLogger(&cfg.Logging)
	slog.SetDefault(logger)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("failed to load .env", "error", envErr)
	}
	if cfgErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", cfgErr)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier, err := auth.NewVerifier(&cfg.Auth)
	if err != nil {
		logger.Error("failed to configure auth", "error", err)
		os.Exit(1)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Initialize services
	scoringService := service.NewScoringService(
		st,
		scoring.RulesFromConfig(&cfg.Scoring),
		&cfg.Scoring,
		&cfg.Leaderboard,
		logger,
	)
	scoringService.SetMetrics(m)

	mailer := email.NewMailer(&cfg.Email, int(cfg.Verification.CodeTTL/time.Minute), logger)
	if !mailer.Configured() {
		logger.Warn("email delivery is not configured, verification codes cannot be sent")
	}
	verificationService := service.NewVerificationService(st, &cfg.Verification, mailer, logger)
	verificationService.SetMetrics(m)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	wsHub.SetMetrics(m)
	go wsHub.Run()
	scoringService.SetNotifier(wsHub)
	logger.Info("WebSocket hub initialized")

	httpHandler := handler.NewHandler(scoringService, verificationService, wsHub, verifier, logger)
	httpHandler.AddReadinessCheck("store", st)
	if cfg.Metrics.Enabled {
		httpHandler.ExposeMetrics(cfg.Metrics.Path)
	}

	// Initialize Redis
	var syncWorker *worker.SyncWorker
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		redisService, err := redis.NewLeaderboardService(&cfg.Redis, logger)
		if err != nil {
			logger.Warn("failed to connect to Redis, leaderboard disabled", "error", err)
		} else {
			defer redisService.Close()
			logger.Info("connected to Redis")
			scoringService.SetLeaderboard(redisService)
			httpHandler.AddReadinessCheck("redis", redisService)

			syncWorker = worker.NewSyncWorker(st, redisService, &cfg.Sync, logger)

			// Rebuild from the store on startup (recovery)
			syncWorker.RunOnce(ctx)

			if cfg.Sync.Enabled {
				if err := syncWorker.Start(ctx); err != nil {
					logger.Error("failed to start sync worker", "error", err)
					os.Exit(1)
				}
			}
		}
	}

	// Initialize Kafka consumer for game server result ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, scoringService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			kafkaConsumer.SetMetrics(m)
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new results before tearing down their consumers
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if syncWorker != nil {
		if err := syncWorker.Stop(); err != nil {
			logger.Error("failed to stop sync worker", "error", err)
		}
	}

	wsHub.Stop()

	logger.Info("server stopped")
}

// newLogger builds the process logger from the logging section
func newLogger(cfg *config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// openStore connects the configured store backend
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		return memory.New(logger), nil
	default:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to PostgreSQL")

		// Run database migrations
		if err := repo.RunMigrations(ctx); err != nil {
			repo.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		return repo, nil
	}
}
