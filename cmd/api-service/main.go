package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/quantbeat/analysis-be/internal/analysis"
	"github.com/quantbeat/analysis-be/internal/api/handler"
	"github.com/quantbeat/analysis-be/internal/api/router"
	"github.com/quantbeat/analysis-be/internal/catalog"
	"github.com/quantbeat/analysis-be/internal/config"
	"github.com/quantbeat/analysis-be/internal/jobs/dedupe"
	"github.com/quantbeat/analysis-be/internal/jobs/domain"
	"github.com/quantbeat/analysis-be/internal/jobs/orchestrator"
	"github.com/quantbeat/analysis-be/internal/jobs/storage"
	"github.com/quantbeat/analysis-be/internal/marketdata"
	"github.com/quantbeat/analysis-be/internal/scheduler"
	"github.com/quantbeat/analysis-be/shared/logger"
	"github.com/quantbeat/analysis-be/shared/postgresql"
	"github.com/quantbeat/analysis-be/shared/rabbitmq"
	"github.com/quantbeat/analysis-be/shared/sqlite"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting analysis service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	db, closeDB, err := openDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer closeDB()

	store := storage.NewStore(db, appLogger.Logger, storage.RetryConfig{
		MaxAttempts: cfg.Jobs.RetryMaxAttempts,
		BaseDelay:   cfg.Jobs.RetryBaseDelay,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	var publisher orchestrator.Publisher
	if cfg.Events.Enabled {
		rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
			Host:               cfg.Events.RabbitMQ.Host,
			Port:               cfg.Events.RabbitMQ.Port,
			User:               cfg.Events.RabbitMQ.User,
			Password:           cfg.Events.RabbitMQ.Password,
			VHost:              cfg.Events.RabbitMQ.VHost,
			ExchangeName:       cfg.Events.RabbitMQ.Exchange.Name,
			ExchangeType:       cfg.Events.RabbitMQ.Exchange.Type,
			ExchangeDurable:    cfg.Events.RabbitMQ.Exchange.Durable,
			ExchangeAutoDelete: cfg.Events.RabbitMQ.Exchange.AutoDelete,
			RoutingKey:         cfg.Events.RabbitMQ.RoutingKey,
			RetryAttempts:      cfg.Events.RabbitMQ.Connection.RetryAttempts,
			RetryInterval:      cfg.Events.RabbitMQ.Connection.RetryInterval,
			Heartbeat:          cfg.Events.RabbitMQ.Connection.Heartbeat,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		publisher = rabbitClient
	}

	resolver := dedupe.NewResolver(
		store,
		dedupe.MatcherFromName(cfg.Jobs.Matcher, cfg.Jobs.OverlapThreshold),
		cfg.Jobs.RecencyWindow,
		appLogger.Logger,
	)
	analyzer := analysis.NewAnalyzer(marketdata.NewYahoo(), cfg.Analysis.LookbackDays, appLogger.Logger)

	runDefaults := domain.AnalysisConfig{
		Capital:      cfg.Analysis.DefaultCapital,
		RiskPerTrade: cfg.Analysis.DefaultRiskPerTrade,
	}

	orch := orchestrator.New(store, resolver, analyzer, catalog.New(store), publisher,
		orchestrator.Config{MaxConcurrentWorkers: cfg.Jobs.MaxConcurrentWorkers},
		appLogger.Logger,
	)

	sched := scheduler.New(appLogger.Logger)
	if cfg.Scheduler.Enabled {
		err := sched.AddJob(cfg.Scheduler.FullScanCron, "full-universe-scan", func() error {
			scanCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_, err := orch.Submit(scanCtx, nil, false, runDefaults)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to register full-universe scan: %w", err)
		}
		sched.Start()
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.SetupRouter(&handler.Dependencies{
		Logger:       appLogger.Logger,
		Orchestrator: orch,
		Store:        store,
		RunDefaults:  runDefaults,
		HealthCheck: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		},
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("Starting HTTP server", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		appLogger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if cfg.Scheduler.Enabled {
			sched.Stop()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return orch.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	appLogger.Info("Shutdown complete")
	return nil
}

// openDatabase connects the configured backend and returns the handle plus
// a close function.
func openDatabase(cfg *config.DatabaseConfig, log *slog.Logger) (*sqlx.DB, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		client, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Host,
			Port:            cfg.Port,
			User:            cfg.User,
			Password:        cfg.Password,
			Database:        cfg.Database,
			SSLMode:         cfg.SSLMode,
			LockTimeout:     cfg.LockTimeout,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return client.GetDB(), func() { _ = client.Close() }, nil
	case config.DriverSQLite:
		client, err := sqlite.NewClient(&sqlite.Config{
			Path:        cfg.Path,
			BusyTimeout: cfg.BusyTimeout,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return client.GetDB(), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}
