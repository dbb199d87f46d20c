package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"walletledger/internal/audit"
	"walletledger/internal/common/database"
	"walletledger/internal/common/middleware"
	"walletledger/internal/common/nats"
	"walletledger/internal/funding"
	"walletledger/internal/ledger"
	"walletledger/internal/ledger/api"
	"walletledger/internal/ledger/cache"
	"walletledger/internal/ledger/memstore"
	"walletledger/internal/ledger/store"
	"walletledger/internal/providers/paypal"
	"walletledger/internal/providers/stripe"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds service configuration
type Config struct {
	Port           int    `envconfig:"LEDGER_PORT" default:"8085"`
	Environment    string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string `envconfig:"LOG_FORMAT" default:"json"`
	StoreDriver    string `envconfig:"STORE_DRIVER" default:"postgres"`
	MigrateOnStart bool   `envconfig:"MIGRATE_ON_START" default:"true"`

	Database database.Config
	NATS     nats.Config
	Cache    cache.Config
	Ledger   ledger.Config
	Audit    audit.Config
	Stripe   stripe.Config
	PayPal   paypal.Config
}

func main() {
	// A missing .env is normal outside local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Storage
	var (
		repo ledger.Repository
		db   *database.DB
	)
	switch cfg.StoreDriver {
	case DriverPostgres:
		var err error
		db, err = database.New(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if cfg.MigrateOnStart {
			if err := database.Migrate(cfg.Database.URL, logger); err != nil {
				logger.Error("failed to migrate database", "error", err)
				os.Exit(1)
			}
		}
		repo = store.New(db)
	case DriverMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		repo = memstore.New()
	default:
		logger.Error("unknown store driver", "driver", cfg.StoreDriver)
		os.Exit(1)
	}

	// Messaging
	var (
		natsClient *nats.Client
		publisher  *nats.Publisher
		subscriber *nats.Subscriber
	)
	if cfg.NATS.Enabled {
		var err error
		natsClient, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		if err := natsClient.EnsureLedgerStreams(ctx); err != nil {
			logger.Error("failed to provision streams", "error", err)
			os.Exit(1)
		}
		publisher = nats.NewPublisher(natsClient, logger)

		consumer, err := natsClient.EnsureConsumer(ctx,
			nats.DefaultConsumerConfig(funding.ConsumerName, nats.StreamProvider, funding.CaptureSubject))
		if err != nil {
			logger.Error("failed to create capture consumer", "error", err)
			os.Exit(1)
		}
		subscriber = nats.NewSubscriber(consumer, logger)
	}

	// Audit trail
	sinks := audit.Multi{audit.LogSink{Logger: logger}}
	if db != nil {
		sinks = append(sinks, audit.NewPostgresSink(db))
	}
	if publisher != nil {
		sinks = append(sinks, audit.NewEventSink(publisher))
	}
	recorder := audit.NewRecorder(sinks, cfg.Audit, logger)

	// Services
	opts := []ledger.Option{ledger.WithAuditor(recorder)}
	if publisher != nil {
		opts = append(opts, ledger.WithPublisher(publisher))
	}

	var balanceCache *cache.BalanceCache
	if cfg.Cache.Enabled {
		client, err := cache.NewClient(ctx, cfg.Cache)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		balanceCache = cache.NewBalanceCache(client, cfg.Cache.TTL)
		opts = append(opts, ledger.WithBalanceCache(balanceCache))
	}

	ledgerService := ledger.NewService(repo, cfg.Ledger, logger, opts...)
	reconciler := ledger.NewReconciler(ledgerService, logger)
	fundingService := funding.NewService(ledgerService, recorder, logger)

	go reconciler.Run(ctx)

	if subscriber != nil {
		captures := funding.NewConsumer(fundingService, logger)
		go func() {
			if err := captures.Start(ctx, subscriber); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("capture consumer stopped", "error", err)
			}
		}()
	}

	// Handlers
	ledgerHandler := api.NewHandler(ledgerService, reconciler, fundingService, logger)
	stripeWebhook := stripe.NewWebhookHandler(fundingService, cfg.Stripe, logger)
	paypalWebhook := paypal.NewWebhookHandler(fundingService, cfg.PayPal, logger)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.ClientInfo)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.UserExtractor)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := healthCheck(r.Context(), db, natsClient, balanceCache); err != nil {
			logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Providers authenticate with signatures, not caller identity
	r.Route("/webhooks", func(r chi.Router) {
		r.Method(http.MethodPost, "/stripe", stripeWebhook)
		r.Method(http.MethodPost, "/paypal", paypalWebhook)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Mount("/", ledgerHandler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting ledger service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"store", cfg.StoreDriver,
			"nats", cfg.NATS.Enabled,
			"redis", cfg.Cache.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Error("audit flush error", "error", err, "dropped", recorder.Dropped())
	}

	logger.Info("server stopped")
}

func healthCheck(ctx context.Context, db *database.DB, nc *nats.Client, bc *cache.BalanceCache) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if nc != nil {
		if err := nc.HealthCheck(); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}
	if bc != nil {
		if err := bc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
