package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"expense-ledger/internal/assistant"
	"expense-ledger/internal/auth"
	"expense-ledger/internal/config"
	"expense-ledger/internal/handlers"
	"expense-ledger/internal/logging"
	"expense-ledger/internal/metrics"
	"expense-ledger/internal/models"
	"expense-ledger/internal/session"
	"expense-ledger/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store := openStore(cfg, logger, m)
	defer store.Close()
	if !store.Healthy(ctx) {
		logger.Warn("Database is unavailable at startup; requests will retry the connection")
	} else if err := ensureAdmin(ctx, store, cfg, logger); err != nil {
		return err
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret, err = randomSecret()
		if err != nil {
			return err
		}
		logger.Warn("JWT_SECRET is not set; sessions will not survive a restart")
	}
	tokens := auth.NewTokenIssuer(secret, cfg.SessionTTL)

	ai, err := assistant.New(ctx, assistant.Config{APIKey: cfg.GeminiAPIKey, Model: cfg.AssistantModel}, logger)
	if err != nil {
		logger.WithError(err).Warn("Assistant disabled")
		ai = assistant.Disabled{}
	}

	sessions := session.New(store, logger, m)
	h := handlers.NewHandlers(sessions, store, tokens, ai, logger, cfg.SecureCookie)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(h, reg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{"port": cfg.Port, "driver": cfg.DBDriver}).Info("Starting expense ledger server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func setupRouter(h *handlers.Handlers, reg prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("POST /api/signup", h.SignUp)
	mux.HandleFunc("POST /api/login", h.Login)
	mux.HandleFunc("POST /api/logout", h.Logout)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Protected routes
	mux.Handle("GET /api/me", h.AuthMiddleware(http.HandlerFunc(h.Profile)))
	mux.Handle("GET /api/transactions", h.AuthMiddleware(http.HandlerFunc(h.ListTransactions)))
	mux.Handle("POST /api/transactions", h.AuthMiddleware(http.HandlerFunc(h.CreateTransaction)))
	mux.Handle("GET /api/summary", h.AuthMiddleware(http.HandlerFunc(h.Statistics)))
	mux.Handle("POST /api/assistant", h.AuthMiddleware(http.HandlerFunc(h.Ask)))

	return mux
}

func openStore(cfg *config.Config, logger logrus.FieldLogger, m *metrics.Metrics) *storage.Store {
	var conn *storage.Manager
	switch cfg.DBDriver {
	case "postgres":
		dsn := storage.PostgresURL(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
		conn = storage.NewManager(storage.Postgres{}, storage.PostgresOpener(dsn), logger, m)
	default:
		conn = storage.NewManager(storage.SQLite{}, storage.SQLiteOpener(cfg.DBPath), logger, m)
	}
	return storage.NewStore(conn, logger, m)
}

// ensureAdmin creates the configured account when it does not exist yet.
func ensureAdmin(ctx context.Context, store *storage.Store, cfg *config.Config, logger logrus.FieldLogger) error {
	if cfg.AdminUser == "" {
		return nil
	}
	err := store.CreateUser(ctx, cfg.AdminUser, cfg.AdminPassword, cfg.AdminName)
	if errors.Is(err, models.ErrDuplicateUser) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	logger.WithField("userid", cfg.AdminUser).Info("Admin user created")
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
