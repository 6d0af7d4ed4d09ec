package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BradenHooton/ladderguard/internal/auth"
	"github.com/BradenHooton/ladderguard/internal/background"
	"github.com/BradenHooton/ladderguard/internal/config"
	"github.com/BradenHooton/ladderguard/internal/database"
	"github.com/BradenHooton/ladderguard/internal/handlers"
	middlewareCustom "github.com/BradenHooton/ladderguard/internal/middleware"
	"github.com/BradenHooton/ladderguard/internal/routes"
	"github.com/BradenHooton/ladderguard/internal/services"
	"github.com/BradenHooton/ladderguard/internal/store"
	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
	pkglogger "github.com/BradenHooton/ladderguard/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("store_backend", cfg.Store.Backend))

	// Initialize state store
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	kv, health, closeStore, err := openStore(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to open state store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	// Security event sinks
	events := pkglogger.MultiSink{pkglogger.NewSecurityEventLogger(logger)}
	if cfg.Alert.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		alerts, err := services.NewSESAlertSink(ctx, cfg.Alert.AWSRegion, cfg.Alert.FromAddress, cfg.Alert.Recipients, logger)
		cancel()
		if err != nil {
			logger.Error("failed to initialize alert sink", slog.Any("error", err))
			os.Exit(1)
		}
		events = append(events, alerts)
	}

	// Initialize services
	limiter := services.NewRateLimitService(kv, events, logger)
	lockout := services.NewLockoutService(kv, limiter, events, logger, cfg.Security.MaxLoginAttempts, cfg.Security.LockoutDuration)
	sessions := services.NewSessionService(kv, lockout, events, logger, cfg.Security)
	csrf := services.NewCSRFService(kv, events, logger, cfg.Security)
	directory := services.NewStaticDirectory(cfg.Identity.Users, cfg.Identity.Admins)
	if len(cfg.Identity.Users) == 0 {
		logger.Warn("no IDENTITY_USERS configured, every sign-in will fail")
	}

	cookies := auth.CookieConfig{
		Secure:   cfg.Server.SecureCookies,
		SameSite: "strict",
	}

	doubleSubmit := auth.NewDoubleSubmit(cookies, cfg.Security.CSRFTokenLifetime)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(sessions, directory, limiter, csrf, doubleSubmit, cookies, cfg.Security, logger)
	adminHandler := handlers.NewAdminHandler(limiter, lockout, logger)
	healthHandler := handlers.NewHealthHandler(health, logger)

	// Initialize cleanup manager
	cleanupManager := background.NewCleanupManager(kv, logger, cfg.Store.SweepInterval)

	// Setup router. Client addresses come from RequestContext, which only
	// trusts forwarding headers set by TRUSTED_PROXIES.
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.RequestContext(pkghttp.NewIPConfig(cfg.Server.TrustedProxies), nil))
	router.Use(middlewareCustom.SecurityHeaders(cfg.Server.Env == "production"))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, routes.Dependencies{
		Sessions:      sessions,
		CSRF:          csrf,
		DoubleSubmit:  doubleSubmit,
		Limiter:       limiter,
		Events:        events,
		Cookies:       cookies,
		Security:      cfg.Security,
		Logger:        logger,

		GlobalRequestsPerMinute: cfg.Server.GlobalRequestsPerMinute,

		AuthHandler:   authHandler,
		AdminHandler:  adminHandler,
		HealthHandler: healthHandler,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// openStore connects the configured backend. The returned health checker is
// nil for the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, handlers.HealthChecker, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client, err := store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("redis store connected", slog.String("addr", cfg.Redis.Addr))
		rs := store.NewRedisStore(client, cfg.Store.KeyPrefix)
		return rs, rs, func() { _ = client.Close() }, nil

	case config.BackendPostgres:
		db, err := database.NewConnection(&cfg.Database, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("failed to migrate: %w", err)
		}
		return store.NewPostgresStore(db), db, db.Close, nil

	case config.BackendMemory:
		logger.Warn("using in-memory state store; guard state is per-process and lost on restart")
		return store.NewMemoryStore(), nil, func() {}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
