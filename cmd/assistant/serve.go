package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/telesalud/realtime-assistant/internal/analysis"
	"github.com/telesalud/realtime-assistant/internal/archive"
	"github.com/telesalud/realtime-assistant/internal/conversation"
	"github.com/telesalud/realtime-assistant/internal/realtime"
	"github.com/telesalud/realtime-assistant/internal/shared/auth"
	"github.com/telesalud/realtime-assistant/internal/shared/config"
	"github.com/telesalud/realtime-assistant/internal/shared/database"
	"github.com/telesalud/realtime-assistant/internal/shared/events"
	"github.com/telesalud/realtime-assistant/internal/shared/metrics"
	secmiddleware "github.com/telesalud/realtime-assistant/internal/shared/middleware"
	"github.com/telesalud/realtime-assistant/internal/suggestion"
)

// App holds the optional infrastructure the health checks report on
type App struct {
	Config    *config.Config
	DB        *database.DB
	Publisher events.Publisher
	Logger    *slog.Logger
}

func newServeCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket coordinator and status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")

	return cmd
}

func runServe(ctx context.Context, envFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app := &App{Config: cfg, Logger: logger}

	// Archive (optional)
	var store realtime.Archiver
	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			logger.Warn("database not available, sessions will not be archived", "error", err)
		} else {
			app.DB = db
			defer db.Close()

			if _, err := database.Migrate(ctx, db.Pool, logger); err != nil {
				logger.Warn("migration failed", "error", err)
			}
			store = archive.NewStore(db.Pool, logger)
		}
	}

	// Lifecycle events (optional)
	if cfg.KurrentDB.Enabled {
		publisher, transport, err := events.NewPublisher(ctx, cfg.KurrentDB)
		if err != nil {
			logger.Warn("KurrentDB not available, running without lifecycle events", "error", err)
		} else {
			app.Publisher = publisher
			defer publisher.Close()
			logger.Info("KurrentDB publisher initialized", "transport", transport)
		}
	}
	emitter := events.NewEmitter(app.Publisher, logger)

	registry := conversation.NewRegistry(cfg.Sessions, logger)
	engine := suggestion.NewEngine(analysis.NewClient(cfg.Analysis), cfg.Suggestions, logger)
	server := realtime.NewServer(registry, engine, realtime.Options{
		ASR:       cfg.ASR,
		RateLimit: cfg.RateLimit,
		Archive:   store,
		Events:    emitter,
		Logger:    logger,
	})

	if err := engine.Start(ctx); err != nil {
		return err
	}
	go registry.Run(ctx)

	upgradeLimiter := secmiddleware.NewIPRateLimiter(cfg.RateLimit.UpgradesPerSecond, cfg.RateLimit.UpgradesPerSecond*2)
	go pruneLimiter(ctx, upgradeLimiter)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(app, server, upgradeLimiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-quit:
		case <-ctx.Done():
		}
		fmt.Println("\nShutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("websocket shutdown error", "error", err)
		}
		cancel()
		engine.Stop()
		emitter.Wait()
		close(done)
	}()

	fmt.Println("============================================")
	fmt.Println("Real-Time Clinical Consultation Assistant")
	fmt.Println("============================================")
	fmt.Printf("Version:        %s\n", version)
	fmt.Printf("Environment:    %s\n", cfg.Server.Env)
	fmt.Printf("WebSocket:      ws://localhost:%d/ws\n", cfg.Server.Port)
	fmt.Printf("API:            http://localhost:%d/api/v1\n", cfg.Server.Port)
	fmt.Printf("Health:         http://localhost:%d/health\n", cfg.Server.Port)
	fmt.Printf("ASR:            %s\n", cfg.ASR.URL)
	fmt.Printf("Analysis:       %s\n", cfg.Analysis.BaseURL)
	fmt.Printf("Auth:           %v\n", cfg.Auth.Enabled)
	fmt.Printf("Archive:        %v\n", store != nil)
	fmt.Printf("KurrentDB:      %v\n", app.Publisher != nil)
	fmt.Println("============================================")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		cancel()
		<-done
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	fmt.Println("Server stopped")
	return nil
}

// newRouter builds the HTTP surface: health checks, metrics, the WebSocket endpoint
// and the status API.
func newRouter(app *App, server *realtime.Server, upgradeLimiter *secmiddleware.IPRateLimiter) http.Handler {
	authCfg := app.Config.Auth
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint, outside the request timeout
	r.With(upgradeLimiter.Middleware, auth.Middleware(authCfg)).Get("/ws", server.ServeWS)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(auth.Middleware(authCfg))
		r.Mount("/", server.Routes(auth.RequireRoles(authCfg, authCfg.ArchiveRoles...)))
	})

	return r
}

func pruneLimiter(ctx context.Context, limiter *secmiddleware.IPRateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune(10 * time.Minute)
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"service":   serviceName,
		"status":    "healthy",
		"version":   version,
		"timestamp": time.Now().UTC(),
	})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		// Check database
		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		// Check KurrentDB
		if app.Publisher != nil {
			if err := app.Publisher.Health(); err != nil {
				checks["kurrentdb"] = "not ready: " + err.Error()
			} else {
				checks["kurrentdb"] = "ready"
			}
		} else {
			checks["kurrentdb"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		body := map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		}
		if app.DB != nil {
			body["database_pool"] = app.DB.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
}
