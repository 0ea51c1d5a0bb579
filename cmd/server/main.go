// Package main is the entrypoint for the RenderForge API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/renderforge/renderforge/internal/api"
	"github.com/renderforge/renderforge/internal/api/handler"
	mw "github.com/renderforge/renderforge/internal/api/middleware"
	"github.com/renderforge/renderforge/internal/archive"
	"github.com/renderforge/renderforge/internal/bus"
	"github.com/renderforge/renderforge/internal/config"
	"github.com/renderforge/renderforge/internal/gen"
	"github.com/renderforge/renderforge/internal/orchestrator"
	"github.com/renderforge/renderforge/internal/sandbox"
	"github.com/renderforge/renderforge/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"gen_provider", cfg.Gen.Provider,
		"sandbox_image", cfg.Sandbox.Image,
		"env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis archive (queue, output logs, rate limiting)
	redisArchive, err := archive.NewRedisArchive(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis archive: %w", err)
	}
	defer redisArchive.Close()

	if err := redisArchive.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Optional NATS event bus
	var publisher orchestrator.Publisher
	if cfg.NATS.URL != "" {
		natsClient, err := bus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsClient.Close()
		publisher = natsClient
		slog.Info("nats connected")
	}

	// 6. Create code generator
	generator, err := gen.NewGenerator(cfg.Gen)
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}
	slog.Info("generator initialized", "provider", generator.Name())

	// 7. Sandbox engine and reaper
	engine, err := sandbox.NewEngine(cfg.Sandbox, cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("create sandbox engine: %w", err)
	}
	reaper := sandbox.NewReaper(engine)

	// 8. Store and orchestrator
	pgStore := store.NewPostgresStore(pool)

	orch := orchestrator.New(pgStore, redisArchive, engine, reaper, publisher, orchestrator.Config{
		Workers:    cfg.Worker.Count,
		MaxRetries: cfg.Worker.MaxRetries,
		Backoff:    cfg.Worker.Backoff,
	})
	orch.Start(ctx)

	// 9. Build router with dependencies
	rateLimit := mw.NewRateLimit(redisArchive, 30)

	deps := api.Dependencies{
		RateLimit: rateLimit,

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": pgStore,
			"queue":    redisArchive,
		}),
		CreateVideo:     handler.NewCreateVideoHandler(orch, generator, cfg.Gen.Timeout),
		RegenerateVideo: handler.NewRegenerateVideoHandler(orch, generator, cfg.Gen.Timeout),
		ListVideos:      handler.NewListVideosHandler(orch),
		GetVideo:        handler.NewGetVideoHandler(orch),
		DeleteVideo:     handler.NewDeleteVideoHandler(orch),
		KillVideo:       handler.NewKillVideoHandler(orch),
		ListVideoOutput: handler.NewListOutputHandler(orch),
		ServeVideoFile:  handler.NewVideoFileHandler(orch, engine),
	}

	router := api.NewRouter(deps)

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Let in-flight renders finish their terminal writes.
	orch.Wait()

	slog.Info("server stopped gracefully")
	return nil
}
