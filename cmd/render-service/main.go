package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"invoice-export/internal/config"
	"invoice-export/internal/http/server"
	"invoice-export/internal/infra/chrome"
	"invoice-export/internal/infra/logging"
	"invoice-export/internal/infra/postgres"
	"invoice-export/internal/infra/ratelimit"
	"invoice-export/internal/tokens"
)

func main() {
	cfg := config.Load()
	logging.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)
	logging.SetLogLevel(cfg.Logger.Level)

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logging.Debug(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logging.Warn("Failed to set GOMAXPROCS", "error", err)
	}
	defer undo()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := tokens.NewCache()
	db := postgres.NewDB()
	defer db.Close()
	startTokenReloader(ctx, cfg, db, cache)

	store := ratelimit.NewStore(ratelimit.RedisConfig{
		Addr:          cfg.Redis.Host,
		DB:            cfg.Redis.RateLimitDB,
		SweepInterval: cfg.RateLimiter.SweepInterval,
	})
	defer store.Close()

	launcher := chrome.NewLauncher(chrome.OptionsFromConfig(cfg))
	gate := chrome.NewGate(cfg.Render.MaxConcurrent, cfg.Render.QueueTimeout)
	logging.Info("Render gate ready", "slots", gate.Stats().Capacity, "queue_timeout", cfg.Render.QueueTimeout.String())

	app := server.New(server.Deps{
		Config:       cfg,
		Gate:         gate,
		Launcher:     launcher,
		Tokens:       cache,
		LimiterStore: store,
	})

	idleConnsClosed := make(chan struct{})
	startServer(app, cfg, idleConnsClosed)
	<-idleConnsClosed
	gate.Close()
}

// startTokenReloader loads API tokens once and keeps refreshing them. Without
// a configured database the table stays empty, so only anonymous calls pass.
func startTokenReloader(ctx context.Context, cfg config.Config, db *postgres.DB, cache *tokens.Cache) {
	dsn, err := postgres.DSN(cfg.Auth.Postgres)
	if err != nil {
		logging.Warn("API token database not configured, serving anonymous requests only", "error", err)
		cache.Replace(map[string]tokens.Entry{})
		return
	}
	r := tokens.NewReloader(postgres.NewTokenRepository(db, dsn), cache, cfg.Auth.TokenReloadInterval)
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.LoadOnce(loadCtx); err != nil {
		logging.Error("Failed to load API tokens", "error", err)
	} else {
		logging.Info("API tokens loaded", "count", cache.Len())
	}
	r.Start(ctx)
}

// startServer starts the Fiber app and listens for shutdown signals
func startServer(app *fiber.App, cfg config.Config, idleConnsClosed chan struct{}) {
	go func() {
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			logging.Error("Server error", "error", err)
		}
	}()

	// Listen for OS termination signals
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigint)
	<-sigint

	logging.Warn("Shutdown signal received, closing server...")

	// In-flight renders finish and tear their browsers down before this returns.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logging.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	logging.Info("Server stopped cleanly")
}
