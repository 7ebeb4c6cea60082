package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emilyakhya/MMS/internal/api"
	"github.com/emilyakhya/MMS/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync watcher and the local dashboard API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	// 3. Initialize logger
	setupLogger(os.Stdout, cfg.Log)
	slog.Info("configuration loaded")
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Build services; the database opens lazily on first use
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Initialize HTTP router
	handler := api.NewHandler(a.syncer, a.store, a.dashboard, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 6. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 7. Background workers
	var wg sync.WaitGroup
	watcher := worker.NewConnectivityWatcher(a.checker, a.monitor, time.Duration(cfg.Connectivity.CheckInterval))
	startWorker(ctx, &wg, "connectivity", watcher.Run)
	startWorker(ctx, &wg, "sync", a.syncer.Watch)

	// 8. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 9. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 10. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 10a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 10b. Wait for workers. A running drain pass sees the cancelled ctx and
	// stops early; unsent records stay queued for the next start.
	wg.Wait()

	// 10c. Close store
	if err := a.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
