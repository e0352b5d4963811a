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

	"github.com/hyperengineering/pulsegate/internal/api"
	"github.com/hyperengineering/pulsegate/internal/config"
	"github.com/hyperengineering/pulsegate/internal/governance"
	"github.com/hyperengineering/pulsegate/internal/history"
	"github.com/hyperengineering/pulsegate/internal/session"
	"github.com/hyperengineering/pulsegate/internal/telemetry"
	"github.com/hyperengineering/pulsegate/internal/vitals"
	"github.com/hyperengineering/pulsegate/internal/worker"
	"github.com/hyperengineering/pulsegate/internal/zones"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pulsegate",
	Short: "Pulsegate - heart-rate governed media sessions",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "level", cfg.Log.Level, "format", cfg.Log.Format)

	catalog, err := zones.Build(cfg.Zones)
	if err != nil {
		return fmt.Errorf("build zone catalog: %w", err)
	}
	slog.Info("zone catalog built", "zones", catalog.Len())

	telemetry.Init()

	// Session history is optional; without a path transitions are discarded.
	var recorder session.Recorder = session.NopRecorder{}
	var histStore *history.SQLiteRecorder
	if cfg.History.Path != "" {
		histStore, err = history.NewSQLiteRecorder(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		recorder = histStore
		slog.Info("history store initialized", "path", cfg.History.Path)
	}

	opts := session.Options{
		TickInterval:      time.Duration(cfg.Engine.TickInterval),
		SampleQueueSize:   cfg.Engine.SampleQueueSize,
		CoinRatePerSecond: cfg.Engine.CoinRatePerSecond,
		Vitals: vitals.Options{
			DwellSamples:      cfg.Engine.DwellSamples,
			DownwardMarginBPM: cfg.Engine.DownwardMarginBPM,
			StaleAfter:        time.Duration(cfg.Engine.StaleAfter),
		},
		Recorder: recorder,
	}
	manager := session.NewManager(catalog, opts)

	policies := make(map[string]*governance.Policy, len(cfg.Content))
	for contentID, pc := range cfg.Content {
		policies[contentID] = pc.Policy()
	}
	slog.Info("content policies loaded", "count", len(policies))

	api.Version = Version
	handler := api.NewHandler(manager, policies)
	router := api.NewRouter(handler, cfg.Auth.APIKey)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	metricsAddr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux}

	var wg sync.WaitGroup
	if histStore != nil {
		retention := worker.NewRetentionWorker(histStore,
			time.Duration(cfg.History.SweepInterval),
			time.Duration(cfg.History.Retention))
		startWorker(ctx, &wg, "history-retention", retention.Run)
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error on graceful Shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	go func() {
		slog.Info("metrics server starting", "address", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// Drain in-flight requests first, then end the session loops so their
	// final summaries still reach the recorder before it closes.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown error", "error", err)
	}

	manager.Shutdown()
	wg.Wait()

	if histStore != nil {
		if err := histStore.Close(); err != nil {
			slog.Error("history store close error", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
