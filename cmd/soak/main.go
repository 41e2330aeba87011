package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/admin"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/alert"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/config"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/export"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/journal"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/kpi"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/metrics"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/overlay"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/overrides"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/soak"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/tracing"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/tuning"
)

const serviceName = "soak-orchestrator"

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Flags override the environment for the knobs operators set per run.
	flag.StringVar(&cfg.Run.Phase, "phase", cfg.Run.Phase, "deployment phase (shadow, canary, live-econ)")
	flag.StringVar(&cfg.Run.Region, "region", cfg.Run.Region, "region this run soaks")
	flag.StringVar(&cfg.Run.ArtifactsDir, "artifacts-dir", cfg.Run.ArtifactsDir, "artifact directory")
	flag.IntVar(&cfg.Run.Iterations, "iterations", cfg.Run.Iterations, "number of iterations")
	flag.DurationVar(&cfg.Run.Sleep, "sleep", cfg.Run.Sleep, "pause between iterations")
	flag.BoolVar(&cfg.Run.AutoTune, "auto-tune", cfg.Run.AutoTune, "apply tuning proposals")
	flag.BoolVar(&cfg.Run.Mock, "mock", cfg.Run.Mock, "use the deterministic mock KPI source")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting soak orchestrator",
		"phase", cfg.Run.Phase,
		"region", cfg.Run.Region,
		"iterations", cfg.Run.Iterations,
		"sleep", cfg.Run.Sleep,
		"auto_tune", cfg.Run.AutoTune,
		"mock", cfg.Run.Mock,
		"artifacts_dir", cfg.Run.ArtifactsDir,
	)

	shutdownTracing, err := tracing.Init(context.Background(), serviceName,
		cfg.Tracing.OTLPEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.OTLPEndpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
	}

	if err := os.MkdirAll(cfg.Run.ArtifactsDir, 0o755); err != nil {
		logger.Error("failed to create artifacts dir", "dir", cfg.Run.ArtifactsDir, "error", err)
		os.Exit(1)
	}

	lock, err := soak.AcquireLock(filepath.Join(cfg.Run.ArtifactsDir, "soak.lock"), cfg.Lock.StaleAfter, logger)
	if err != nil {
		logger.Error("another soak run holds the lock", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("lock release error", "error", err)
		}
	}()

	alerter := buildAlerter(cfg, logger)

	journalPath := filepath.Join(cfg.Run.ArtifactsDir, "journal.jsonl")
	verifyStartupChain(journalPath, cfg, alerter, logger)

	store, err := overrides.Open(filepath.Join(cfg.Run.ArtifactsDir, "runtime_overrides.json"), overrides.DefaultBounds(), logger)
	if err != nil {
		logger.Error("failed to open overrides store", "error", err)
		os.Exit(1)
	}

	jour, err := journal.Open(journalPath, logger)
	if err != nil {
		logger.Error("failed to open journal", "error", err)
		os.Exit(1)
	}

	overlays := overlay.NewManager(
		filepath.Join(cfg.Run.ArtifactsDir, "overlay_active.yaml"),
		filepath.Join(cfg.Run.ArtifactsDir, "overlay_previous.yaml"),
		filepath.Join(cfg.Run.ArtifactsDir, "overlay_archive"),
		filepath.Join(cfg.Run.ArtifactsDir, "rollbacks.jsonl"),
		logger,
	)

	controller := tuning.NewController(
		store,
		tuning.NewConflictArbiter(overrides.DefaultBounds(), logger),
		tuning.NewFreezeManager(cfg.Tuning.NoiseEpsilon, cfg.Tuning.StableIters, logger),
		filepath.Join(cfg.Run.ArtifactsDir, "TUNING_STATE.json"),
		cfg.Tuning.FreezeWindow,
		logger,
	)

	var source kpi.Source
	if cfg.Run.Mock {
		source = kpi.MockSource{}
		logger.Warn("using mock KPI source")
	} else {
		source = kpi.NewFileSource(cfg.Run.ArtifactsDir, logger)
	}

	var exporter *export.Exporter
	if cfg.Export.RedisURL != "" {
		exporter, err = export.New(context.Background(), export.Options{
			URL:          cfg.Export.RedisURL,
			Env:          cfg.Export.Env,
			Exchange:     cfg.Export.Exchange,
			TTL:          cfg.Export.TTL,
			MaxStreamLen: int64(cfg.Export.MaxStreamLen),
		}, logger)
		if err != nil {
			// The loop is self-sufficient on disk; export is best-effort.
			logger.Warn("redis export disabled", "error", err)
			exporter = nil
		} else {
			defer exporter.Close()
			logger.Info("redis export enabled", "env", cfg.Export.Env, "exchange", cfg.Export.Exchange)
		}
	}

	runID := uuid.NewString()
	runner := soak.NewRunner(soak.Options{
		Phase:               cfg.Run.Phase,
		Region:              cfg.Run.Region,
		ArtifactsDir:        cfg.Run.ArtifactsDir,
		Iterations:          cfg.Run.Iterations,
		Sleep:               cfg.Run.Sleep,
		AutoTune:            cfg.Run.AutoTune,
		RunID:               runID,
		Source:              source,
		Store:               store,
		Controller:          controller,
		Consistency:         tuning.NewConsistencyChecker(cfg.Tuning.RiskEpsilon, logger),
		Journal:             jour,
		Overlays:            overlays,
		Alerter:             alerter,
		Exporter:            exporter,
		RegressionThreshold: cfg.Tuning.RegressionThreshold,
		NoiseEpsilon:        cfg.Tuning.NoiseEpsilon,
	}, logger)
	logger.Info("run starting", "run_id", runID)

	adminSrv := admin.NewServer(cfg.Run.ArtifactsDir, journalPath, store, logger,
		admin.WithTuningSwitch(runner),
		admin.WithOverlayManager(overlays),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runAdminServer(gCtx, cfg.Server.AdminPort, adminSrv, logger)
	})

	g.Go(func() error {
		defer cancel()
		return runner.Run(gCtx)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("soak run exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("soak orchestrator shut down gracefully")
}

// verifyStartupChain replays the journal before the run starts, so tampering
// between runs is caught while the previous run's records are still fresh.
func verifyStartupChain(path string, cfg *config.Config, alerter alert.Alerter, logger *slog.Logger) {
	res, err := journal.Verify(path)
	if err != nil {
		logger.Error("journal verification failed", "error", err)
		os.Exit(1)
	}
	metrics.JournalBrokenRecords.Set(float64(res.Broken))
	if res.OK {
		if res.Checked > 0 {
			logger.Info("journal chain verified", "records", res.Checked)
		}
		return
	}

	logger.Error("journal chain broken",
		"checked", res.Checked,
		"broken", res.Broken,
		"first_broken_lineno", res.FirstBrokenLine,
	)
	sendCtx, sendCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer sendCancel()
	if err := alerter.Send(sendCtx, alert.Alert{
		Type:    alert.AlertTypeChainBroken,
		Phase:   cfg.Run.Phase,
		Region:  cfg.Run.Region,
		Title:   "Audit journal chain broken",
		Message: fmt.Sprintf("%d of %d records fail verification starting at line %d", res.Broken, res.Checked, res.FirstBrokenLine),
	}); err != nil {
		logger.Warn("chain-broken alert not delivered", "error", err)
	}
	os.Exit(1)
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, cfg.Alert.MaxPerMinute, logger, channels...)
}

func runAdminServer(ctx context.Context, port int, adminSrv *admin.Server, logger *slog.Logger) error {
	rl := admin.NewRateLimitMiddleware(logger)
	defer rl.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/admin/", rl.Wrap(admin.AuditMiddleware(logger, adminSrv.Handler())))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("admin server shutdown error", "error", err)
		}
	}()

	logger.Info("admin server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}
