// gridsense runs one retraining cycle and an anomaly scan over the household
// energy store. It is designed to be invoked by an external scheduler (cron
// or similar); scheduling is not its concern.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/gridsense/gridsense/internal/config"
	"github.com/gridsense/gridsense/internal/registry"
	"github.com/gridsense/gridsense/internal/store"
	"github.com/gridsense/gridsense/internal/telemetry"
	"github.com/gridsense/gridsense/internal/trainer"
	"github.com/gridsense/gridsense/pkg/logger"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	jobID := flag.String("job", "retraining", "job id for single-flight locking")
	skipTraining := flag.Bool("skip-training", false, "skip the retraining cycle")
	skipAnomalies := flag.Bool("skip-anomalies", false, "skip the anomaly scan")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()
	sugar := zapLogger.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ts, err := store.NewPostgresStore(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, sugar)
	if err != nil {
		zapLogger.Fatal("Failed to connect to time-series store", zap.Error(err))
	}

	reg, err := registry.New(cfg.Registry.Dir, sugar)
	if err != nil {
		zapLogger.Fatal("Failed to open model registry", zap.Error(err))
	}

	metrics := telemetry.New()
	if cfg.Telemetry.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Telemetry.ListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				sugar.Warnw("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	orch := trainer.NewOrchestrator(ts, reg, trainer.LogNotifier{Logger: sugar}, metrics, cfg.Training, cfg.Anomaly, sugar)
	if err := orch.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	exitCode := 0
	if !*skipTraining {
		result, err := orch.RunCycleWithRetry(ctx, *jobID)
		if err != nil {
			zapLogger.Fatal("Retraining cycle aborted", zap.Error(err))
		}
		if result.Status == trainer.StatusFailure {
			exitCode = 1
		}
	}

	if !*skipAnomalies && ctx.Err() == nil {
		report, err := orch.RunAnomalyPass(ctx)
		if err != nil {
			sugar.Errorw("anomaly scan failed", "error", err)
			exitCode = 1
		} else {
			sugar.Infow("anomaly scan complete",
				"points", report.TotalPoints,
				"consensus", report.ConsensusCount,
				"alerts", len(report.Alerts))
		}
	}

	os.Exit(exitCode)
}
