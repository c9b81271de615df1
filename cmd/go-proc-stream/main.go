// Package main provides the go-proc-stream CLI entry point.
//
// go-proc-stream runs a subprocess, streams its lifecycle as ordered events
// (start, output chunks, exit), and estimates time-to-completion from the
// recorded history of comparable runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-proc-stream/internal/chunkbuf"
	"github.com/randomizedcoder/go-proc-stream/internal/config"
	"github.com/randomizedcoder/go-proc-stream/internal/engine"
	"github.com/randomizedcoder/go-proc-stream/internal/estimate"
	"github.com/randomizedcoder/go-proc-stream/internal/history"
	"github.com/randomizedcoder/go-proc-stream/internal/logging"
	"github.com/randomizedcoder/go-proc-stream/internal/metrics"
	"github.com/randomizedcoder/go-proc-stream/internal/stream"
	"github.com/randomizedcoder/go-proc-stream/internal/wire"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-proc-stream
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-proc-stream %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	logger := logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	logger.Info("starting",
		"version", version,
		"argv0", cfg.Argv[0],
		"buffer_capacity", cfg.BufferCapacity,
		"history_path", cfg.HistoryPath,
		"metrics_addr", cfg.MetricsAddr,
	)

	// History store: durable when a path is configured, in-memory otherwise.
	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("history_store_failed", "error", err)
		return 1
	}
	defer store.Close()

	collector := metrics.NewCollector(version)

	var metricsServer *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.MetricsAddr, logger)
		metricsServer.Start()
	}

	code := track(cfg, store, collector, logger)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	summary := collector.GenerateSummary()
	logger.Info("finished",
		"exit_code", code,
		"duration", summary.Duration.String(),
	)

	return code
}

// track runs the configured command to completion and returns the process
// exit code, folded into the range the shell can carry.
func track(cfg *config.Config, store history.Store, collector *metrics.Collector, logger *slog.Logger) int {
	recorder := estimate.NewRecorder(store, logger)
	defer recorder.Wait()

	estimator := estimate.NewEstimator(store, estimate.NewBlendedStrategy(cfg.HistoricalWeight), logger)

	buffers := chunkbuf.NewManager()
	defer buffers.Close()

	eng := engine.New(
		engine.Config{
			BufferCapacity:   cfg.BufferCapacity,
			SignatureEnvKeys: cfg.SignatureEnvKeys,
		},
		buffers,
		recorder,
		logger,
		engine.Callbacks{
			OnStart: func(id wire.RunID, pid int) {
				collector.RunStarted()
			},
			OnOutput: func(id wire.RunID, st wire.OutputType, n int) {
				collector.OutputChunk(st.String(), n)
			},
			OnTruncated: func(id wire.RunID, st wire.OutputType, dropped uint64) {
				collector.Truncated(st.String(), dropped)
			},
			OnExit: func(id wire.RunID, exitCode int32, uptime time.Duration) {
				collector.RunEnded(exitCode, uptime)
			},
		},
	)
	svc := stream.NewService(eng, logger)

	// The request contract needs an explicit working directory; -cwd left
	// unset means the tracker's own.
	cwd := cfg.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			logger.Error("getwd_failed", "error", err)
			return 1
		}
		cwd = wd
	}

	req := wire.ProcessExecutionRequest{
		Argv:             cfg.Argv,
		Env:              envMap(cfg.Env),
		Cwd:              cwd,
		UnixEpochSeconds: time.Now().Unix(),
	}
	signature := engine.Signature(req, cfg.SignatureEnvKeys)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// What does history say before we even start?
	if est, ok := estimator.Estimate(ctx, signature, 0, 0); ok && est.Samples >= cfg.MinHistorySamples {
		logger.Info("expected_duration",
			"signature", signature,
			"expected", est.ExpectedRemaining.String(),
			"band", est.Band.String(),
			"confidence", fmt.Sprintf("%.2f", est.Confidence),
			"samples", est.Samples,
		)
	}

	id, err := svc.BeginExecution(ctx, req)
	if err != nil {
		logger.Error("begin_execution_failed", "error", err)
		return 1
	}
	collector.SetActiveRuns(eng.ActiveRuns())
	startedAt := time.Now()

	// Ctrl+C forwards a graceful stop to the subprocess; the event stream
	// still drains normally and delivers FIN with the signal exit code.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		logger.Info("signal_received", "signal", sig.String())
		if err := svc.Stop(cfg.KillTimeout); err != nil {
			logger.Warn("stop_failed", "error", err)
		}
	}()

	// Periodic remaining-time estimates while the run is live.
	estimateDone := make(chan struct{})
	go func() {
		defer close(estimateDone)
		ticker := time.NewTicker(cfg.EstimateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				progress := int64(0)
				if tracker, ok := eng.Tracker(id); ok {
					progress = tracker.Progress()
				}
				est, ok := estimator.Estimate(ctx, signature, time.Since(startedAt), progress)
				if !ok || est.Samples < cfg.MinHistorySamples {
					continue
				}
				collector.RecordEstimate(est.ExpectedRemaining, est.Band, est.Confidence, est.Samples)
				logger.Info("estimated_remaining",
					"remaining", est.ExpectedRemaining.String(),
					"band", est.Band.String(),
					"confidence", fmt.Sprintf("%.2f", est.Confidence),
					"samples", est.Samples,
				)
			}
		}
	}()

	stderrHandler := logging.NewOutputHandler(id.ID, logger, cfg.Verbose)

	exitCode := pullEvents(ctx, svc, collector, stderrHandler, logger)

	cancel()
	<-estimateDone
	collector.SetActiveRuns(eng.ActiveRuns())

	if exitCode < 0 || exitCode > 255 {
		return 1
	}
	return exitCode
}

// pullEvents drains the event stream, mirroring subprocess output, until the
// run's deterministic end signal. Returns the subprocess exit code.
func pullEvents(ctx context.Context, svc *stream.Service, collector *metrics.Collector, stderrHandler *logging.OutputHandler, logger *slog.Logger) int {
	for {
		ev, err := svc.GetNextEvent(ctx)
		if err != nil {
			var ended *wire.ProgramHasEnded
			if errors.As(err, &ended) {
				return int(ended.ExitCode)
			}
			var execErr *wire.ExecutionError
			if errors.As(err, &execErr) {
				collector.Fault()
				logger.Warn("execution_fault", "error", execErr)
				continue
			}
			logger.Error("event_pull_failed", "error", err)
			return 1
		}

		collector.EventDelivered(ev.Type.String())

		switch ev.Type {
		case wire.EventStart:
			logger.Debug("event_start",
				"run_id", ev.RunID.ID,
				"at_ms", ev.Timing.MillisecondsSinceStartOfRun,
			)
		case wire.EventOutput:
			switch ev.Output.Type {
			case wire.Stdout:
				os.Stdout.Write(ev.Output.Data)
			case wire.Stderr:
				os.Stderr.Write(ev.Output.Data)
				stderrHandler.HandleChunk(ev.Output.Data)
			}
		case wire.EventFin:
			logger.Debug("event_fin",
				"run_id", ev.RunID.ID,
				"exit_code", ev.ExitStatus.ExitCode,
				"at_ms", ev.Timing.MillisecondsSinceStartOfRun,
			)
		}
	}
}

// openStore opens the configured history backend.
func openStore(cfg *config.Config, logger *slog.Logger) (history.Store, error) {
	if cfg.HistoryPath == "" {
		logger.Debug("history_store", "backend", "memory")
		return history.NewMemoryStore(), nil
	}
	logger.Debug("history_store", "backend", "sqlite", "path", cfg.HistoryPath)
	return history.NewSQLiteStore(cfg.HistoryPath)
}

// envMap converts KEY=VALUE pairs into the request env form. Validation has
// already rejected malformed entries.
func envMap(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if k, v, ok := strings.Cut(pair, "="); ok {
			m[k] = v
		}
	}
	return m
}
