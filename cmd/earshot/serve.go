package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/permission"
	"github.com/MrWong99/earshot/internal/server"
	"github.com/MrWong99/earshot/internal/transcribe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture service and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger, logCloser := newLogger(cfg.Server, level)
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("earshot starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Capture.Backend,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "earshot",
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Capture pipeline ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)
	backend, err := buildBackend(cfg.Capture, reg, metrics)
	if err != nil {
		return err
	}

	store, err := vad.NewStore(cfg.VAD)
	if err != nil {
		return fmt.Errorf("vad settings: %w", err)
	}
	hub := events.NewHub(events.WithMetrics(metrics))
	defer hub.Close()

	ctrl, err := capture.New(capture.Config{
		Backend:  backend,
		Settings: store,
		Emitter:  hub,
		Metrics:  metrics,
		OpenOptions: audio.OpenOptions{
			DeviceHint:         cfg.Capture.DeviceHint,
			SampleRate:         cfg.Capture.SampleRate,
			FirstPacketTimeout: cfg.Capture.FirstPacketTimeout,
		},
		EmitLevels: cfg.Capture.EmitLevels,
	})
	if err != nil {
		return err
	}

	// ── HTTP API ──────────────────────────────────────────────────────────────
	srv, err := server.New(server.Config{
		Controller: ctrl,
		Hub:        hub,
		Permission: permission.New(ctrl),
		Health: health.New(
			health.BackendChecker(backend),
			hubChecker(hub),
		),
		Metrics:        metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var certFile, keyFile string
	if cfg.Server.TLS != nil {
		certFile, keyFile = cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile
	}
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.ListenAddr, certFile, keyFile)
	})

	// ── Config hot-reload ─────────────────────────────────────────────────────
	if configPath != "" {
		w, err := config.NewWatcher(configPath, func(d config.ConfigDiff) {
			applyReload(d, level, store)
		})
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		g.Go(func() error { return w.Run(gctx) })

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		g.Go(func() error {
			defer signal.Stop(hup)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					slog.Info("SIGHUP received, reloading config", "path", configPath)
					w.Reload()
				}
			}
		})
	}

	// ── Transcription ─────────────────────────────────────────────────────────
	if cfg.Transcription.Enabled {
		tc := cfg.Transcription
		worker, err := transcribe.NewWorker(transcribe.WorkerConfig{
			Transcriber: transcribe.NewClient(tc.Model,
				transcribe.WithBaseURL(tc.BaseURL),
				transcribe.WithAPIKey(tc.APIKey),
				transcribe.WithLanguage(tc.Language),
				transcribe.WithTimeout(tc.Timeout),
			),
			Source:    hub,
			Emitter:   hub,
			Metrics:   metrics,
			QueueSize: tc.QueueSize,
			Timeout:   tc.Timeout,
			Language:  tc.Language,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return worker.Run(gctx) })
		slog.Info("transcription enabled", "model", tc.Model, "base_url", tc.BaseURL)
	}

	slog.Info("earshot ready, press Ctrl+C to shut down")

	// ── Wait ──────────────────────────────────────────────────────────────────
	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctrl.Shutdown(sctx); err != nil {
		slog.Error("capture shutdown", "err", err)
		runErr = errors.Join(runErr, err)
	}
	slog.Info("goodbye")
	return runErr
}

// applyReload applies the hot-reloadable parts of a config change and logs
// the rest.
func applyReload(d config.ConfigDiff, level *slog.LevelVar, store *vad.Store) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		if err := store.Replace(d.NewVAD); err != nil {
			slog.Warn("config: vad settings rejected", "err", err)
		} else {
			slog.Info("config: vad settings applied")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: changes need a restart", "sections", d.RestartRequired)
	}
}

func hubChecker(hub *events.Hub) health.Checker {
	return health.Checker{
		Name: "events",
		Check: func(context.Context) error {
			if hub.Closed() {
				return errors.New("hub closed")
			}
			return nil
		},
	}
}
