package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

var (
	recordDevice string
	recordCount  int
	recordDir    string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Capture utterances and print them as JSON lines",
	Long: "record runs one capture session without the HTTP API. Every detected " +
		"utterance is printed to stdout as a JSON object carrying the base64 WAV. " +
		"With --dir the WAV files are also written to disk.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := new(slog.LevelVar)
		logger, closer := newLogger(cfg.Server, level)
		defer closer.Close()
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runRecord(ctx, cfg, cmd.OutOrStdout())
	},
}

func init() {
	recordCmd.Flags().StringVarP(&recordDevice, "device", "d", "", "device hint, overrides capture.device_hint")
	recordCmd.Flags().IntVarP(&recordCount, "count", "n", 0, "stop after this many utterances (0 = until interrupted)")
	recordCmd.Flags().StringVar(&recordDir, "dir", "", "also write each utterance as a WAV file into this directory")
}

type recordLine struct {
	Seq        uint64 `json:"seq"`
	SampleRate int    `json:"sample_rate"`
	DurationMS int64  `json:"duration_ms"`
	File       string `json:"file,omitempty"`
	Audio      string `json:"audio"`
}

func runRecord(ctx context.Context, cfg *config.Config, out io.Writer) error {
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)
	backend, err := buildBackend(cfg.Capture, reg, observe.DefaultMetrics())
	if err != nil {
		return err
	}
	store, err := vad.NewStore(cfg.VAD)
	if err != nil {
		return fmt.Errorf("vad settings: %w", err)
	}
	if recordDir != "" {
		if err := os.MkdirAll(recordDir, 0o755); err != nil {
			return err
		}
	}

	hub := events.NewHub()
	defer hub.Close()
	sub := hub.Subscribe(events.SpeechDetected, events.CaptureError, events.CaptureStopped)
	defer sub.Close()

	ctrl, err := capture.New(capture.Config{
		Backend:  backend,
		Settings: store,
		Emitter:  hub,
		OpenOptions: audio.OpenOptions{
			SampleRate:         cfg.Capture.SampleRate,
			FirstPacketTimeout: cfg.Capture.FirstPacketTimeout,
		},
	})
	if err != nil {
		return err
	}

	hint := recordDevice
	if hint == "" {
		hint = cfg.Capture.DeviceHint
	}
	info, err := ctrl.Start(ctx, hint)
	if err != nil {
		return fmt.Errorf("start capture (%s): %w", audio.Kind(err), err)
	}
	slog.Info("recording", "backend", info.Backend, "sample_rate", info.SampleRate, "session", info.ID)

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ctrl.Shutdown(sctx); err != nil {
			slog.Warn("capture shutdown", "err", err)
		}
	}()

	enc := json.NewEncoder(out)
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			switch p := e.Payload.(type) {
			case events.SpeechDetectedPayload:
				line := recordLine{Seq: p.Seq, SampleRate: p.SampleRate, DurationMS: p.DurationMS, Audio: p.Audio}
				if recordDir != "" {
					line.File, err = writeUtterance(recordDir, p)
					if err != nil {
						return err
					}
				}
				if err := enc.Encode(line); err != nil {
					return err
				}
				seen++
				if recordCount > 0 && seen >= recordCount {
					return nil
				}
			case events.CaptureErrorPayload:
				return fmt.Errorf("capture error (%s): %s", p.Kind, p.Message)
			case events.CaptureStoppedPayload:
				slog.Info("capture stopped", "reason", p.Reason, "segments", p.Segments)
				return nil
			}
		}
	}
}

func writeUtterance(dir string, p events.SpeechDetectedPayload) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Audio)
	if err != nil {
		return "", fmt.Errorf("decode utterance %d: %w", p.Seq, err)
	}
	name := filepath.Join(dir, fmt.Sprintf("utterance-%04d.wav", p.Seq))
	if err := os.WriteFile(name, raw, 0o644); err != nil {
		return "", err
	}
	return name, nil
}
