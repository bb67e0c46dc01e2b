package main

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/loopback"
	loopmock "github.com/MrWong99/earshot/pkg/audio/loopback/mock"
)

// ── Backend registry ─────────────────────────────────────────────────────────

// registerBuiltinBackends wires every loopback backend compiled into this
// binary. Backends that cannot run on the current platform still register;
// their constructors fail with [loopback.ErrUnsupported].
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend(config.BackendPulse, func(c config.CaptureConfig) (audio.Backend, error) {
		return loopback.NewPulse(loopback.PulseConfig{SampleRate: c.SampleRate})
	})
	reg.RegisterBackend(config.BackendWASAPI, func(c config.CaptureConfig) (audio.Backend, error) {
		return loopback.NewWASAPI(loopback.WASAPIConfig{FirstPacketTimeout: c.FirstPacketTimeout})
	})
	reg.RegisterBackend(config.BackendDevice, func(c config.CaptureConfig) (audio.Backend, error) {
		return loopback.NewDevice(loopback.DeviceConfig{
			SampleRate:   c.SampleRate,
			ReleaseGrace: c.ReleaseGrace,
		})
	})
	reg.RegisterBackend(config.BackendMock, func(c config.CaptureConfig) (audio.Backend, error) {
		return loopmock.NewDemo(c.SampleRate), nil
	})
}

// autoChain lists the backends tried, in order, for capture.backend "auto".
func autoChain(goos string) []string {
	switch goos {
	case "linux":
		return []string{config.BackendPulse, config.BackendDevice}
	case "windows":
		return []string{config.BackendWASAPI, config.BackendDevice}
	default:
		return []string{config.BackendDevice}
	}
}

// buildBackend instantiates the configured backend. "auto" wraps the platform
// chain in a [resilience.BackendFallback]; members that fail to construct are
// skipped. Breaker transitions of the chain are recorded on m.
func buildBackend(cfg config.CaptureConfig, reg *config.Registry, m *observe.Metrics) (audio.Backend, error) {
	if cfg.Backend != config.BackendAuto {
		b, err := reg.CreateBackend(cfg.Backend, cfg)
		if err != nil {
			return nil, fmt.Errorf("capture backend: %w", err)
		}
		return b, nil
	}

	var chain []audio.Backend
	for _, name := range autoChain(runtime.GOOS) {
		b, err := reg.CreateBackend(name, cfg)
		if err != nil {
			slog.Debug("auto backend: skipping", "backend", name, "err", err)
			continue
		}
		chain = append(chain, b)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("capture backend: %w: no backend available on %s", audio.ErrSetupRequired, runtime.GOOS)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}

	fb := resilience.NewBackendFallback(chain[0], resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				m.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})
	for _, b := range chain[1:] {
		fb.AddFallback(b)
	}
	return fb, nil
}
