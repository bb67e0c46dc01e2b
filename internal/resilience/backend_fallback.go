package resilience

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/MrWong99/earshot/pkg/audio"
)

// BackendFallback implements [audio.Backend] with automatic failover across
// loopback backends. Each backend has its own circuit breaker; a backend that
// keeps failing to open is skipped until its breaker resets.
//
// [audio.ErrSetupRequired] never trips a breaker: it describes the machine, not
// a transient fault, and must keep reaching the caller.
type BackendFallback struct {
	group *FallbackGroup[audio.Backend]
}

// Compile-time interface assertion.
var _ audio.Backend = (*BackendFallback)(nil)

// NamedSource is the [audio.Source] returned by [BackendFallback.Open]. It
// records which backend produced it.
type NamedSource struct {
	audio.Source
	Backend string
}

// BackendName returns the name of the backend that opened the source.
func (s *NamedSource) BackendName() string { return s.Backend }

// NewBackendFallback creates a [BackendFallback] with primary as the preferred
// backend.
func NewBackendFallback(primary audio.Backend, cfg FallbackConfig) *BackendFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = func(err error) bool {
			return !errors.Is(err, audio.ErrSetupRequired)
		}
	}
	return &BackendFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional backend, tried after all earlier ones.
func (f *BackendFallback) AddFallback(b audio.Backend) {
	f.group.AddFallback(b.Name(), b)
}

// Name implements [audio.Backend]. It lists the chain, e.g. "pulse>device".
func (f *BackendFallback) Name() string {
	return strings.Join(f.group.Names(), ">")
}

// Open opens a source on the first backend that succeeds. When every backend
// fails the error carries the taxonomy of the last failure, so a machine with
// no loopback path at all reports [audio.ErrSetupRequired].
func (f *BackendFallback) Open(ctx context.Context, opts audio.OpenOptions) (audio.Source, error) {
	src, err := ExecuteWithResult(f.group, func(b audio.Backend) (audio.Source, error) {
		s, err := b.Open(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &NamedSource{Source: s, Backend: b.Name()}, nil
	})
	if err != nil {
		if audio.Kind(err) == "" {
			// Only breaker rejections carry no taxonomy.
			err = audio.InitError(f.Name(), "open", err)
		}
		return nil, err
	}
	return src, nil
}

// Devices implements [audio.Backend]. It merges the device lists of every
// backend, highest score first. Backends that cannot enumerate are skipped; an
// error is returned only when none can.
func (f *BackendFallback) Devices(ctx context.Context) ([]audio.Device, error) {
	var (
		all     []audio.Device
		errs    []error
		success bool
	)
	f.group.Each(func(name string, b audio.Backend) {
		devs, err := b.Devices(ctx)
		if err != nil {
			errs = append(errs, err)
			return
		}
		success = true
		all = append(all, devs...)
	})
	if !success && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	slices.SortStableFunc(all, func(a, b audio.Device) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return all, nil
}
