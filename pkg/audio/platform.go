// Package audio defines the interfaces and types for speaker-loopback capture
// within earshot.
//
// The primary abstractions are:
//
//   - [Backend] enumerates devices and opens a loopback [Source].
//   - [Source] is an open native stream that pushes mono float32 samples into a
//     [Sink] until told to stop.
//
// Implementations live in platform-specific packages under audio/loopback
// (PulseAudio monitor, WASAPI render loopback, heuristic virtual device). The
// interfaces are intentionally narrow so that the sample bridge and the VAD
// engine are written once against them and never against a concrete backend.
//
// This package lives under pkg/ because external code (additional capture
// backends) is expected to implement [Backend] and [Source].
package audio

import (
	"context"
	"time"
)

// Device describes an audio endpoint discovered during enumeration. Devices are
// ephemeral: they are re-enumerated on each capture start and never persisted.
type Device struct {
	// ID is the backend-specific handle for the device (a PulseAudio source
	// name, a WASAPI endpoint ID, a miniaudio device ID in hex).
	ID string

	// Name is the human-readable display name.
	Name string

	// IsDefault reports whether the OS marks this device as the default.
	IsDefault bool

	// Score is the loopback suitability score. Higher values mean the device
	// is more likely to carry system output rather than a microphone.
	Score int
}

// OpenOptions controls how a [Backend] opens a [Source].
type OpenOptions struct {
	// DeviceHint optionally names the device the caller would like to capture
	// from. Backends without device selection ignore it.
	DeviceHint string

	// SampleRate requests a capture rate for backends that negotiate one.
	// Zero means "backend default".
	SampleRate int

	// FirstPacketTimeout bounds how long a backend waits for the first packet
	// before reporting [ErrDeviceInitFailed]. Zero means "backend default".
	FirstPacketTimeout time.Duration
}

// Sink receives mono float32 samples from a capturing [Source]. Push is called
// from the capture goroutine; implementations must not retain batch.
type Sink interface {
	Push(batch []float32)
}

// SinkFunc adapts a plain function to the [Sink] interface.
type SinkFunc func(batch []float32)

// Push calls f(batch).
func (f SinkFunc) Push(batch []float32) { f(batch) }

// Source is an open loopback stream. It is created by [Backend.Open] and owned
// exclusively by one capture goroutine for its lifetime.
type Source interface {
	// SampleRate returns the negotiated rate of the mono samples pushed by
	// Capture.
	SampleRate() int

	// Capture starts the native stream and pushes every batch of samples into
	// sink until ctx is cancelled or the stream fails. It stops the native
	// stream before returning. A cancelled ctx yields a nil error; a native
	// read failure yields an error wrapping [ErrStreamRead].
	Capture(ctx context.Context, sink Sink) error

	// Close releases the native device handle. It must be called after Capture
	// has returned. Calling Close more than once is safe.
	Close() error
}

// Backend opens loopback sources on one native audio subsystem.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name returns the short identifier of the backend (e.g. "pulse").
	Name() string

	// Open resolves the loopback device and opens it. Failures wrap
	// [ErrDeviceInitFailed] or [ErrSetupRequired].
	Open(ctx context.Context, opts OpenOptions) (Source, error)

	// Devices lists the input-capable devices the backend can see, scored for
	// loopback suitability.
	Devices(ctx context.Context) ([]Device, error)
}
