// Package vad defines the Engine interface for Voice Activity Detection and the
// runtime-mutable segmentation settings shared by every engine.
//
// A VAD engine consumes a mono float32 stream in fixed-size analysis windows
// and surfaces it as a stateful, per-stream session. Each session owns its own
// state (pre-speech history, the accumulating utterance, run counters) so that
// multiple streams can be processed independently.
//
// VAD is synchronous: ProcessWindow returns immediately with a detection
// result and, when an utterance has just been finalised, the finished
// [Segment]. Settings are read through a [SettingsSource] once at the start of
// every window, so an update never partially applies to one window.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "time"

// WindowSize is the default analysis window length in samples.
const WindowSize = 1024

// MaxSegmentDuration is the default hard cap on a single utterance. Longer
// speech is force-finalised.
const MaxSegmentDuration = 30 * time.Second

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the rate of the samples passed to ProcessWindow in Hz. It
	// is carried into every [Segment] and bounds the utterance cap.
	SampleRate int

	// WindowSize is the exact number of samples ProcessWindow accepts.
	// Zero means [WindowSize].
	WindowSize int

	// MaxSegment caps the length of one utterance. Zero means
	// [MaxSegmentDuration].
	MaxSegment time.Duration

	// Settings supplies thresholds and window counts. It is snapshotted once
	// per window. Nil means [DefaultSettings].
	Settings SettingsSource
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Reset clears the detection state without closing the session.
type SessionHandle interface {
	// ProcessWindow analyses one analysis window and advances the state
	// machine. The window must hold exactly Config.WindowSize samples; the
	// session does not retain it. Returns an error on a wrong-sized window or
	// after Close.
	ProcessWindow(window []float32) (Result, error)

	// Reset discards the pre-speech history and any partial utterance without
	// emitting it.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessWindow returns an error. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid (non-positive sample
	// rate, invalid settings snapshot).
	NewSession(cfg Config) (SessionHandle, error)
}
