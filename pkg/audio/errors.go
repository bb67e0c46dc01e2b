package audio

import (
	"errors"
	"fmt"
)

// Capture error taxonomy. Callers match with [errors.Is].
var (
	// ErrDeviceInitFailed means the native API refused to open or negotiate the
	// device. Recoverable by retrying or user action.
	ErrDeviceInitFailed = errors.New("audio: device init failed")

	// ErrSetupRequired means no suitable loopback source exists on this OS
	// configuration.
	ErrSetupRequired = errors.New("audio: setup required: no loopback source found; install a virtual loopback driver " +
		"(BlackHole on macOS, VB-CABLE or \"Stereo Mix\" on Windows, a PulseAudio/PipeWire monitor on Linux) and retry")

	// ErrAlreadyCapturing is returned when a capture session is already live.
	ErrAlreadyCapturing = errors.New("audio: already capturing")

	// ErrNotCapturing is returned when stopping while no session is live.
	ErrNotCapturing = errors.New("audio: not capturing")

	// ErrEncodeFailed means one segment could not be encoded. The session
	// continues.
	ErrEncodeFailed = errors.New("audio: encode failed")

	// ErrStreamRead means the native API returned a hard read error mid-capture.
	// The session ends.
	ErrStreamRead = errors.New("audio: stream read error")
)

// DeviceError carries the backend and operation of a native failure together
// with its taxonomy kind.
type DeviceError struct {
	// Backend is the name of the backend that failed.
	Backend string

	// Op is the native operation, e.g. "IAudioClient.Initialize".
	Op string

	// Kind is one of the taxonomy sentinels.
	Kind error

	// Err is the underlying native error. May be nil.
	Err error
}

// Error implements error.
func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v: %v", e.Backend, e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the taxonomy kind and the native cause.
func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// InitError is shorthand for a [DeviceError] of kind [ErrDeviceInitFailed].
func InitError(backend, op string, err error) error {
	return &DeviceError{Backend: backend, Op: op, Kind: ErrDeviceInitFailed, Err: err}
}

// ReadError is shorthand for a [DeviceError] of kind [ErrStreamRead].
func ReadError(backend, op string, err error) error {
	return &DeviceError{Backend: backend, Op: op, Kind: ErrStreamRead, Err: err}
}

// Kind returns the taxonomy name of err ("DeviceInitFailed", "SetupRequired",
// ...) or the empty string when err is not a capture error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSetupRequired):
		return "SetupRequired"
	case errors.Is(err, ErrDeviceInitFailed):
		return "DeviceInitFailed"
	case errors.Is(err, ErrAlreadyCapturing):
		return "AlreadyCapturing"
	case errors.Is(err, ErrNotCapturing):
		return "NotCapturing"
	case errors.Is(err, ErrEncodeFailed):
		return "EncodeFailed"
	case errors.Is(err, ErrStreamRead):
		return "StreamReadError"
	}
	return ""
}
