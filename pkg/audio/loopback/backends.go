package loopback

import (
	"errors"
	"time"
)

// Backend names.
const (
	NamePulse  = "pulse"
	NameWASAPI = "wasapi"
	NameDevice = "device"
)

// ErrUnsupported is returned by constructors of backends that cannot run on
// the current platform or build.
var ErrUnsupported = errors.New("loopback: backend not supported on this platform")

// Defaults shared by the backends.
const (
	// PulseSampleRate is the fixed capture rate of the monitor stream.
	PulseSampleRate = 16000

	// PulseBlockBytes is the size of one monitor read (2048 float32 samples).
	PulseBlockBytes = 8192

	// DeviceSampleRate is the rate requested from heuristic devices.
	DeviceSampleRate = 48000

	// FirstPacketTimeout bounds the wait for the first WASAPI packet.
	FirstPacketTimeout = time.Second

	// PollInterval is the sleep between empty polls.
	PollInterval = 10 * time.Millisecond

	// ReleaseGrace lets the macOS audio subsystem settle after a device is
	// released and before it can be reopened.
	ReleaseGrace = 500 * time.Millisecond
)

// PulseConfig configures the PulseAudio monitor backend.
type PulseConfig struct {
	// AppName is reported to the sound server. Default: "earshot".
	AppName string

	// SampleRate of the monitor stream. Default: [PulseSampleRate].
	SampleRate int
}

// WASAPIConfig configures the WASAPI render-loopback backend.
type WASAPIConfig struct {
	// FirstPacketTimeout overrides [FirstPacketTimeout].
	FirstPacketTimeout time.Duration
}

// DeviceConfig configures the heuristic virtual-device backend.
type DeviceConfig struct {
	// GOOS selects the keyword table. Default: runtime.GOOS.
	GOOS string

	// SampleRate requested from the device. Default: [DeviceSampleRate].
	SampleRate int

	// ReleaseGrace is slept after the device is released. Default:
	// [ReleaseGrace] on darwin, zero elsewhere.
	ReleaseGrace time.Duration
}
