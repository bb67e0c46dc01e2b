// Package config provides the configuration schema, loader, watcher and
// backend registry for the earshot capture service.
package config

import (
	"time"

	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// LogLevel controls log verbosity for the earshot server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Backend names accepted by capture.backend.
const (
	BackendAuto   = "auto"
	BackendPulse  = "pulse"
	BackendWASAPI = "wasapi"
	BackendDevice = "device"
	BackendMock   = "mock"
)

// Config is the root configuration structure for earshot.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Capture       CaptureConfig       `yaml:"capture"`
	VAD           vad.Settings        `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
}

// ServerConfig holds network and logging settings for the HTTP API.
type ServerConfig struct {
	// ListenAddr is the TCP address the API listens on. Default: "127.0.0.1:7315".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or json output. Default: text.
	LogFormat LogFormat `yaml:"log_format"`

	// LogFile, when set, sends logs to a rotating file instead of stderr.
	LogFile string `yaml:"log_file"`

	// TLS enables HTTPS when non-nil.
	TLS *TLSConfig `yaml:"tls"`

	// TraceSampleRatio is the share of new traces that are sampled, in
	// (0, 1]. Requests joining a caller's trace follow the caller's decision.
	// Default: 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// AllowedOrigins are host patterns accepted on the event websocket in
	// addition to same-origin requests, e.g. "tauri.localhost".
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds the paths to the certificate and private key files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CaptureConfig selects and tunes the loopback backend chain.
type CaptureConfig struct {
	// Backend is one of auto, pulse, wasapi, device or mock. "auto" builds the
	// per-platform fallback chain.
	Backend string `yaml:"backend"`

	// DeviceHint is the default device hint used when a start request does
	// not carry one.
	DeviceHint string `yaml:"device_hint"`

	// SampleRate of the pulse monitor stream and the rate requested from
	// heuristic devices. Zero keeps each backend's default.
	SampleRate int `yaml:"sample_rate"`

	// FirstPacketTimeout bounds the wait for the first WASAPI packet.
	FirstPacketTimeout time.Duration `yaml:"first_packet_timeout"`

	// ReleaseGrace is slept after a heuristic device is released.
	ReleaseGrace time.Duration `yaml:"release_grace"`

	// EmitLevels enables audio-level events for every window.
	EmitLevels bool `yaml:"emit_levels"`
}

// TranscriptionConfig configures the optional transcription sink.
type TranscriptionConfig struct {
	Enabled bool `yaml:"enabled"`

	// BaseURL of an OpenAI-compatible API. Empty uses the OpenAI default.
	BaseURL string `yaml:"base_url"`

	APIKey string `yaml:"api_key"`

	// Model name. Default: "whisper-1".
	Model string `yaml:"model"`

	// Language is an optional ISO-639-1 hint.
	Language string `yaml:"language"`

	// Timeout per request. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// QueueSize bounds the number of segments waiting for upload. Default: 8.
	QueueSize int `yaml:"queue_size"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
