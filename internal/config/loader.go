package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr           = "127.0.0.1:7315"
	DefaultTranscriptionModel   = "whisper-1"
	DefaultTranscriptionTimeout = 30 * time.Second
	DefaultTranscriptionQueue   = 8
)

// ValidBackendNames lists the values accepted by capture.backend.
var ValidBackendNames = []string{BackendAuto, BackendPulse, BackendWASAPI, BackendDevice, BackendMock}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults. VAD
// fields left at zero take the canonical VAD defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.TraceSampleRatio == 0 {
		cfg.Server.TraceSampleRatio = 1
	}
	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = BackendAuto
	}
	cfg.VAD = cfg.VAD.WithDefaults()
	if cfg.Transcription.Model == "" {
		cfg.Transcription.Model = DefaultTranscriptionModel
	}
	if cfg.Transcription.Timeout == 0 {
		cfg.Transcription.Timeout = DefaultTranscriptionTimeout
	}
	if cfg.Transcription.QueueSize == 0 {
		cfg.Transcription.QueueSize = DefaultTranscriptionQueue
	}
}

// Validate checks cfg for semantic errors and returns all of them joined.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if r := cfg.Server.TraceSampleRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %g is out of range (0, 1]", r))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if !slices.Contains(ValidBackendNames, cfg.Capture.Backend) {
		errs = append(errs, fmt.Errorf("capture.backend %q is invalid; valid values: %v", cfg.Capture.Backend, ValidBackendNames))
	}
	if sr := cfg.Capture.SampleRate; sr != 0 && (sr < 8000 || sr > 192000) {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is out of range [8000, 192000]", sr))
	}
	if cfg.Capture.FirstPacketTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.first_packet_timeout %s must not be negative", cfg.Capture.FirstPacketTimeout))
	}
	if cfg.Capture.ReleaseGrace < 0 {
		errs = append(errs, fmt.Errorf("capture.release_grace %s must not be negative", cfg.Capture.ReleaseGrace))
	}

	if err := cfg.VAD.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}

	if t := cfg.Transcription; t.Enabled {
		if t.BaseURL != "" {
			if u, err := url.Parse(t.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Errorf("transcription.base_url %q is not an absolute URL", t.BaseURL))
			}
		}
		if t.Timeout < 0 {
			errs = append(errs, fmt.Errorf("transcription.timeout %s must not be negative", t.Timeout))
		}
		if t.QueueSize < 1 {
			errs = append(errs, fmt.Errorf("transcription.queue_size %d must be at least 1", t.QueueSize))
		}
		if t.APIKey == "" && t.BaseURL == "" {
			slog.Warn("transcription enabled without api_key; requests to the default endpoint will be rejected")
		}
	}

	return errors.Join(errs...)
}
