package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/earshot/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.VADChanged {
		t.Errorf("expected no hot changes, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart sections, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not need a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_VADChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.VAD.SilenceWindowsToEnd = 150

	d := config.Diff(old, new)
	if !d.VADChanged {
		t.Fatal("expected VADChanged=true")
	}
	if d.NewVAD.SilenceWindowsToEnd != 150 {
		t.Errorf("NewVAD.SilenceWindowsToEnd: got %d, want 150", d.NewVAD.SilenceWindowsToEnd)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9999" }, "server"},
		{"tls added", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"} }, "server"},
		{"backend", func(c *config.Config) { c.Capture.Backend = config.BackendDevice }, "capture"},
		{"transcription", func(c *config.Config) { c.Transcription.Enabled = true }, "transcription"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tc.mutate(new)

			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tc.want) {
				t.Errorf("RestartRequired: got %v, want it to contain %q", d.RestartRequired, tc.want)
			}
			if d.LogLevelChanged || d.VADChanged {
				t.Errorf("unexpected hot change: %+v", d)
			}
		})
	}
}
