// Package permission answers whether the process may capture system audio and
// points the user at the OS settings page that grants it.
//
// Linux and Windows have no loopback permission as such: capture works when a
// stream can be opened and delivers samples. macOS gates capture devices
// behind the privacy settings, so a visible usable loopback device is taken
// as the signal there.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/pkg/browser"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/loopback"
)

// ProbeDuration bounds the wait for the first sample during [Checker.Check].
const ProbeDuration = 500 * time.Millisecond

// Settings pages opened by [Checker.Request].
const (
	DarwinSettingsURL  = "x-apple.systempreferences:com.apple.preference.security?Privacy_AudioCapture"
	WindowsSettingsURL = "ms-settings:sound"
)

// Prober is the part of the capture controller the checker needs.
type Prober interface {
	IsCapturing() bool
	ProbeLevel(ctx context.Context, d time.Duration) (capture.Level, error)
	Devices(ctx context.Context) ([]audio.Device, error)
}

var _ Prober = (*capture.Controller)(nil)

// Checker implements the permission commands.
type Checker struct {
	prober  Prober
	goos    string
	openURL func(string) error
	probe   time.Duration
}

// Option configures a [Checker].
type Option func(*Checker)

// WithGOOS overrides runtime.GOOS.
func WithGOOS(goos string) Option {
	return func(c *Checker) { c.goos = goos }
}

// WithOpener replaces the URL opener (default: browser.OpenURL).
func WithOpener(open func(string) error) Option {
	return func(c *Checker) { c.openURL = open }
}

// WithProbeDuration overrides [ProbeDuration].
func WithProbeDuration(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.probe = d
		}
	}
}

// New creates a [Checker] backed by p.
func New(p Prober, opts ...Option) *Checker {
	c := &Checker{
		prober:  p,
		goos:    runtime.GOOS,
		openURL: browser.OpenURL,
		probe:   ProbeDuration,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Check reports whether loopback capture is currently possible. A live session
// is proof enough; otherwise the default backend is probed.
func (c *Checker) Check(ctx context.Context) bool {
	if c.prober.IsCapturing() {
		return true
	}
	if c.goos == "darwin" {
		return c.checkDevices(ctx)
	}

	lvl, err := c.prober.ProbeLevel(ctx, c.probe)
	if errors.Is(err, audio.ErrAlreadyCapturing) {
		return true
	}
	if err != nil {
		slog.Debug("permission: probe failed", "err", err)
		return false
	}
	return lvl.Samples > 0
}

func (c *Checker) checkDevices(ctx context.Context) bool {
	devs, err := c.prober.Devices(ctx)
	if err != nil {
		slog.Debug("permission: list devices failed", "err", err)
		return false
	}
	for _, d := range devs {
		if d.Score >= loopback.UsableScore {
			return true
		}
	}
	return false
}

// SettingsURL returns the settings page for goos, or "" when there is none.
func SettingsURL(goos string) string {
	switch goos {
	case "darwin":
		return DarwinSettingsURL
	case "windows":
		return WindowsSettingsURL
	}
	return ""
}

// Request opens the OS settings page where capture can be allowed. It is a
// no-op where no such page exists.
func (c *Checker) Request(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	url := SettingsURL(c.goos)
	if url == "" {
		return nil
	}
	if err := c.openURL(url); err != nil {
		return fmt.Errorf("permission: open %s: %w", url, err)
	}
	slog.Info("permission: opened settings", "url", url)
	return nil
}
