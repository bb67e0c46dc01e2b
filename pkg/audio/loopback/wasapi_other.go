//go:build !windows

package loopback

import (
	"context"
	"fmt"

	"github.com/MrWong99/earshot/pkg/audio"
)

// WASAPI is only available on Windows.
type WASAPI struct{}

// NewWASAPI always fails outside Windows.
func NewWASAPI(WASAPIConfig) (*WASAPI, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, NameWASAPI)
}

// Name implements [audio.Backend].
func (w *WASAPI) Name() string { return NameWASAPI }

// Devices implements [audio.Backend].
func (w *WASAPI) Devices(context.Context) ([]audio.Device, error) { return nil, ErrUnsupported }

// Open implements [audio.Backend].
func (w *WASAPI) Open(context.Context, audio.OpenOptions) (audio.Source, error) {
	return nil, ErrUnsupported
}
