//go:build !cgo

package loopback

import (
	"context"
	"fmt"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Device is unavailable without cgo; miniaudio is a C library.
type Device struct{}

// NewDevice always fails in builds without cgo.
func NewDevice(DeviceConfig) (*Device, error) {
	return nil, fmt.Errorf("%w: %s backend requires cgo", ErrUnsupported, NameDevice)
}

// Name implements [audio.Backend].
func (d *Device) Name() string { return NameDevice }

// Devices implements [audio.Backend].
func (d *Device) Devices(context.Context) ([]audio.Device, error) {
	return nil, ErrUnsupported
}

// Open implements [audio.Backend].
func (d *Device) Open(context.Context, audio.OpenOptions) (audio.Source, error) {
	return nil, ErrUnsupported
}
