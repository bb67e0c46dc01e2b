//go:build !linux

package loopback

import (
	"context"
	"fmt"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Pulse is only available on Linux.
type Pulse struct{}

// NewPulse always fails outside Linux.
func NewPulse(PulseConfig) (*Pulse, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, NamePulse)
}

// Name implements [audio.Backend].
func (p *Pulse) Name() string { return NamePulse }

// Devices implements [audio.Backend].
func (p *Pulse) Devices(context.Context) ([]audio.Device, error) { return nil, ErrUnsupported }

// Open implements [audio.Backend].
func (p *Pulse) Open(context.Context, audio.OpenOptions) (audio.Source, error) {
	return nil, ErrUnsupported
}
