//go:build cgo

package loopback

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Device is the heuristic virtual-device backend. It enumerates capture
// devices through miniaudio, scores their names and captures from the best
// candidate. It is the primary backend on macOS and the fallback elsewhere.
type Device struct {
	goos    string
	rate    int
	grace   time.Duration
	logProc malgo.LogProc
}

// NewDevice creates the heuristic device backend.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DeviceSampleRate
	}
	if cfg.ReleaseGrace == 0 && cfg.GOOS == "darwin" {
		cfg.ReleaseGrace = ReleaseGrace
	}
	return &Device{
		goos:  cfg.GOOS,
		rate:  cfg.SampleRate,
		grace: cfg.ReleaseGrace,
		logProc: func(msg string) {
			slog.Debug("miniaudio", "msg", msg)
		},
	}, nil
}

// Name implements [audio.Backend].
func (d *Device) Name() string { return NameDevice }

// Devices implements [audio.Backend].
func (d *Device) Devices(_ context.Context) ([]audio.Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, d.logProc)
	if err != nil {
		return nil, audio.InitError(NameDevice, "InitContext", err)
	}
	defer freeContext(mctx)

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, audio.InitError(NameDevice, "Devices", err)
	}
	return Rank(d.goos, toDevices(infos)), nil
}

// Open implements [audio.Backend].
func (d *Device) Open(_ context.Context, opts audio.OpenOptions) (audio.Source, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, d.logProc)
	if err != nil {
		return nil, audio.InitError(NameDevice, "InitContext", err)
	}

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		freeContext(mctx)
		return nil, audio.InitError(NameDevice, "Devices", err)
	}
	chosen, err := Select(d.goos, toDevices(infos), opts.DeviceHint)
	if err != nil {
		freeContext(mctx)
		return nil, err
	}

	var info *malgo.DeviceInfo
	for i := range infos {
		if infos[i].ID.String() == chosen.ID {
			info = &infos[i]
			break
		}
	}

	rate := d.rate
	if opts.SampleRate > 0 {
		rate = opts.SampleRate
	}

	slog.Info("loopback: heuristic device selected",
		"device", chosen.Name,
		"score", chosen.Score,
		"default", chosen.IsDefault,
		"sample_rate", rate,
	)
	return &deviceSource{
		mctx:   mctx,
		info:   info,
		device: chosen,
		rate:   rate,
		grace:  d.grace,
	}, nil
}

func toDevices(infos []malgo.DeviceInfo) []audio.Device {
	out := make([]audio.Device, 0, len(infos))
	for _, info := range infos {
		out = append(out, audio.Device{
			ID:        info.ID.String(),
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return out
}

func freeContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

// deviceSource is an opened heuristic device.
type deviceSource struct {
	mctx   *malgo.AllocatedContext
	info   *malgo.DeviceInfo
	device audio.Device
	rate   int
	grace  time.Duration

	closeOnce sync.Once
}

func (s *deviceSource) SampleRate() int { return s.rate }

func (s *deviceSource) Capture(ctx context.Context, sink audio.Sink) error {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(s.rate)
	cfg.PeriodSizeInMilliseconds = 20
	if s.info != nil {
		cfg.Capture.DeviceID = s.info.ID.Pointer()
	}

	// The data callback runs on miniaudio's thread; it only decodes and pushes.
	var scratch []float32
	stopped := make(chan struct{})
	var stopOnce sync.Once
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			scratch = audio.DecodeFloat32LE(scratch[:0], in)
			sink.Push(scratch)
		},
		Stop: func() {
			stopOnce.Do(func() { close(stopped) })
		},
	}

	dev, err := malgo.InitDevice(s.mctx.Context, cfg, callbacks)
	if err != nil {
		return audio.InitError(NameDevice, "InitDevice", err)
	}
	defer dev.Uninit()

	if err := dev.Start(); err != nil {
		return audio.InitError(NameDevice, "Start", err)
	}

	select {
	case <-ctx.Done():
		if err := dev.Stop(); err != nil {
			slog.Warn("loopback: device stop failed", "device", s.device.Name, "err", err)
		}
		return nil
	case <-stopped:
		return audio.ReadError(NameDevice, "device stopped", fmt.Errorf("%s stopped unexpectedly", s.device.Name))
	}
}

func (s *deviceSource) Close() error {
	s.closeOnce.Do(func() {
		freeContext(s.mctx)
		if s.grace > 0 {
			time.Sleep(s.grace)
		}
	})
	return nil
}

var (
	_ audio.Backend = (*Device)(nil)
	_ audio.Source  = (*deviceSource)(nil)
)
