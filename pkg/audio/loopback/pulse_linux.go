//go:build linux

package loopback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Pulse captures the monitor source of the default output sink through the
// PulseAudio native protocol (also served by PipeWire).
type Pulse struct {
	appName string
	rate    int
}

// NewPulse creates the PulseAudio monitor backend.
func NewPulse(cfg PulseConfig) (*Pulse, error) {
	if cfg.AppName == "" {
		cfg.AppName = "earshot"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = PulseSampleRate
	}
	return &Pulse{appName: cfg.AppName, rate: cfg.SampleRate}, nil
}

// Name implements [audio.Backend].
func (p *Pulse) Name() string { return NamePulse }

func (p *Pulse) connect() (*pulse.Client, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName(p.appName))
	if err != nil {
		return nil, audio.InitError(NamePulse, "connect", err)
	}
	return c, nil
}

// Devices implements [audio.Backend].
func (p *Pulse) Devices(_ context.Context) ([]audio.Device, error) {
	c, err := p.connect()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	sources, err := c.ListSources()
	if err != nil {
		return nil, audio.InitError(NamePulse, "list sources", err)
	}
	def, _ := c.DefaultSource()

	devs := make([]audio.Device, 0, len(sources))
	for _, s := range sources {
		name := s.Name()
		if isMonitor(s.ID()) && !strings.Contains(strings.ToLower(name), "monitor") {
			name = "Monitor of " + name
		}
		devs = append(devs, audio.Device{
			ID:        s.ID(),
			Name:      name,
			IsDefault: def != nil && def.ID() == s.ID(),
		})
	}
	return Rank("linux", devs), nil
}

// Open implements [audio.Backend]. It resolves "<default sink>.monitor".
func (p *Pulse) Open(_ context.Context, opts audio.OpenOptions) (audio.Source, error) {
	c, err := p.connect()
	if err != nil {
		return nil, err
	}

	sink, err := c.DefaultSink()
	if err != nil {
		c.Close()
		return nil, audio.InitError(NamePulse, "default sink", err)
	}
	monitorName := sink.ID() + ".monitor"
	src, err := c.SourceByID(monitorName)
	if err != nil {
		c.Close()
		return nil, audio.InitError(NamePulse, "resolve monitor "+monitorName, err)
	}

	rate := p.rate
	if opts.SampleRate > 0 {
		rate = opts.SampleRate
	}
	slog.Info("loopback: pulse monitor resolved",
		"sink", sink.Name(),
		"monitor", monitorName,
		"sample_rate", rate,
	)
	return &pulseSource{client: c, source: src, rate: rate}, nil
}

// pulseSource is an opened monitor source.
type pulseSource struct {
	client *pulse.Client
	source *pulse.Source
	rate   int

	closeOnce sync.Once
}

func (s *pulseSource) SampleRate() int { return s.rate }

func (s *pulseSource) Capture(ctx context.Context, sink audio.Sink) error {
	bw := &blockWriter{sink: sink, block: make([]byte, 0, PulseBlockBytes)}
	stream, err := s.client.NewRecord(pulse.NewWriter(bw, proto.FormatFloat32LE),
		pulse.RecordSource(s.source),
		pulse.RecordMono,
		pulse.RecordSampleRate(s.rate),
		pulse.RecordBufferFragmentSize(PulseBlockBytes),
		pulse.RecordMediaName("speaker loopback"),
	)
	if err != nil {
		return audio.InitError(NamePulse, "new record stream", err)
	}
	defer stream.Close()

	stream.Start()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stream.Stop()
			bw.flush()
			return nil
		case <-ticker.C:
			if !stream.Running() {
				return audio.ReadError(NamePulse, "record", fmt.Errorf("monitor stream on %s stopped", s.source.ID()))
			}
		}
	}
}

func (s *pulseSource) Close() error {
	s.closeOnce.Do(func() {
		s.client.Close()
	})
	return nil
}

// blockWriter regroups the byte stream delivered by the sound server into
// fixed-size blocks and decodes each block as little-endian float32.
type blockWriter struct {
	mu      sync.Mutex
	sink    audio.Sink
	block   []byte
	samples []float32
}

func (w *blockWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		take := min(PulseBlockBytes-len(w.block), len(p))
		w.block = append(w.block, p[:take]...)
		p = p[take:]
		if len(w.block) == PulseBlockBytes {
			w.emit()
		}
	}
	return n, nil
}

// flush pushes a trailing partial block, dropping any partial sample.
func (w *blockWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.block) >= 4 {
		w.emit()
	}
	w.block = w.block[:0]
}

func (w *blockWriter) emit() {
	w.samples = audio.DecodeFloat32LE(w.samples[:0], w.block)
	w.sink.Push(w.samples)
	w.block = w.block[:0]
}

// isMonitor reports whether a PulseAudio source name denotes a sink monitor.
func isMonitor(id string) bool { return strings.HasSuffix(id, ".monitor") }

var (
	_ audio.Backend = (*Pulse)(nil)
	_ audio.Source  = (*pulseSource)(nil)
)
