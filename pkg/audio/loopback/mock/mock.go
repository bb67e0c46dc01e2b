// Package mock provides an in-memory implementation of the [audio.Backend] and
// [audio.Source] interfaces. It replays scripted sample batches instead of
// touching a sound server, which makes it useful both in unit tests and as a
// "mock" capture backend for demos on machines without loopback support.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	b := &mock.Backend{
//	    Rate:    16000,
//	    Batches: [][]float32{speech, silence},
//	}
//	src, err := b.Open(ctx, audio.OpenOptions{})
//	err = src.Capture(ctx, sink) // pushes speech, then silence, then idles
package mock

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Name is the default backend name reported by [Backend.Name].
const Name = "mock"

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [audio.Backend].
// Set the exported fields before use; inspect the Call* fields after.
type Backend struct {
	mu sync.Mutex

	// BackendName is returned by [Backend.Name]. Defaults to [Name].
	BackendName string

	// Rate is the sample rate of opened sources. Defaults to 16000.
	Rate int

	// Batches are pushed in order by every opened source.
	Batches [][]float32

	// Loop restarts Batches from the beginning once exhausted.
	Loop bool

	// Interval is slept between batches. Zero pushes as fast as possible.
	Interval time.Duration

	// CaptureErr, when non-nil, is returned by Capture once every batch has
	// been pushed (instead of waiting for cancellation). Ignored when Loop is
	// set.
	CaptureErr error

	// CloseErr is returned by the Close method of opened sources.
	CloseErr error

	// CloseDelay is slept by the Close method of opened sources before the
	// source counts as released.
	CloseDelay time.Duration

	// OpenErr is returned by [Backend.Open] when non-nil.
	OpenErr error

	// DevicesResult is returned by [Backend.Devices].
	DevicesResult []audio.Device

	// DevicesErr is returned by [Backend.Devices] when non-nil.
	DevicesErr error

	// OpenCalls records the options of every Open call.
	OpenCalls []audio.OpenOptions

	// CallCountDevices records how many times Devices was called.
	CallCountDevices int

	// Sources holds every source returned by Open, in order.
	Sources []*Source

	open    int
	maxOpen int
}

// Name implements [audio.Backend].
func (b *Backend) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.BackendName == "" {
		return Name
	}
	return b.BackendName
}

// Open implements [audio.Backend]. Returns OpenErr if set, otherwise a new
// [Source] replaying Batches.
func (b *Backend) Open(_ context.Context, opts audio.OpenOptions) (audio.Source, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls = append(b.OpenCalls, opts)
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	rate := b.Rate
	if rate <= 0 {
		rate = 16000
	}
	src := &Source{
		rate:       rate,
		batches:    b.Batches,
		loop:       b.Loop,
		interval:   b.Interval,
		captureErr: b.CaptureErr,
		closeErr:   b.CloseErr,
		closeDelay: b.CloseDelay,
		backend:    b,
	}
	b.Sources = append(b.Sources, src)
	b.open++
	b.maxOpen = max(b.maxOpen, b.open)
	return src, nil
}

// Devices implements [audio.Backend].
func (b *Backend) Devices(context.Context) ([]audio.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountDevices++
	if b.DevicesErr != nil {
		return nil, b.DevicesErr
	}
	return append([]audio.Device(nil), b.DevicesResult...), nil
}

// OpenCount returns the number of Open calls so far.
func (b *Backend) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.OpenCalls)
}

// MaxOpen returns the highest number of sources that were open at once.
func (b *Backend) MaxOpen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxOpen
}

func (b *Backend) closed() {
	b.mu.Lock()
	b.open--
	b.mu.Unlock()
}

// LastSource returns the most recently opened source, or nil.
func (b *Backend) LastSource() *Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Sources) == 0 {
		return nil
	}
	return b.Sources[len(b.Sources)-1]
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source] created by [Backend.Open].
type Source struct {
	rate       int
	batches    [][]float32
	loop       bool
	interval   time.Duration
	captureErr error
	closeErr   error
	closeDelay time.Duration
	backend    *Backend

	mu               sync.Mutex
	pushed           int
	callCountCapture int
	callCountClose   int
	capturing        bool
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.rate }

// Capture implements [audio.Source]. It pushes the scripted batches and then
// either returns the scripted error or blocks until ctx is cancelled.
func (s *Source) Capture(ctx context.Context, sink audio.Sink) error {
	s.mu.Lock()
	s.callCountCapture++
	s.capturing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.capturing = false
		s.mu.Unlock()
	}()

	for {
		for _, batch := range s.batches {
			if ctx.Err() != nil {
				return nil
			}
			sink.Push(batch)
			s.mu.Lock()
			s.pushed += len(batch)
			s.mu.Unlock()
			if s.interval > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(s.interval):
				}
			}
		}
		if !s.loop || len(s.batches) == 0 {
			break
		}
	}

	if s.captureErr != nil {
		return s.captureErr
	}
	<-ctx.Done()
	return nil
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	if s.closeDelay > 0 {
		time.Sleep(s.closeDelay)
	}
	s.mu.Lock()
	s.callCountClose++
	first := s.callCountClose == 1
	s.mu.Unlock()
	if first && s.backend != nil {
		s.backend.closed()
	}
	return s.closeErr
}

// Pushed returns the total number of samples pushed so far.
func (s *Source) Pushed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushed
}

// CaptureCalls returns how many times Capture was called.
func (s *Source) CaptureCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCountCapture
}

// CloseCalls returns how many times Close was called.
func (s *Source) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCountClose
}

// Capturing reports whether Capture is currently running.
func (s *Source) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capturing
}

// ─── Signal helpers ───────────────────────────────────────────────────────────

// Tone returns n samples of a sine wave at freq Hz with the given amplitude.
func Tone(rate, n int, freq, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

// Silence returns n zero samples.
func Silence(n int) []float32 { return make([]float32, n) }

// NewDemo returns a looping backend that alternates one second of a 440 Hz
// tone with four seconds of silence, paced in real time with 20 ms batches.
func NewDemo(rate int) *Backend {
	if rate <= 0 {
		rate = 16000
	}
	batch := rate / 50
	var batches [][]float32
	tone := Tone(rate, rate, 440, 0.3)
	for off := 0; off+batch <= len(tone); off += batch {
		batches = append(batches, tone[off:off+batch])
	}
	quiet := Silence(batch)
	for range 200 {
		batches = append(batches, quiet)
	}
	return &Backend{
		Rate:     rate,
		Batches:  batches,
		Loop:     true,
		Interval: 20 * time.Millisecond,
		DevicesResult: []audio.Device{
			{ID: "mock-tone", Name: "Mock tone generator (loopback)", IsDefault: true, Score: 100},
		},
	}
}

// Compile-time interface assertions.
var (
	_ audio.Backend = (*Backend)(nil)
	_ audio.Source  = (*Source)(nil)
)
