// Package capture owns the lifecycle of speaker-loopback capture sessions.
//
// A [Controller] runs at most one session at a time. Each session is a pair of
// goroutines joined by a [bridge.Bridge]: the producer is locked to its OS
// thread and exclusively owns the native stream, pushing mono samples into the
// bridge; the consumer slices the stream into VAD windows, drives the VAD
// session and emits events. Stopping a session never waits for the native
// stream to wind down: the producer is joined and the source closed in the
// background. The next Start or ProbeLevel waits for that release before it
// opens the backend again.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/bridge"
	"github.com/MrWong99/earshot/pkg/audio/wav"
	"github.com/MrWong99/earshot/pkg/provider/vad"
	"github.com/MrWong99/earshot/pkg/provider/vad/energy"
)

// readBatch is the consumer's bridge read size in samples.
const readBatch = 4 * vad.WindowSize

// Stop reasons reported in [events.CaptureStoppedPayload].
const (
	ReasonStopped     = "stopped"
	ReasonStreamError = "stream-error"
	ReasonStreamEnded = "stream-ended"
	ReasonVADError    = "vad-error"
)

// EncodeFunc turns a finished segment into the base64 WAV payload.
type EncodeFunc func(sampleRate int, samples []float32) (string, error)

// SessionInfo describes a running capture session.
type SessionInfo struct {
	// ID is unique per session.
	ID string `json:"id"`

	// Backend names the loopback backend that opened the stream.
	Backend string `json:"backend"`

	// DeviceHint is the hint the session was started with, if any.
	DeviceHint string `json:"device_hint,omitempty"`

	SampleRate int       `json:"sample_rate"`
	StartedAt  time.Time `json:"started_at"`
}

// Status is a snapshot of the controller.
type Status struct {
	Capturing bool         `json:"capturing"`
	Session   *SessionInfo `json:"session,omitempty"`
	Segments  int          `json:"segments"`
	Settings  vad.Settings `json:"settings"`
}

// Level is the result of [Controller.ProbeLevel].
type Level struct {
	Backend    string  `json:"backend"`
	SampleRate int     `json:"sample_rate"`
	Samples    int     `json:"samples"`
	RMS        float64 `json:"rms"`
	Peak       float64 `json:"peak"`
}

// Config holds the dependencies of a [Controller].
type Config struct {
	// Backend opens the loopback stream. Required.
	Backend audio.Backend

	// Settings is the process-wide VAD settings store. Required.
	Settings *vad.Store

	// Emitter receives session events. Nil discards them.
	Emitter events.Emitter

	// Engine creates VAD sessions. Default: the energy engine.
	Engine vad.Engine

	// Metrics records capture metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OpenOptions are passed to every Backend.Open; a non-empty hint given to
	// Start overrides DeviceHint.
	OpenOptions audio.OpenOptions

	// EmitLevels enables one audio-level event per analysis window.
	EmitLevels bool

	// Encode overrides WAV encoding. Default: [wav.EncodeBase64].
	Encode EncodeFunc
}

// Controller manages capture sessions. All exported methods are safe for
// concurrent use.
type Controller struct {
	backend    audio.Backend
	settings   *vad.Store
	emitter    events.Emitter
	engine     vad.Engine
	metrics    *observe.Metrics
	opts       audio.OpenOptions
	emitLevels bool
	encode     EncodeFunc

	mu   sync.Mutex
	sess *session
	busy bool // a Start or ProbeLevel is opening the backend

	// released is closed once the last session's source has been closed.
	// Nil when nothing is pending.
	released chan struct{}

	seq atomic.Uint64 // utterance sequence across sessions
	wg  sync.WaitGroup
}

// session is the state of one running capture.
type session struct {
	info   SessionInfo
	src    audio.Source
	bridge *bridge.Bridge
	handle vad.SessionHandle

	cancelProducer context.CancelFunc
	cancelConsumer context.CancelFunc
	producerDone   chan struct{}
	consumerDone   chan struct{}

	streamErr error // written by the producer before producerDone closes
	vadErr    error // written by the consumer before consumerDone closes
	segments  atomic.Int64
}

// New creates a [Controller]. It fails when Backend or Settings is nil.
func New(cfg Config) (*Controller, error) {
	if cfg.Backend == nil {
		return nil, errors.New("capture: backend is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("capture: settings store is required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.EmitterFunc(func(events.Event) {})
	}
	if cfg.Engine == nil {
		cfg.Engine = energy.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Encode == nil {
		cfg.Encode = wav.EncodeBase64
	}
	return &Controller{
		backend:    cfg.Backend,
		settings:   cfg.Settings,
		emitter:    cfg.Emitter,
		engine:     cfg.Engine,
		metrics:    cfg.Metrics,
		opts:       cfg.OpenOptions,
		emitLevels: cfg.EmitLevels,
		encode:     cfg.Encode,
	}, nil
}

// Settings returns the VAD settings store shared with every session.
func (c *Controller) Settings() *vad.Store { return c.settings }

// Backend returns the configured loopback backend.
func (c *Controller) Backend() audio.Backend { return c.backend }

// Start opens the loopback stream and starts a session. It returns
// [audio.ErrAlreadyCapturing] without touching the running session when one
// is live, and backend errors ([audio.ErrDeviceInitFailed],
// [audio.ErrSetupRequired]) otherwise.
func (c *Controller) Start(ctx context.Context, deviceHint string) (SessionInfo, error) {
	if err := c.acquire(); err != nil {
		return SessionInfo{}, err
	}
	defer c.release()
	if err := c.awaitRelease(ctx); err != nil {
		return SessionInfo{}, err
	}

	opts := c.opts
	if deviceHint != "" {
		opts.DeviceHint = deviceHint
	}

	src, backendName, err := c.open(ctx, opts)
	if err != nil {
		return SessionInfo{}, err
	}

	handle, err := c.engine.NewSession(vad.Config{
		SampleRate: src.SampleRate(),
		Settings:   c.settings,
	})
	if err != nil {
		_ = src.Close()
		return SessionInfo{}, fmt.Errorf("capture: create vad session: %w", err)
	}

	now := time.Now().UTC()
	s := &session{
		info: SessionInfo{
			ID:         fmt.Sprintf("capture-%s-%s", backendName, now.Format("20060102T150405.000Z")),
			Backend:    backendName,
			DeviceHint: opts.DeviceHint,
			SampleRate: src.SampleRate(),
			StartedAt:  now,
		},
		src:          src,
		bridge:       bridge.New(),
		handle:       handle,
		producerDone: make(chan struct{}),
		consumerDone: make(chan struct{}),
	}

	sctx := observe.WithSessionID(context.Background(), s.info.ID)
	pctx, cancelProducer := context.WithCancel(sctx)
	cctx, cancelConsumer := context.WithCancel(sctx)
	s.cancelProducer = cancelProducer
	s.cancelConsumer = cancelConsumer

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(ctx, 1)

	c.wg.Add(2)
	go c.produce(pctx, s)
	go c.consume(cctx, s)

	slog.Info("capture started",
		"session_id", s.info.ID,
		"backend", backendName,
		"sample_rate", s.info.SampleRate,
		"device_hint", opts.DeviceHint,
		"silence_to_end", vad.WindowsDuration(c.settings.Snapshot().SilenceWindowsToEnd, s.info.SampleRate),
	)
	return s.info, nil
}

// acquire reserves the right to open the backend.
func (c *Controller) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil || c.busy {
		return audio.ErrAlreadyCapturing
	}
	c.busy = true
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// awaitRelease blocks until the previous session's native stream is closed.
// The device stays held until then, so giving up is a DeviceInitFailed.
func (c *Controller) awaitRelease(ctx context.Context) error {
	c.mu.Lock()
	ch := c.released
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return audio.InitError(c.backend.Name(), "await release of previous stream", ctx.Err())
	}
}

// detach clears the running session if it is still s and arms the release
// signal that the next open waits on. Must be called with c.mu held.
func (c *Controller) detach(s *session) (chan struct{}, bool) {
	if c.sess != s || s == nil {
		return nil, false
	}
	c.sess = nil
	rel := make(chan struct{})
	c.released = rel
	return rel, true
}

// open opens the backend and reports the name of the backend that served it.
func (c *Controller) open(ctx context.Context, opts audio.OpenOptions) (audio.Source, string, error) {
	src, err := c.backend.Open(ctx, opts)
	if err != nil {
		c.metrics.RecordBackendOpen(ctx, c.backend.Name(), "error")
		slog.Warn("capture: open loopback backend failed",
			"backend", c.backend.Name(), "kind", audio.Kind(err), "err", err)
		return nil, "", err
	}
	name := c.backend.Name()
	if n, ok := src.(interface{ BackendName() string }); ok {
		name = n.BackendName()
	}
	c.metrics.RecordBackendOpen(ctx, name, "ok")
	return src, name, nil
}

// produce runs the native capture loop on a dedicated OS thread.
func (c *Controller) produce(ctx context.Context, s *session) {
	defer c.wg.Done()
	defer close(s.producerDone)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := s.src.Capture(ctx, s.bridge)
	if err != nil {
		s.streamErr = err
	}
	s.bridge.Close()
}

// consume windows the bridged stream through the VAD session.
func (c *Controller) consume(ctx context.Context, s *session) {
	defer c.wg.Done()

	win := vad.NewWindower(vad.WindowSize)
	buf := make([]float32, readBatch)
	process := func(w []float32) error { return c.processWindow(ctx, s, w) }

	for {
		n, err := s.bridge.Read(ctx, buf)
		if err != nil {
			break
		}
		if err := win.Write(buf[:n], process); err != nil {
			s.vadErr = err
			break
		}
	}

	_ = s.handle.Close()
	close(s.consumerDone)

	if ctx.Err() == nil {
		c.endOnItsOwn(s)
	}
}

// processWindow advances the VAD by one window and emits the resulting events.
func (c *Controller) processWindow(ctx context.Context, s *session, w []float32) error {
	res, err := s.handle.ProcessWindow(w)
	if err != nil {
		return err
	}
	c.metrics.WindowsProcessed.Add(ctx, 1)

	if c.emitLevels {
		c.emitter.Emit(events.New(events.AudioLevel, events.AudioLevelPayload{
			RMS:  res.Event.RMS,
			Peak: res.Event.Peak,
		}))
	}

	switch res.Event.Type {
	case vad.VADSpeechStart:
		c.metrics.SpeechStarts.Add(ctx, 1)
		c.emitter.Emit(events.New(events.SpeechStart, events.SpeechStartPayload{
			RMS:  res.Event.RMS,
			Peak: res.Event.Peak,
		}))
	case vad.VADSpeechDiscarded:
		c.metrics.RecordSegment(ctx, observe.OutcomeDiscarded, 0)
	}

	if res.Segment != nil {
		c.deliver(ctx, s, res.Segment)
	}
	return nil
}

// deliver encodes a finished segment and emits it. Encoding failures drop the
// segment only; the session carries on.
func (c *Controller) deliver(ctx context.Context, s *session, seg *vad.Segment) {
	ctx, span := observe.StartSpan(ctx, "capture.segment")
	defer span.End()

	start := time.Now()
	b64, err := c.encode(seg.SampleRate, seg.Samples)
	c.metrics.EncodeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		c.metrics.EncodeErrors.Add(ctx, 1)
		c.metrics.RecordSegment(ctx, observe.OutcomeDropped, 0)
		observe.Logger(ctx).Warn("capture: segment dropped, encode failed",
			"samples", len(seg.Samples), "err", err)
		return
	}

	outcome := observe.OutcomeEmitted
	if seg.Forced {
		outcome = observe.OutcomeForced
	}
	dur := seg.Duration()
	c.metrics.RecordSegment(ctx, outcome, dur.Seconds())
	s.segments.Add(1)

	seq := c.seq.Add(1)
	c.emitter.Emit(events.New(events.SpeechDetected, events.SpeechDetectedPayload{
		Seq:        seq,
		Audio:      b64,
		SampleRate: seg.SampleRate,
		DurationMS: dur.Milliseconds(),
		Forced:     seg.Forced,
	}))
	observe.Logger(ctx).Debug("capture: speech segment emitted",
		"seq", seq, "duration", dur, "forced", seg.Forced)
}

// endOnItsOwn cleans up a session whose stream ended without Stop: a native
// read failure, a source that returned early, or a VAD error. It runs on the
// consumer goroutine after the VAD handle is closed.
func (c *Controller) endOnItsOwn(s *session) {
	c.mu.Lock()
	rel, owned := c.detach(s)
	c.mu.Unlock()
	if !owned {
		// Stop raced us and owns the teardown.
		return
	}
	defer close(rel)

	s.cancelProducer()
	s.bridge.Close()
	<-s.producerDone
	s.cancelConsumer()

	ctx := context.Background()
	c.metrics.ActiveSessions.Add(ctx, -1)

	reason := ReasonStreamEnded
	switch {
	case s.streamErr != nil:
		reason = ReasonStreamError
		c.metrics.RecordStreamError(ctx, s.info.Backend)
		kind := audio.Kind(s.streamErr)
		if kind == "" {
			kind = "StreamReadError"
		}
		slog.Error("capture: stream failed, session ended",
			"session_id", s.info.ID, "backend", s.info.Backend, "err", s.streamErr)
		c.emitter.Emit(events.New(events.CaptureError, events.CaptureErrorPayload{
			Kind:    kind,
			Message: s.streamErr.Error(),
		}))
	case s.vadErr != nil:
		reason = ReasonVADError
		slog.Error("capture: vad failed, session ended", "session_id", s.info.ID, "err", s.vadErr)
		c.emitter.Emit(events.New(events.CaptureError, events.CaptureErrorPayload{
			Kind:    "StreamReadError",
			Message: s.vadErr.Error(),
		}))
	default:
		slog.Warn("capture: stream ended without stop", "session_id", s.info.ID)
	}

	if err := s.src.Close(); err != nil {
		slog.Warn("capture: close source", "session_id", s.info.ID, "err", err)
	}
	c.emitter.Emit(events.New(events.CaptureStopped, events.CaptureStoppedPayload{
		Reason:   reason,
		Segments: int(s.segments.Load()),
	}))
}

// Stop ends the running session. It returns [audio.ErrNotCapturing] when idle.
// Stop returns once the consumer has exited (or ctx expires); the native stream
// is joined and released in the background, see [Controller.Wait]. A Start
// issued before that release completes waits for it.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	rel, owned := c.detach(s)
	c.mu.Unlock()
	if !owned {
		return audio.ErrNotCapturing
	}

	s.cancelProducer()
	s.bridge.Close()
	s.cancelConsumer()

	select {
	case <-s.consumerDone:
	case <-ctx.Done():
		slog.Warn("capture: stop timed out waiting for consumer", "session_id", s.info.ID)
	}
	c.metrics.ActiveSessions.Add(ctx, -1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(rel)
		start := time.Now()
		<-s.producerDone
		if err := s.src.Close(); err != nil {
			slog.Warn("capture: close source", "session_id", s.info.ID, "err", err)
		}
		slog.Info("capture: native stream released",
			"session_id", s.info.ID, "took", time.Since(start))
	}()

	segments := int(s.segments.Load())
	c.emitter.Emit(events.New(events.CaptureStopped, events.CaptureStoppedPayload{
		Reason:   ReasonStopped,
		Segments: segments,
	}))
	slog.Info("capture stopped", "session_id", s.info.ID, "segments", segments)
	return nil
}

// Status reports whether a session is live and the current settings.
func (c *Controller) Status() Status {
	st := Status{Settings: c.settings.Snapshot()}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		info := c.sess.info
		st.Capturing = true
		st.Session = &info
		st.Segments = int(c.sess.segments.Load())
	}
	return st
}

// IsCapturing reports whether a session is live.
func (c *Controller) IsCapturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Devices lists the devices visible to the backend, best loopback candidates
// first.
func (c *Controller) Devices(ctx context.Context) ([]audio.Device, error) {
	return c.backend.Devices(ctx)
}

// ProbeLevel opens the backend for d and reports the loudest window seen. It
// returns [audio.ErrAlreadyCapturing] while a session is live, since the
// native stream is exclusively owned.
func (c *Controller) ProbeLevel(ctx context.Context, d time.Duration) (Level, error) {
	if err := c.acquire(); err != nil {
		return Level{}, err
	}
	defer c.release()
	if err := c.awaitRelease(ctx); err != nil {
		return Level{}, err
	}

	src, name, err := c.open(ctx, c.opts)
	if err != nil {
		return Level{}, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			slog.Warn("capture: close probe source", "err", err)
		}
	}()

	lvl := Level{Backend: name, SampleRate: src.SampleRate()}
	var mu sync.Mutex
	win := vad.NewWindower(vad.WindowSize)
	sink := audio.SinkFunc(func(batch []float32) {
		mu.Lock()
		defer mu.Unlock()
		lvl.Samples += len(batch)
		_ = win.Write(batch, func(w []float32) error {
			rms, peak := audio.Levels(w)
			lvl.RMS = max(lvl.RMS, rms)
			lvl.Peak = max(lvl.Peak, peak)
			return nil
		})
	})

	pctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		errc <- src.Capture(pctx, sink)
	}()
	err = <-errc

	mu.Lock()
	defer mu.Unlock()
	return lvl, err
}

// Wait blocks until every background goroutine (capture loops and deferred
// source releases) has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Shutdown stops a running session, if any, and waits for background work.
func (c *Controller) Shutdown(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil && !errors.Is(err, audio.ErrNotCapturing) {
		return err
	}
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture: shutdown: %w", ctx.Err())
	}
}
