// Package mock scripts VAD decisions for tests of code that drives a
// [vad.Engine], such as the capture controller.
//
// A [Session] answers "silence" for every window unless its Script names the
// window index:
//
//	sess := &mock.Session{Script: map[int]vad.Result{
//	    3: {Event: vad.VADEvent{Type: vad.VADSpeechStart}},
//	    9: {Event: vad.VADEvent{Type: vad.VADSpeechEnd}, Segment: seg},
//	}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// Engine hands out a fixed session and remembers the configs it was asked
// for.
type Engine struct {
	// Session is returned by NewSession. Nil means a fresh silent [Session].
	Session vad.SessionHandle

	// NewSessionErr fails every NewSession call.
	NewSessionErr error

	mu      sync.Mutex
	configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session == nil {
		return &Session{}, nil
	}
	return e.Session, nil
}

// Configs returns the configs passed to NewSession, oldest first.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session replays scripted results keyed by zero-based window index.
type Session struct {
	// Script maps a window index to the result returned for it.
	Script map[int]vad.Result

	// Err fails every ProcessWindow call.
	Err error

	// CloseErr is returned by Close.
	CloseErr error

	mu      sync.Mutex
	windows int
	sizes   []int
	resets  int
	closed  bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessWindow implements [vad.SessionHandle].
func (s *Session) ProcessWindow(window []float32) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return vad.Result{}, s.Err
	}
	i := s.windows
	s.windows++
	s.sizes = append(s.sizes, len(window))
	if r, ok := s.Script[i]; ok {
		return r, nil
	}
	return vad.Result{Event: vad.VADEvent{Type: vad.VADSilence}}, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.CloseErr
}

// Windows is the number of windows processed successfully.
func (s *Session) Windows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows
}

// WindowSizes lists the length of every processed window.
func (s *Session) WindowSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.sizes...)
}

// Resets is the number of Reset calls.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
