// Package energy provides an RMS/peak energy VAD engine that segments a mono
// float32 stream into utterances.
//
// A window counts as speech when its RMS exceeds the RMS threshold OR its peak
// exceeds the peak threshold; either trips it, so short plosives that barely
// move the RMS are still caught.
//
// The session is a two-state machine:
//
//   - Quiet: windows are kept in a bounded pre-speech history (oldest evicted
//     first) so the onset of the next utterance is not clipped.
//   - Speaking: every window, quiet or not, extends the utterance. Enough
//     consecutive quiet windows end it; it is emitted when it had enough
//     speech windows and discarded otherwise. Utterances longer than the cap
//     are force-finalised.
//
// Emitted utterances drop roughly half of the trailing silence run from the
// tail, leaving some silence rather than clipping speech.
package energy

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// ErrSessionClosed is returned by ProcessWindow after Close.
var ErrSessionClosed = errors.New("energy: session closed")

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an [Engine].
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return NewSession(cfg)
}

// Session is a single-stream energy VAD state machine. Not safe for
// concurrent use.
type Session struct {
	sampleRate int
	window     int
	maxSamples int
	settings   vad.SettingsSource

	preSpeech [][]float32 // oldest first
	spare     [][]float32
	speech    []float32

	inSpeech   bool
	silenceRun int
	speechRun  int
	closed     bool
}

// NewSession creates a [Session]. It fails for a non-positive sample rate or
// an invalid settings snapshot.
func NewSession(cfg vad.Config) (*Session, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = vad.WindowSize
	}
	if cfg.MaxSegment <= 0 {
		cfg.MaxSegment = vad.MaxSegmentDuration
	}
	if cfg.Settings == nil {
		cfg.Settings = vad.DefaultSettings()
	}
	if err := cfg.Settings.Snapshot().Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &Session{
		sampleRate: cfg.SampleRate,
		window:     cfg.WindowSize,
		maxSamples: int(int64(cfg.SampleRate) * int64(cfg.MaxSegment) / int64(time.Second)),
		settings:   cfg.Settings,
	}, nil
}

// ProcessWindow implements [vad.SessionHandle].
func (s *Session) ProcessWindow(window []float32) (vad.Result, error) {
	if s.closed {
		return vad.Result{}, ErrSessionClosed
	}
	if len(window) != s.window {
		return vad.Result{}, fmt.Errorf("energy: window has %d samples, want %d", len(window), s.window)
	}

	cfg := s.settings.Snapshot()
	rms, peak := audio.Levels(window)
	ev := vad.VADEvent{RMS: rms, Peak: peak}
	isSpeech := rms > cfg.RMSThreshold || peak > cfg.PeakThreshold

	var seg *vad.Segment
	switch {
	case isSpeech:
		if s.inSpeech {
			ev.Type = vad.VADSpeechContinue
		} else {
			s.inSpeech = true
			s.silenceRun = 0
			s.speechRun = 0
			for _, w := range s.preSpeech {
				s.speech = append(s.speech, w...)
			}
			s.recycle()
			ev.Type = vad.VADSpeechStart
		}
		s.speechRun++
		s.silenceRun = 0
		s.speech = append(s.speech, window...)
		if len(s.speech) > s.maxSamples {
			seg = s.finalize(true)
			if ev.Type == vad.VADSpeechContinue {
				ev.Type = vad.VADSpeechEnd
			}
		}

	case s.inSpeech:
		s.speech = append(s.speech, window...)
		s.silenceRun++
		ev.Type = vad.VADSpeechContinue
		if s.silenceRun >= cfg.SilenceWindowsToEnd {
			if s.speechRun >= cfg.MinSpeechWindows && len(s.speech) > 0 {
				trim := (cfg.SilenceWindowsToEnd / 2) * s.window
				if len(s.speech) > trim {
					s.speech = s.speech[:len(s.speech)-trim]
				}
				seg = s.finalize(false)
				ev.Type = vad.VADSpeechEnd
			} else {
				s.discard()
				ev.Type = vad.VADSpeechDiscarded
			}
		}

	default:
		s.pushPreSpeech(window, cfg.PreSpeechWindows)
		ev.Type = vad.VADSilence
	}

	return vad.Result{Event: ev, Segment: seg}, nil
}

// finalize hands the accumulated utterance off and returns to Quiet.
func (s *Session) finalize(forced bool) *vad.Segment {
	seg := &vad.Segment{
		Samples:    s.speech,
		SampleRate: s.sampleRate,
		Forced:     forced,
	}
	s.speech = nil
	s.toQuiet()
	return seg
}

func (s *Session) discard() {
	s.speech = s.speech[:0]
	s.toQuiet()
}

func (s *Session) toQuiet() {
	s.inSpeech = false
	s.silenceRun = 0
	s.speechRun = 0
}

// pushPreSpeech appends a copy of window and evicts the oldest windows beyond
// limit.
func (s *Session) pushPreSpeech(window []float32, limit int) {
	var buf []float32
	if n := len(s.spare); n > 0 {
		buf = s.spare[n-1][:0]
		s.spare = s.spare[:n-1]
	}
	s.preSpeech = append(s.preSpeech, append(buf, window...))
	for len(s.preSpeech) > limit {
		s.spare = append(s.spare, s.preSpeech[0])
		s.preSpeech[0] = nil
		s.preSpeech = s.preSpeech[1:]
	}
}

// recycle empties the pre-speech history, keeping its buffers for reuse.
func (s *Session) recycle() {
	for i, w := range s.preSpeech {
		s.spare = append(s.spare, w)
		s.preSpeech[i] = nil
	}
	s.preSpeech = s.preSpeech[:0]
}

// InSpeech reports whether an utterance is in progress.
func (s *Session) InSpeech() bool { return s.inSpeech }

// PreSpeechWindows returns the number of windows in the pre-speech history.
func (s *Session) PreSpeechWindows() int { return len(s.preSpeech) }

// BufferedSamples returns the length of the in-progress utterance.
func (s *Session) BufferedSamples() int { return len(s.speech) }

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.recycle()
	s.discard()
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.preSpeech = nil
	s.spare = nil
	s.speech = nil
	return nil
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
