package vad

import "time"

// VADEvent represents a voice activity detection result for a single analysis
// window.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// RMS is the root-mean-square level of the window.
	RMS float64

	// Peak is the maximum absolute sample value of the window.
	Peak float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates an utterance is in progress. Quiet windows
	// inside an utterance also report this type.
	VADSpeechContinue

	// VADSpeechEnd indicates an utterance was finalised. The accompanying
	// [Result] carries the [Segment].
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence

	// VADSpeechDiscarded indicates an utterance ended but was too short to be
	// real speech and was dropped.
	VADSpeechDiscarded
)

// String returns the human-readable name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech-start"
	case VADSpeechContinue:
		return "speech-continue"
	case VADSpeechEnd:
		return "speech-end"
	case VADSilence:
		return "silence"
	case VADSpeechDiscarded:
		return "speech-discarded"
	default:
		return "unknown"
	}
}

// Segment is one finalised utterance. It is consumed exactly once.
type Segment struct {
	// Samples is the mono audio, including the preserved pre-speech onset.
	Samples []float32

	// SampleRate is the rate of Samples in Hz.
	SampleRate int

	// Forced is true when the utterance hit the length cap instead of ending
	// on silence.
	Forced bool
}

// Duration returns the playback length of the segment.
func (s *Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}

// Result is the outcome of processing one window.
type Result struct {
	// Event describes the window.
	Event VADEvent

	// Segment is non-nil when an utterance was finalised by this window.
	Segment *Segment
}
