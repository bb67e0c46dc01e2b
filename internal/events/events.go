// Package events defines the notifications earshot pushes to the GUI shell and
// a fan-out [Hub] that delivers them to any number of subscribers.
//
// Publishing never blocks: each subscriber owns a bounded buffer, and when a
// subscriber falls behind its high-rate audio-level events are dropped first.
package events

import "time"

// Type names an event kind. The values are the wire names.
type Type string

// Event kinds.
const (
	// SpeechStart fires when the VAD enters the speaking state.
	SpeechStart Type = "speech-start"

	// SpeechDetected carries one finished utterance as a base64 WAV.
	SpeechDetected Type = "speech-detected"

	// AudioLevel reports the level of every analysis window.
	AudioLevel Type = "audio-level"

	// CaptureError reports a session that ended on a stream failure.
	CaptureError Type = "capture-error"

	// CaptureStopped fires whenever a session ends, for any reason.
	CaptureStopped Type = "capture-stopped"

	// Transcription carries the text returned for an utterance.
	Transcription Type = "transcription"
)

// Types lists every event kind.
func Types() []Type {
	return []Type{SpeechStart, SpeechDetected, AudioLevel, CaptureError, CaptureStopped, Transcription}
}

// IsValid reports whether t is a known event kind.
func (t Type) IsValid() bool {
	switch t {
	case SpeechStart, SpeechDetected, AudioLevel, CaptureError, CaptureStopped, Transcription:
		return true
	}
	return false
}

// Event is one notification.
type Event struct {
	Type    Type      `json:"type" msgpack:"type"`
	Time    time.Time `json:"time" msgpack:"time"`
	Payload any       `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// SpeechStartPayload accompanies [SpeechStart].
type SpeechStartPayload struct {
	RMS  float64 `json:"rms" msgpack:"rms"`
	Peak float64 `json:"peak" msgpack:"peak"`
}

// SpeechDetectedPayload accompanies [SpeechDetected].
type SpeechDetectedPayload struct {
	// Seq numbers utterances within the process, starting at 1.
	Seq uint64 `json:"seq" msgpack:"seq"`

	// Audio is the standard-base64 encoding of a mono 16-bit WAV file.
	Audio string `json:"audio" msgpack:"audio"`

	SampleRate int   `json:"sample_rate" msgpack:"sample_rate"`
	DurationMS int64 `json:"duration_ms" msgpack:"duration_ms"`

	// Forced is set when the utterance hit the length cap.
	Forced bool `json:"forced,omitempty" msgpack:"forced,omitempty"`
}

// AudioLevelPayload accompanies [AudioLevel].
type AudioLevelPayload struct {
	RMS  float64 `json:"rms" msgpack:"rms"`
	Peak float64 `json:"peak" msgpack:"peak"`
}

// CaptureErrorPayload accompanies [CaptureError].
type CaptureErrorPayload struct {
	Kind    string `json:"kind" msgpack:"kind"`
	Message string `json:"message" msgpack:"message"`
}

// CaptureStoppedPayload accompanies [CaptureStopped].
type CaptureStoppedPayload struct {
	Reason   string `json:"reason" msgpack:"reason"`
	Segments int    `json:"segments" msgpack:"segments"`
}

// TranscriptionPayload accompanies [Transcription].
type TranscriptionPayload struct {
	Seq      uint64 `json:"seq" msgpack:"seq"`
	Text     string `json:"text" msgpack:"text"`
	Language string `json:"language,omitempty" msgpack:"language,omitempty"`
}

// Emitter accepts events for delivery. Emit must not block.
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc adapts a plain function to [Emitter].
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// New stamps an event of type t with the current time.
func New(t Type, payload any) Event {
	return Event{Type: t, Time: time.Now().UTC(), Payload: payload}
}
