package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/pkg/audio"
)

func recv(t *testing.T, s *events.Subscription) events.Event {
	t.Helper()
	select {
	case e, ok := <-s.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func TestHub_FanOut(t *testing.T) {
	t.Parallel()

	h := events.NewHub()
	a := h.Subscribe()
	b := h.Subscribe()

	h.Emit(events.New(events.SpeechStart, events.SpeechStartPayload{RMS: 0.1}))

	for _, s := range []*events.Subscription{a, b} {
		if got := recv(t, s); got.Type != events.SpeechStart {
			t.Errorf("Type = %q, want %q", got.Type, events.SpeechStart)
		}
	}
	if h.Len() != 2 {
		t.Errorf("Len() = %d, want 2", h.Len())
	}
}

func TestHub_Filter(t *testing.T) {
	t.Parallel()

	h := events.NewHub()
	s := h.Subscribe(events.SpeechDetected)

	h.Emit(events.New(events.AudioLevel, events.AudioLevelPayload{}))
	h.Emit(events.New(events.SpeechDetected, events.SpeechDetectedPayload{Seq: 7}))

	got := recv(t, s)
	if got.Type != events.SpeechDetected {
		t.Fatalf("Type = %q, want %q", got.Type, events.SpeechDetected)
	}
	select {
	case e := <-s.Events():
		t.Errorf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestHub_SlowSubscriberDropsLevelsFirst(t *testing.T) {
	t.Parallel()

	h := events.NewHub(events.WithBuffer(4))
	s := h.Subscribe()

	// Two level events fill half the queue; further levels are dropped but
	// speech events still fit.
	for range 10 {
		h.Emit(events.New(events.AudioLevel, events.AudioLevelPayload{}))
	}
	h.Emit(events.New(events.SpeechStart, nil))
	h.Emit(events.New(events.SpeechDetected, nil))

	var types []events.Type
	for range 4 {
		types = append(types, recv(t, s).Type)
	}
	want := []events.Type{events.AudioLevel, events.AudioLevel, events.SpeechStart, events.SpeechDetected}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("types = %v, want %v", types, want)
		}
	}
	if got := s.Dropped(); got != 8 {
		t.Errorf("Dropped() = %d, want 8", got)
	}
}

func TestHub_FullQueueNeverBlocks(t *testing.T) {
	t.Parallel()

	h := events.NewHub(events.WithBuffer(1))
	s := h.Subscribe()

	done := make(chan struct{})
	go func() {
		for range 100 {
			h.Emit(events.New(events.SpeechStart, nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	if s.Dropped() != 99 {
		t.Errorf("Dropped() = %d, want 99", s.Dropped())
	}
}

func TestHub_PayloadWaitsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	h := events.NewHub(events.WithBuffer(1), events.WithPayloadWait(time.Second))
	s := h.Subscribe()
	h.Emit(events.New(events.SpeechStart, nil))

	emitted := make(chan struct{})
	go func() {
		h.Emit(events.New(events.SpeechDetected, events.SpeechDetectedPayload{Seq: 3}))
		close(emitted)
	}()

	time.Sleep(20 * time.Millisecond)
	if got := recv(t, s).Type; got != events.SpeechStart {
		t.Fatalf("first event = %q, want %q", got, events.SpeechStart)
	}
	got := recv(t, s)
	if p, _ := got.Payload.(events.SpeechDetectedPayload); got.Type != events.SpeechDetected || p.Seq != 3 {
		t.Fatalf("second event = %+v, want speech-detected seq 3", got)
	}
	<-emitted
	if s.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", s.Dropped())
	}
}

func TestHub_PayloadDroppedAfterWait(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		wait    time.Duration
		minTook time.Duration
	}{
		{"bounded wait", 30 * time.Millisecond, 30 * time.Millisecond},
		{"no wait", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := events.NewHub(events.WithBuffer(1), events.WithPayloadWait(tt.wait))
			s := h.Subscribe()
			h.Emit(events.New(events.SpeechStart, nil))

			start := time.Now()
			h.Emit(events.New(events.SpeechDetected, nil))
			took := time.Since(start)

			if took < tt.minTook {
				t.Errorf("Emit returned after %s, want at least %s", took, tt.minTook)
			}
			if took > time.Second {
				t.Errorf("Emit blocked for %s", took)
			}
			if s.Dropped() != 1 {
				t.Errorf("Dropped() = %d, want 1", s.Dropped())
			}
		})
	}
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	h := events.NewHub()
	s := h.Subscribe()
	if h.Closed() {
		t.Fatal("new hub reports closed")
	}
	h.Close()
	h.Close()
	if !h.Closed() {
		t.Error("Closed() = false after Close")
	}

	if _, ok := <-s.Events(); ok {
		t.Error("expected closed channel after Hub.Close")
	}
	s.Close() // no panic on double close

	late := h.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Error("subscription after Close should be closed")
	}
	h.Emit(events.New(events.SpeechStart, nil)) // ignored
}

func TestHub_CloseUnblocksDrain(t *testing.T) {
	t.Parallel()

	h := events.NewHub()
	s := h.Subscribe()
	h.Emit(events.New(events.SpeechStart, nil))
	h.Close()

	done := make(chan struct{})
	go func() {
		audio.Drain(s.Events())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after Hub.Close")
	}
}

func TestSubscription_Close(t *testing.T) {
	t.Parallel()

	h := events.NewHub()
	s := h.Subscribe()
	s.Close()
	s.Close()
	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}
	h.Emit(events.New(events.SpeechStart, nil))
	if _, ok := <-s.Events(); ok {
		t.Error("expected closed channel")
	}
}

func TestCodecs(t *testing.T) {
	t.Parallel()

	e := events.Event{
		Type:    events.SpeechDetected,
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload: events.SpeechDetectedPayload{Seq: 3, Audio: "UklGRg==", SampleRate: 16000, DurationMS: 1500},
	}

	t.Run("json", func(t *testing.T) {
		t.Parallel()
		c := events.CodecFor(events.SubprotocolJSON)
		if c.Binary() {
			t.Error("JSON codec should use text frames")
		}
		b, err := c.Marshal(e)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var got struct {
			Type    string `json:"type"`
			Payload struct {
				Seq        uint64 `json:"seq"`
				Audio      string `json:"audio"`
				SampleRate int    `json:"sample_rate"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got.Type != "speech-detected" || got.Payload.Seq != 3 || got.Payload.Audio != "UklGRg==" || got.Payload.SampleRate != 16000 {
			t.Errorf("decoded = %+v", got)
		}
	})

	t.Run("msgpack", func(t *testing.T) {
		t.Parallel()
		c := events.CodecFor(events.SubprotocolMsgpack)
		if !c.Binary() {
			t.Error("msgpack codec should use binary frames")
		}
		b, err := c.Marshal(e)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var got map[string]any
		if err := msgpack.Unmarshal(b, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got["type"] != "speech-detected" {
			t.Errorf("type = %v, want speech-detected", got["type"])
		}
		payload, ok := got["payload"].(map[string]any)
		if !ok {
			t.Fatalf("payload = %T, want map", got["payload"])
		}
		if payload["audio"] != "UklGRg==" {
			t.Errorf("audio = %v", payload["audio"])
		}
	})

	t.Run("unknown falls back to json", func(t *testing.T) {
		t.Parallel()
		if got := events.CodecFor("nope").Subprotocol(); got != events.SubprotocolJSON {
			t.Errorf("Subprotocol() = %q, want %q", got, events.SubprotocolJSON)
		}
	})
}
