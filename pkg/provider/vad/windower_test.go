package vad_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/vad"
)

func TestWindower_SplitsAcrossBatches(t *testing.T) {
	t.Parallel()
	w := vad.NewWindower(4)

	var windows [][]float32
	collect := func(win []float32) error {
		windows = append(windows, append([]float32(nil), win...))
		return nil
	}

	batches := [][]float32{{0, 1}, {2, 3, 4}, {5, 6, 7, 8, 9, 10, 11}, {12}}
	for _, b := range batches {
		if err := w.Write(b, collect); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if len(windows) != 3 {
		t.Fatalf("got %d windows, want 3", len(windows))
	}
	next := float32(0)
	for i, win := range windows {
		if len(win) != 4 {
			t.Fatalf("window %d has %d samples, want 4", i, len(win))
		}
		for _, v := range win {
			if v != next {
				t.Fatalf("window %d: got %v, want %v", i, v, next)
			}
			next++
		}
	}
	if w.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", w.Pending())
	}
	w.Reset()
	if w.Pending() != 0 {
		t.Errorf("Pending after Reset = %d, want 0", w.Pending())
	}
}

func TestWindower_StopsOnError(t *testing.T) {
	t.Parallel()
	w := vad.NewWindower(2)
	boom := errors.New("boom")
	calls := 0
	err := w.Write([]float32{1, 2, 3, 4, 5, 6}, func([]float32) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestWindower_DefaultSize(t *testing.T) {
	t.Parallel()
	if got := vad.NewWindower(0).Size(); got != vad.WindowSize {
		t.Errorf("Size = %d, want %d", got, vad.WindowSize)
	}
}

func TestWindowsDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		windows int
		rate    int
		min     time.Duration
		max     time.Duration
	}{
		{"default silence at 16 kHz", vad.DefaultSilenceWindowsToEnd, 16000, 2900 * time.Millisecond, 3100 * time.Millisecond},
		{"default silence at 48 kHz", vad.DefaultSilenceWindowsToEnd, 48000, 950 * time.Millisecond, 1050 * time.Millisecond},
		{"one window at 16 kHz", 1, 16000, 64 * time.Millisecond, 64 * time.Millisecond},
		{"zero rate", 10, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := vad.WindowsDuration(tt.windows, tt.rate)
			if got < tt.min || got > tt.max {
				t.Errorf("WindowsDuration(%d, %d) = %s, want [%s, %s]", tt.windows, tt.rate, got, tt.min, tt.max)
			}
		})
	}
}
