package vad_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/earshot/pkg/provider/vad"
)

func newStore(t *testing.T) *vad.Store {
	t.Helper()
	s, err := vad.NewStore(vad.DefaultSettings())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestDefaultSettings_Valid(t *testing.T) {
	t.Parallel()
	d := vad.DefaultSettings()
	if err := d.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if d.SilenceWindowsToEnd != 47 || d.MinSpeechWindows != 15 || d.PreSpeechWindows != 15 {
		t.Errorf("unexpected default window counts: %+v", d)
	}
	if d.RMSThreshold != 0.004 || d.PeakThreshold != 0.01 {
		t.Errorf("unexpected default thresholds: %+v", d)
	}
}

func TestStore_SetValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		field string
		value float64
	}{
		{vad.FieldRMSThreshold, 0.0001},
		{vad.FieldRMSThreshold, 0.1},
		{vad.FieldRMSThreshold, 0.02},
		{vad.FieldPeakThreshold, 0.05},
		{vad.FieldSilenceWindowsToEnd, 1},
		{vad.FieldSilenceWindowsToEnd, 2000},
		{vad.FieldMinSpeechWindows, 1000},
		{vad.FieldPreSpeechWindows, 20},
	}
	for _, tc := range tests {
		t.Run(tc.field, func(t *testing.T) {
			t.Parallel()
			s := newStore(t)
			if err := s.Set(tc.field, tc.value); err != nil {
				t.Fatalf("Set(%s, %v): unexpected error: %v", tc.field, tc.value, err)
			}
			got, err := s.Get(tc.field)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got != tc.value {
				t.Errorf("Get(%s) = %v, want %v", tc.field, got, tc.value)
			}
		})
	}
}

func TestStore_SetInvalidRetainsPrior(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		field string
		value float64
	}{
		{"rms below", vad.FieldRMSThreshold, 0.00009},
		{"rms above", vad.FieldRMSThreshold, 0.11},
		{"peak zero", vad.FieldPeakThreshold, 0},
		{"silence zero", vad.FieldSilenceWindowsToEnd, 0},
		{"silence above", vad.FieldSilenceWindowsToEnd, 2001},
		{"silence fractional", vad.FieldSilenceWindowsToEnd, 12.5},
		{"min speech above", vad.FieldMinSpeechWindows, 1001},
		{"pre speech negative", vad.FieldPreSpeechWindows, -3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newStore(t)
			before := s.Snapshot()
			err := s.Set(tc.field, tc.value)
			if err == nil {
				t.Fatalf("Set(%s, %v): expected error, got nil", tc.field, tc.value)
			}
			if !errors.Is(err, vad.ErrInvalidSetting) {
				t.Errorf("expected ErrInvalidSetting, got %v", err)
			}
			var ve *vad.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Errorf("expected ValidationError for %s, got %v", tc.field, err)
			}
			if after := s.Snapshot(); after != before {
				t.Errorf("settings changed on rejected update: before %+v, after %+v", before, after)
			}
		})
	}
}

func TestStore_UnknownField(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	if err := s.Set("gain", 1); !errors.Is(err, vad.ErrUnknownSetting) {
		t.Errorf("expected ErrUnknownSetting, got %v", err)
	}
}

func TestStore_ResetAndReplace(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	next := vad.DefaultSettings()
	next.SilenceWindowsToEnd = 150
	if err := s.Replace(next); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := s.Snapshot().SilenceWindowsToEnd; got != 150 {
		t.Errorf("SilenceWindowsToEnd = %d, want 150", got)
	}

	bad := next
	bad.MinSpeechWindows = 0
	if err := s.Replace(bad); err == nil {
		t.Fatal("Replace with invalid settings: expected error")
	}
	if got := s.Snapshot().MinSpeechWindows; got != 15 {
		t.Errorf("MinSpeechWindows = %d, want 15 after rejected Replace", got)
	}

	s.Reset()
	if got := s.Snapshot(); got != vad.DefaultSettings() {
		t.Errorf("after Reset: %+v, want defaults", got)
	}
}

func TestNewStore_RejectsInvalid(t *testing.T) {
	t.Parallel()
	if _, err := vad.NewStore(vad.Settings{}); err == nil {
		t.Fatal("expected error for zero settings")
	}
}

func TestSettings_WithDefaults(t *testing.T) {
	t.Parallel()
	got := vad.Settings{SilenceWindowsToEnd: 200}.WithDefaults()
	if got.SilenceWindowsToEnd != 200 {
		t.Errorf("SilenceWindowsToEnd = %d, want 200", got.SilenceWindowsToEnd)
	}
	if got.RMSThreshold != vad.DefaultRMSThreshold || got.PreSpeechWindows != vad.DefaultPreSpeechWindows {
		t.Errorf("zero fields not defaulted: %+v", got)
	}
}

func TestStore_ConcurrentSnapshotsAreConsistent(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	a := vad.DefaultSettings()
	b := vad.Settings{RMSThreshold: 0.05, PeakThreshold: 0.05, SilenceWindowsToEnd: 500, MinSpeechWindows: 500, PreSpeechWindows: 500}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 1000 {
			next := a
			if i%2 == 0 {
				next = b
			}
			_ = s.Replace(next)
		}
	}()
	go func() {
		defer wg.Done()
		for range 1000 {
			snap := s.Snapshot()
			if snap != a && snap != b {
				t.Errorf("torn snapshot: %+v", snap)
				return
			}
		}
	}()
	wg.Wait()
}
