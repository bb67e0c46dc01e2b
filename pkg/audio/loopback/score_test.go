package loopback_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/loopback"
)

func TestScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		goos string
		name string
		want int
	}{
		{"windows", "Stereo Mix (Realtek High Definition Audio)", 100},
		{"windows", "What U Hear (Sound Blaster)", 100},
		{"windows", "CABLE Output (VB-Audio Virtual Cable)", 90},
		{"windows", "VoiceMeeter Output", 85},
		{"windows", "Line 1 (Virtual Audio Cable)", 90},
		{"windows", "Microphone (USB Audio)", 0},
		{"windows", "Speakers", loopback.DefaultScore},
		{"darwin", "BlackHole 2ch", 100},
		{"darwin", "Loopback Audio", 95},
		{"darwin", "Soundflower (2ch)", 90},
		{"darwin", "MacBook Pro Microphone", 0},
		{"darwin", "Built-in Input", 0},
		{"linux", "Monitor of Built-in Audio Analog Stereo", 100},
		{"linux", "alsa_output.pci-0000_00_1f.3.analog-stereo.monitor", 100},
		{"linux", "Loopback PCM", 80},
		{"linux", "HD Webcam C920", 0},
		{"linux", "USB Mic", 0},
		{"plan9", "BlackHole 2ch", loopback.DefaultScore},
	}
	for _, tc := range tests {
		t.Run(tc.goos+"/"+tc.name, func(t *testing.T) {
			t.Parallel()
			if got := loopback.Score(tc.goos, tc.name); got != tc.want {
				t.Errorf("Score(%q, %q) = %d, want %d", tc.goos, tc.name, got, tc.want)
			}
		})
	}
}

func TestIsMicrophoneLike(t *testing.T) {
	t.Parallel()
	for name, want := range map[string]bool{
		"Headset Microphone": true,
		"Jabra Headset":      true,
		"Mic In":             true,
		"Dynamic Range":      false,
		"BlackHole 16ch":     false,
	} {
		if got := loopback.IsMicrophoneLike(name); got != want {
			t.Errorf("IsMicrophoneLike(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestRank_SortsByScoreStable(t *testing.T) {
	t.Parallel()
	devs := []audio.Device{
		{ID: "1", Name: "MacBook Pro Microphone", IsDefault: true},
		{ID: "2", Name: "Zoom Audio"},
		{ID: "3", Name: "BlackHole 2ch"},
		{ID: "4", Name: "Teams Audio"},
	}
	got := loopback.Rank("darwin", devs)
	wantIDs := []string{"3", "2", "4", "1"}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("rank %d: got %s, want %s", i, got[i].ID, id)
		}
	}
	if devs[2].Score != 0 {
		t.Error("Rank mutated the input slice")
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		devs    []audio.Device
		hint    string
		wantID  string
		wantErr error
	}{
		{
			name: "virtual device beats default",
			devs: []audio.Device{
				{ID: "mic", Name: "MacBook Pro Microphone", IsDefault: true},
				{ID: "bh", Name: "BlackHole 2ch"},
			},
			wantID: "bh",
		},
		{
			name: "fallback to default input",
			devs: []audio.Device{
				{ID: "usb", Name: "USB Audio Interface", IsDefault: true},
				{ID: "other", Name: "Aggregate Device"},
			},
			wantID: "usb",
		},
		{
			name: "hint substring wins",
			devs: []audio.Device{
				{ID: "bh", Name: "BlackHole 2ch"},
				{ID: "usb", Name: "Scarlett 2i2 USB"},
			},
			hint:   "scarlett",
			wantID: "usb",
		},
		{
			name: "fuzzy hint",
			devs: []audio.Device{
				{ID: "bh", Name: "BlackHole 2ch"},
				{ID: "lb", Name: "Loopback Audio"},
			},
			hint:   "blakhole",
			wantID: "bh",
		},
		{
			name: "unmatched hint falls back to heuristics",
			devs: []audio.Device{
				{ID: "lb", Name: "Loopback Audio"},
			},
			hint:   "zzzzzz",
			wantID: "lb",
		},
		{
			name: "setup required",
			devs: []audio.Device{
				{ID: "mic", Name: "MacBook Pro Microphone"},
			},
			wantErr: audio.ErrSetupRequired,
		},
		{
			name:    "no devices",
			wantErr: audio.ErrSetupRequired,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := loopback.Select("darwin", tc.devs, tc.hint)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID != tc.wantID {
				t.Errorf("selected %s, want %s", got.ID, tc.wantID)
			}
		})
	}
}
