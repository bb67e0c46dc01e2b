// Package loopback implements the platform backends that capture what the
// machine is playing: a PulseAudio monitor source on Linux, WASAPI render
// loopback on Windows, and a heuristic virtual-device backend (macOS, and the
// secondary path elsewhere) that scores input devices by name.
package loopback

import (
	"cmp"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/earshot/pkg/audio"
)

// UsableScore is the minimum score a device needs to be picked by the
// heuristic without an explicit hint.
const UsableScore = 50

// DefaultScore is assigned to devices that match no keyword.
const DefaultScore = 10

// hintThreshold is the minimum Jaro-Winkler similarity for a fuzzy hint match.
const hintThreshold = 0.85

type keyword struct {
	needle string
	score  int
}

// keywordTables maps GOOS to its keyword table, highest score first.
var keywordTables = map[string][]keyword{
	"windows": {
		{"stereo mix", 100},
		{"what u hear", 100},
		{"cable", 90},
		{"voicemeeter", 85},
		{"virtual", 70},
		{"loopback", 70},
	},
	"darwin": {
		{"blackhole", 100},
		{"loopback", 95},
		{"soundflower", 90},
	},
	"linux": {
		{"monitor", 100},
		{"loopback", 80},
	},
}

// micPatterns mark devices that almost certainly carry a microphone.
var micPatterns = []string{
	"microphone",
	"built-in input",
	"internal mic",
	"headset",
	"webcam",
}

// IsMicrophoneLike reports whether name looks like a microphone input.
func IsMicrophoneLike(name string) bool {
	n := strings.ToLower(name)
	for _, p := range micPatterns {
		if strings.Contains(n, p) {
			return true
		}
	}
	for _, tok := range strings.FieldsFunc(n, isSeparator) {
		if tok == "mic" {
			return true
		}
	}
	return false
}

// Score returns the loopback suitability of a device called name on goos.
// Microphone-like names score 0 regardless of other keywords.
func Score(goos, name string) int {
	n := strings.ToLower(name)
	if IsMicrophoneLike(n) {
		return 0
	}
	for _, kw := range keywordTables[goos] {
		if strings.Contains(n, kw.needle) {
			return kw.score
		}
	}
	return DefaultScore
}

// Rank scores devs for goos and returns them sorted by descending score.
// Devices with equal scores keep their enumeration order.
func Rank(goos string, devs []audio.Device) []audio.Device {
	out := make([]audio.Device, len(devs))
	for i, d := range devs {
		d.Score = Score(goos, d.Name)
		out[i] = d
	}
	slices.SortStableFunc(out, func(a, b audio.Device) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return out
}

// Select picks the capture device. A non-empty hint that matches a device
// name wins outright. Otherwise the highest scorer at or above [UsableScore]
// is chosen, then the OS default input. With nothing usable it returns
// [audio.ErrSetupRequired].
func Select(goos string, devs []audio.Device, hint string) (audio.Device, error) {
	if hint != "" {
		if d, ok := MatchHint(devs, hint); ok {
			d.Score = Score(goos, d.Name)
			return d, nil
		}
	}
	ranked := Rank(goos, devs)
	if len(ranked) > 0 && ranked[0].Score >= UsableScore {
		return ranked[0], nil
	}
	for _, d := range ranked {
		if d.IsDefault {
			return d, nil
		}
	}
	return audio.Device{}, audio.ErrSetupRequired
}

// MatchHint finds the device whose name best matches hint: a case-insensitive
// substring match first, then the best Jaro-Winkler similarity above the
// threshold across full names and individual words.
func MatchHint(devs []audio.Device, hint string) (audio.Device, bool) {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" {
		return audio.Device{}, false
	}
	for _, d := range devs {
		if strings.Contains(strings.ToLower(d.Name), h) || strings.EqualFold(d.ID, hint) {
			return d, true
		}
	}

	best, bestScore := -1, hintThreshold
	hintTokens := strings.FieldsFunc(h, isSeparator)
	for i, d := range devs {
		name := strings.ToLower(d.Name)
		score := matchr.JaroWinkler(h, name, false)
		for _, nt := range strings.FieldsFunc(name, isSeparator) {
			for _, ht := range hintTokens {
				if s := matchr.JaroWinkler(ht, nt, false); s > score {
					score = s
				}
			}
		}
		if score >= bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return audio.Device{}, false
	}
	return devs[best], true
}

func isSeparator(r rune) bool {
	switch r {
	case ' ', '(', ')', '-', '_', '.', ',', ':', '[', ']':
		return true
	}
	return false
}
