package vad

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Setting field names, as accepted by [Store.Set].
const (
	FieldRMSThreshold        = "vad_rms_threshold"
	FieldPeakThreshold       = "speech_peak_threshold"
	FieldSilenceWindowsToEnd = "silence_windows_to_end"
	FieldMinSpeechWindows    = "min_speech_windows"
	FieldPreSpeechWindows    = "pre_speech_windows"
)

// Default settings.
const (
	DefaultRMSThreshold        = 0.004
	DefaultPeakThreshold       = 0.01
	DefaultSilenceWindowsToEnd = 47 // ~3 s at 16 kHz, ~1 s at 48 kHz
	DefaultMinSpeechWindows    = 15
	DefaultPreSpeechWindows    = 15
)

var (
	// ErrUnknownSetting is returned for a field name not in [Fields].
	ErrUnknownSetting = errors.New("vad: unknown setting")

	// ErrInvalidSetting is wrapped by every [ValidationError].
	ErrInvalidSetting = errors.New("vad: invalid setting")
)

// ValidationError reports a value outside its documented range.
type ValidationError struct {
	Field    string
	Value    float64
	Min, Max float64
	Integral bool
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Integral && e.Value != math.Trunc(e.Value) {
		return fmt.Sprintf("%s %v must be a whole number in [%g, %g]", e.Field, e.Value, e.Min, e.Max)
	}
	return fmt.Sprintf("%s %v is out of range [%g, %g]", e.Field, e.Value, e.Min, e.Max)
}

// Unwrap returns [ErrInvalidSetting].
func (e *ValidationError) Unwrap() error { return ErrInvalidSetting }

// settingRange is the inclusive range of one field.
type settingRange struct {
	min, max float64
	integral bool
}

var ranges = map[string]settingRange{
	FieldRMSThreshold:        {min: 0.0001, max: 0.1},
	FieldPeakThreshold:       {min: 0.0001, max: 0.1},
	FieldSilenceWindowsToEnd: {min: 1, max: 2000, integral: true},
	FieldMinSpeechWindows:    {min: 1, max: 1000, integral: true},
	FieldPreSpeechWindows:    {min: 1, max: 1000, integral: true},
}

// Fields returns the setting names in display order.
func Fields() []string {
	return []string{
		FieldRMSThreshold,
		FieldPeakThreshold,
		FieldSilenceWindowsToEnd,
		FieldMinSpeechWindows,
		FieldPreSpeechWindows,
	}
}

// CheckValue validates value for field without applying it.
func CheckValue(field string, value float64) error {
	r, ok := ranges[field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSetting, field)
	}
	if math.IsNaN(value) || value < r.min || value > r.max || (r.integral && value != math.Trunc(value)) {
		return &ValidationError{Field: field, Value: value, Min: r.min, Max: r.max, Integral: r.integral}
	}
	return nil
}

// Settings are the runtime-tunable segmentation parameters. Window counts are
// measured in analysis windows.
type Settings struct {
	// RMSThreshold: a window whose RMS exceeds it is speech.
	RMSThreshold float64 `yaml:"vad_rms_threshold" json:"vad_rms_threshold"`

	// PeakThreshold: a window whose peak exceeds it is speech.
	PeakThreshold float64 `yaml:"speech_peak_threshold" json:"speech_peak_threshold"`

	// SilenceWindowsToEnd is the number of consecutive quiet windows that end
	// an utterance.
	SilenceWindowsToEnd int `yaml:"silence_windows_to_end" json:"silence_windows_to_end"`

	// MinSpeechWindows is the number of speech windows an utterance needs to
	// be emitted rather than discarded.
	MinSpeechWindows int `yaml:"min_speech_windows" json:"min_speech_windows"`

	// PreSpeechWindows bounds the pre-speech history kept while quiet.
	PreSpeechWindows int `yaml:"pre_speech_windows" json:"pre_speech_windows"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		RMSThreshold:        DefaultRMSThreshold,
		PeakThreshold:       DefaultPeakThreshold,
		SilenceWindowsToEnd: DefaultSilenceWindowsToEnd,
		MinSpeechWindows:    DefaultMinSpeechWindows,
		PreSpeechWindows:    DefaultPreSpeechWindows,
	}
}

// Snapshot returns s itself, so a fixed Settings value is a [SettingsSource].
func (s Settings) Snapshot() Settings { return s }

// Validate checks every field and returns a joined error listing all failures.
func (s Settings) Validate() error {
	var errs []error
	for _, f := range Fields() {
		v, _ := s.Field(f)
		if err := CheckValue(f, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Field returns the value of the named field.
func (s Settings) Field(field string) (float64, error) {
	switch field {
	case FieldRMSThreshold:
		return s.RMSThreshold, nil
	case FieldPeakThreshold:
		return s.PeakThreshold, nil
	case FieldSilenceWindowsToEnd:
		return float64(s.SilenceWindowsToEnd), nil
	case FieldMinSpeechWindows:
		return float64(s.MinSpeechWindows), nil
	case FieldPreSpeechWindows:
		return float64(s.PreSpeechWindows), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSetting, field)
}

// With returns a copy of s with field set to value, after validation.
func (s Settings) With(field string, value float64) (Settings, error) {
	if err := CheckValue(field, value); err != nil {
		return s, err
	}
	switch field {
	case FieldRMSThreshold:
		s.RMSThreshold = value
	case FieldPeakThreshold:
		s.PeakThreshold = value
	case FieldSilenceWindowsToEnd:
		s.SilenceWindowsToEnd = int(value)
	case FieldMinSpeechWindows:
		s.MinSpeechWindows = int(value)
	case FieldPreSpeechWindows:
		s.PreSpeechWindows = int(value)
	}
	return s, nil
}

// WithDefaults returns s with every zero field replaced by its default.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.RMSThreshold == 0 {
		s.RMSThreshold = d.RMSThreshold
	}
	if s.PeakThreshold == 0 {
		s.PeakThreshold = d.PeakThreshold
	}
	if s.SilenceWindowsToEnd == 0 {
		s.SilenceWindowsToEnd = d.SilenceWindowsToEnd
	}
	if s.MinSpeechWindows == 0 {
		s.MinSpeechWindows = d.MinSpeechWindows
	}
	if s.PreSpeechWindows == 0 {
		s.PreSpeechWindows = d.PreSpeechWindows
	}
	return s
}

// SettingsSource supplies a consistent settings snapshot.
type SettingsSource interface {
	Snapshot() Settings
}

// Store is the process-wide settings store. Readers get an immutable snapshot;
// writers are serialised and validated, and an invalid update leaves the prior
// value in place. Store is safe for concurrent use.
type Store struct {
	writeMu sync.Mutex
	cur     atomic.Pointer[Settings]
}

// NewStore creates a [Store] holding initial. It fails if initial is invalid.
func NewStore(initial Settings) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.cur.Store(&initial)
	return s, nil
}

// Snapshot returns the current settings.
func (s *Store) Snapshot() Settings {
	return *s.cur.Load()
}

// Get returns the current value of field.
func (s *Store) Get(field string) (float64, error) {
	return s.Snapshot().Field(field)
}

// Set validates value and stores it into field. It takes effect on the next
// analysis window.
func (s *Store) Set(field string, value float64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	next, err := s.cur.Load().With(field, value)
	if err != nil {
		return err
	}
	s.cur.Store(&next)
	return nil
}

// Replace swaps in a complete settings value after validating it.
func (s *Store) Replace(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.cur.Store(&next)
	return nil
}

// Reset restores [DefaultSettings].
func (s *Store) Reset() {
	d := DefaultSettings()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.cur.Store(&d)
}
