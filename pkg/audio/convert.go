package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// SampleFormat identifies the on-the-wire encoding of native sample buffers.
type SampleFormat int

const (
	// SampleFloat32LE is IEEE-754 32-bit little-endian float.
	SampleFloat32LE SampleFormat = iota

	// SampleInt16LE is signed 16-bit little-endian PCM.
	SampleInt16LE
)

// BytesPerSample returns the size of one sample in f.
func (f SampleFormat) BytesPerSample() int {
	if f == SampleInt16LE {
		return 2
	}
	return 4
}

// String returns the human-readable name of the format.
func (f SampleFormat) String() string {
	switch f {
	case SampleFloat32LE:
		return "f32le"
	case SampleInt16LE:
		return "s16le"
	default:
		return "unknown"
	}
}

// Format describes the sample rate, channel count and encoding of a native
// stream.
type Format struct {
	SampleRate int
	Channels   int
	Sample     SampleFormat
}

// String returns e.g. "48000Hz stereo f32le".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels) + " " + f.Sample.String()
}

// MonoConverter turns interleaved native buffers into mono float32 samples by
// averaging channels. It logs a warning on the first misaligned buffer.
// Create one per stream; not designed for shared use across goroutines.
type MonoConverter struct {
	Source        Format
	warnedCorrupt sync.Once
	scratch       []float32
}

// Convert decodes raw and appends the mono result to dst. Trailing bytes that
// do not form a whole frame are dropped.
func (c *MonoConverter) Convert(dst []float32, raw []byte) []float32 {
	channels := max(c.Source.Channels, 1)
	frameBytes := channels * c.Source.Sample.BytesPerSample()
	if rem := len(raw) % frameBytes; rem != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio mono converter: partial frame in native buffer, truncating",
				"bytes", len(raw),
				"format", c.Source.String(),
			)
		})
		raw = raw[:len(raw)-rem]
	}

	switch c.Source.Sample {
	case SampleInt16LE:
		c.scratch = DecodeInt16LE(c.scratch[:0], raw)
	default:
		c.scratch = DecodeFloat32LE(c.scratch[:0], raw)
	}
	return DownmixFloat32(dst, c.scratch, channels)
}

// DecodeFloat32LE decodes little-endian float32 samples from b and appends
// them to dst. A trailing partial sample is ignored.
func DecodeFloat32LE(dst []float32, b []byte) []float32 {
	n := len(b) / 4
	dst = grow(dst, n)
	for i := range n {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
	}
	return dst
}

// DecodeInt16LE decodes little-endian int16 PCM from b, scales it to
// [-1.0, 1.0) and appends the result to dst.
func DecodeInt16LE(dst []float32, b []byte) []float32 {
	n := len(b) / 2
	dst = grow(dst, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(b[i*2:]))
		dst = append(dst, float32(s)/32768)
	}
	return dst
}

// DownmixFloat32 averages each frame of channels interleaved samples into one
// mono sample and appends it to dst. channels <= 1 copies the input.
func DownmixFloat32(dst, interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return append(dst, interleaved...)
	}
	frames := len(interleaved) / channels
	dst = grow(dst, frames)
	inv := 1 / float32(channels)
	for i := range frames {
		var sum float32
		for _, v := range interleaved[i*channels : (i+1)*channels] {
			sum += v
		}
		dst = append(dst, sum*inv)
	}
	return dst
}

// Float32ToPCM16 clamps each sample to [-1.0, 1.0] and scales it linearly to
// the signed 16-bit range (x * 32767, truncated toward zero).
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = int16(min(max(s, -1), 1) * math.MaxInt16)
	}
	return out
}

// PCM16ToFloat32 is the inverse of [Float32ToPCM16] up to quantisation.
func PCM16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}

// Levels returns the RMS (square root of the mean of squared samples) and the
// peak absolute sample value of window. An empty window yields zeros.
func Levels(window []float32) (rms, peak float64) {
	if len(window) == 0 {
		return 0, 0
	}
	var sumsq float64
	for _, v := range window {
		f := float64(v)
		sumsq += f * f
		peak = max(peak, math.Abs(f))
	}
	return math.Sqrt(sumsq / float64(len(window))), peak
}

func grow(dst []float32, n int) []float32 {
	if cap(dst)-len(dst) < n {
		next := make([]float32, len(dst), len(dst)+n)
		copy(next, dst)
		return next
	}
	return dst
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
