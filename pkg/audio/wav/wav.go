// Package wav encodes finished speech segments as mono 16-bit PCM WAV
// containers and wraps them in base64 for transport to the GUI shell.
package wav

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/earshot/pkg/audio"
)

const (
	bitDepth      = 16
	formatPCM     = 1
	monoChannels  = 1
	maxSampleRate = 384000
)

// Encode builds a mono 16-bit PCM WAV container from samples at sampleRate.
// Each sample is clamped to [-1.0, 1.0] and scaled to the int16 range. Errors
// wrap [audio.ErrEncodeFailed].
func Encode(sampleRate int, samples []float32) ([]byte, error) {
	if sampleRate <= 0 || sampleRate > maxSampleRate {
		return nil, fmt.Errorf("%w: wav: invalid sample rate %d", audio.ErrEncodeFailed, sampleRate)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: wav: no samples", audio.ErrEncodeFailed)
	}

	pcm := audio.Float32ToPCM16(samples)
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}

	ws := &writeSeeker{buf: make([]byte, 0, 44+len(pcm)*2)}
	enc := wav.NewEncoder(ws, sampleRate, bitDepth, monoChannels, formatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: monoChannels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("%w: wav: write samples: %v", audio.ErrEncodeFailed, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("%w: wav: finalize container: %v", audio.ErrEncodeFailed, err)
	}
	return ws.buf, nil
}

// EncodeBase64 is [Encode] followed by standard base64 encoding.
func EncodeBase64(sampleRate int, samples []float32) (string, error) {
	b, err := Encode(sampleRate, samples)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Decoded is the content of a mono 16-bit WAV container.
type Decoded struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    []int16
}

// Decode parses a 16-bit PCM WAV container.
func Decode(b []byte) (*Decoded, error) {
	d := wav.NewDecoder(bytes.NewReader(b))
	if !d.IsValidFile() {
		return nil, errors.New("wav: not a valid wav container")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav: read pcm: %w", err)
	}
	out := &Decoded{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		Samples:    make([]int16, len(buf.Data)),
	}
	for i, v := range buf.Data {
		out.Samples[i] = int16(v)
	}
	return out, nil
}

// DecodeBase64 reverses [EncodeBase64].
func DecodeBase64(s string) (*Decoded, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("wav: base64: %w", err)
	}
	return Decode(b)
}

// writeSeeker is an in-memory io.WriteSeeker; the encoder seeks back to patch
// the RIFF and data chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, len(w.buf), max(end, 2*cap(w.buf)))
			copy(grown, w.buf)
			w.buf = grown
		}
		w.buf = w.buf[:end]
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("wav: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("wav: negative seek position")
	}
	w.pos = int(abs)
	return abs, nil
}
