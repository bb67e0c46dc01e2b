package vad

import "time"

// Windower slices an arbitrarily batched sample stream into consecutive
// fixed-size analysis windows without reordering or overlap. Samples that do
// not yet fill a window are carried over to the next Write.
//
// A Windower is not safe for concurrent use.
type Windower struct {
	size int
	buf  []float32
}

// NewWindower creates a [Windower] producing windows of size samples. A
// non-positive size means [WindowSize].
func NewWindower(size int) *Windower {
	if size <= 0 {
		size = WindowSize
	}
	return &Windower{size: size, buf: make([]float32, 0, size)}
}

// Size returns the window length.
func (w *Windower) Size() int { return w.size }

// Pending returns the number of carried-over samples.
func (w *Windower) Pending() int { return len(w.buf) }

// Write appends samples and calls fn once per completed window, in order. The
// window slice is only valid for the duration of the call. The first error
// returned by fn stops processing and is returned; samples after the failing
// window are discarded.
func (w *Windower) Write(samples []float32, fn func(window []float32) error) error {
	for len(samples) > 0 {
		if len(w.buf) == 0 && len(samples) >= w.size {
			if err := fn(samples[:w.size]); err != nil {
				return err
			}
			samples = samples[w.size:]
			continue
		}
		n := min(w.size-len(w.buf), len(samples))
		w.buf = append(w.buf, samples[:n]...)
		samples = samples[n:]
		if len(w.buf) == w.size {
			err := fn(w.buf)
			w.buf = w.buf[:0]
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset drops any carried-over samples.
func (w *Windower) Reset() {
	w.buf = w.buf[:0]
}

// WindowsDuration returns how much audio n windows of [WindowSize] samples
// span at sampleRate. It returns zero for a non-positive rate.
func WindowsDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * WindowSize * time.Second / time.Duration(sampleRate)
}
