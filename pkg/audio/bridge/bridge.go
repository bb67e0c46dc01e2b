// Package bridge hands samples from a blocking, thread-owned capture loop to a
// single context-aware consumer.
//
// A [Bridge] is an unbounded FIFO of mono float32 samples shared by exactly
// two parties: the producer (the capture goroutine, via [Bridge.Push]) and one
// consumer (via [Bridge.Next] or [Bridge.Read]). The queue, a single-slot
// waiter and the closed flag are guarded by one mutex; critical sections are
// limited to push-and-wake or pop-or-register.
//
// Only one consumer may ever wait at a time: the waiter slot holds at most one
// channel, and registering a second concurrent waiter panics.
package bridge

import (
	"context"
	"io"
	"sync"
)

// compactThreshold is the read offset beyond which the backing array is
// compacted on the next push.
const compactThreshold = 1 << 16

// Bridge is the producer/consumer sample queue. The zero value is ready to use.
type Bridge struct {
	mu     sync.Mutex
	buf    []float32
	head   int
	waiter chan struct{}
	closed bool
}

// New returns an empty, open [Bridge].
func New() *Bridge {
	return &Bridge{}
}

// Push appends batch to the queue and wakes the registered consumer, if any.
// Pushes after [Bridge.Close] are dropped. Push never blocks on the consumer.
// It satisfies [audio.Sink].
func (b *Bridge) Push(batch []float32) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.head >= compactThreshold && b.head*2 >= len(b.buf) {
		n := copy(b.buf, b.buf[b.head:])
		b.buf = b.buf[:n]
		b.head = 0
	}
	b.buf = append(b.buf, batch...)
	w := b.waiter
	b.waiter = nil
	b.mu.Unlock()

	if w != nil {
		close(w)
	}
}

// Next pops the oldest sample. When the queue is empty it suspends until a
// push, [Bridge.Close] or ctx cancellation. After Close it keeps returning
// queued samples and then io.EOF.
func (b *Bridge) Next(ctx context.Context) (float32, error) {
	var one [1]float32
	if _, err := b.Read(ctx, one[:]); err != nil {
		return 0, err
	}
	return one[0], nil
}

// Read pops up to len(dst) samples in FIFO order. It returns at least one
// sample unless the bridge is closed and drained (io.EOF) or ctx is done.
func (b *Bridge) Read(ctx context.Context, dst []float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	for {
		b.mu.Lock()
		if avail := len(b.buf) - b.head; avail > 0 {
			n := copy(dst, b.buf[b.head:])
			b.head += n
			if b.head == len(b.buf) {
				b.buf = b.buf[:0]
				b.head = 0
			}
			b.mu.Unlock()
			return n, nil
		}
		if b.closed {
			b.mu.Unlock()
			return 0, io.EOF
		}
		if b.waiter != nil {
			b.mu.Unlock()
			panic("bridge: concurrent consumers are not supported")
		}
		w := make(chan struct{})
		b.waiter = w
		b.mu.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			b.mu.Lock()
			if b.waiter == w {
				b.waiter = nil
			}
			b.mu.Unlock()
			return 0, ctx.Err()
		}
	}
}

// Close marks the bridge shut down and wakes a suspended consumer so it can
// observe end-of-stream. Close is idempotent and never blocks.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	w := b.waiter
	b.waiter = nil
	b.mu.Unlock()

	if w != nil {
		close(w)
	}
}

// Len returns the number of queued samples.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.head
}

// Closed reports whether [Bridge.Close] has been called.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
