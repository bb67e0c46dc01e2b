package bridge_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/bridge"
)

var _ audio.Sink = (*bridge.Bridge)(nil)

func TestBridge_FIFOOrder(t *testing.T) {
	t.Parallel()
	b := bridge.New()
	b.Push([]float32{1, 2, 3})
	b.Push([]float32{4})
	b.Push(nil)

	ctx := context.Background()
	for want := float32(1); want <= 4; want++ {
		got, err := b.Next(ctx)
		if err != nil {
			t.Fatalf("Next: unexpected error: %v", err)
		}
		if got != want {
			t.Fatalf("Next = %v, want %v", got, want)
		}
	}
	if n := b.Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestBridge_ReadBatches(t *testing.T) {
	t.Parallel()
	b := bridge.New()
	b.Push([]float32{1, 2, 3, 4, 5})

	dst := make([]float32, 3)
	n, err := b.Read(context.Background(), dst)
	if err != nil || n != 3 {
		t.Fatalf("Read = (%d, %v), want (3, nil)", n, err)
	}
	n, err = b.Read(context.Background(), dst)
	if err != nil || n != 2 {
		t.Fatalf("Read = (%d, %v), want (2, nil)", n, err)
	}
	if dst[0] != 4 || dst[1] != 5 {
		t.Errorf("second batch = %v, want [4 5 ...]", dst[:n])
	}
}

func TestBridge_WakesSuspendedConsumer(t *testing.T) {
	t.Parallel()
	b := bridge.New()
	got := make(chan float32, 1)
	go func() {
		v, err := b.Next(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	b.Push([]float32{0.25})

	select {
	case v := <-got:
		if v != 0.25 {
			t.Errorf("Next = %v, want 0.25", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not woken by Push")
	}
}

func TestBridge_CloseDrainsThenEOF(t *testing.T) {
	t.Parallel()
	b := bridge.New()
	b.Push([]float32{7})
	b.Close()
	b.Close() // idempotent
	b.Push([]float32{8}) // dropped after close

	v, err := b.Next(context.Background())
	if err != nil || v != 7 {
		t.Fatalf("Next = (%v, %v), want (7, nil)", v, err)
	}
	if _, err := b.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after drain: err = %v, want io.EOF", err)
	}
	if !b.Closed() {
		t.Error("Closed = false, want true")
	}
}

func TestBridge_CloseWakesPendingConsumer(t *testing.T) {
	t.Parallel()
	b := bridge.New()
	done := make(chan error, 1)
	go func() {
		_, err := b.Next(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Errorf("err = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the pending consumer")
	}
}

func TestBridge_ContextCancel(t *testing.T) {
	t.Parallel()
	b := bridge.New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := b.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}

	// The waiter slot must be free again for the next registration.
	b.Push([]float32{1})
	if v, err := b.Next(context.Background()); err != nil || v != 1 {
		t.Fatalf("Next = (%v, %v), want (1, nil)", v, err)
	}
}

func TestBridge_CloseWithoutConsumerNeverBlocks(t *testing.T) {
	t.Parallel()
	b := bridge.New()
	b.Push(make([]float32, 4096))
	done := make(chan struct{})
	go func() {
		b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked with no consumer")
	}
}

func TestBridge_ConcurrentProducerPreservesOrder(t *testing.T) {
	t.Parallel()
	const total = 200_000
	b := bridge.New()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		batch := make([]float32, 0, 333)
		for i := range total {
			batch = append(batch, float32(i))
			if len(batch) == cap(batch) {
				b.Push(batch)
				batch = batch[:0]
			}
		}
		b.Push(batch)
		b.Close()
	}()

	dst := make([]float32, 1024)
	next := 0
	for {
		n, err := b.Read(context.Background(), dst)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		for _, v := range dst[:n] {
			if int(v) != next {
				t.Fatalf("sample out of order: got %v, want %d", v, next)
			}
			next++
		}
	}
	wg.Wait()
	if next != total {
		t.Errorf("received %d samples, want %d", next, total)
	}
}
