// Package mock provides a scriptable [transcribe.Transcriber] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/internal/transcribe"
)

var _ transcribe.Transcriber = (*Transcriber)(nil)

// Transcriber returns Text (or Err) for every call and records the uploads.
type Transcriber struct {
	mu sync.Mutex

	// Text is returned by every successful call.
	Text string

	// Err, when set, is returned instead of Text.
	Err error

	// Block, when non-nil, is waited on (or ctx) before answering.
	Block chan struct{}

	Calls [][]byte
}

// Transcribe implements [transcribe.Transcriber].
func (m *Transcriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, append([]byte(nil), wav...))
	block := m.Block
	text, err := m.Text, m.Err
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// CallCount returns the number of Transcribe calls.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// SetErr replaces Err under the lock.
func (m *Transcriber) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
