package transcribe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
)

const (
	providerName = "openai"
	kindSTT      = "stt"
)

// DefaultQueueSize bounds the number of utterances waiting for upload.
const DefaultQueueSize = 8

// Subscriber is the part of [events.Hub] the worker needs.
type Subscriber interface {
	Subscribe(types ...events.Type) *events.Subscription
}

// WorkerConfig holds the dependencies of a [Worker].
type WorkerConfig struct {
	// Transcriber performs the uploads. Required.
	Transcriber Transcriber

	// Source delivers speech-detected events. Required.
	Source Subscriber

	// Emitter receives transcription events. Required.
	Emitter events.Emitter

	// Breaker guards the Transcriber. Default: a breaker named "transcribe"
	// with default thresholds that reports its transitions to Metrics.
	Breaker *resilience.CircuitBreaker

	// Metrics records latency and errors. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// QueueSize bounds pending utterances. Default: [DefaultQueueSize].
	QueueSize int

	// Timeout bounds one transcription. Zero means no extra bound.
	Timeout time.Duration

	// Language is echoed in every transcription event.
	Language string
}

// Worker transcribes every speech-detected event on its own goroutine.
// Utterances that arrive while the queue is full are dropped.
type Worker struct {
	cfg WorkerConfig
}

// NewWorker validates cfg and returns a [Worker].
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Transcriber == nil || cfg.Source == nil || cfg.Emitter == nil {
		return nil, errors.New("transcribe: transcriber, source and emitter are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Breaker == nil {
		m := cfg.Metrics
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "transcribe",
			IsFailure: func(err error) bool { return !errors.Is(err, context.Canceled) },
			OnStateChange: func(name string, _, to resilience.State) {
				m.RecordBreakerTransition(context.Background(), name, to.String())
			},
		})
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Worker{cfg: cfg}, nil
}

// Run subscribes to speech-detected events and transcribes them until ctx is
// cancelled or the event source closes. It returns nil on a clean exit.
func (w *Worker) Run(ctx context.Context) error {
	sub := w.cfg.Source.Subscribe(events.SpeechDetected)
	defer sub.Close()

	queue := make(chan events.SpeechDetectedPayload, w.cfg.QueueSize)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for {
			select {
			case <-gctx.Done():
				return nil
			case e, ok := <-sub.Events():
				if !ok {
					return nil
				}
				p, ok := e.Payload.(events.SpeechDetectedPayload)
				if !ok {
					continue
				}
				select {
				case queue <- p:
				default:
					w.cfg.Metrics.RecordEventDropped(gctx, string(events.Transcription))
					slog.Warn("transcribe: queue full, dropping utterance", "seq", p.Seq)
				}
			}
		}
	})

	g.Go(func() error {
		for p := range queue {
			if gctx.Err() != nil {
				return nil
			}
			w.process(gctx, p)
		}
		return nil
	})

	return g.Wait()
}

func (w *Worker) process(ctx context.Context, p events.SpeechDetectedPayload) {
	text, err := w.transcribe(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.cfg.Metrics.RecordProviderError(ctx, providerName, kindSTT)
		return
	}
	if text == "" {
		slog.Debug("transcribe: empty transcript", "seq", p.Seq)
		return
	}
	w.cfg.Emitter.Emit(events.New(events.Transcription, events.TranscriptionPayload{
		Seq:      p.Seq,
		Text:     text,
		Language: w.cfg.Language,
	}))
}

func (w *Worker) transcribe(ctx context.Context, p events.SpeechDetectedPayload) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Audio)
	if err != nil {
		slog.Warn("transcribe: undecodable utterance", "seq", p.Seq, "err", err)
		return "", fmt.Errorf("transcribe: decode utterance %d: %w", p.Seq, err)
	}

	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	ctx, span := observe.StartSpan(ctx, "transcribe.utterance")
	defer span.End()

	var text string
	start := time.Now()
	err = w.cfg.Breaker.Execute(func() error {
		var callErr error
		text, callErr = w.cfg.Transcriber.Transcribe(ctx, raw)
		return callErr
	})
	w.cfg.Metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		observe.Logger(ctx).Warn("transcribe: utterance failed", "seq", p.Seq, "err", err)
	}
	w.cfg.Metrics.RecordProviderRequest(ctx, providerName, kindSTT, status)
	return text, err
}
