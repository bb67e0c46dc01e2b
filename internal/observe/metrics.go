// Package observe carries the telemetry of the capture service: OpenTelemetry
// instruments for the capture pipeline, tracing helpers, request logging and
// the HTTP middleware that joins them.
//
// [InitProvider] exports every instrument through Prometheus on /metrics.
// Production code records on [DefaultMetrics]; tests build their own with
// [NewMetrics] and an in-memory reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/earshot"

// Segment outcomes recorded by [Metrics.RecordSegment].
const (
	OutcomeEmitted   = "emitted"
	OutcomeForced    = "forced"
	OutcomeDiscarded = "discarded"
	OutcomeDropped   = "dropped" // encode failure
)

// Metrics groups the instruments of the capture pipeline. Attribute sets are
// fixed by the Record helpers; instruments without one are recorded bare.
type Metrics struct {
	// Capture.
	ActiveSessions metric.Int64UpDownCounter // 0 or 1
	BackendOpens   metric.Int64Counter       // backend, status
	StreamErrors   metric.Int64Counter       // backend

	// VAD.
	WindowsProcessed metric.Int64Counter
	SpeechStarts     metric.Int64Counter
	Segments         metric.Int64Counter // outcome
	SegmentDuration  metric.Float64Histogram

	// Encoding.
	EncodeDuration metric.Float64Histogram
	EncodeErrors   metric.Int64Counter

	// Event fan-out.
	EventSubscribers metric.Int64UpDownCounter
	EventsDropped    metric.Int64Counter // type

	// Transcription.
	TranscriptionDuration metric.Float64Histogram
	ProviderRequests      metric.Int64Counter // provider, kind, status
	ProviderErrors        metric.Int64Counter // provider, kind
	BreakerTransitions    metric.Int64Counter // breaker, to

	// HTTP.
	HTTPRequestDuration metric.Float64Histogram // method, route, status
}

var (
	// latencyBuckets (seconds) suit per-segment work such as encoding.
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// segmentBuckets (seconds) cover utterances up to the 30 s cap.
	segmentBuckets = []float64{0.25, 0.5, 1, 2, 3, 5, 8, 12, 20, 30}
)

// instruments creates instruments on one meter and keeps the first errors.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(name, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(name, err)
	return g
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.keep(name, err)
	return h
}

func (b *instruments) keep(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ActiveSessions: b.gauge("earshot.capture.active_sessions", "Live capture sessions."),
		BackendOpens:   b.counter("earshot.capture.backend_opens", "Loopback open attempts by backend and status."),
		StreamErrors:   b.counter("earshot.capture.stream_errors", "Capture sessions ended by a stream read failure."),

		WindowsProcessed: b.counter("earshot.vad.windows", "VAD analysis windows processed."),
		SpeechStarts:     b.counter("earshot.vad.speech_starts", "Utterance onsets detected."),
		Segments:         b.counter("earshot.vad.segments", "Finished utterances by outcome."),
		SegmentDuration:  b.seconds("earshot.segment.duration", "Playback length of emitted speech segments.", segmentBuckets),

		EncodeDuration: b.seconds("earshot.encode.duration", "WAV encoding latency per segment.", latencyBuckets),
		EncodeErrors:   b.counter("earshot.encode.errors", "Segments dropped because WAV encoding failed."),

		EventSubscribers: b.gauge("earshot.events.subscribers", "Connected event subscribers."),
		EventsDropped:    b.counter("earshot.events.dropped", "Events dropped for slow subscribers by type."),

		TranscriptionDuration: b.seconds("earshot.transcription.duration", "Latency of transcription calls.", latencyBuckets),
		ProviderRequests:      b.counter("earshot.provider.requests", "Transcription requests by provider, kind and status."),
		ProviderErrors:        b.counter("earshot.provider.errors", "Transcription failures by provider and kind."),
		BreakerTransitions:    b.counter("earshot.breaker.transitions", "Circuit breaker state changes by breaker and target state."),

		HTTPRequestDuration: b.seconds("earshot.http.request.duration", "HTTP request latency by method, route and status class.", nil),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider, creating them on first use. Call it after [InitProvider] so the
// instruments bind to the exporting provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordProviderRequest counts one transcription request.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError counts one failed transcription.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordBackendOpen counts one loopback open attempt.
func (m *Metrics) RecordBackendOpen(ctx context.Context, backend, status string) {
	m.BackendOpens.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", status),
	))
}

// RecordSegment counts one finished utterance. seconds is observed only for
// emitted and forced segments.
func (m *Metrics) RecordSegment(ctx context.Context, outcome string, seconds float64) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == OutcomeEmitted || outcome == OutcomeForced {
		m.SegmentDuration.Record(ctx, seconds)
	}
}

// RecordStreamError counts a session lost to a read failure.
func (m *Metrics) RecordStreamError(ctx context.Context, backend string) {
	m.StreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

// RecordEventDropped counts an event a subscriber could not take.
func (m *Metrics) RecordEventDropped(ctx context.Context, eventType string) {
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordBreakerTransition counts a breaker entering state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("to", to),
	))
}
