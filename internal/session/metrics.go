package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-ime/internal/session"

type metrics struct {
	tracer    trace.Tracer
	started   metric.Int64Counter
	ended     metric.Int64Counter
	chunks    metric.Int64Counter
	retries   metric.Int64Counter
	feedTime  metric.Float64Histogram
	queueSize metric.Int64UpDownCounter
}

// newMetrics binds instruments to the global providers. Instrument creation
// errors leave a no-op instrument in place.
func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{tracer: otel.Tracer(instrumentationName)}
	m.started, _ = meter.Int64Counter("loqa.ime.sessions.started",
		metric.WithDescription("Dictation sessions that reached listening"))
	m.ended, _ = meter.Int64Counter("loqa.ime.sessions.ended",
		metric.WithDescription("Dictation sessions by outcome"))
	m.chunks, _ = meter.Int64Counter("loqa.ime.chunks.fed",
		metric.WithDescription("Audio chunks decoded by the engine"))
	m.retries, _ = meter.Int64Counter("loqa.ime.engine.retries",
		metric.WithDescription("Engine calls retried after an error"))
	m.feedTime, _ = meter.Float64Histogram("loqa.ime.engine.feed.duration",
		metric.WithDescription("Engine decode latency per chunk"),
		metric.WithUnit("ms"))
	m.queueSize, _ = meter.Int64UpDownCounter("loqa.ime.queue.depth",
		metric.WithDescription("Chunks waiting for the engine"))
	return m
}

func (m *metrics) sessionStarted(ctx context.Context) {
	if m.started != nil {
		m.started.Add(ctx, 1)
	}
}

func (m *metrics) sessionEnded(ctx context.Context, outcome string) {
	if m.ended != nil {
		m.ended.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *metrics) chunkFed(ctx context.Context, op string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.Bool("error", err != nil))
	if m.chunks != nil && op == "feed" && err == nil {
		m.chunks.Add(ctx, 1)
	}
	if m.feedTime != nil {
		m.feedTime.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	}
}

func (m *metrics) retried(ctx context.Context, op string) {
	if m.retries != nil {
		m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

func (m *metrics) queued(ctx context.Context, delta int64) {
	if m.queueSize != nil {
		m.queueSize.Add(ctx, delta)
	}
}
