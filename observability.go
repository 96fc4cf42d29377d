package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AcquireEvent describes one completed acquisition attempt, passed to an
// Observer after the decision has been made (never while the limiter's
// lock is held).
type AcquireEvent struct {
	Kind       string // "concurrency", "fixed_window", "token_bucket", "sliding_window"
	Requested  int
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Err        error
	Duration   time.Duration
}

// Observer is the ambient instrumentation hook around the acquisition
// hot path. It is pure observability: nothing it does can affect an
// acquisition decision, and it is always called outside the limiter's
// mutex.
type Observer interface {
	// OnAcquire is called once per TryAcquire/Acquire decision.
	OnAcquire(ctx context.Context, ev AcquireEvent)

	// OnDispose is called once when a limiter is disposed.
	OnDispose(kind string)
}

// NoopObserver discards every event. It is the default Observer so a
// caller that never configures one pays no tracing/metrics/logging cost.
type NoopObserver struct{}

// OnAcquire implements Observer.
func (NoopObserver) OnAcquire(context.Context, AcquireEvent) {}

// OnDispose implements Observer.
func (NoopObserver) OnDispose(string) {}

var _ Observer = NoopObserver{}

// otelObserver records acquisition decisions as an OpenTelemetry span
// plus counter/histogram pair, and logs denials and disposal through
// zap. Build one with NewOtelObserver.
type otelObserver struct {
	tracer  trace.Tracer
	logger  *zap.Logger
	decided metric.Int64Counter
	latency metric.Float64Histogram
}

// NewOtelObserver builds an Observer backed by the given tracer
// provider, meter provider, and logger. Any of them may be nil, in
// which case that signal is skipped (useful for wiring only tracing, or
// only logging, without pulling in the rest).
func NewOtelObserver(tp trace.TracerProvider, mp metric.MeterProvider, logger *zap.Logger) (Observer, error) {
	o := &otelObserver{logger: logger}

	if tp != nil {
		o.tracer = tp.Tracer("github.com/arjunv/ratelimit")
	}
	if mp != nil {
		meter := mp.Meter("github.com/arjunv/ratelimit")
		counter, err := meter.Int64Counter("ratelimit.decisions",
			metric.WithDescription("Count of acquisition decisions by limiter kind and outcome"))
		if err != nil {
			return nil, err
		}
		hist, err := meter.Float64Histogram("ratelimit.acquire.duration",
			metric.WithDescription("Acquisition latency in seconds"), metric.WithUnit("s"))
		if err != nil {
			return nil, err
		}
		o.decided, o.latency = counter, hist
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	return o, nil
}

// OnAcquire implements Observer.
func (o *otelObserver) OnAcquire(ctx context.Context, ev AcquireEvent) {
	attrs := []attribute.KeyValue{
		attribute.String("ratelimit.kind", ev.Kind),
		attribute.Int("ratelimit.requested", ev.Requested),
		attribute.Bool("ratelimit.allowed", ev.Allowed),
	}

	if o.tracer != nil {
		_, span := o.tracer.Start(ctx, "ratelimit.acquire", trace.WithAttributes(attrs...))
		if ev.Err != nil {
			span.RecordError(ev.Err)
		}
		span.End()
	}

	if o.decided != nil {
		o.decided.Add(ctx, 1, metric.WithAttributes(attrs...))
		o.latency.Record(ctx, ev.Duration.Seconds(), metric.WithAttributes(attrs...))
	}

	if !ev.Allowed {
		o.logger.Warn("rate limit denied",
			zap.String("request_id", uuid.NewString()),
			zap.String("kind", ev.Kind),
			zap.Int("requested", ev.Requested),
			zap.Duration("retry_after", ev.RetryAfter),
			zap.Error(ev.Err),
		)
	}
}

// OnDispose implements Observer.
func (o *otelObserver) OnDispose(kind string) {
	o.logger.Info("limiter disposed", zap.String("kind", kind))
}

var _ Observer = (*otelObserver)(nil)
