package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics инструменты цепочки запроса к провайдеру.
type Metrics struct {
	Attempts   metric.Int64Counter
	Retries    metric.Int64Counter
	Fallbacks  metric.Int64Counter
	KeepAlives metric.Int64Counter
	Outcomes   metric.Int64Counter
	Duration   metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.Attempts, err = meter.Int64Counter("chat.upstream.attempts",
		metric.WithDescription("Upstream calls, including retries")); err != nil {
		return nil, fmt.Errorf("create attempts counter: %w", err)
	}
	if m.Retries, err = meter.Int64Counter("chat.upstream.retries",
		metric.WithDescription("Retries after a transient upstream failure")); err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}
	if m.Fallbacks, err = meter.Int64Counter("chat.stream.fallbacks",
		metric.WithDescription("Streams replaced by a one-shot completion")); err != nil {
		return nil, fmt.Errorf("create fallbacks counter: %w", err)
	}
	if m.KeepAlives, err = meter.Int64Counter("chat.stream.keepalives",
		metric.WithDescription("Keep-alive markers sent to clients")); err != nil {
		return nil, fmt.Errorf("create keepalives counter: %w", err)
	}
	if m.Outcomes, err = meter.Int64Counter("chat.stream.outcomes",
		metric.WithDescription("Finished streams by terminal state")); err != nil {
		return nil, fmt.Errorf("create outcomes counter: %w", err)
	}
	if m.Duration, err = meter.Float64Histogram("chat.upstream.duration",
		metric.WithDescription("Upstream call duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return &m, nil
}
