package assessor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	reports       metric.Int64Counter
	discarded     metric.Int64Counter
	malformed     metric.Int64Counter
	alignFailures metric.Int64Counter
	latency       metric.Float64Histogram
	scores        metric.Float64Histogram
	active        metric.Int64ObservableGauge
}

func newMetrics(meter metric.Meter, activeSessions func() int64) (*metrics, error) {
	m := &metrics{}
	var err error
	if m.reports, err = meter.Int64Counter("loqa.assess.reports",
		metric.WithDescription("Assessment reports published, by outcome")); err != nil {
		return nil, err
	}
	if m.discarded, err = meter.Int64Counter("loqa.assess.events.discarded",
		metric.WithDescription("Recognizer events dropped because their request was stale or closed")); err != nil {
		return nil, err
	}
	if m.malformed, err = meter.Int64Counter("loqa.assess.results.malformed",
		metric.WithDescription("Recognizer results that could not be parsed")); err != nil {
		return nil, err
	}
	if m.alignFailures, err = meter.Int64Counter("loqa.assess.alignment.failures",
		metric.WithDescription("Alignments abandoned for exceeding the table bound")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("loqa.assess.pipeline.duration",
		metric.WithDescription("Time spent assessing one final recognizer event"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.scores, err = meter.Float64Histogram("loqa.assess.pronunciation.score",
		metric.WithDescription("Pronunciation score of published reports"),
		metric.WithExplicitBucketBoundaries(10, 20, 30, 40, 50, 60, 70, 80, 90, 100)); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64ObservableGauge("loqa.assess.sessions.active",
		metric.WithDescription("Sessions with a request in flight")); err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(m.active, activeSessions())
		return nil
	}, m.active)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// recordFinal accounts for one final event. Only reported and fallback
// outcomes count as published reports.
func (m *metrics) recordFinal(ctx context.Context, outcome string, report bool, durationMs float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if report {
		m.reports.Add(ctx, 1, attrs)
	}
	m.latency.Record(ctx, durationMs, attrs)
}
