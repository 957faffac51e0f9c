package dispatch

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/xenking/invoice-reconciler/internal/dispatch"

// Decision outcomes recorded by the reconcile.decisions counter.
const (
	outcomeApproved  = "approved"
	outcomeDenied    = "denied"
	outcomeExhausted = "exhausted"
	outcomeRequeued  = "requeued"
	outcomeDuplicate = "duplicate"
	outcomeFinalized = "already_finalized"
	outcomeMalformed = "malformed"
	outcomeUnknown   = "unknown_result"
)

// Delivery outcomes recorded by the reconcile.deliveries counter.
const (
	deliveryAcked   = "acked"
	deliveryDropped = "dropped"
	deliveryRetried = "retried"
)

type metrics struct {
	decisions  metric.Int64Counter
	deliveries metric.Int64Counter
	duration   metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	decisions, err := meter.Int64Counter("reconcile.decisions",
		metric.WithDescription("Reconciliation cycle outcomes"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "decisions counter")
	}
	deliveries, err := meter.Int64Counter("reconcile.deliveries",
		metric.WithDescription("Queue deliveries by acknowledgement outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "deliveries counter")
	}
	duration, err := meter.Float64Histogram("reconcile.handle.duration",
		metric.WithDescription("Time spent handling one delivery"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}

	return &metrics{
		decisions:  decisions,
		deliveries: deliveries,
		duration:   duration,
	}, nil
}

func (m *metrics) decision(ctx context.Context, outcome string) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) delivery(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.deliveries.Add(ctx, 1, attrs)
	m.duration.Record(ctx, seconds, attrs)
}
