// Package dispatch runs reconciliation cycles: it pulls envelopes off the
// queue, asks the payment oracle for a decision and applies the resulting
// side effects.
//
// Every side effect is guarded so that redelivery of the same envelope, or two
// workers handling it at once, never repeats a status transition or a notice.
// The stored status is the single point of coordination; workers share no
// in-process state.
package dispatch

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/invoice-reconciler/internal/artifact"
	"github.com/xenking/invoice-reconciler/internal/domain/order"
	"github.com/xenking/invoice-reconciler/internal/domain/payment"
	"github.com/xenking/invoice-reconciler/internal/domain/reconcile"
	"github.com/xenking/invoice-reconciler/internal/envelope"
	"github.com/xenking/invoice-reconciler/internal/notify"
	"github.com/xenking/invoice-reconciler/internal/queue"
)

// Config tunes the reconciliation cycle.
type Config struct {
	// MaxAttempts bounds the number of cycles before a still pending order
	// is denied. Values below 1 mean reconcile.DefaultMaxAttempts.
	MaxAttempts int
	// InvoiceURLTTL is the validity of the invoice link in approval notices.
	InvoiceURLTTL time.Duration
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Orders    order.Repository
	Oracle    payment.Oracle
	Producer  queue.Producer
	Artifacts artifact.Store
	Notifier  notify.Notifier

	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Dispatcher handles one reconciliation envelope at a time. It is safe for
// concurrent use.
type Dispatcher struct {
	orders    order.Repository
	oracle    payment.Oracle
	producer  queue.Producer
	artifacts artifact.Store
	notifier  notify.Notifier
	cfg       Config

	metrics *metrics
	tracer  trace.Tracer
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config) (*Dispatcher, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = reconcile.DefaultMaxAttempts
	}
	if cfg.InvoiceURLTTL <= 0 {
		cfg.InvoiceURLTTL = time.Hour
	}

	m, err := newMetrics(deps.MeterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "metrics")
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	return &Dispatcher{
		orders:    deps.Orders,
		oracle:    deps.Oracle,
		producer:  deps.Producer,
		artifacts: deps.Artifacts,
		notifier:  deps.Notifier,
		cfg:       cfg,
		metrics:   m,
		tracer:    tp.Tracer(instrumentationName),
	}, nil
}

// Handle runs one reconciliation cycle for an encoded envelope.
//
// A nil result means the delivery may be acknowledged. Errors for which
// IsPermanent is true must also be acknowledged: retrying cannot change their
// outcome. Any other error leaves the delivery for redelivery at the same
// attempt.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) error {
	env, err := envelope.Decode(body)
	if err != nil {
		d.metrics.decision(ctx, outcomeMalformed)
		return Permanent(err)
	}

	ctx, span := d.tracer.Start(ctx, "reconcile.Handle", trace.WithAttributes(
		attribute.String("order.id", env.OrderID),
		attribute.Int("reconcile.attempt", env.Attempt),
	))
	defer span.End()
	ctx = zctx.With(ctx,
		zap.String("order_id", env.OrderID),
		zap.Int("attempt", env.Attempt),
	)

	if err := d.handle(ctx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, env envelope.Envelope) error {
	lg := zctx.From(ctx)

	o, err := d.orders.Get(ctx, env.OrderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return Permanent(errors.Wrap(err, "get order"))
		}
		return errors.Wrap(err, "get order")
	}
	if o.Status.Terminal() {
		lg.Debug("Order already finalized", zap.String("status", string(o.Status)))
		d.metrics.decision(ctx, outcomeFinalized)
		return nil
	}

	result, err := d.oracle.Decide(ctx, o.ID)
	if err != nil {
		return errors.Wrap(err, "decide payment")
	}
	if _, err := payment.ParseResult(string(result)); err != nil {
		d.metrics.decision(ctx, outcomeUnknown)
		return Permanent(errors.Wrap(err, "oracle"))
	}

	decision := reconcile.Decide(env.Attempt, result, d.cfg.MaxAttempts)
	lg.Info("Payment decision",
		zap.String("result", string(result)),
		zap.Stringer("decision", decision),
	)

	switch decision.Action {
	case reconcile.ActionFinalize:
		return d.finalize(ctx, o, decision)
	case reconcile.ActionRequeue:
		return d.requeue(ctx, o, env, decision)
	default:
		return Permanent(errors.Errorf("unexpected action %s", decision.Action))
	}
}

// finalize writes the terminal status and then runs its effects. If the
// invoice upload or a notice fails after the write, the error is logged and
// the delivery acked as permanent, counted under the dropped delivery outcome.
func (d *Dispatcher) finalize(ctx context.Context, o *order.Order, decision reconcile.Decision) error {
	lg := zctx.From(ctx)

	if err := d.orders.SetStatus(ctx, o.ID, decision.Target); err != nil {
		switch {
		case errors.Is(err, order.ErrConditionFailed):
			lg.Info("Order finalized concurrently, skipping")
			d.metrics.decision(ctx, outcomeDuplicate)
			return nil
		case errors.Is(err, order.ErrNotFound):
			return Permanent(errors.Wrap(err, "finalize"))
		default:
			return errors.Wrap(err, "finalize")
		}
	}
	o.Status = decision.Target

	switch {
	case decision.Exhausted:
		d.metrics.decision(ctx, outcomeExhausted)
	case decision.Target == order.StatusApproved:
		d.metrics.decision(ctx, outcomeApproved)
	default:
		d.metrics.decision(ctx, outcomeDenied)
	}

	// The transition above is not repeated on redelivery, so neither would
	// the effects below be: failures here are reported but not retried.
	var err error
	if decision.Target == order.StatusApproved {
		err = d.confirm(ctx, o)
	} else {
		err = d.notifier.Publish(ctx, notify.DenialNotice(o))
	}
	if err != nil {
		return Permanent(errors.Wrapf(err, "after finalizing as %s", decision.Target))
	}

	lg.Info("Order finalized",
		zap.String("status", string(decision.Target)),
		zap.Bool("exhausted", decision.Exhausted),
	)
	return nil
}

// confirm stores the invoice and sends the approval notice linking to it.
func (d *Dispatcher) confirm(ctx context.Context, o *order.Order) error {
	key := artifact.InvoiceKey(o.ID)
	if err := d.artifacts.Put(ctx, key, artifact.RenderInvoice(o), artifact.ContentType); err != nil {
		return errors.Wrap(err, "store invoice")
	}
	url, err := d.artifacts.URL(ctx, key, d.cfg.InvoiceURLTTL)
	if err != nil {
		return errors.Wrap(err, "invoice url")
	}
	if err := d.notifier.Publish(ctx, notify.ApprovalNotice(o, url)); err != nil {
		return errors.Wrap(err, "publish approval")
	}
	return nil
}

func (d *Dispatcher) requeue(ctx context.Context, o *order.Order, env envelope.Envelope, decision reconcile.Decision) error {
	lg := zctx.From(ctx)

	if reconcile.ShouldNotifyPending(env.Attempt, decision) {
		err := d.orders.SetStatus(ctx, o.ID, order.StatusPending)
		switch {
		case err == nil:
			o.Status = order.StatusPending
			// Best effort: the order must keep moving even if the notice is lost.
			if err := d.notifier.Publish(ctx, notify.PendingNotice(o)); err != nil {
				lg.Error("Publish pending notice failed", zap.Error(err))
			}
		case errors.Is(err, order.ErrConditionFailed):
			// A previous delivery of this attempt already marked it pending.
		case errors.Is(err, order.ErrNotFound):
			return Permanent(errors.Wrap(err, "mark pending"))
		default:
			return errors.Wrap(err, "mark pending")
		}
	}

	next := envelope.Envelope{
		OrderID: o.ID,
		Status:  payment.Pending,
		Attempt: decision.NextAttempt,
	}
	if err := enqueue(ctx, d.producer, next); err != nil {
		if errors.Is(err, envelope.ErrMalformed) {
			return Permanent(errors.Wrap(err, "requeue"))
		}
		return errors.Wrap(err, "requeue")
	}

	d.metrics.decision(ctx, outcomeRequeued)
	lg.Debug("Requeued", zap.Int("next_attempt", decision.NextAttempt))
	return nil
}
