package order

import (
	"context"
	"fmt"
	"net/mail"
	"time"
	"unicode/utf8"

	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ValidationError reports a request field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Scheduler starts payment reconciliation for a stored order.
type Scheduler interface {
	Schedule(ctx context.Context, orderID string) error
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Customer Customer
	Items    []LineItem
}

// Service encapsulates order placement.
type Service struct {
	orders    Repository
	scheduler Scheduler
	now       func() time.Time
}

// NewService creates an order Service.
func NewService(orders Repository, scheduler Scheduler) *Service {
	return &Service{
		orders:    orders,
		scheduler: scheduler,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PlaceOrder validates the request, persists the order as CREATED and
// schedules its first reconciliation cycle. A scheduling failure does not fail
// the call: the order is already durable and the sweeper picks it up.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	now := s.now()
	items := make([]LineItem, len(req.Items))
	copy(items, req.Items)

	o := &Order{
		ID:        uuid.New().String(),
		Customer:  req.Customer,
		Items:     items,
		Total:     CalcTotal(items),
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if err := s.scheduler.Schedule(ctx, o.ID); err != nil {
		zctx.From(ctx).Warn("Schedule reconciliation failed, left for sweeper",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}

	return o, nil
}

// Get returns a stored order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return s.orders.Get(ctx, id)
}

func validate(req PlaceOrderRequest) error {
	if err := checkLen("full_name", req.Customer.FullName, 2, 100); err != nil {
		return err
	}
	if _, err := mail.ParseAddress(req.Customer.Email); err != nil {
		return &ValidationError{Field: "email", Reason: "must be a valid email address"}
	}
	if err := checkLen("tax_id", req.Customer.TaxID, 11, 14); err != nil {
		return err
	}
	if len(req.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item required"}
	}
	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		if err := checkLen(field+".name", item.Name, 2, 100); err != nil {
			return err
		}
		if item.UnitPrice.LessThan(decimal.Zero) {
			return &ValidationError{Field: field + ".unit_price", Reason: "must not be negative"}
		}
		if item.Quantity < 1 {
			return &ValidationError{Field: field + ".quantity", Reason: "must be at least 1"}
		}
	}
	return nil
}

func checkLen(field, v string, lo, hi int) error {
	n := utf8.RuneCountInString(v)
	if n < lo || n > hi {
		return &ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("length must be between %d and %d", lo, hi),
		}
	}
	return nil
}
