package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no order exists for the requested id.
	ErrNotFound = errors.New("order not found")
	// ErrConditionFailed is returned by a conditional status write when the
	// stored status does not allow the requested transition.
	ErrConditionFailed = errors.New("order status condition failed")
)

// Status is the payment lifecycle state of an order.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
)

// ParseStatus converts a stored status string back to a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusCreated, StatusPending, StatusApproved, StatusDenied:
		return st, nil
	default:
		return "", errors.Errorf("unknown order status %q", s)
	}
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied
}

// Predecessors returns the statuses from which an order may move to s.
func (s Status) Predecessors() []Status {
	switch s {
	case StatusPending:
		return []Status{StatusCreated}
	case StatusApproved, StatusDenied:
		return []Status{StatusCreated, StatusPending}
	default:
		return nil
	}
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, p := range to.Predecessors() {
		if p == from {
			return true
		}
	}
	return false
}

// Order is a purchase awaiting, or having received, a payment decision.
type Order struct {
	ID        string
	Customer  Customer
	Items     []LineItem
	Total     decimal.Decimal
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Customer identifies the buyer the invoice is issued to.
type Customer struct {
	FullName string
	Email    string
	TaxID    string
}

// LineItem is a single purchased item.
type LineItem struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// Subtotal returns UnitPrice * Quantity.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// CalcTotal sums the line item subtotals, rounded to cents.
func CalcTotal(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total.Round(2)
}

// Repository is the order store. SetStatus is a compare-and-set: it applies
// only when the stored status is one of to.Predecessors(), and must be atomic
// for a single order. ListStale returns oldest first; a limit <= 0 means no
// limit.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	SetStatus(ctx context.Context, id string, to Status) error
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Order, error)
}
