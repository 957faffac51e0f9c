// Package payment defines the external payment-decision oracle.
package payment

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/go-faster/errors"
)

// Result is a payment decision returned by the oracle.
type Result string

const (
	Approved Result = "APPROVED"
	Pending  Result = "PENDING"
	Denied   Result = "DENIED"
)

// ErrUnknownResult is returned by ParseResult for values outside the enum.
var ErrUnknownResult = errors.New("unknown payment result")

// ParseResult validates a wire value.
func ParseResult(s string) (Result, error) {
	switch r := Result(s); r {
	case Approved, Pending, Denied:
		return r, nil
	default:
		return "", errors.Wrapf(ErrUnknownResult, "%q", s)
	}
}

// Oracle decides the payment outcome for an order. Each call may return a
// different answer for the same order.
type Oracle interface {
	Decide(ctx context.Context, orderID string) (Result, error)
}

// RandomOracle picks uniformly among the three results.
type RandomOracle struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomOracle returns an oracle seeded with seed.
func NewRandomOracle(seed uint64) *RandomOracle {
	return &RandomOracle{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Decide implements Oracle.
func (o *RandomOracle) Decide(ctx context.Context, _ string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	o.mu.Lock()
	n := o.rnd.IntN(3)
	o.mu.Unlock()

	switch n {
	case 0:
		return Approved, nil
	case 1:
		return Pending, nil
	default:
		return Denied, nil
	}
}
