package payment

import (
	"context"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"
)

// LimitedOracle throttles calls to an upstream oracle. Callers block until a
// token is available or ctx is done.
type LimitedOracle struct {
	next    Oracle
	limiter *rate.Limiter
}

var _ Oracle = (*LimitedOracle)(nil)

// NewLimitedOracle allows rps calls per second with the given burst.
func NewLimitedOracle(next Oracle, rps float64, burst int) *LimitedOracle {
	if burst < 1 {
		burst = 1
	}
	return &LimitedOracle{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Decide implements Oracle.
func (o *LimitedOracle) Decide(ctx context.Context, orderID string) (Result, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "oracle rate limit")
	}
	return o.next.Decide(ctx, orderID)
}
