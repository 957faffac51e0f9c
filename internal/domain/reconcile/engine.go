// Package reconcile decides the next step of a payment reconciliation cycle.
//
// The engine is pure: it never touches storage, the queue or the notifier.
// Given the attempt number of the message being processed and a fresh oracle
// result it either finalizes the order or asks for another cycle. A PENDING
// result that would push the next attempt to the ceiling is finalized as
// DENIED, which bounds the number of cycles per order.
package reconcile

import (
	"fmt"

	"github.com/xenking/invoice-reconciler/internal/domain/order"
	"github.com/xenking/invoice-reconciler/internal/domain/payment"
)

// DefaultMaxAttempts is the attempt ceiling used when none is configured.
const DefaultMaxAttempts = 5

// Action is the kind of step the dispatch layer must perform.
type Action int

const (
	// ActionFinalize moves the order to Decision.Target.
	ActionFinalize Action = iota + 1
	// ActionRequeue schedules another cycle at Decision.NextAttempt.
	ActionRequeue
)

func (a Action) String() string {
	switch a {
	case ActionFinalize:
		return "finalize"
	case ActionRequeue:
		return "requeue"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome of a single reconciliation step.
type Decision struct {
	Action Action
	// Target is set for ActionFinalize.
	Target order.Status
	// NextAttempt is set for ActionRequeue.
	NextAttempt int
	// Exhausted marks a DENIED finalization caused by the attempt ceiling
	// rather than by the oracle.
	Exhausted bool
}

// Finalize returns a terminal decision.
func Finalize(target order.Status) Decision {
	return Decision{Action: ActionFinalize, Target: target}
}

// Requeue returns a decision to run another cycle.
func Requeue(next int) Decision {
	return Decision{Action: ActionRequeue, NextAttempt: next}
}

func (d Decision) String() string {
	switch d.Action {
	case ActionFinalize:
		if d.Exhausted {
			return fmt.Sprintf("finalize(%s, exhausted)", d.Target)
		}
		return fmt.Sprintf("finalize(%s)", d.Target)
	case ActionRequeue:
		return fmt.Sprintf("requeue(%d)", d.NextAttempt)
	default:
		return d.Action.String()
	}
}

// Decide maps (attempt, result) to the next step. attempt is 1-based and
// maxAttempts values below 1 fall back to DefaultMaxAttempts.
//
// Results outside the payment enum are a caller bug; they must be rejected
// with payment.ParseResult before reaching the engine. Decide panics on them.
func Decide(attempt int, result payment.Result, maxAttempts int) Decision {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	switch result {
	case payment.Approved:
		return Finalize(order.StatusApproved)
	case payment.Denied:
		return Finalize(order.StatusDenied)
	case payment.Pending:
		// Compared without adding so that attempt near MaxInt cannot wrap.
		if attempt >= maxAttempts-1 {
			d := Finalize(order.StatusDenied)
			d.Exhausted = true
			return d
		}
		return Requeue(attempt + 1)
	default:
		panic(fmt.Sprintf("reconcile: unexpected payment result %q", result))
	}
}

// ShouldNotifyPending reports whether the one-time pending notice belongs to
// this cycle: only the first cycle that observes PENDING sends it.
func ShouldNotifyPending(attempt int, d Decision) bool {
	return attempt == 1 && d.Action == ActionRequeue
}
