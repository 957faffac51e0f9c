// Package notify publishes customer-facing notices about order outcomes.
package notify

import (
	"context"
	"fmt"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/invoice-reconciler/internal/artifact"
	"github.com/xenking/invoice-reconciler/internal/domain/order"
)

// Notifier publishes a message to a fixed topic.
type Notifier interface {
	Publish(ctx context.Context, message string) error
}

// PendingNotice tells the customer the payment is still being processed.
func PendingNotice(o *order.Order) string {
	return fmt.Sprintf(
		"Hello %s, we received order %s (total %s). Your payment is being processed; we will let you know once it is confirmed.",
		o.Customer.FullName, o.ID, artifact.FormatMoney(o.Total),
	)
}

// ApprovalNotice confirms the purchase and links the invoice.
func ApprovalNotice(o *order.Order, invoiceURL string) string {
	return fmt.Sprintf(
		"Hello %s, your purchase was completed successfully!\n\nOrder: %s\nTotal: %s\nInvoice: %s",
		o.Customer.FullName, o.ID, artifact.FormatMoney(o.Total), invoiceURL,
	)
}

// DenialNotice tells the customer the payment was not approved.
func DenialNotice(o *order.Order) string {
	return fmt.Sprintf(
		"Hello %s, unfortunately the payment for order %s (total %s) was not approved.",
		o.Customer.FullName, o.ID, artifact.FormatMoney(o.Total),
	)
}

// LogNotifier writes notices to the context logger. Used for local runs.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

// Publish implements Notifier.
func (LogNotifier) Publish(ctx context.Context, message string) error {
	zctx.From(ctx).Info("Notice published", zap.String("message", message))
	return nil
}
