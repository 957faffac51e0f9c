// Package artifact renders and stores the confirmation invoice for approved
// orders.
package artifact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/invoice-reconciler/internal/domain/order"
)

// ContentType of rendered invoices.
const ContentType = "text/plain; charset=utf-8"

// Store persists artifacts and hands out time-limited references to them.
// Put must be idempotent for the same key and body.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// InvoiceKey returns the object key of an order's invoice.
func InvoiceKey(orderID string) string {
	return orderID + ".txt"
}

const rule = "============================================="

// RenderInvoice produces the plain-text invoice of o.
func RenderInvoice(o *order.Order) []byte {
	var b strings.Builder

	b.WriteString("================== INVOICE ==================\n\n")
	fmt.Fprintf(&b, "Order: %s\n", o.ID)
	fmt.Fprintf(&b, "Date: %s\n\n", FormatDate(o.CreatedAt))
	fmt.Fprintf(&b, "Name: %s\n", o.Customer.FullName)
	fmt.Fprintf(&b, "Email: %s\n", o.Customer.Email)
	fmt.Fprintf(&b, "Tax ID: %s\n\n", o.Customer.TaxID)
	b.WriteString("Items:\n")
	for _, item := range o.Items {
		fmt.Fprintf(&b, "  %s - (%s x %d) - %s\n",
			item.Name, FormatMoney(item.UnitPrice), item.Quantity, FormatMoney(item.Subtotal()))
	}
	fmt.Fprintf(&b, "\nTotal: %s\n\n", FormatMoney(o.Total))
	b.WriteString(rule + "\n")

	return []byte(b.String())
}

// FormatMoney renders an amount as Brazilian reais with a decimal comma,
// e.g. R$1234,50.
func FormatMoney(d decimal.Decimal) string {
	return "R$" + strings.Replace(d.StringFixed(2), ".", ",", 1)
}

// FormatDate renders t as dd/mm/yyyy.
func FormatDate(t time.Time) string {
	return t.Format("02/01/2006")
}
