package handler

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/invoice-reconciler/internal/domain/order"
)

// decodePlaceOrder parses
//
//	{"full_name": "...", "email": "...", "tax_id": "...",
//	 "items": [{"name": "...", "unit_price": 10.5, "quantity": 1}]}
//
// unit_price may be a JSON number or a decimal string. Unknown fields are
// ignored. Field values are checked by the order service, not here.
func decodePlaceOrder(data []byte) (order.PlaceOrderRequest, error) {
	var req order.PlaceOrderRequest

	d := jx.DecodeBytes(data)
	if d.Next() != jx.Object {
		return req, errors.New("request body must be a JSON object")
	}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "full_name":
			req.Customer.FullName, err = d.Str()
		case "email":
			req.Customer.Email, err = d.Str()
		case "tax_id":
			req.Customer.TaxID, err = d.Str()
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				item, err := decodeItem(d)
				if err != nil {
					return errors.Wrapf(err, "items[%d]", len(req.Items))
				}
				req.Items = append(req.Items, item)
				return nil
			})
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return req, errors.Wrap(err, "invalid request body")
	}
	if d.Next() != jx.Invalid {
		return req, errors.New("invalid request body: trailing data")
	}
	return req, nil
}

func decodeItem(d *jx.Decoder) (order.LineItem, error) {
	var item order.LineItem
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "name":
			v, err := d.Str()
			item.Name = v
			return err
		case "unit_price":
			v, err := decodeDecimal(d)
			item.UnitPrice = v
			return errors.Wrap(err, "unit_price")
		case "quantity":
			v, err := d.Int()
			item.Quantity = v
			return errors.Wrap(err, "quantity")
		default:
			return d.Skip()
		}
	})
	return item, err
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = n.String()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = s
	default:
		return decimal.Decimal{}, errors.New("must be a number or a decimal string")
	}
	return decimal.NewFromString(raw)
}

// encodeOrder renders an order. Money is encoded as strings with two decimal
// places to avoid float rounding.
func encodeOrder(o *order.Order) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("full_name", func(e *jx.Encoder) { e.Str(o.Customer.FullName) })
		e.Field("email", func(e *jx.Encoder) { e.Str(o.Customer.Email) })
		e.Field("tax_id", func(e *jx.Encoder) { e.Str(o.Customer.TaxID) })
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, item := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("name", func(e *jx.Encoder) { e.Str(item.Name) })
						e.Field("unit_price", func(e *jx.Encoder) { e.Str(item.UnitPrice.StringFixed(2)) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(item.Quantity) })
					})
				}
			})
		})
		e.Field("total", func(e *jx.Encoder) { e.Str(o.Total.StringFixed(2)) })
		e.Field("created_at", func(e *jx.Encoder) { e.Str(o.CreatedAt.UTC().Format(time.RFC3339)) })
		e.Field("updated_at", func(e *jx.Encoder) { e.Str(o.UpdatedAt.UTC().Format(time.RFC3339)) })
	})
	return e.Bytes()
}
