// Package envelope encodes the reconciliation message carried by the queue.
//
// Wire format:
//
//	{"id": "<order id>", "status": "APPROVED|PENDING|DENIED", "attempt": 1}
package envelope

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/invoice-reconciler/internal/domain/payment"
)

// ErrMalformed is wrapped by every Decode schema violation. Malformed
// messages are never retried.
var ErrMalformed = errors.New("malformed reconciliation envelope")

// Envelope is a reconciliation message. Status is the oracle result that
// produced the message and is only a routing hint: the receiver re-checks the
// stored order before acting.
type Envelope struct {
	OrderID string
	Status  payment.Result
	Attempt int
}

// Validate checks the envelope invariants.
func (e Envelope) Validate() error {
	if e.OrderID == "" {
		return errors.Wrap(ErrMalformed, "empty id")
	}
	if _, err := payment.ParseResult(string(e.Status)); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	if e.Attempt < 1 {
		return errors.Wrapf(ErrMalformed, "attempt %d < 1", e.Attempt)
	}
	return nil
}

// Encode serializes a valid envelope.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var enc jx.Encoder
	enc.Obj(func(enc *jx.Encoder) {
		enc.Field("id", func(enc *jx.Encoder) { enc.Str(e.OrderID) })
		enc.Field("status", func(enc *jx.Encoder) { enc.Str(string(e.Status)) })
		enc.Field("attempt", func(enc *jx.Encoder) { enc.Int(e.Attempt) })
	})
	return enc.Bytes(), nil
}

// Decode parses and validates an envelope. Unknown fields are ignored.
func Decode(data []byte) (Envelope, error) {
	var (
		e                        Envelope
		hasID, hasStatus, hasAtt bool
	)

	d := jx.DecodeBytes(data)
	if d.Next() != jx.Object {
		return Envelope{}, errors.Wrap(ErrMalformed, "not a json object")
	}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "id")
			}
			e.OrderID, hasID = v, true
		case "status":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "status")
			}
			e.Status, hasStatus = payment.Result(v), true
		case "attempt":
			v, err := d.Int()
			if err != nil {
				return errors.Wrap(err, "attempt")
			}
			e.Attempt, hasAtt = v, true
		default:
			return d.Skip()
		}
		return nil
	})
	if err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if d.Next() != jx.Invalid {
		return Envelope{}, errors.Wrap(ErrMalformed, "trailing data")
	}

	switch {
	case !hasID:
		return Envelope{}, errors.Wrap(ErrMalformed, "missing id")
	case !hasStatus:
		return Envelope{}, errors.Wrap(ErrMalformed, "missing status")
	case !hasAtt:
		return Envelope{}, errors.Wrap(ErrMalformed, "missing attempt")
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
