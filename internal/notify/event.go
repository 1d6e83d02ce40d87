// Package notify carries order and cashback events to whoever delivers
// notifications. Delivery itself lives outside this service.
package notify

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Type names an event.
type Type string

const (
	TypeOrderCreated       Type = "order.created"
	TypeOrderStatusChanged Type = "order.status_changed"
	TypeCashbackEarned     Type = "cashback.earned"
)

// Event is a notification about an order or a customer's cashback.
type Event struct {
	ID             string
	Type           Type
	OrderID        string
	OrderNumber    string
	CustomerID     string
	Status         string
	PreviousStatus string
	// Amount is the order final price, or the credited amount for
	// cashback events.
	Amount     decimal.Decimal
	OccurredAt time.Time
}

// Encode writes the event as a JSON object.
func (e Event) Encode(enc *jx.Encoder) {
	enc.ObjStart()
	enc.FieldStart("id")
	enc.Str(e.ID)
	enc.FieldStart("type")
	enc.Str(string(e.Type))
	enc.FieldStart("order_id")
	enc.Str(e.OrderID)
	if e.OrderNumber != "" {
		enc.FieldStart("order_number")
		enc.Str(e.OrderNumber)
	}
	if e.CustomerID != "" {
		enc.FieldStart("customer_id")
		enc.Str(e.CustomerID)
	}
	if e.Status != "" {
		enc.FieldStart("status")
		enc.Str(e.Status)
	}
	if e.PreviousStatus != "" {
		enc.FieldStart("previous_status")
		enc.Str(e.PreviousStatus)
	}
	enc.FieldStart("amount")
	enc.Str(e.Amount.StringFixed(2))
	enc.FieldStart("occurred_at")
	enc.Str(e.OccurredAt.UTC().Format(time.RFC3339Nano))
	enc.ObjEnd()
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	var enc jx.Encoder
	e.Encode(&enc)
	return enc.Bytes(), nil
}

// Decode reads an event written by Encode.
func (e *Event) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "amount":
			s, err := d.Str()
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(s)
			if err != nil {
				return errors.Wrap(err, "amount")
			}
			e.Amount = amount
		case "occurred_at":
			s, err := d.Str()
			if err != nil {
				return err
			}
			at, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return errors.Wrap(err, "occurred_at")
			}
			e.OccurredAt = at
		default:
			dst := e.stringField(string(key))
			if dst == nil {
				return d.Skip()
			}
			s, err := d.Str()
			if err != nil {
				return errors.Wrap(err, string(key))
			}
			*dst = s
		}
		return nil
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	return e.Decode(jx.DecodeBytes(data))
}

func (e *Event) stringField(key string) *string {
	switch key {
	case "id":
		return &e.ID
	case "type":
		return (*string)(&e.Type)
	case "order_id":
		return &e.OrderID
	case "order_number":
		return &e.OrderNumber
	case "customer_id":
		return &e.CustomerID
	case "status":
		return &e.Status
	case "previous_status":
		return &e.PreviousStatus
	default:
		return nil
	}
}
