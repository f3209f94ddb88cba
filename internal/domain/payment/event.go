package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Gateway event types the reconciler acts on.
const (
	TypeIntentAmountCapturableUpdated = "payment_intent.amount_capturable_updated"
	TypeIntentSucceeded               = "payment_intent.succeeded"
	TypeIntentPaymentFailed           = "payment_intent.payment_failed"
	TypeCheckoutSessionCompleted      = "checkout.session.completed"
)

// Event is one of AuthorizationSucceeded, AuthorizationFailed,
// CheckoutCompleted or Unhandled.
type Event interface {
	Meta() EventMeta
	isEvent()
}

type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m EventMeta) Meta() EventMeta { return m }
func (EventMeta) isEvent()          {}

// AuthorizationSucceeded means funds are held and can be captured.
type AuthorizationSucceeded struct {
	EventMeta
	PaymentIntentID string
	// LessonID comes from the hold's metadata and may be empty.
	LessonID  string
	PaymentID string
	Amount    int64
}

type AuthorizationFailed struct {
	EventMeta
	PaymentIntentID string
	LessonID        string
	FailureMessage  string
}

// CheckoutCompleted is a hosted checkout that ended with an authorization.
type CheckoutCompleted struct {
	EventMeta
	SessionID       string
	PaymentIntentID string
	LessonID        string
	Amount          int64
}

// Unhandled events are acknowledged and ignored.
type Unhandled struct {
	EventMeta
}

// expandableID accepts either "id" or an expanded {"id": ...} object.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type intentObject struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	AmountCapturable int64             `json:"amount_capturable"`
	Metadata         map[string]string `json:"metadata"`
	LatestCharge     expandableID      `json:"latest_charge"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

type sessionObject struct {
	ID                string            `json:"id"`
	PaymentIntent     expandableID      `json:"payment_intent"`
	AmountTotal       int64             `json:"amount_total"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// DecodeEvent turns a gateway event object into the matching variant.
// Unknown types decode to Unhandled without looking at the object.
func DecodeEvent(id, typ string, created int64, object json.RawMessage) (Event, error) {
	meta := EventMeta{ID: id, Type: typ}
	if created > 0 {
		meta.Created = time.Unix(created, 0).UTC()
	}

	switch typ {
	case TypeIntentAmountCapturableUpdated, TypeIntentSucceeded:
		var pi intentObject
		if err := json.Unmarshal(object, &pi); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typ, err)
		}
		amount := pi.AmountCapturable
		if amount == 0 {
			amount = pi.Amount
		}
		return AuthorizationSucceeded{
			EventMeta:       meta,
			PaymentIntentID: pi.ID,
			LessonID:        pi.Metadata[MetaLessonID],
			PaymentID:       string(pi.LatestCharge),
			Amount:          amount,
		}, nil

	case TypeIntentPaymentFailed:
		var pi intentObject
		if err := json.Unmarshal(object, &pi); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typ, err)
		}
		msg := "payment failed"
		if e := pi.LastPaymentError; e != nil {
			switch {
			case e.Message != "":
				msg = e.Message
			case e.DeclineCode != "":
				msg = e.DeclineCode
			case e.Code != "":
				msg = e.Code
			}
		}
		return AuthorizationFailed{
			EventMeta:       meta,
			PaymentIntentID: pi.ID,
			LessonID:        pi.Metadata[MetaLessonID],
			FailureMessage:  msg,
		}, nil

	case TypeCheckoutSessionCompleted:
		var s sessionObject
		if err := json.Unmarshal(object, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typ, err)
		}
		lessonID := s.Metadata[MetaLessonID]
		if lessonID == "" {
			lessonID = s.ClientReferenceID
		}
		return CheckoutCompleted{
			EventMeta:       meta,
			SessionID:       s.ID,
			PaymentIntentID: string(s.PaymentIntent),
			LessonID:        lessonID,
			Amount:          s.AmountTotal,
		}, nil
	}

	return Unhandled{EventMeta: meta}, nil
}

type rawEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEventJSON decodes one serialized gateway event. It does not verify
// anything; only use it on trusted input such as an export file.
func ParseEventJSON(b []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if raw.Type == "" {
		return nil, errors.New("decode event: missing type")
	}
	return DecodeEvent(raw.ID, raw.Type, raw.Created, raw.Data.Object)
}

// ParseEventList decodes a JSON array of events or a list object
// ({"data": [...]}) as produced by the gateway's events listing.
func ParseEventList(b []byte) ([]Event, error) {
	b = bytes.TrimSpace(b)
	var items []json.RawMessage
	if len(b) > 0 && b[0] == '[' {
		if err := json.Unmarshal(b, &items); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}
	} else {
		var list struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}
		items = list.Data
	}

	out := make([]Event, 0, len(items))
	for i, item := range items {
		ev, err := ParseEventJSON(item)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
