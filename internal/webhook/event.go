package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Processor event types this service acts on. Anything else is acknowledged
// and recorded as ignored, never rejected: rejecting unknown types would
// make the processor retry forever.
const (
	EventCheckoutCompleted = "checkout.completed"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventRefundIssued      = "refund.issued"
)

// ErrMalformedEvent is returned when the payload cannot be parsed or lacks
// the event id.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is one parsed processor notification. Exactly one of the payload
// fields is set, matching Type; unknown types leave all of them nil.
type Event struct {
	ID   string
	Type string

	CheckoutCompleted *CheckoutCompletedData
	PaymentCaptured   *PaymentCapturedData
	PaymentFailed     *PaymentFailedData
	RefundIssued      *RefundIssuedData
}

// CheckoutCompletedData credits a wallet topup.
type CheckoutCompletedData struct {
	UserID      string          `json:"user_id"`
	AmountCents int64           `json:"amount_cents"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	PaymentRef  string          `json:"payment_ref"`
	ChargeRef   string          `json:"charge_ref,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// PaymentCapturedData records the receipt for a direct job payment.
type PaymentCapturedData struct {
	UserID              string          `json:"user_id"`
	JobID               string          `json:"job_id"`
	AmountCents         int64           `json:"amount_cents"`
	Currency            string          `json:"currency"`
	Description         string          `json:"description,omitempty"`
	ApplicationFeeCents int64           `json:"application_fee_cents,omitempty"`
	VendorAccountID     string          `json:"vendor_account_id,omitempty"`
	PaymentRef          string          `json:"payment_ref"`
	ChargeRef           string          `json:"charge_ref,omitempty"`
	PricingSnapshot     json.RawMessage `json:"pricing_snapshot,omitempty"`
}

// PaymentFailedData marks a pending direct payment as failed.
type PaymentFailedData struct {
	JobID      string `json:"job_id"`
	PaymentRef string `json:"payment_ref,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RefundIssuedData records a processor-side refund.
type RefundIssuedData struct {
	RefundRef   string `json:"refund_ref"`
	PaymentRef  string `json:"payment_ref"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason,omitempty"`
}

type rawEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseEvent decodes a webhook body into a typed Event. Unknown event types
// parse successfully with no payload set.
func ParseEvent(body []byte) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}

	ev := &Event{ID: raw.ID, Type: raw.Type}
	switch raw.Type {
	case EventCheckoutCompleted:
		ev.CheckoutCompleted = &CheckoutCompletedData{}
		if err := json.Unmarshal(raw.Data, ev.CheckoutCompleted); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, raw.Type, err)
		}
	case EventPaymentCaptured:
		ev.PaymentCaptured = &PaymentCapturedData{}
		if err := json.Unmarshal(raw.Data, ev.PaymentCaptured); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, raw.Type, err)
		}
	case EventPaymentFailed:
		ev.PaymentFailed = &PaymentFailedData{}
		if err := json.Unmarshal(raw.Data, ev.PaymentFailed); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, raw.Type, err)
		}
	case EventRefundIssued:
		ev.RefundIssued = &RefundIssuedData{}
		if err := json.Unmarshal(raw.Data, ev.RefundIssued); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, raw.Type, err)
		}
	}
	return ev, nil
}
