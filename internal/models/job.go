package models

import (
	"encoding/json"
	"time"
)

// Job payment_status enums. pending_payment moves to exactly one of
// paid_wallet, paid_direct or platform at submission time; refunded_wallet
// is reachable only from paid_wallet after a terminal failure.
const (
	PaymentStatusPending        = "pending_payment"
	PaymentStatusPaidWallet     = "paid_wallet"
	PaymentStatusPaidDirect     = "paid_direct"
	PaymentStatusPlatform       = "platform"
	PaymentStatusRefundedWallet = "refunded_wallet"
	PaymentStatusFailedPayment  = "failed_payment"
)

// Job provider status enums (canonical; provider-specific strings are
// normalized at the boundary).
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

type Job struct {
	JobID              string          `json:"job_id"`
	UserID             *string         `json:"user_id,omitempty"`
	EngineID           string          `json:"engine_id"`
	EngineLabel        string          `json:"engine_label,omitempty"`
	DurationSec        int             `json:"duration_sec"`
	Resolution         string          `json:"resolution"`
	Status             string          `json:"status"`
	PaymentStatus      string          `json:"payment_status"`
	PricingSnapshot    json.RawMessage `json:"pricing_snapshot"`
	VendorAccountID    *string         `json:"vendor_account_id,omitempty"`
	ExternalPaymentRef *string         `json:"external_payment_ref,omitempty"`
	ExternalChargeRef  *string         `json:"external_charge_ref,omitempty"`
	Message            string          `json:"message,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}
