package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Receipt type enums. Discount and tax entries are informational line
// mirrors; only topup, charge and refund move the wallet balance.
const (
	ReceiptTypeTopup    = "topup"
	ReceiptTypeCharge   = "charge"
	ReceiptTypeRefund   = "refund"
	ReceiptTypeDiscount = "discount"
	ReceiptTypeTax      = "tax"
)

// Receipt is an immutable ledger entry representing one money movement.
// Rows are append-only: never updated or deleted after insert.
type Receipt struct {
	ID                  uuid.UUID       `json:"id"`
	UserID              *string         `json:"user_id,omitempty"`
	Type                string          `json:"type"`
	AmountCents         int64           `json:"amount_cents"`
	Currency            string          `json:"currency"`
	Description         string          `json:"description,omitempty"`
	JobID               *string         `json:"job_id,omitempty"`
	PricingSnapshot     json.RawMessage `json:"pricing_snapshot,omitempty"`
	ApplicationFeeCents *int64          `json:"application_fee_cents,omitempty"`
	VendorAccountID     *string         `json:"vendor_account_id,omitempty"`
	ExternalPaymentRef  *string         `json:"external_payment_ref,omitempty"`
	ExternalChargeRef   *string         `json:"external_charge_ref,omitempty"`
	ExternalRefundRef   *string         `json:"external_refund_ref,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// SignedAmountCents returns the delta this receipt applies to the wallet
// balance: topups and refunds credit, charges debit, discount and tax
// entries are zero.
func (r *Receipt) SignedAmountCents() int64 {
	switch r.Type {
	case ReceiptTypeTopup, ReceiptTypeRefund:
		return r.AmountCents
	case ReceiptTypeCharge:
		return -r.AmountCents
	default:
		return 0
	}
}
