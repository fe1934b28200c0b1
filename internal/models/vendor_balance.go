package models

import "time"

// VendorBalance is the pending payout accrual for a marketplace vendor
// account in one currency. Rows are upserted additively, never
// read-then-written.
type VendorBalance struct {
	VendorAccountID string    `json:"vendor_account_id"`
	Currency        string    `json:"currency"`
	PendingCents    int64     `json:"pending_cents"`
	UpdatedAt       time.Time `json:"updated_at"`
}
