package jobs

import (
	"strings"

	"github.com/renderbill/backend/internal/models"
)

// Provider callbacks report completion in whatever vocabulary the upstream
// engine uses. Everything is collapsed to the canonical statuses here, at
// the boundary; nothing downstream sees a raw provider string.
var completedStatuses = map[string]struct{}{
	"completed": {}, "complete": {}, "finished": {}, "success": {}, "succeeded": {}, "ok": {}, "done": {},
}

var failedStatuses = map[string]struct{}{
	"failed": {}, "failure": {}, "error": {}, "errored": {}, "aborted": {},
	"cancelled": {}, "canceled": {}, "timeout": {}, "timed_out": {},
}

var runningStatuses = map[string]struct{}{
	"running": {}, "in_progress": {}, "processing": {}, "started": {}, "pending": {},
}

// Legacy providers report "paused" for jobs still waiting on capacity.
var queuedStatuses = map[string]struct{}{
	"queued": {}, "paused": {},
}

// NormalizeProviderStatus maps a raw provider status to a canonical job
// status, or "" when the status is not recognized.
func NormalizeProviderStatus(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := completedStatuses[key]; ok {
		return models.JobStatusCompleted
	}
	if _, ok := failedStatuses[key]; ok {
		return models.JobStatusFailed
	}
	if _, ok := runningStatuses[key]; ok {
		return models.JobStatusRunning
	}
	if _, ok := queuedStatuses[key]; ok {
		return models.JobStatusQueued
	}
	return ""
}

// paymentTransitions is the closed set of legal payment status moves.
var paymentTransitions = map[string][]string{
	models.PaymentStatusPending: {
		models.PaymentStatusPaidWallet,
		models.PaymentStatusPaidDirect,
		models.PaymentStatusPlatform,
		models.PaymentStatusFailedPayment,
	},
	models.PaymentStatusPaidWallet: {
		models.PaymentStatusRefundedWallet,
	},
}

// CanTransitionPayment reports whether moving payment status from -> to is
// legal. Unknown states have no outgoing transitions.
func CanTransitionPayment(from, to string) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
