package models

import "time"

// WebhookEventRecord tracks inbound processor event IDs for deduplication.
// A row existing before processing begins means the event is in flight or
// already handled; processed_at is set once the handler committed.
type WebhookEventRecord struct {
	EventID        string     `json:"event_id"`
	EventType      string     `json:"event_type"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	ProcessingNote string     `json:"processing_note,omitempty"`
}
