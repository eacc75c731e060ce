package models

import "time"

// ReasonCustomerNotFound is reported when an event references a customer no
// child is linked to.
const ReasonCustomerNotFound = "Customer not found"

// ReconciliationResult is returned to the provider for every accepted delivery.
type ReconciliationResult struct {
	Handled    bool      `json:"handled"`
	Type       EventType `json:"type,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	ChildrenID int64     `json:"children_id,omitempty"`
	Duplicate  bool      `json:"duplicate,omitempty"`
}

// Outcome buckets a result for the webhook journal and metrics.
func (r ReconciliationResult) Outcome() string {
	switch {
	case r.Handled:
		return WebhookOutcomeHandled
	case r.Reason == ReasonCustomerNotFound:
		return WebhookOutcomeUnmatched
	default:
		return WebhookOutcomeIgnored
	}
}

const (
	WebhookOutcomeReceived  = "received"
	WebhookOutcomeHandled   = "handled"
	WebhookOutcomeIgnored   = "ignored"
	WebhookOutcomeUnmatched = "unmatched"
	WebhookOutcomeFailed    = "failed"
)

// WebhookDelivery is one row of the raw delivery journal.
type WebhookDelivery struct {
	ID          int64      `json:"id"`
	Provider    string     `json:"provider"`
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	Signature   string     `json:"-"`
	Payload     []byte     `json:"-"`
	Outcome     string     `json:"outcome"`
	Reason      string     `json:"reason,omitempty"`
	Error       string     `json:"error,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
