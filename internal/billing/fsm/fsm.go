package fsm

import (
	"strings"

	"clubBack/internal/models"
)

// Ledger statuses.
const (
	StatusPending        = "pending"
	StatusActive         = "active"
	StatusPaid           = "paid"
	StatusFailed         = "failed"
	StatusActionRequired = "action_required"
	StatusFinalized      = "finalized"
	StatusPaused         = "paused"
	StatusCanceled       = "canceled"
)

var statuses = map[string]struct{}{
	StatusPending:        {},
	StatusActive:         {},
	StatusPaid:           {},
	StatusFailed:         {},
	StatusActionRequired: {},
	StatusFinalized:      {},
	StatusPaused:         {},
	StatusCanceled:       {},
}

// IsValid reports whether status belongs to the ledger status set.
func IsValid(status string) bool {
	_, ok := statuses[status]
	return ok
}

// FromSubscriptionStatus maps a provider subscription status carried by
// customer.subscription.updated onto the ledger. Unrecognised values land on
// pending.
func FromSubscriptionStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "active":
		return StatusActive
	case "canceled", "unpaid":
		return StatusCanceled
	default:
		return StatusPending
	}
}

// direct holds the status written by every event type whose outcome does not
// depend on the payload.
var direct = map[models.EventType]string{
	models.EventSubscriptionCreated:          StatusActive,
	models.EventSubscriptionDeleted:          StatusCanceled,
	models.EventSubscriptionPaused:           StatusPaused,
	models.EventSubscriptionResumed:          StatusActive,
	models.EventInvoiceCreated:               StatusPending,
	models.EventInvoiceFinalized:             StatusFinalized,
	models.EventInvoicePaymentSucceeded:      StatusPaid,
	models.EventInvoicePaymentFailed:         StatusFailed,
	models.EventInvoicePaymentActionRequired: StatusActionRequired,
}

// ForEvent returns the ledger status an event writes. providerStatus is only
// consulted for customer.subscription.updated. ok is false for event types
// that do not touch the ledger.
func ForEvent(t models.EventType, providerStatus string) (status string, ok bool) {
	if t == models.EventSubscriptionUpdated {
		return FromSubscriptionStatus(providerStatus), true
	}
	status, ok = direct[t]
	return status, ok
}

// JournalKind is the namespaced metadata key an event appends under.
func JournalKind(t models.EventType) string {
	kind := strings.TrimPrefix(string(t), "customer.")
	return strings.ReplaceAll(kind, ".", "_")
}

// Enrolled reports whether a ledger status keeps a child in its group.
func Enrolled(status string) bool {
	return status == StatusActive || status == StatusPaid
}
