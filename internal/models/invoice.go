package models

import (
	"encoding/json"
	"time"
)

// UnknownGroupID marks a ledger record whose group could not be resolved yet.
const UnknownGroupID int64 = 0

// InvoiceRecord is one row of the billing ledger. ExternalID is the provider
// subscription or invoice identifier and is unique across the ledger.
type InvoiceRecord struct {
	ID         int64      `json:"id"`
	ExternalID string     `json:"external_id"`
	ChildrenID int64      `json:"children_id"`
	GroupID    int64      `json:"group_id"`
	Amount     int64      `json:"amount"`
	Status     string     `json:"status"`
	Metadata   Journal    `json:"metadata"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// JournalEntry is a single append-only note attached to a ledger record.
type JournalEntry struct {
	Kind      string          `json:"kind"`
	EventID   string          `json:"event_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Journal keeps entries in the order they were appended.
type Journal []JournalEntry

// Has reports whether at least one entry of the given kind was recorded.
func (j Journal) Has(kind string) bool {
	for _, e := range j {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Kinds lists entry kinds in append order.
func (j Journal) Kinds() []string {
	out := make([]string, 0, len(j))
	for _, e := range j {
		out = append(out, e.Kind)
	}
	return out
}
