package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type EventType string

const (
	EventCustomerCreated              EventType = "customer.created"
	EventSubscriptionCreated          EventType = "customer.subscription.created"
	EventSubscriptionUpdated          EventType = "customer.subscription.updated"
	EventSubscriptionDeleted          EventType = "customer.subscription.deleted"
	EventSubscriptionPaused           EventType = "customer.subscription.paused"
	EventSubscriptionResumed          EventType = "customer.subscription.resumed"
	EventInvoiceCreated               EventType = "invoice.created"
	EventInvoiceFinalized             EventType = "invoice.finalized"
	EventInvoicePaymentSucceeded      EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed         EventType = "invoice.payment_failed"
	EventInvoicePaymentActionRequired EventType = "invoice.payment_action_required"
)

// Event is the provider webhook envelope. Data.Object carries the typed
// payload and is decoded by the handler registered for Type.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Created    int64     `json:"created"`
	Livemode   bool      `json:"livemode"`
	APIVersion string    `json:"api_version,omitempty"`
	Data       struct {
		Object             json.RawMessage `json:"object"`
		PreviousAttributes json.RawMessage `json:"previous_attributes,omitempty"`
	} `json:"data"`
}

// Validate checks the fields every event must carry.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: empty event", ErrMalformedEvent)
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	if len(e.Data.Object) == 0 || string(e.Data.Object) == "null" {
		return fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}
	return nil
}

// CustomerRef decodes either a bare id or an expanded {"id": "..."} object.
type CustomerRef string

func (c *CustomerRef) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*c = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*c = CustomerRef(strings.TrimSpace(id))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode customer reference: %w", err)
	}
	*c = CustomerRef(strings.TrimSpace(obj.ID))
	return nil
}

// Metadata is the provider's free-form string map.
type Metadata map[string]string

// Int64 reads a numeric metadata value.
func (m Metadata) Int64(key string) (int64, bool) {
	v := strings.TrimSpace(m[key])
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

type CustomerObject struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Phone    string   `json:"phone"`
	Metadata Metadata `json:"metadata"`
}

type Price struct {
	ID         string `json:"id"`
	Product    string `json:"product"`
	UnitAmount *int64 `json:"unit_amount"`
	Currency   string `json:"currency"`
}

type SubscriptionItem struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
	Price    Price  `json:"price"`
}

type SubscriptionObject struct {
	ID                string      `json:"id"`
	Customer          CustomerRef `json:"customer"`
	Status            string      `json:"status"`
	Currency          string      `json:"currency"`
	CurrentPeriodEnd  int64       `json:"current_period_end"`
	CancelAtPeriodEnd bool        `json:"cancel_at_period_end"`
	CanceledAt        *int64      `json:"canceled_at"`
	Items             struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
	Plan *struct {
		Amount *int64 `json:"amount"`
	} `json:"plan"`
	Metadata Metadata `json:"metadata"`
}

// Amount is the recurring charge in minor units. ok is false when the payload
// carries no price at all.
func (s *SubscriptionObject) Amount() (amount int64, ok bool) {
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.Price.UnitAmount != nil {
			qty := item.Quantity
			if qty <= 0 {
				qty = 1
			}
			return *item.Price.UnitAmount * qty, true
		}
	}
	if s.Plan != nil && s.Plan.Amount != nil {
		return *s.Plan.Amount, true
	}
	return 0, false
}

type InvoiceObject struct {
	ID                 string      `json:"id"`
	Customer           CustomerRef `json:"customer"`
	Subscription       string      `json:"subscription"`
	Status             string      `json:"status"`
	Number             string      `json:"number"`
	Currency           string      `json:"currency"`
	AmountDue          *int64      `json:"amount_due"`
	AmountPaid         *int64      `json:"amount_paid"`
	Total              int64       `json:"total"`
	AttemptCount       int         `json:"attempt_count"`
	NextPaymentAttempt *int64      `json:"next_payment_attempt"`
	HostedInvoiceURL   string      `json:"hosted_invoice_url"`
	Metadata           Metadata    `json:"metadata"`
	// SubscriptionDetails carries the subscription metadata at invoicing time.
	SubscriptionDetails *struct {
		Metadata Metadata `json:"metadata"`
	} `json:"subscription_details"`
}

// Amount picks amount_paid for settled invoices and amount_due otherwise.
// ok is false when that field is absent from the payload.
func (i *InvoiceObject) Amount(paid bool) (amount int64, ok bool) {
	field := i.AmountDue
	if paid {
		field = i.AmountPaid
	}
	if field == nil {
		return 0, false
	}
	return *field, true
}

// GroupHint returns the group id written into invoice or subscription metadata.
func (i *InvoiceObject) GroupHint() (int64, bool) {
	if id, ok := i.Metadata.Int64("group_id"); ok {
		return id, true
	}
	if i.SubscriptionDetails != nil {
		return i.SubscriptionDetails.Metadata.Int64("group_id")
	}
	return 0, false
}
