package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"clubBack/internal/billing/fsm"
	"clubBack/internal/models"
)

type Config struct {
	Ledger     LedgerStore
	Enrollment EnrollmentStore
	Logger     *slog.Logger
	Now        func() time.Time
}

// Engine folds provider events into the ledger and the children's enrollment.
// Every handler is safe to replay.
type Engine struct {
	ledger     LedgerStore
	enrollment EnrollmentStore
	atomic     Atomic
	logger     *slog.Logger
	now        func() time.Time
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil || cfg.Enrollment == nil {
		return nil, errors.New("reconcile: ledger and enrollment stores are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		ledger:     cfg.Ledger,
		enrollment: cfg.Enrollment,
		logger:     logger,
		now:        now,
	}
	if a, ok := cfg.Ledger.(Atomic); ok {
		e.atomic = a
	}
	return e, nil
}

// Handlers returns the dispatch table for every known event type.
func (e *Engine) Handlers() map[models.EventType]HandlerFunc {
	return map[models.EventType]HandlerFunc{
		models.EventCustomerCreated:              e.customerCreated,
		models.EventSubscriptionCreated:          e.subscriptionEvent,
		models.EventSubscriptionUpdated:          e.subscriptionEvent,
		models.EventSubscriptionDeleted:          e.subscriptionEvent,
		models.EventSubscriptionPaused:           e.subscriptionEvent,
		models.EventSubscriptionResumed:          e.subscriptionEvent,
		models.EventInvoiceCreated:               e.invoiceEvent,
		models.EventInvoiceFinalized:             e.invoiceEvent,
		models.EventInvoicePaymentSucceeded:      e.invoiceEvent,
		models.EventInvoicePaymentFailed:         e.invoiceEvent,
		models.EventInvoicePaymentActionRequired: e.invoiceEvent,
	}
}

type mutation func(rec *models.InvoiceRecord, exists bool)

func (e *Engine) customerCreated(ctx context.Context, evt *models.Event) (models.ReconciliationResult, error) {
	var obj models.CustomerObject
	if err := decodeObject(evt, &obj); err != nil {
		return models.ReconciliationResult{}, err
	}
	child, err := e.findChild(ctx, obj.ID)
	if err != nil {
		return models.ReconciliationResult{}, err
	}
	if child == nil {
		return e.customerNotFound(evt, obj.ID), nil
	}
	e.logger.Info("billing customer linked", "event_id", evt.ID, "customer", obj.ID, "children_id", child.ID)
	return models.ReconciliationResult{Handled: true, ChildrenID: child.ID}, nil
}

func (e *Engine) subscriptionEvent(ctx context.Context, evt *models.Event) (models.ReconciliationResult, error) {
	var sub models.SubscriptionObject
	if err := decodeObject(evt, &sub); err != nil {
		return models.ReconciliationResult{}, err
	}
	if strings.TrimSpace(sub.ID) == "" {
		return models.ReconciliationResult{}, fmt.Errorf("%w: subscription without id", models.ErrUnreadableObject)
	}
	status, _ := fsm.ForEvent(evt.Type, sub.Status)

	child, err := e.findChild(ctx, string(sub.Customer))
	if err != nil {
		return models.ReconciliationResult{}, err
	}
	if child == nil {
		return e.customerNotFound(evt, string(sub.Customer)), nil
	}

	amount, hasAmount := sub.Amount()
	entry, err := e.entry(evt, map[string]any{
		"subscription_id":      sub.ID,
		"customer":             string(sub.Customer),
		"provider_status":      sub.Status,
		"status":               status,
		"amount":               amount,
		"currency":             sub.Currency,
		"current_period_end":   sub.CurrentPeriodEnd,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"canceled_at":          sub.CanceledAt,
	})
	if err != nil {
		return models.ReconciliationResult{}, err
	}

	groupHint, hasHint := sub.Metadata.Int64("group_id")
	mutate := func(rec *models.InvoiceRecord, exists bool) {
		rec.Status = status
		rec.ChildrenID = child.ID
		if hasAmount || !exists {
			rec.Amount = amount
		}
		if !exists || rec.GroupID == models.UnknownGroupID {
			rec.GroupID = resolveGroup(groupHint, hasHint, models.UnknownGroupID, child)
		}
	}

	var rec *models.InvoiceRecord
	if evt.Type == models.EventSubscriptionDeleted {
		rec, err = e.cancel(ctx, sub.ID, child, entry, mutate)
	} else {
		rec, err = e.upsert(ctx, e.ledger, sub.ID, entry, mutate, true)
	}
	if err != nil {
		return models.ReconciliationResult{}, err
	}
	return e.reconciled(evt, rec), nil
}

func (e *Engine) invoiceEvent(ctx context.Context, evt *models.Event) (models.ReconciliationResult, error) {
	var inv models.InvoiceObject
	if err := decodeObject(evt, &inv); err != nil {
		return models.ReconciliationResult{}, err
	}
	if strings.TrimSpace(inv.ID) == "" {
		return models.ReconciliationResult{}, fmt.Errorf("%w: invoice without id", models.ErrUnreadableObject)
	}
	status, _ := fsm.ForEvent(evt.Type, inv.Status)

	child, err := e.findChild(ctx, string(inv.Customer))
	if err != nil {
		return models.ReconciliationResult{}, err
	}
	if child == nil {
		return e.customerNotFound(evt, string(inv.Customer)), nil
	}

	amount, hasAmount := inv.Amount(evt.Type == models.EventInvoicePaymentSucceeded)
	entry, err := e.entry(evt, map[string]any{
		"invoice_id":         inv.ID,
		"subscription_id":    inv.Subscription,
		"customer":           string(inv.Customer),
		"provider_status":    inv.Status,
		"status":             status,
		"number":             inv.Number,
		"currency":           inv.Currency,
		"amount_due":         inv.AmountDue,
		"amount_paid":        inv.AmountPaid,
		"attempt_count":      inv.AttemptCount,
		"hosted_invoice_url": inv.HostedInvoiceURL,
	})
	if err != nil {
		return models.ReconciliationResult{}, err
	}

	groupHint, hasHint := inv.GroupHint()
	subscriptionGroup := models.UnknownGroupID
	if !hasHint && inv.Subscription != "" {
		subscriptionGroup, err = e.subscriptionGroup(ctx, inv.Subscription)
		if err != nil {
			return models.ReconciliationResult{}, err
		}
	}
	mutate := func(rec *models.InvoiceRecord, exists bool) {
		rec.Status = status
		rec.ChildrenID = child.ID
		if hasAmount || !exists {
			rec.Amount = amount
		}
		if !exists || rec.GroupID == models.UnknownGroupID {
			rec.GroupID = resolveGroup(groupHint, hasHint, subscriptionGroup, child)
		}
	}

	rec, err := e.upsert(ctx, e.ledger, inv.ID, entry, mutate, true)
	if err != nil {
		return models.ReconciliationResult{}, err
	}
	return e.reconciled(evt, rec), nil
}

// upsert applies mutate to the record for externalID, inserting it when
// absent. An insert that loses a race on the unique key is retried once as an
// update when retry is set.
func (e *Engine) upsert(ctx context.Context, ledger LedgerStore, externalID string, entry models.JournalEntry, mutate mutation, retry bool) (*models.InvoiceRecord, error) {
	now := e.now().UTC()
	rec, err := ledger.FindByExternalID(ctx, externalID)
	switch {
	case err == nil:
		mutate(rec, true)
		rec.UpdatedAt = &now
		var appended *models.JournalEntry
		if !journaled(rec.Metadata, entry) {
			rec.Metadata = append(rec.Metadata, entry)
			appended = &entry
		}
		if err := ledger.Update(ctx, rec, appended); err != nil {
			return nil, fmt.Errorf("update ledger record %s: %w", externalID, err)
		}
		return rec, nil

	case errors.Is(err, models.ErrNoRecord):
		rec = &models.InvoiceRecord{
			ExternalID: externalID,
			CreatedAt:  now,
			Metadata:   models.Journal{entry},
		}
		mutate(rec, false)
		err := ledger.Insert(ctx, rec)
		if errors.Is(err, models.ErrDuplicateRecord) && retry {
			e.logger.Debug("ledger insert raced, retrying as update", "external_id", externalID)
			return e.upsert(ctx, ledger, externalID, entry, mutate, false)
		}
		if err != nil {
			return nil, fmt.Errorf("insert ledger record %s: %w", externalID, err)
		}
		return rec, nil

	default:
		return nil, fmt.Errorf("find ledger record %s: %w", externalID, err)
	}
}

// cancel marks the subscription canceled and takes the child out of its group.
// Both writes share a transaction when the store supports it; otherwise the
// ledger is written first and a failed enrollment clear is only logged.
func (e *Engine) cancel(ctx context.Context, externalID string, child *models.Child, entry models.JournalEntry, mutate mutation) (*models.InvoiceRecord, error) {
	if e.atomic != nil {
		var rec *models.InvoiceRecord
		err := e.atomic.Atomically(ctx, func(ctx context.Context, ledger LedgerStore, enrollment EnrollmentStore) error {
			r, err := e.upsert(ctx, ledger, externalID, entry, mutate, false)
			if err != nil {
				return err
			}
			if err := enrollment.ClearGroup(ctx, child.ID); err != nil {
				return fmt.Errorf("clear group for child %d: %w", child.ID, err)
			}
			rec = r
			return nil
		})
		if err != nil {
			return nil, err
		}
		return rec, nil
	}

	rec, err := e.upsert(ctx, e.ledger, externalID, entry, mutate, true)
	if err != nil {
		return nil, err
	}
	if err := e.enrollment.ClearGroup(ctx, child.ID); err != nil {
		e.logger.Error("clear enrollment group failed",
			"external_id", externalID,
			"children_id", child.ID,
			"err", err,
		)
	}
	return rec, nil
}

func (e *Engine) findChild(ctx context.Context, customerRef string) (*models.Child, error) {
	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" {
		return nil, nil
	}
	child, err := e.enrollment.FindByCustomerRef(ctx, customerRef)
	if errors.Is(err, models.ErrNoRecord) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find child by customer %s: %w", customerRef, err)
	}
	return child, nil
}

func (e *Engine) subscriptionGroup(ctx context.Context, subscriptionID string) (int64, error) {
	rec, err := e.ledger.FindByExternalID(ctx, subscriptionID)
	if errors.Is(err, models.ErrNoRecord) {
		return models.UnknownGroupID, nil
	}
	if err != nil {
		return models.UnknownGroupID, fmt.Errorf("find subscription record %s: %w", subscriptionID, err)
	}
	return rec.GroupID, nil
}

func (e *Engine) customerNotFound(evt *models.Event, customerRef string) models.ReconciliationResult {
	e.logger.Warn("billing event for unknown customer",
		"type", evt.Type,
		"event_id", evt.ID,
		"customer", customerRef,
	)
	return models.ReconciliationResult{Handled: false, Reason: models.ReasonCustomerNotFound}
}

func (e *Engine) reconciled(evt *models.Event, rec *models.InvoiceRecord) models.ReconciliationResult {
	e.logger.Info("ledger record reconciled",
		"type", evt.Type,
		"event_id", evt.ID,
		"external_id", rec.ExternalID,
		"status", rec.Status,
		"children_id", rec.ChildrenID,
	)
	return models.ReconciliationResult{
		Handled:    true,
		ExternalID: rec.ExternalID,
		Status:     rec.Status,
		ChildrenID: rec.ChildrenID,
	}
}

func (e *Engine) entry(evt *models.Event, payload map[string]any) (models.JournalEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.JournalEntry{}, fmt.Errorf("encode journal payload: %w", err)
	}
	return models.JournalEntry{
		Kind:      fsm.JournalKind(evt.Type),
		EventID:   evt.ID,
		Timestamp: e.now().UTC(),
		Payload:   raw,
	}, nil
}

// resolveGroup picks the group for a new ledger record: explicit metadata,
// then the governing subscription's record, then the child's current group.
func resolveGroup(hint int64, hasHint bool, subscriptionGroup int64, child *models.Child) int64 {
	switch {
	case hasHint && hint > 0:
		return hint
	case subscriptionGroup != models.UnknownGroupID:
		return subscriptionGroup
	case child != nil && child.GroupID != nil:
		return *child.GroupID
	default:
		return models.UnknownGroupID
	}
}

// journaled reports whether the same delivery already left its entry.
func journaled(j models.Journal, entry models.JournalEntry) bool {
	if entry.EventID == "" {
		return false
	}
	for _, e := range j {
		if e.EventID == entry.EventID && e.Kind == entry.Kind {
			return true
		}
	}
	return false
}

func decodeObject(evt *models.Event, dst any) error {
	if err := json.Unmarshal(evt.Data.Object, dst); err != nil {
		return fmt.Errorf("%w: decode %s object: %v", models.ErrUnreadableObject, evt.Type, err)
	}
	return nil
}
