package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"clubBack/internal/models"
)

// HandlerFunc reconciles one event type.
type HandlerFunc func(ctx context.Context, evt *models.Event) (models.ReconciliationResult, error)

// KnownTypes is the closed set of event types the router dispatches.
var KnownTypes = []models.EventType{
	models.EventCustomerCreated,
	models.EventSubscriptionCreated,
	models.EventSubscriptionUpdated,
	models.EventSubscriptionDeleted,
	models.EventSubscriptionPaused,
	models.EventSubscriptionResumed,
	models.EventInvoiceCreated,
	models.EventInvoiceFinalized,
	models.EventInvoicePaymentSucceeded,
	models.EventInvoicePaymentFailed,
	models.EventInvoicePaymentActionRequired,
}

// Router dispatches events by type. The handler table is fixed at
// construction.
type Router struct {
	handlers map[models.EventType]HandlerFunc
	logger   *slog.Logger
}

// NewRouter fails unless handlers covers exactly KnownTypes.
func NewRouter(handlers map[models.EventType]HandlerFunc, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	table := make(map[models.EventType]HandlerFunc, len(KnownTypes))
	for _, t := range KnownTypes {
		h, ok := handlers[t]
		if !ok || h == nil {
			return nil, fmt.Errorf("reconcile: no handler for %s", t)
		}
		table[t] = h
	}
	if len(handlers) != len(table) {
		for t := range handlers {
			if _, ok := table[t]; !ok {
				return nil, fmt.Errorf("reconcile: handler registered for unknown type %s", t)
			}
		}
	}
	return &Router{handlers: table, logger: logger}, nil
}

// New builds a router over the engine's handler table.
func New(engine *Engine) (*Router, error) {
	return NewRouter(engine.Handlers(), engine.logger)
}

// Route validates the envelope and runs the handler for its type. Unknown
// types are acknowledged without touching any store.
func (r *Router) Route(ctx context.Context, evt *models.Event) (models.ReconciliationResult, error) {
	if err := evt.Validate(); err != nil {
		return models.ReconciliationResult{}, err
	}

	h, ok := r.handlers[evt.Type]
	if !ok {
		r.logger.Warn("unhandled billing event type", "type", evt.Type, "event_id", evt.ID)
		return models.ReconciliationResult{Handled: false, Type: evt.Type}, nil
	}

	res, err := h(ctx, evt)
	if err != nil {
		return models.ReconciliationResult{}, fmt.Errorf("reconcile %s %s: %w", evt.Type, evt.ID, err)
	}
	res.Type = evt.Type
	return res, nil
}
