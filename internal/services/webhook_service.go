package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clubBack/internal/billing/archive"
	"clubBack/internal/billing/dedupe"
	"clubBack/internal/billing/metrics"
	"clubBack/internal/models"
)

// EventVerifier authenticates and decodes a raw delivery.
type EventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (*models.Event, error)
}

type EventRouter interface {
	Route(ctx context.Context, evt *models.Event) (models.ReconciliationResult, error)
}

// WebhookJournal records raw deliveries and their outcome.
type WebhookJournal interface {
	SaveDelivery(ctx context.Context, d *models.WebhookDelivery) error
	MarkProcessed(ctx context.Context, eventID, outcome, reason, errText string, at time.Time) error
}

type WebhookConfig struct {
	Provider string
	Verifier EventVerifier
	Router   EventRouter
	Dedupe   dedupe.Store
	Journal  WebhookJournal
	Archive  archive.Archiver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

type WebhookService struct {
	provider string
	verifier EventVerifier
	router   EventRouter
	dedupe   dedupe.Store
	journal  WebhookJournal
	archive  archive.Archiver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewWebhookService(cfg WebhookConfig) (*WebhookService, error) {
	if cfg.Verifier == nil || cfg.Router == nil {
		return nil, errors.New("webhook service: verifier and router are required")
	}
	s := &WebhookService{
		provider: cfg.Provider,
		verifier: cfg.Verifier,
		router:   cfg.Router,
		dedupe:   cfg.Dedupe,
		journal:  cfg.Journal,
		archive:  cfg.Archive,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.provider == "" {
		s.provider = "stripe"
	}
	if s.archive == nil {
		s.archive = archive.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Process verifies one delivery and routes it. Authenticity and envelope
// failures wrap models.ErrInvalidSignature / models.ErrMalformedEvent; an
// event still being processed by another request returns
// models.ErrEventInFlight.
func (s *WebhookService) Process(ctx context.Context, body []byte, signature string) (models.ReconciliationResult, error) {
	started := s.now()

	evt, err := s.verifier.VerifyEvent(body, signature)
	if err != nil {
		s.metrics.ObserveWebhook("", "rejected", s.now().Sub(started))
		return models.ReconciliationResult{}, err
	}
	logger := s.logger.With("event_id", evt.ID, "type", string(evt.Type))

	claimed := s.dedupe == nil
	if s.dedupe != nil {
		existing, ok, err := s.dedupe.Claim(ctx, evt.ID)
		switch {
		case err != nil:
			logger.Warn("dedupe unavailable, processing anyway", "err", err)
		case ok:
			claimed = true
		case existing.State == dedupe.StateCompleted:
			res := existing.Result
			res.Duplicate = true
			logger.Info("duplicate delivery answered from cache")
			s.metrics.ObserveWebhook(string(evt.Type), "duplicate", s.now().Sub(started))
			return res, nil
		default:
			s.metrics.ObserveWebhook(string(evt.Type), "in_flight", s.now().Sub(started))
			return models.ReconciliationResult{}, models.ErrEventInFlight
		}
	}

	// A claim that is not completed is released on every exit, panics
	// included, so the provider's next retry runs the handler again.
	completed := false
	if claimed && s.dedupe != nil {
		defer func() {
			if completed {
				return
			}
			if rerr := s.dedupe.Release(context.WithoutCancel(ctx), evt.ID); rerr != nil {
				logger.Warn("release dedupe claim", "err", rerr)
			}
		}()
	}

	receivedAt := s.now().UTC()
	s.record(ctx, logger, &models.WebhookDelivery{
		Provider:   s.provider,
		EventID:    evt.ID,
		EventType:  string(evt.Type),
		Signature:  signature,
		Payload:    body,
		Outcome:    models.WebhookOutcomeReceived,
		ReceivedAt: receivedAt,
	})
	if err := s.archive.Archive(ctx, evt.ID, receivedAt, body); err != nil {
		logger.Error("archive raw payload", "err", err)
	}

	res, err := s.router.Route(ctx, evt)
	if err != nil {
		logger.Error("reconcile failed", "err", err)
		s.mark(ctx, logger, evt.ID, models.WebhookOutcomeFailed, "", err.Error())
		s.metrics.ObserveWebhook(string(evt.Type), models.WebhookOutcomeFailed, s.now().Sub(started))
		return models.ReconciliationResult{}, fmt.Errorf("process event %s: %w", evt.ID, err)
	}

	outcome := res.Outcome()
	// Unmatched deliveries stay retryable until the customer is linked.
	if claimed && s.dedupe != nil && outcome != models.WebhookOutcomeUnmatched {
		if err := s.dedupe.Complete(ctx, evt.ID, res); err != nil {
			logger.Warn("cache reconciliation result", "err", err)
		} else {
			completed = true
		}
	}
	s.mark(ctx, logger, evt.ID, outcome, res.Reason, "")
	s.metrics.ObserveWebhook(string(evt.Type), outcome, s.now().Sub(started))
	logger.Info("webhook processed", "outcome", outcome, "external_id", res.ExternalID, "status", res.Status)
	return res, nil
}

func (s *WebhookService) record(ctx context.Context, logger *slog.Logger, d *models.WebhookDelivery) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveDelivery(ctx, d); err != nil {
		logger.Error("save webhook delivery", "err", err)
	}
}

func (s *WebhookService) mark(ctx context.Context, logger *slog.Logger, eventID, outcome, reason, errText string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.MarkProcessed(context.WithoutCancel(ctx), eventID, outcome, reason, errText, s.now().UTC()); err != nil {
		logger.Error("mark webhook delivery", "err", err, "outcome", outcome)
	}
}
