package repositories

import (
	"context"
	"database/sql"
	"time"

	"clubBack/internal/models"
)

// WebhookRepo journals raw provider deliveries.
type WebhookRepo struct {
	db      dbtx
	dialect Dialect
}

func NewWebhookRepo(db *sql.DB, d Dialect) *WebhookRepo {
	return &WebhookRepo{db: db, dialect: d}
}

// SaveDelivery records a verified delivery. A redelivery of the same event id
// refreshes the stored payload and signature.
func (r *WebhookRepo) SaveDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	received := d.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	outcome := d.Outcome
	if outcome == "" {
		outcome = models.WebhookOutcomeReceived
	}
	id, err := r.dialect.insertID(ctx, r.db,
		`INSERT INTO payment_webhooks (provider, event_id, event_type, signature, payload, outcome, received_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Provider, d.EventID, d.EventType, d.Signature, string(d.Payload), outcome, received,
	)
	if err == nil {
		d.ID = id
		return nil
	}
	if !isDuplicate(err) {
		return err
	}
	q := r.dialect.Rebind(`UPDATE payment_webhooks SET signature = ?, payload = ?, received_at = ? WHERE event_id = ?`)
	if _, err := r.db.ExecContext(ctx, q, d.Signature, string(d.Payload), received, d.EventID); err != nil {
		return err
	}
	return r.db.QueryRowContext(ctx, r.dialect.Rebind(`SELECT id FROM payment_webhooks WHERE event_id = ?`), d.EventID).Scan(&d.ID)
}

func (r *WebhookRepo) MarkProcessed(ctx context.Context, eventID, outcome, reason, errText string, at time.Time) error {
	q := r.dialect.Rebind(`UPDATE payment_webhooks SET outcome = ?, reason = ?, error = ?, processed_at = ? WHERE event_id = ?`)
	res, err := r.db.ExecContext(ctx, q, outcome, reason, errText, at, eventID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNoRecord
	}
	return nil
}

func (r *WebhookRepo) FindDelivery(ctx context.Context, eventID string) (*models.WebhookDelivery, error) {
	q := r.dialect.Rebind(`SELECT id, provider, event_id, event_type, payload, outcome, reason, error, received_at, processed_at FROM payment_webhooks WHERE event_id = ?`)
	var (
		d           models.WebhookDelivery
		payload     sql.NullString
		errText     sql.NullString
		processedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, eventID).Scan(&d.ID, &d.Provider, &d.EventID, &d.EventType, &payload, &d.Outcome, &d.Reason, &errText, &d.ReceivedAt, &processedAt)
	if err != nil {
		return nil, notFound(err)
	}
	d.Payload = []byte(payload.String)
	d.Error = errText.String
	if processedAt.Valid {
		d.ProcessedAt = &processedAt.Time
	}
	return &d, nil
}

// PurgeProcessedBefore drops processed deliveries older than before.
func (r *WebhookRepo) PurgeProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	q := r.dialect.Rebind(`DELETE FROM payment_webhooks WHERE processed_at IS NOT NULL AND processed_at < ?`)
	res, err := r.db.ExecContext(ctx, q, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
