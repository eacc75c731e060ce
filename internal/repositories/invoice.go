package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clubBack/internal/billing/reconcile"
	"clubBack/internal/models"
)

// InvoiceRepo is the SQL ledger. Journal entries live in invoice_journal and
// are only ever inserted.
type InvoiceRepo struct {
	db      dbtx
	conn    *sql.DB
	dialect Dialect
}

var (
	_ reconcile.LedgerStore = (*InvoiceRepo)(nil)
	_ reconcile.Atomic      = (*InvoiceRepo)(nil)
)

func NewInvoiceRepo(db *sql.DB, d Dialect) *InvoiceRepo {
	return &InvoiceRepo{db: db, conn: db, dialect: d}
}

const invoiceColumns = `id, external_id, children_id, group_id, amount, status, created_at, updated_at`

func scanInvoice(row interface{ Scan(...any) error }) (*models.InvoiceRecord, error) {
	var (
		rec       models.InvoiceRecord
		updatedAt sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.ExternalID, &rec.ChildrenID, &rec.GroupID, &rec.Amount, &rec.Status, &rec.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		rec.UpdatedAt = &t
	}
	return &rec, nil
}

func (r *InvoiceRepo) FindByExternalID(ctx context.Context, externalID string) (*models.InvoiceRecord, error) {
	q := r.dialect.Rebind(`SELECT ` + invoiceColumns + ` FROM invoices WHERE external_id = ?`)
	rec, err := scanInvoice(r.db.QueryRowContext(ctx, q, externalID))
	if err != nil {
		return nil, notFound(err)
	}
	journals, err := r.journals(ctx, `invoice_id = ?`, rec.ID)
	if err != nil {
		return nil, err
	}
	rec.Metadata = journals[rec.ID]
	return rec, nil
}

func (r *InvoiceRepo) Insert(ctx context.Context, rec *models.InvoiceRecord) error {
	if rec.ExternalID == "" {
		return fmt.Errorf("external_id is required")
	}
	if r.conn != nil {
		// Row and first journal entries must land together.
		return r.Atomically(ctx, func(ctx context.Context, ledger reconcile.LedgerStore, _ reconcile.EnrollmentStore) error {
			return ledger.Insert(ctx, rec)
		})
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
		rec.CreatedAt = created
	}
	id, err := r.dialect.insertID(ctx, r.db,
		`INSERT INTO invoices (external_id, children_id, group_id, amount, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ExternalID, rec.ChildrenID, rec.GroupID, rec.Amount, rec.Status, created,
	)
	if err != nil {
		if isDuplicate(err) {
			return models.ErrDuplicateRecord
		}
		return err
	}
	rec.ID = id
	for _, entry := range rec.Metadata {
		if err := r.appendEntry(ctx, id, entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *InvoiceRepo) Update(ctx context.Context, rec *models.InvoiceRecord, entry *models.JournalEntry) error {
	if r.conn != nil && entry != nil {
		return r.Atomically(ctx, func(ctx context.Context, ledger reconcile.LedgerStore, _ reconcile.EnrollmentStore) error {
			return ledger.Update(ctx, rec, entry)
		})
	}

	updated := time.Now().UTC()
	if rec.UpdatedAt != nil {
		updated = *rec.UpdatedAt
	}
	q := r.dialect.Rebind(`UPDATE invoices SET children_id = ?, group_id = ?, amount = ?, status = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, rec.ChildrenID, rec.GroupID, rec.Amount, rec.Status, updated, rec.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL reports 0 when the values did not change, so confirm the row exists.
		if _, err := r.FindByExternalID(ctx, rec.ExternalID); err != nil {
			return err
		}
	}
	if entry != nil {
		return r.appendEntry(ctx, rec.ID, *entry)
	}
	return nil
}

// ListByChild returns the child's ledger records, newest first.
func (r *InvoiceRepo) ListByChild(ctx context.Context, childrenID int64) ([]models.InvoiceRecord, error) {
	q := r.dialect.Rebind(`SELECT ` + invoiceColumns + ` FROM invoices WHERE children_id = ? ORDER BY id DESC`)
	rows, err := r.db.QueryContext(ctx, q, childrenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.InvoiceRecord
	for rows.Next() {
		rec, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	journals, err := r.journals(ctx, `invoice_id IN (SELECT id FROM invoices WHERE children_id = ?)`, childrenID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Metadata = journals[out[i].ID]
	}
	return out, nil
}

// Atomically runs fn inside one database transaction.
func (r *InvoiceRepo) Atomically(ctx context.Context, fn func(ctx context.Context, ledger reconcile.LedgerStore, enrollment reconcile.EnrollmentStore) error) error {
	if r.conn == nil {
		// Already inside a transaction.
		return fn(ctx, r, &ChildrenRepo{db: r.db, dialect: r.dialect})
	}
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	ledger := &InvoiceRepo{db: tx, dialect: r.dialect}
	enrollment := &ChildrenRepo{db: tx, dialect: r.dialect}
	if err := fn(ctx, ledger, enrollment); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *InvoiceRepo) appendEntry(ctx context.Context, invoiceID int64, entry models.JournalEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var payload any
	if len(entry.Payload) > 0 {
		payload = string(entry.Payload)
	}
	q := r.dialect.Rebind(`INSERT INTO invoice_journal (invoice_id, kind, event_id, payload, recorded_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, q, invoiceID, entry.Kind, entry.EventID, payload, ts); err != nil {
		if isForeignKeyViolation(err) {
			return models.ErrNoRecord
		}
		return fmt.Errorf("append journal entry %s: %w", entry.Kind, err)
	}
	return nil
}

func (r *InvoiceRepo) journals(ctx context.Context, where string, args ...any) (map[int64]models.Journal, error) {
	q := r.dialect.Rebind(`SELECT invoice_id, kind, event_id, payload, recorded_at FROM invoice_journal WHERE ` + where + ` ORDER BY id`)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]models.Journal)
	for rows.Next() {
		var (
			invoiceID int64
			entry     models.JournalEntry
			payload   sql.NullString
		)
		if err := rows.Scan(&invoiceID, &entry.Kind, &entry.EventID, &payload, &entry.Timestamp); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			entry.Payload = []byte(payload.String)
		}
		out[invoiceID] = append(out[invoiceID], entry)
	}
	return out, rows.Err()
}
