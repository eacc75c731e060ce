package repositories

import (
	"context"
	"database/sql"
	"time"

	"clubBack/internal/billing/reconcile"
	"clubBack/internal/models"
)

// ChildrenRepo reads and toggles the billing columns of the children table.
type ChildrenRepo struct {
	db      dbtx
	dialect Dialect
}

var _ reconcile.EnrollmentStore = (*ChildrenRepo)(nil)

func NewChildrenRepo(db *sql.DB, d Dialect) *ChildrenRepo {
	return &ChildrenRepo{db: db, dialect: d}
}

const childColumns = `id, parent_id, name, email, phone, external_id, group_id, updated_at`

func scanChild(row interface{ Scan(...any) error }) (*models.Child, error) {
	var (
		c          models.Child
		parentID   sql.NullInt64
		email      sql.NullString
		phone      sql.NullString
		externalID sql.NullString
		groupID    sql.NullInt64
		updatedAt  sql.NullTime
	)
	if err := row.Scan(&c.ID, &parentID, &c.Name, &email, &phone, &externalID, &groupID, &updatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		c.ParentID = &parentID.Int64
	}
	c.Email = email.String
	c.Phone = phone.String
	if externalID.Valid && externalID.String != "" {
		c.ExternalID = &externalID.String
	}
	if groupID.Valid {
		c.GroupID = &groupID.Int64
	}
	if updatedAt.Valid {
		c.UpdatedAt = &updatedAt.Time
	}
	return &c, nil
}

func (r *ChildrenRepo) FindByCustomerRef(ctx context.Context, customerRef string) (*models.Child, error) {
	q := r.dialect.Rebind(`SELECT ` + childColumns + ` FROM children WHERE external_id = ? LIMIT 1`)
	c, err := scanChild(r.db.QueryRowContext(ctx, q, customerRef))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *ChildrenRepo) FindChildByID(ctx context.Context, id int64) (*models.Child, error) {
	q := r.dialect.Rebind(`SELECT ` + childColumns + ` FROM children WHERE id = ?`)
	c, err := scanChild(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// SetGroup enrolls the child and returns the updated row.
func (r *ChildrenRepo) SetGroup(ctx context.Context, childrenID, groupID int64) (*models.Child, error) {
	if err := r.exec(ctx, `UPDATE children SET group_id = ?, updated_at = ? WHERE id = ?`, groupID, time.Now().UTC(), childrenID); err != nil {
		return nil, err
	}
	return r.FindChildByID(ctx, childrenID)
}

func (r *ChildrenRepo) ClearGroup(ctx context.Context, childrenID int64) error {
	return r.exec(ctx, `UPDATE children SET group_id = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), childrenID)
}

func (r *ChildrenRepo) SetCustomerRef(ctx context.Context, childrenID int64, customerRef string) error {
	return r.exec(ctx, `UPDATE children SET external_id = ?, updated_at = ? WHERE id = ?`, customerRef, time.Now().UTC(), childrenID)
}

func (r *ChildrenRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNoRecord
	}
	return nil
}
