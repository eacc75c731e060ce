package repositories

import (
	"context"
	"database/sql"

	"clubBack/internal/models"
)

type GroupRepo struct {
	db      dbtx
	dialect Dialect
}

func NewGroupRepo(db *sql.DB, d Dialect) *GroupRepo {
	return &GroupRepo{db: db, dialect: d}
}

func (r *GroupRepo) FindGroupByID(ctx context.Context, id int64) (*models.Group, error) {
	q := r.dialect.Rebind(`SELECT id, name, external_id FROM ` + r.dialect.Ident("groups") + ` WHERE id = ?`)
	var (
		g          models.Group
		externalID sql.NullString
	)
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&g.ID, &g.Name, &externalID); err != nil {
		return nil, notFound(err)
	}
	if externalID.Valid && externalID.String != "" {
		g.ExternalID = &externalID.String
	}
	return &g, nil
}
