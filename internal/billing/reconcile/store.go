package reconcile

import (
	"context"

	"clubBack/internal/models"
)

// LedgerStore persists invoice records keyed by provider external id.
type LedgerStore interface {
	// FindByExternalID returns models.ErrNoRecord when nothing matches.
	FindByExternalID(ctx context.Context, externalID string) (*models.InvoiceRecord, error)
	// Insert stores rec together with its journal and sets rec.ID. It returns
	// models.ErrDuplicateRecord when external_id is already taken.
	Insert(ctx context.Context, rec *models.InvoiceRecord) error
	// Update writes the mutable columns of rec and appends entry to its
	// journal when entry is not nil.
	Update(ctx context.Context, rec *models.InvoiceRecord, entry *models.JournalEntry) error
}

// EnrollmentStore exposes the child fields the engine reads or clears.
type EnrollmentStore interface {
	// FindByCustomerRef returns models.ErrNoRecord when no child carries ref.
	FindByCustomerRef(ctx context.Context, customerRef string) (*models.Child, error)
	ClearGroup(ctx context.Context, childrenID int64) error
}

// Atomic is implemented by stores that can commit ledger and enrollment
// writes as one unit.
type Atomic interface {
	Atomically(ctx context.Context, fn func(ctx context.Context, ledger LedgerStore, enrollment EnrollmentStore) error) error
}
