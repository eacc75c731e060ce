package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clubBack/internal/billing/reconcile"
	"clubBack/internal/models"
)

func TestInsertRejectsDuplicateExternalID(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := &models.InvoiceRecord{ExternalID: "in_1", ChildrenID: 1}
	require.NoError(t, s.Insert(ctx, first))
	assert.Equal(t, int64(1), first.ID)

	err := s.Insert(ctx, &models.InvoiceRecord{ExternalID: "in_1", ChildrenID: 2})
	assert.ErrorIs(t, err, models.ErrDuplicateRecord)
}

func TestUpdateAppendsJournal(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, &models.InvoiceRecord{ExternalID: "in_1", Status: "pending"}))

	rec, err := s.FindByExternalID(ctx, "in_1")
	require.NoError(t, err)
	rec.Status = "paid"
	require.NoError(t, s.Update(ctx, rec, &models.JournalEntry{Kind: "invoice_payment_succeeded", EventID: "evt_1"}))
	require.NoError(t, s.Update(ctx, rec, nil))

	got, err := s.FindByExternalID(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, "paid", got.Status)
	assert.Equal(t, []string{"invoice_payment_succeeded"}, got.Metadata.Kinds())

	err = s.Update(ctx, &models.InvoiceRecord{ExternalID: "in_missing"}, nil)
	assert.ErrorIs(t, err, models.ErrNoRecord)
}

func TestAtomicallyRestoresOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	g := int64(4)
	s.PutChild(models.Child{ID: 1, GroupID: &g})

	boom := errors.New("boom")
	err := s.Atomically(ctx, func(ctx context.Context, ledger reconcile.LedgerStore, enrollment reconcile.EnrollmentStore) error {
		require.NoError(t, ledger.Insert(ctx, &models.InvoiceRecord{ExternalID: "sub_1", ChildrenID: 1}))
		require.NoError(t, enrollment.ClearGroup(ctx, 1))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.Records())

	child, err := s.FindChildByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, child.GroupID)
	assert.Equal(t, int64(4), *child.GroupID)
}

func TestAtomicallyKeepsConcurrentWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	g := int64(4)
	s.PutChild(models.Child{ID: 1, GroupID: &g})
	s.PutChild(models.Child{ID: 2})
	require.NoError(t, s.Insert(ctx, &models.InvoiceRecord{ExternalID: "in_kept", Status: "pending"}))

	inBlock := make(chan struct{})
	resume := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Atomically(ctx, func(ctx context.Context, ledger reconcile.LedgerStore, enrollment reconcile.EnrollmentStore) error {
			if err := ledger.Insert(ctx, &models.InvoiceRecord{ExternalID: "sub_1", ChildrenID: 1}); err != nil {
				return err
			}
			if err := enrollment.ClearGroup(ctx, 1); err != nil {
				return err
			}
			close(inBlock)
			<-resume
			return errors.New("boom")
		})
	}()

	<-inBlock
	require.NoError(t, s.Insert(ctx, &models.InvoiceRecord{ExternalID: "in_other", ChildrenID: 2}))
	kept, err := s.FindByExternalID(ctx, "in_kept")
	require.NoError(t, err)
	kept.Status = "paid"
	require.NoError(t, s.Update(ctx, kept, nil))
	_, err = s.SetGroup(ctx, 2, 9)
	require.NoError(t, err)
	close(resume)
	require.Error(t, <-done)

	_, err = s.FindByExternalID(ctx, "sub_1")
	assert.ErrorIs(t, err, models.ErrNoRecord)
	_, err = s.FindByExternalID(ctx, "in_other")
	assert.NoError(t, err)
	kept, err = s.FindByExternalID(ctx, "in_kept")
	require.NoError(t, err)
	assert.Equal(t, "paid", kept.Status)

	child, err := s.FindChildByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, child.GroupID)
	assert.Equal(t, int64(4), *child.GroupID)
	other, err := s.FindChildByID(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, other.GroupID)
	assert.Equal(t, int64(9), *other.GroupID)
}

func TestListByChildNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"in_1", "in_2", "in_3"} {
		require.NoError(t, s.Insert(ctx, &models.InvoiceRecord{ExternalID: id, ChildrenID: 5}))
	}
	require.NoError(t, s.Insert(ctx, &models.InvoiceRecord{ExternalID: "in_other", ChildrenID: 6}))

	got, err := s.ListByChild(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "in_3", got[0].ExternalID)
	assert.Equal(t, "in_1", got[2].ExternalID)
}

func TestDeliveryJournal(t *testing.T) {
	s := New()
	ctx := context.Background()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveDelivery(ctx, &models.WebhookDelivery{EventID: "evt_old", Outcome: models.WebhookOutcomeReceived, ReceivedAt: old}))
	require.NoError(t, s.SaveDelivery(ctx, &models.WebhookDelivery{EventID: "evt_new", Outcome: models.WebhookOutcomeReceived, ReceivedAt: old}))
	require.NoError(t, s.SaveDelivery(ctx, &models.WebhookDelivery{EventID: "evt_open", Outcome: models.WebhookOutcomeReceived, ReceivedAt: old}))
	require.NoError(t, s.MarkProcessed(ctx, "evt_old", models.WebhookOutcomeHandled, "", "", old))
	require.NoError(t, s.MarkProcessed(ctx, "evt_new", models.WebhookOutcomeUnmatched, models.ReasonCustomerNotFound, "", old.Add(72*time.Hour)))

	n, err := s.PurgeProcessedBefore(ctx, old.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.FindDelivery(ctx, "evt_old")
	assert.ErrorIs(t, err, models.ErrNoRecord)

	d, err := s.FindDelivery(ctx, "evt_new")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonCustomerNotFound, d.Reason)

	// Unprocessed deliveries are kept whatever their age.
	_, err = s.FindDelivery(ctx, "evt_open")
	assert.NoError(t, err)

	assert.ErrorIs(t, s.MarkProcessed(ctx, "evt_missing", "handled", "", "", old), models.ErrNoRecord)
}
