package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clubBack/internal/billing/fsm"
	"clubBack/internal/billing/memstore"
	"clubBack/internal/billing/reconcile"
	"clubBack/internal/models"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

type fixture struct {
	store  *memstore.Store
	router *reconcile.Router
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memstore.New()
	store.PutChild(models.Child{ID: 7, Name: "Aru", ExternalID: ptr("cus_7"), GroupID: ptr(int64(3))})
	return fixture{store: store, router: newRouter(t, store, store)}
}

func newRouter(t *testing.T, ledger reconcile.LedgerStore, enrollment reconcile.EnrollmentStore) *reconcile.Router {
	t.Helper()
	engine, err := reconcile.NewEngine(reconcile.Config{
		Ledger:     ledger,
		Enrollment: enrollment,
		Logger:     quietLogger(),
		Now:        func() time.Time { return testNow },
	})
	require.NoError(t, err)
	router, err := reconcile.New(engine)
	require.NoError(t, err)
	return router
}

func event(t *testing.T, id string, typ models.EventType, object map[string]any) *models.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	evt := &models.Event{ID: id, Type: typ, Created: testNow.Unix()}
	evt.Data.Object = raw
	return evt
}

func subscription(id, customer, status string) map[string]any {
	return map[string]any{
		"id":       id,
		"customer": customer,
		"status":   status,
		"items": map[string]any{
			"data": []map[string]any{{"quantity": 1, "price": map[string]any{"id": "price_1", "unit_amount": 1500000}}},
		},
		"metadata": map[string]string{"group_id": "3", "children_id": "7"},
	}
}

func invoice(id, customer string) map[string]any {
	return map[string]any{
		"id":           id,
		"customer":     customer,
		"subscription": "sub_1",
		"amount_due":   1500000,
		"amount_paid":  1500000,
	}
}

func TestRouterRequiresEveryKnownType(t *testing.T) {
	store := memstore.New()
	engine, err := reconcile.NewEngine(reconcile.Config{Ledger: store, Enrollment: store, Logger: quietLogger()})
	require.NoError(t, err)

	handlers := engine.Handlers()
	for _, typ := range reconcile.KnownTypes {
		assert.Contains(t, handlers, typ)
	}
	assert.Len(t, handlers, len(reconcile.KnownTypes))

	delete(handlers, models.EventInvoiceFinalized)
	_, err = reconcile.NewRouter(handlers, quietLogger())
	require.Error(t, err)

	handlers = engine.Handlers()
	handlers["charge.refunded"] = handlers[models.EventInvoiceCreated]
	_, err = reconcile.NewRouter(handlers, quietLogger())
	require.Error(t, err)
}

func TestSubscriptionCreatedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	evt := event(t, "evt_1", models.EventSubscriptionCreated, subscription("sub_1", "cus_7", "active"))

	res, err := f.router.Route(ctx, evt)
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Equal(t, models.EventSubscriptionCreated, res.Type)
	first := f.store.Records()

	res, err = f.router.Route(ctx, evt)
	require.NoError(t, err)
	assert.True(t, res.Handled)
	second := f.store.Records()

	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, fsm.StatusActive, second[0].Status)
	assert.Equal(t, int64(1500000), second[0].Amount)
	assert.Equal(t, int64(7), second[0].ChildrenID)
	assert.Equal(t, int64(3), second[0].GroupID)
	assert.Equal(t, first[0].Metadata.Kinds(), second[0].Metadata.Kinds())
}

func TestInvoiceFinalizedUpsertsInPlace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.router.Route(ctx, event(t, "evt_1", models.EventInvoiceFinalized, invoice("in_1", "cus_7")))
	require.NoError(t, err)
	records := f.store.Records()
	require.Len(t, records, 1)
	id := records[0].ID
	assert.Equal(t, fsm.StatusFinalized, records[0].Status)

	_, err = f.router.Route(ctx, event(t, "evt_2", models.EventInvoiceFinalized, invoice("in_1", "cus_7")))
	require.NoError(t, err)
	records = f.store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
	assert.Equal(t, fsm.StatusFinalized, records[0].Status)
	assert.Equal(t, []string{"invoice_finalized", "invoice_finalized"}, records[0].Metadata.Kinds())
}

func TestInvoiceFinalizedUpdatesRecordInAnyStatus(t *testing.T) {
	prior := []models.EventType{
		models.EventInvoicePaymentFailed,
		models.EventInvoicePaymentSucceeded,
		models.EventInvoicePaymentActionRequired,
	}
	for _, typ := range prior {
		t.Run(string(typ), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)

			_, err := f.router.Route(ctx, event(t, "evt_1", typ, invoice("in_1", "cus_7")))
			require.NoError(t, err)
			records := f.store.Records()
			require.Len(t, records, 1)
			id := records[0].ID

			res, err := f.router.Route(ctx, event(t, "evt_2", models.EventInvoiceFinalized, invoice("in_1", "cus_7")))
			require.NoError(t, err)
			assert.True(t, res.Handled)

			records = f.store.Records()
			require.Len(t, records, 1)
			assert.Equal(t, id, records[0].ID)
			assert.Equal(t, fsm.StatusFinalized, records[0].Status)
			assert.Equal(t, []string{fsm.JournalKind(typ), "invoice_finalized"}, records[0].Metadata.Kinds())
		})
	}
}

func TestZeroAmountOverwritesPriorAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created := invoice("in_1", "cus_7")
	created["amount_due"] = 5000
	_, err := f.router.Route(ctx, event(t, "evt_1", models.EventInvoiceCreated, created))
	require.NoError(t, err)
	require.Equal(t, int64(5000), f.store.Records()[0].Amount)

	discounted := invoice("in_1", "cus_7")
	discounted["amount_paid"] = 0
	_, err = f.router.Route(ctx, event(t, "evt_2", models.EventInvoicePaymentSucceeded, discounted))
	require.NoError(t, err)
	rec := f.store.Records()[0]
	assert.Equal(t, fsm.StatusPaid, rec.Status)
	assert.Equal(t, int64(0), rec.Amount)
}

func TestAbsentAmountKeepsPriorAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.router.Route(ctx, event(t, "evt_1", models.EventInvoiceCreated, invoice("in_1", "cus_7")))
	require.NoError(t, err)

	bare := map[string]any{"id": "in_1", "customer": "cus_7"}
	_, err = f.router.Route(ctx, event(t, "evt_2", models.EventInvoicePaymentFailed, bare))
	require.NoError(t, err)
	rec := f.store.Records()[0]
	assert.Equal(t, fsm.StatusFailed, rec.Status)
	assert.Equal(t, int64(1500000), rec.Amount)

	sub := subscription("sub_1", "cus_7", "active")
	delete(sub, "items")
	_, err = f.router.Route(ctx, event(t, "evt_3", models.EventSubscriptionCreated, sub))
	require.NoError(t, err)
	_, err = f.router.Route(ctx, event(t, "evt_4", models.EventSubscriptionUpdated, subscription("sub_1", "cus_7", "active")))
	require.NoError(t, err)
	_, err = f.router.Route(ctx, event(t, "evt_5", models.EventSubscriptionUpdated, sub))
	require.NoError(t, err)
	got, err := f.store.FindByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1500000), got.Amount)
}

func TestSubscriptionUpdatedStatusTable(t *testing.T) {
	cases := map[string]string{
		"active":   fsm.StatusActive,
		"canceled": fsm.StatusCanceled,
		"unpaid":   fsm.StatusCanceled,
		"past_due": fsm.StatusPending,
		"trialing": fsm.StatusPending,
	}
	for provider, want := range cases {
		t.Run(provider, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.router.Route(context.Background(),
				event(t, "evt_"+provider, models.EventSubscriptionUpdated, subscription("sub_1", "cus_7", provider)))
			require.NoError(t, err)
			assert.Equal(t, want, res.Status)
			assert.Equal(t, want, f.store.Records()[0].Status)
		})
	}
}

func TestDirectStatuses(t *testing.T) {
	subTypes := []models.EventType{
		models.EventSubscriptionCreated,
		models.EventSubscriptionPaused,
		models.EventSubscriptionResumed,
		models.EventSubscriptionDeleted,
	}
	for _, typ := range subTypes {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture(t)
			res, err := f.router.Route(context.Background(), event(t, "evt_x", typ, subscription("sub_1", "cus_7", "whatever")))
			require.NoError(t, err)
			want, _ := fsm.ForEvent(typ, "")
			assert.Equal(t, want, res.Status)
		})
	}

	invTypes := []models.EventType{
		models.EventInvoiceCreated,
		models.EventInvoiceFinalized,
		models.EventInvoicePaymentSucceeded,
		models.EventInvoicePaymentFailed,
		models.EventInvoicePaymentActionRequired,
	}
	for _, typ := range invTypes {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture(t)
			res, err := f.router.Route(context.Background(), event(t, "evt_x", typ, invoice("in_1", "cus_7")))
			require.NoError(t, err)
			want, _ := fsm.ForEvent(typ, "")
			assert.Equal(t, want, res.Status)
			rec := f.store.Records()[0]
			assert.True(t, rec.Metadata.Has(fsm.JournalKind(typ)))
		})
	}
}

func TestInvoiceForUnknownCustomerIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	res, err := f.router.Route(context.Background(),
		event(t, "evt_1", models.EventInvoicePaymentSucceeded, invoice("in_9", "cus_unknown")))
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Equal(t, models.ReasonCustomerNotFound, res.Reason)
	assert.Empty(t, f.store.Records())
}

func TestSubscriptionDeletedClearsEnrollment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.router.Route(ctx, event(t, "evt_1", models.EventSubscriptionCreated, subscription("sub_1", "cus_7", "active")))
	require.NoError(t, err)

	res, err := f.router.Route(ctx, event(t, "evt_2", models.EventSubscriptionDeleted, subscription("sub_1", "cus_7", "canceled")))
	require.NoError(t, err)
	assert.True(t, res.Handled)

	rec := f.store.Records()[0]
	assert.Equal(t, fsm.StatusCanceled, rec.Status)
	assert.False(t, fsm.Enrolled(rec.Status))
	assert.True(t, rec.Metadata.Has("subscription_deleted"))

	child, err := f.store.FindChildByID(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, child.GroupID)
}

func TestEnrollmentFollowsSubscriptionStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.router.Route(ctx, event(t, "evt_1", models.EventSubscriptionCreated, subscription("sub_1", "cus_7", "active")))
	require.NoError(t, err)
	assert.True(t, fsm.Enrolled(res.Status))
	child, err := f.store.FindChildByID(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, child.GroupID)

	res, err = f.router.Route(ctx, event(t, "evt_2", models.EventSubscriptionDeleted, subscription("sub_1", "cus_7", "canceled")))
	require.NoError(t, err)
	assert.False(t, fsm.Enrolled(res.Status))
	child, err = f.store.FindChildByID(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, child.GroupID)
}

// plainLedger hides memstore's Atomically so the engine takes the
// non-transactional path.
type plainLedger struct{ reconcile.LedgerStore }

type failingEnrollment struct {
	reconcile.EnrollmentStore
	err error
}

func (f failingEnrollment) ClearGroup(context.Context, int64) error { return f.err }

func TestSubscriptionDeletedWithoutTransactionTolerantOfEnrollmentFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.PutChild(models.Child{ID: 7, ExternalID: ptr("cus_7"), GroupID: ptr(int64(3))})
	router := newRouter(t, plainLedger{store}, failingEnrollment{EnrollmentStore: store, err: errors.New("lock wait timeout")})

	res, err := router.Route(ctx, event(t, "evt_1", models.EventSubscriptionDeleted, subscription("sub_1", "cus_7", "canceled")))
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Equal(t, fsm.StatusCanceled, store.Records()[0].Status)
}

func TestSubscriptionDeletedRollsBackWhenEnrollmentFails(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	router := newRouter(t, store, ghostEnrollment{store})

	_, err := router.Route(ctx, event(t, "evt_1", models.EventSubscriptionDeleted, subscription("sub_1", "cus_7", "canceled")))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNoRecord)
	assert.Empty(t, store.Records())
}

// ghostEnrollment resolves the customer to a child the store does not hold,
// so clearing the group inside the transaction fails.
type ghostEnrollment struct{ *memstore.Store }

func (ghostEnrollment) FindByCustomerRef(context.Context, string) (*models.Child, error) {
	return &models.Child{ID: 99, ExternalID: ptr("cus_7")}, nil
}

func TestUnknownTypeIsAcknowledgedWithoutStoreAccess(t *testing.T) {
	f := newFixture(t)
	before := f.store.Ops()

	res, err := f.router.Route(context.Background(), event(t, "evt_1", "charge.dispute.created", map[string]any{"id": "dp_1"}))
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Equal(t, models.EventType("charge.dispute.created"), res.Type)
	assert.Equal(t, before, f.store.Ops())
}

func TestJournalIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.router.Route(ctx, event(t, "evt_1", models.EventSubscriptionCreated, subscription("sub_1", "cus_7", "active")))
	require.NoError(t, err)
	created := f.store.Records()[0].Metadata[0]

	_, err = f.router.Route(ctx, event(t, "evt_2", models.EventSubscriptionUpdated, subscription("sub_1", "cus_7", "past_due")))
	require.NoError(t, err)

	rec := f.store.Records()[0]
	assert.True(t, rec.Metadata.Has("subscription_created"))
	assert.True(t, rec.Metadata.Has("subscription_updated"))
	assert.Equal(t, created, rec.Metadata[0])
	assert.Equal(t, fsm.StatusPending, rec.Status)
}

func TestInvoiceInheritsSubscriptionGroup(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.PutChild(models.Child{ID: 7, ExternalID: ptr("cus_7")})
	router := newRouter(t, store, store)

	_, err := router.Route(ctx, event(t, "evt_1", models.EventSubscriptionCreated, subscription("sub_1", "cus_7", "active")))
	require.NoError(t, err)
	_, err = router.Route(ctx, event(t, "evt_2", models.EventInvoiceCreated, invoice("in_1", "cus_7")))
	require.NoError(t, err)

	rec, err := store.FindByExternalID(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.GroupID)
}

func TestUnresolvedGroupUsesSentinel(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.PutChild(models.Child{ID: 7, ExternalID: ptr("cus_7")})
	router := newRouter(t, store, store)

	obj := invoice("in_1", "cus_7")
	obj["subscription"] = ""
	_, err := router.Route(ctx, event(t, "evt_1", models.EventInvoiceCreated, obj))
	require.NoError(t, err)

	rec, err := store.FindByExternalID(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, models.UnknownGroupID, rec.GroupID)
}

type brokenLedger struct{ reconcile.LedgerStore }

func (brokenLedger) FindByExternalID(context.Context, string) (*models.InvoiceRecord, error) {
	return nil, errors.New("connection refused")
}

func TestDatastoreErrorsPropagate(t *testing.T) {
	store := memstore.New()
	store.PutChild(models.Child{ID: 7, ExternalID: ptr("cus_7")})
	router := newRouter(t, brokenLedger{store}, store)

	_, err := router.Route(context.Background(), event(t, "evt_1", models.EventInvoicePaymentFailed, invoice("in_1", "cus_7")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMalformedEnvelope(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Route(context.Background(), &models.Event{ID: "evt_1", Type: models.EventInvoiceCreated})
	assert.ErrorIs(t, err, models.ErrMalformedEvent)

}

func TestUnreadableObjectIsNotAnEnvelopeError(t *testing.T) {
	f := newFixture(t)

	evt := &models.Event{ID: "evt_2", Type: models.EventInvoiceCreated}
	evt.Data.Object = json.RawMessage(`{"customer":"cus_7"}`)
	_, err := f.router.Route(context.Background(), evt)
	assert.ErrorIs(t, err, models.ErrUnreadableObject)
	assert.NotErrorIs(t, err, models.ErrMalformedEvent)

	evt = &models.Event{ID: "evt_3", Type: models.EventSubscriptionUpdated}
	evt.Data.Object = json.RawMessage(`{"id":"sub_1","customer":42}`)
	_, err = f.router.Route(context.Background(), evt)
	assert.ErrorIs(t, err, models.ErrUnreadableObject)
	assert.Empty(t, f.store.Records())
}

func TestCustomerCreated(t *testing.T) {
	f := newFixture(t)
	res, err := f.router.Route(context.Background(), event(t, "evt_1", models.EventCustomerCreated, map[string]any{"id": "cus_7"}))
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Equal(t, int64(7), res.ChildrenID)
	assert.Empty(t, f.store.Records())

	res, err = f.router.Route(context.Background(), event(t, "evt_2", models.EventCustomerCreated, map[string]any{"id": "cus_404"}))
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Equal(t, models.ReasonCustomerNotFound, res.Reason)
}

func TestExpandedCustomerObject(t *testing.T) {
	f := newFixture(t)
	obj := invoice("in_1", "")
	obj["customer"] = map[string]any{"id": "cus_7", "email": "parent@example.com"}
	res, err := f.router.Route(context.Background(), event(t, "evt_1", models.EventInvoiceCreated, obj))
	require.NoError(t, err)
	assert.True(t, res.Handled)
}

func TestConcurrentDeliveriesConvergeOnOneRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			evt := event(t, fmt.Sprintf("evt_%d", i), models.EventInvoiceFinalized, invoice("in_1", "cus_7"))
			if _, err := f.router.Route(ctx, evt); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	records := f.store.Records()
	require.Len(t, records, 1)
	assert.Len(t, records[0].Metadata, n)
}
