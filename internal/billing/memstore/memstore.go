// Package memstore keeps the billing tables in process memory. It backs the
// "memory" database driver and the engine tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"clubBack/internal/billing/reconcile"
	"clubBack/internal/models"
)

type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	nextRecordID   int64
	nextDeliveryID int64
	records        map[string]*models.InvoiceRecord
	children       map[int64]*models.Child
	groups         map[int64]*models.Group
	deliveries     map[string]*models.WebhookDelivery

	ops atomic.Int64
}

var (
	_ reconcile.LedgerStore     = (*Store)(nil)
	_ reconcile.EnrollmentStore = (*Store)(nil)
	_ reconcile.Atomic          = (*Store)(nil)
)

func New() *Store {
	return &Store{
		records:    make(map[string]*models.InvoiceRecord),
		children:   make(map[int64]*models.Child),
		groups:     make(map[int64]*models.Group),
		deliveries: make(map[string]*models.WebhookDelivery),
	}
}

// Ops counts store calls made since construction.
func (s *Store) Ops() int64 { return s.ops.Load() }

// PutChild seeds or replaces a child.
func (s *Store) PutChild(c models.Child) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[c.ID] = cloneChild(&c)
}

// PutGroup seeds or replaces a group.
func (s *Store) PutGroup(g models.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := g
	s.groups[g.ID] = &cp
}

// Records returns every ledger record ordered by id.
func (s *Store) Records() []models.InvoiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.InvoiceRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- ledger ----

func (s *Store) FindByExternalID(_ context.Context, externalID string) (*models.InvoiceRecord, error) {
	s.ops.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[externalID]
	if !ok {
		return nil, models.ErrNoRecord
	}
	return cloneRecord(r), nil
}

func (s *Store) Insert(_ context.Context, rec *models.InvoiceRecord) error {
	s.ops.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ExternalID]; ok {
		return models.ErrDuplicateRecord
	}
	s.nextRecordID++
	rec.ID = s.nextRecordID
	s.records[rec.ExternalID] = cloneRecord(rec)
	return nil
}

func (s *Store) Update(_ context.Context, rec *models.InvoiceRecord, entry *models.JournalEntry) error {
	s.ops.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ExternalID]
	if !ok {
		return models.ErrNoRecord
	}
	cur.ChildrenID = rec.ChildrenID
	cur.GroupID = rec.GroupID
	cur.Amount = rec.Amount
	cur.Status = rec.Status
	if rec.UpdatedAt != nil {
		t := *rec.UpdatedAt
		cur.UpdatedAt = &t
	}
	if entry != nil {
		cur.Metadata = append(cur.Metadata, *entry)
	}
	return nil
}

func (s *Store) ListByChild(_ context.Context, childrenID int64) ([]models.InvoiceRecord, error) {
	s.ops.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.InvoiceRecord
	for _, r := range s.records {
		if r.ChildrenID == childrenID {
			out = append(out, *cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Atomically runs fn against the store and undoes the rows fn wrote when it
// fails. Writes made outside the block are left alone. Atomic blocks are
// serialised with each other.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, ledger reconcile.LedgerStore, enrollment reconcile.EnrollmentStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{
		Store:    s,
		records:  make(map[string]*models.InvoiceRecord),
		children: make(map[int64]*models.Child),
	}
	if err := fn(ctx, t, t); err != nil {
		t.rollback()
		return err
	}
	return nil
}

// ---- children & groups ----

func (s *Store) FindByCustomerRef(_ context.Context, customerRef string) (*models.Child, error) {
	s.ops.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.children {
		if c.ExternalID != nil && *c.ExternalID == customerRef {
			return cloneChild(c), nil
		}
	}
	return nil, models.ErrNoRecord
}

func (s *Store) FindChildByID(_ context.Context, id int64) (*models.Child, error) {
	s.ops.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.children[id]
	if !ok {
		return nil, models.ErrNoRecord
	}
	return cloneChild(c), nil
}

func (s *Store) SetGroup(_ context.Context, childrenID, groupID int64) (*models.Child, error) {
	s.ops.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[childrenID]
	if !ok {
		return nil, models.ErrNoRecord
	}
	g := groupID
	now := time.Now().UTC()
	c.GroupID = &g
	c.UpdatedAt = &now
	return cloneChild(c), nil
}

func (s *Store) ClearGroup(_ context.Context, childrenID int64) error {
	s.ops.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[childrenID]
	if !ok {
		return models.ErrNoRecord
	}
	now := time.Now().UTC()
	c.GroupID = nil
	c.UpdatedAt = &now
	return nil
}

func (s *Store) SetCustomerRef(_ context.Context, childrenID int64, customerRef string) error {
	s.ops.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[childrenID]
	if !ok {
		return models.ErrNoRecord
	}
	ref := customerRef
	c.ExternalID = &ref
	return nil
}

func (s *Store) FindGroupByID(_ context.Context, id int64) (*models.Group, error) {
	s.ops.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, models.ErrNoRecord
	}
	cp := *g
	return &cp, nil
}

// ---- webhook journal ----

func (s *Store) SaveDelivery(_ context.Context, d *models.WebhookDelivery) error {
	s.ops.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.deliveries[d.EventID]; ok {
		cur.Signature = d.Signature
		cur.Payload = append([]byte(nil), d.Payload...)
		cur.ReceivedAt = d.ReceivedAt
		d.ID = cur.ID
		return nil
	}
	s.nextDeliveryID++
	cp := *d
	cp.ID = s.nextDeliveryID
	cp.Payload = append([]byte(nil), d.Payload...)
	s.deliveries[d.EventID] = &cp
	d.ID = cp.ID
	return nil
}

func (s *Store) MarkProcessed(_ context.Context, eventID, outcome, reason, errText string, at time.Time) error {
	s.ops.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[eventID]
	if !ok {
		return models.ErrNoRecord
	}
	t := at
	d.Outcome = outcome
	d.Reason = reason
	d.Error = errText
	d.ProcessedAt = &t
	return nil
}

func (s *Store) FindDelivery(_ context.Context, eventID string) (*models.WebhookDelivery, error) {
	s.ops.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[eventID]
	if !ok {
		return nil, models.ErrNoRecord
	}
	cp := *d
	return &cp, nil
}

func (s *Store) PurgeProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	s.ops.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.deliveries {
		if d.ProcessedAt != nil && d.ProcessedAt.Before(before) {
			delete(s.deliveries, id)
			n++
		}
	}
	return n, nil
}

// tx keeps the pre-image of every row an atomic block touched. A nil
// pre-image means the row did not exist.
type tx struct {
	*Store
	records  map[string]*models.InvoiceRecord
	children map[int64]*models.Child
}

func (t *tx) Insert(ctx context.Context, rec *models.InvoiceRecord) error {
	t.saveRecord(rec.ExternalID)
	return t.Store.Insert(ctx, rec)
}

func (t *tx) Update(ctx context.Context, rec *models.InvoiceRecord, entry *models.JournalEntry) error {
	t.saveRecord(rec.ExternalID)
	return t.Store.Update(ctx, rec, entry)
}

func (t *tx) ClearGroup(ctx context.Context, childrenID int64) error {
	t.saveChild(childrenID)
	return t.Store.ClearGroup(ctx, childrenID)
}

func (t *tx) saveRecord(externalID string) {
	if _, ok := t.records[externalID]; ok {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var pre *models.InvoiceRecord
	if r, ok := t.Store.records[externalID]; ok {
		pre = cloneRecord(r)
	}
	t.records[externalID] = pre
}

func (t *tx) saveChild(id int64) {
	if _, ok := t.children[id]; ok {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var pre *models.Child
	if c, ok := t.Store.children[id]; ok {
		pre = cloneChild(c)
	}
	t.children[id] = pre
}

func (t *tx) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, pre := range t.records {
		if pre == nil {
			delete(t.Store.records, id)
			continue
		}
		t.Store.records[id] = pre
	}
	for id, pre := range t.children {
		if pre == nil {
			delete(t.Store.children, id)
			continue
		}
		t.Store.children[id] = pre
	}
}

func cloneRecord(r *models.InvoiceRecord) *models.InvoiceRecord {
	cp := *r
	cp.Metadata = append(models.Journal(nil), r.Metadata...)
	if r.UpdatedAt != nil {
		t := *r.UpdatedAt
		cp.UpdatedAt = &t
	}
	return &cp
}

func cloneChild(c *models.Child) *models.Child {
	cp := *c
	if c.GroupID != nil {
		g := *c.GroupID
		cp.GroupID = &g
	}
	if c.ExternalID != nil {
		ref := *c.ExternalID
		cp.ExternalID = &ref
	}
	if c.ParentID != nil {
		p := *c.ParentID
		cp.ParentID = &p
	}
	return &cp
}
