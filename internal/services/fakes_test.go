package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"leadflow/crm/internal/models"
	"leadflow/crm/internal/recurrence"
)

// memRuleRepo is an in-memory IRecurringInvoiceRepository with the same
// conditional write semantics as the MongoDB one.
type memRuleRepo struct {
	mu    sync.Mutex
	rules map[string]*models.RecurringInvoice

	// beforeRecordRun, if set, runs once before the next RecordRun.
	beforeRecordRun func()
}

func newMemRuleRepo() *memRuleRepo {
	return &memRuleRepo{rules: map[string]*models.RecurringInvoice{}}
}

func (r *memRuleRepo) Insert(ctx context.Context, rule *models.RecurringInvoice) (*models.RecurringInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule.GenID()
	stored := rule.Clone()
	stored.Status = ""
	r.rules[rule.ID] = stored
	return rule.Clone(), nil
}

func (r *memRuleRepo) FindByID(ctx context.Context, id string) (*models.RecurringInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, recurrence.ErrNotFound
	}
	return rule.Clone(), nil
}

func (r *memRuleRepo) List(ctx context.Context, filter RecurringInvoiceFilter) ([]models.RecurringInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.RecurringInvoice{}
	for _, rule := range r.rules {
		if filter.ContactID != "" && rule.ContactID != filter.ContactID {
			continue
		}
		if filter.Active != nil && rule.IsActive != *filter.Active {
			continue
		}
		out = append(out, *rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRuleRepo) ListDue(ctx context.Context, asOf time.Time) ([]models.RecurringInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.RecurringInvoice{}
	for _, rule := range r.rules {
		if rule.IsActive && rule.NextRunDate != nil && !rule.NextRunDate.After(asOf) {
			out = append(out, *rule.Clone())
		}
	}
	return out, nil
}

func (r *memRuleRepo) SaveEdits(ctx context.Context, rule *models.RecurringInvoice, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rules[rule.ID]
	if !ok {
		return recurrence.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return recurrence.ErrConcurrentModification
	}
	next := rule.Clone()
	next.LastRunDate = cur.LastRunDate
	next.InvoicesGenerated = cur.InvoicesGenerated
	next.CreatedAt = cur.CreatedAt
	next.Version = expectedVersion + 1
	next.Status = ""
	r.rules[rule.ID] = next
	return nil
}

func (r *memRuleRepo) RecordRun(ctx context.Context, id string, expectedVersion int64, expectedGenerated int, lastRun time.Time, nextRun *time.Time) error {
	if hook := r.beforeRecordRun; hook != nil {
		r.beforeRecordRun = nil
		hook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rules[id]
	if !ok {
		return recurrence.ErrNotFound
	}
	if cur.Version != expectedVersion || cur.InvoicesGenerated != expectedGenerated {
		return recurrence.ErrConcurrentModification
	}
	last := lastRun
	cur.LastRunDate = &last
	cur.NextRunDate = nil
	if nextRun != nil {
		n := *nextRun
		cur.NextRunDate = &n
	}
	cur.InvoicesGenerated++
	cur.Version++
	return nil
}

func (r *memRuleRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok {
		return recurrence.ErrNotFound
	}
	delete(r.rules, id)
	return nil
}

func (r *memRuleRepo) stored(id string) *models.RecurringInvoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rules[id].Clone()
}

// memInvoiceStore is an in-memory IInvoiceService enforcing the (rule, sequence) uniqueness.
type memInvoiceStore struct {
	mu        sync.Mutex
	byID      map[string]*models.Invoice
	insertErr error
}

func newMemInvoiceStore() *memInvoiceStore {
	return &memInvoiceStore{byID: map[string]*models.Invoice{}}
}

func copyInvoice(inv *models.Invoice) *models.Invoice {
	c := *inv
	c.Items = make([]models.InvoiceLineItem, len(inv.Items))
	for i, it := range inv.Items {
		if it.ProductID != nil {
			pid := *it.ProductID
			it.ProductID = &pid
		}
		c.Items[i] = it
	}
	return &c
}

func (s *memInvoiceStore) InsertGenerated(ctx context.Context, invoice *models.Invoice) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	for _, existing := range s.byID {
		if existing.RecurringInvoiceID == invoice.RecurringInvoiceID && existing.Sequence == invoice.Sequence {
			return nil, ErrDuplicateSequence
		}
	}
	invoice.GenID()
	s.byID[invoice.ID] = copyInvoice(invoice)
	return invoice, nil
}

func (s *memInvoiceStore) FindBySequence(ctx context.Context, recurringInvoiceID string, sequence int) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.byID {
		if inv.RecurringInvoiceID == recurringInvoiceID && inv.Sequence == sequence {
			return copyInvoice(inv), nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (s *memInvoiceStore) FindByID(ctx context.Context, id string) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return copyInvoice(inv), nil
}

func (s *memInvoiceStore) ListByRecurringInvoice(ctx context.Context, recurringInvoiceID string) ([]models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Invoice{}
	for _, inv := range s.byID {
		if inv.RecurringInvoiceID == recurringInvoiceID {
			out = append(out, *copyInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *memInvoiceStore) FindOverdueInvoices(ctx context.Context, asOf time.Time) ([]models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Invoice{}
	for _, inv := range s.byID {
		if inv.DueDate.Before(asOf) && inv.PaidAt == nil {
			out = append(out, *copyInvoice(inv))
		}
	}
	return out, nil
}

func (s *memInvoiceStore) ListQueuedForSend(ctx context.Context, limit int) ([]models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Invoice{}
	for _, inv := range s.byID {
		if inv.Status == models.InvoiceStatusQueuedForSend {
			out = append(out, *copyInvoice(inv))
		}
	}
	return out, nil
}

func (s *memInvoiceStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.Status = models.InvoiceStatusSent
	at := sentAt
	inv.SentAt = &at
	return nil
}

func (s *memInvoiceStore) MarkSendFailed(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.byID[id]; ok && inv.Status != models.InvoiceStatusSent {
		inv.Status = models.InvoiceStatusSendFailed
		inv.SendError = reason
	}
	return nil
}

func (s *memInvoiceStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

type mockRunLocker struct {
	mock.Mock
}

func (m *mockRunLocker) Acquire(ctx context.Context, id string) (func(), error) {
	args := m.Called(ctx, id)
	release, _ := args.Get(0).(func())
	return release, args.Error(1)
}
