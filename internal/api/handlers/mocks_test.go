package handlers_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"leadflow/crm/internal/models"
	"leadflow/crm/internal/services"
)

// --- Mocks ---

// MockRecurringInvoiceService
type MockRecurringInvoiceService struct {
	mock.Mock
}

func (m *MockRecurringInvoiceService) rule(args mock.Arguments) (*models.RecurringInvoice, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RecurringInvoice), args.Error(1)
}

func (m *MockRecurringInvoiceService) Create(ctx context.Context, in services.CreateRecurringInvoiceInput) (*models.RecurringInvoice, error) {
	return m.rule(m.Called(ctx, in))
}
func (m *MockRecurringInvoiceService) Get(ctx context.Context, id string) (*models.RecurringInvoice, error) {
	return m.rule(m.Called(ctx, id))
}
func (m *MockRecurringInvoiceService) List(ctx context.Context, filter services.RecurringInvoiceFilter) ([]models.RecurringInvoice, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.RecurringInvoice), args.Error(1)
}
func (m *MockRecurringInvoiceService) Update(ctx context.Context, id string, in services.UpdateRecurringInvoiceInput) (*models.RecurringInvoice, error) {
	return m.rule(m.Called(ctx, id, in))
}
func (m *MockRecurringInvoiceService) SetActive(ctx context.Context, id string, active bool) (*models.RecurringInvoice, error) {
	return m.rule(m.Called(ctx, id, active))
}
func (m *MockRecurringInvoiceService) ToggleActive(ctx context.Context, id string) (*models.RecurringInvoice, error) {
	return m.rule(m.Called(ctx, id))
}
func (m *MockRecurringInvoiceService) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
func (m *MockRecurringInvoiceService) ListDue(ctx context.Context, asOf time.Time) ([]models.RecurringInvoice, error) {
	args := m.Called(ctx, asOf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.RecurringInvoice), args.Error(1)
}
func (m *MockRecurringInvoiceService) Materialize(ctx context.Context, id string, asOf time.Time) (*models.Invoice, error) {
	args := m.Called(ctx, id, asOf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockRecurringInvoiceService) NextRun(ctx context.Context, id string, asOf time.Time) (*time.Time, error) {
	args := m.Called(ctx, id, asOf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*time.Time), args.Error(1)
}

// MockRunner
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) RunOne(ctx context.Context, id string, asOf time.Time) (*models.Invoice, error) {
	args := m.Called(ctx, id, asOf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}

// MockInvoiceService
type MockInvoiceService struct {
	mock.Mock
}

func (m *MockInvoiceService) invoices(args mock.Arguments) ([]models.Invoice, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Invoice), args.Error(1)
}

func (m *MockInvoiceService) InsertGenerated(ctx context.Context, invoice *models.Invoice) (*models.Invoice, error) {
	args := m.Called(ctx, invoice)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) FindBySequence(ctx context.Context, recurringInvoiceID string, sequence int) (*models.Invoice, error) {
	args := m.Called(ctx, recurringInvoiceID, sequence)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) FindByID(ctx context.Context, id string) (*models.Invoice, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) ListByRecurringInvoice(ctx context.Context, recurringInvoiceID string) ([]models.Invoice, error) {
	return m.invoices(m.Called(ctx, recurringInvoiceID))
}
func (m *MockInvoiceService) FindOverdueInvoices(ctx context.Context, asOf time.Time) ([]models.Invoice, error) {
	return m.invoices(m.Called(ctx, asOf))
}
func (m *MockInvoiceService) ListQueuedForSend(ctx context.Context, limit int) ([]models.Invoice, error) {
	return m.invoices(m.Called(ctx, limit))
}
func (m *MockInvoiceService) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return m.Called(ctx, id, sentAt).Error(0)
}
func (m *MockInvoiceService) MarkSendFailed(ctx context.Context, id string, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

// MockContactService
type MockContactService struct {
	mock.Mock
}

func (m *MockContactService) GetContacts(ctx context.Context) ([]models.Contact, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Contact), args.Error(1)
}
func (m *MockContactService) FindByID(ctx context.Context, id string) (*models.Contact, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Contact), args.Error(1)
}

// MockEmailTemplateService
type MockEmailTemplateService struct {
	mock.Mock
}

func (m *MockEmailTemplateService) GetTemplate(ctx context.Context, templateID, locale string) (*models.EmailTemplate, error) {
	args := m.Called(ctx, templateID, locale)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EmailTemplate), args.Error(1)
}
func (m *MockEmailTemplateService) SaveTemplate(ctx context.Context, template *models.EmailTemplate) error {
	return m.Called(ctx, template).Error(0)
}
