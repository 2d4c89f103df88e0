package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"leadflow/crm/internal/db"
	"leadflow/crm/internal/models"
)

// ErrDuplicateSequence means an invoice with the same (recurring_invoice_id, sequence) already exists.
var ErrDuplicateSequence = errors.New("invoice for this recurring sequence already exists")

// ErrInvoiceNotFound is returned when an invoice does not exist.
var ErrInvoiceNotFound = errors.New("invoice not found")

const sequenceIndexName = "recurring_sequence_unique"

// IInvoiceService is the invoicing store generated invoices are written to.
type IInvoiceService interface {
	InsertGenerated(ctx context.Context, invoice *models.Invoice) (*models.Invoice, error)
	FindBySequence(ctx context.Context, recurringInvoiceID string, sequence int) (*models.Invoice, error)
	FindByID(ctx context.Context, id string) (*models.Invoice, error)
	ListByRecurringInvoice(ctx context.Context, recurringInvoiceID string) ([]models.Invoice, error)
	FindOverdueInvoices(ctx context.Context, asOf time.Time) ([]models.Invoice, error)
	ListQueuedForSend(ctx context.Context, limit int) ([]models.Invoice, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	MarkSendFailed(ctx context.Context, id string, reason string) error
}

// invoiceService implements IInvoiceService.
type invoiceService struct {
	db *mongo.Database
}

// NewInvoiceService creates a new InvoiceService.
func NewInvoiceService(database *mongo.Database) IInvoiceService {
	return &invoiceService{db: database}
}

// InsertGenerated persists a materialized invoice. It returns ErrDuplicateSequence
// when the rule already has an invoice with the same sequence number.
func (s *invoiceService) InsertGenerated(ctx context.Context, invoice *models.Invoice) (*models.Invoice, error) {
	doc, err := db.InsertOne(ctx, s.db.Collection(db.InvoicesCollection), invoice)
	if err != nil {
		if db.IsDuplicateOnIndex(err, sequenceIndexName) {
			return nil, ErrDuplicateSequence
		}
		return nil, fmt.Errorf("failed to insert invoice %s: %w", invoice.InvoiceNumber, err)
	}
	return doc, nil
}

func (s *invoiceService) FindBySequence(ctx context.Context, recurringInvoiceID string, sequence int) (*models.Invoice, error) {
	return s.findOne(ctx, bson.M{"recurring_invoice_id": recurringInvoiceID, "sequence": sequence})
}

func (s *invoiceService) FindByID(ctx context.Context, id string) (*models.Invoice, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *invoiceService) findOne(ctx context.Context, filter bson.M) (*models.Invoice, error) {
	var invoice models.Invoice
	err := s.db.Collection(db.InvoicesCollection).FindOne(ctx, filter).Decode(&invoice)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to find invoice: %w", err)
	}
	return &invoice, nil
}

// ListByRecurringInvoice returns the invoices a rule produced, oldest first.
// They remain queryable after the rule is deleted.
func (s *invoiceService) ListByRecurringInvoice(ctx context.Context, recurringInvoiceID string) ([]models.Invoice, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	cursor, err := s.db.Collection(db.InvoicesCollection).Find(ctx, bson.M{"recurring_invoice_id": recurringInvoiceID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices for %s: %w", recurringInvoiceID, err)
	}
	defer cursor.Close(ctx)

	invoices := []models.Invoice{}
	if err = cursor.All(ctx, &invoices); err != nil {
		return nil, fmt.Errorf("failed to decode invoices: %w", err)
	}
	return invoices, nil
}

// FindOverdueInvoices retrieves invoices past their due date and not yet paid.
func (s *invoiceService) FindOverdueInvoices(ctx context.Context, asOf time.Time) ([]models.Invoice, error) {
	filter := bson.M{
		"due_date": bson.M{"$lt": asOf},
		"paid_at":  nil,
	}
	cursor, err := s.db.Collection(db.InvoicesCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue invoices: %w", err)
	}
	defer cursor.Close(ctx)

	invoices := []models.Invoice{}
	if err = cursor.All(ctx, &invoices); err != nil {
		return nil, fmt.Errorf("failed to decode overdue invoices: %w", err)
	}
	return invoices, nil
}

// ListQueuedForSend returns invoices waiting for their email, oldest first.
func (s *invoiceService) ListQueuedForSend(ctx context.Context, limit int) ([]models.Invoice, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.db.Collection(db.InvoicesCollection).Find(ctx, bson.M{"status": models.InvoiceStatusQueuedForSend}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued invoices: %w", err)
	}
	defer cursor.Close(ctx)

	invoices := []models.Invoice{}
	if err = cursor.All(ctx, &invoices); err != nil {
		return nil, fmt.Errorf("failed to decode queued invoices: %w", err)
	}
	return invoices, nil
}

// MarkSent records delivery of an invoice email.
func (s *invoiceService) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	update := bson.M{"$set": bson.M{"status": models.InvoiceStatusSent, "sent_at": sentAt}}
	result, err := s.db.Collection(db.InvoicesCollection).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("db error marking invoice %s sent: %w", id, err)
	}
	if result.MatchedCount == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// MarkSendFailed takes an invoice out of the send queue and records why. Sent
// and missing invoices are left alone.
func (s *invoiceService) MarkSendFailed(ctx context.Context, id string, reason string) error {
	filter := bson.M{"_id": id, "status": bson.M{"$ne": models.InvoiceStatusSent}}
	update := bson.M{"$set": bson.M{"status": models.InvoiceStatusSendFailed, "send_error": reason}}
	if _, err := s.db.Collection(db.InvoicesCollection).UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("db error marking invoice %s send failed: %w", id, err)
	}
	return nil
}
