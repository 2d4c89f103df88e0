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
	"leadflow/crm/internal/recurrence"
)

// RecurringInvoiceFilter narrows List. Zero values mean "any".
type RecurringInvoiceFilter struct {
	ContactID string `json:"contact_id,omitempty"`
	Active    *bool  `json:"active,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
	Offset    int64  `json:"offset,omitempty"`
}

// IRecurringInvoiceRepository persists rules. Human edits are guarded by version,
// scheduler writes by version and invoices_generated.
type IRecurringInvoiceRepository interface {
	Insert(ctx context.Context, rule *models.RecurringInvoice) (*models.RecurringInvoice, error)
	FindByID(ctx context.Context, id string) (*models.RecurringInvoice, error)
	List(ctx context.Context, filter RecurringInvoiceFilter) ([]models.RecurringInvoice, error)
	ListDue(ctx context.Context, asOf time.Time) ([]models.RecurringInvoice, error)
	// SaveEdits writes the human-editable fields plus is_active, activated_at and
	// next_run_date. It never writes last_run_date or invoices_generated.
	SaveEdits(ctx context.Context, rule *models.RecurringInvoice, expectedVersion int64) error
	// RecordRun applies a completed run.
	RecordRun(ctx context.Context, id string, expectedVersion int64, expectedGenerated int, lastRun time.Time, nextRun *time.Time) error
	Delete(ctx context.Context, id string) error
}

type recurringInvoiceRepository struct {
	db *mongo.Database
}

// NewRecurringInvoiceRepository creates the MongoDB backed repository.
func NewRecurringInvoiceRepository(database *mongo.Database) IRecurringInvoiceRepository {
	return &recurringInvoiceRepository{db: database}
}

func (r *recurringInvoiceRepository) coll() *mongo.Collection {
	return r.db.Collection(db.RecurringInvoicesCollection)
}

func (r *recurringInvoiceRepository) Insert(ctx context.Context, rule *models.RecurringInvoice) (*models.RecurringInvoice, error) {
	doc, err := db.InsertOne(ctx, r.coll(), rule)
	if err != nil {
		return nil, fmt.Errorf("failed to insert recurring invoice: %w", err)
	}
	return doc, nil
}

func (r *recurringInvoiceRepository) FindByID(ctx context.Context, id string) (*models.RecurringInvoice, error) {
	var rule models.RecurringInvoice
	if err := r.coll().FindOne(ctx, bson.M{"_id": id}).Decode(&rule); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, recurrence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find recurring invoice %s: %w", id, err)
	}
	return &rule, nil
}

func (r *recurringInvoiceRepository) List(ctx context.Context, filter RecurringInvoiceFilter) ([]models.RecurringInvoice, error) {
	query := bson.M{}
	if filter.ContactID != "" {
		query["contact_id"] = filter.ContactID
	}
	if filter.Active != nil {
		query["is_active"] = *filter.Active
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(filter.Limit)
	}
	if filter.Offset > 0 {
		opts.SetSkip(filter.Offset)
	}
	return r.find(ctx, query, opts)
}

// ListDue returns active rules whose cached next_run_date is at or before asOf.
func (r *recurringInvoiceRepository) ListDue(ctx context.Context, asOf time.Time) ([]models.RecurringInvoice, error) {
	query := bson.M{
		"is_active":     true,
		"next_run_date": bson.M{"$lte": asOf},
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_run_date", Value: 1}})
	return r.find(ctx, query, opts)
}

func (r *recurringInvoiceRepository) find(ctx context.Context, query bson.M, opts *options.FindOptions) ([]models.RecurringInvoice, error) {
	cursor, err := r.coll().Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query recurring invoices: %w", err)
	}
	defer cursor.Close(ctx)

	rules := []models.RecurringInvoice{}
	if err = cursor.All(ctx, &rules); err != nil {
		return nil, fmt.Errorf("failed to decode recurring invoices: %w", err)
	}
	return rules, nil
}

func (r *recurringInvoiceRepository) SaveEdits(ctx context.Context, rule *models.RecurringInvoice, expectedVersion int64) error {
	set := bson.M{
		"contact_id":    rule.ContactID,
		"frequency":     rule.Frequency,
		"day_of_week":   rule.DayOfWeek,
		"day_of_month":  rule.DayOfMonth,
		"start_date":    rule.StartDate,
		"payment_terms": rule.PaymentTerms,
		"auto_send":     rule.AutoSend,
		"is_active":     rule.IsActive,
		"currency_code": rule.CurrencyCode,
		"title":         rule.Title,
		"introduction":  rule.Introduction,
		"terms":         rule.Terms,
		"notes":         rule.Notes,
		"items":         rule.Items,
		"updated_at":    rule.UpdatedAt,
		"version":       expectedVersion + 1,
	}
	unset := bson.M{}
	setOrUnset(set, unset, "end_date", rule.EndDate)
	setOrUnset(set, unset, "next_run_date", rule.NextRunDate)
	setOrUnset(set, unset, "activated_at", rule.ActivatedAt)

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return r.conditionalUpdate(ctx, bson.M{"_id": rule.ID, "version": expectedVersion}, update)
}

func (r *recurringInvoiceRepository) RecordRun(ctx context.Context, id string, expectedVersion int64, expectedGenerated int, lastRun time.Time, nextRun *time.Time) error {
	set := bson.M{
		"last_run_date": lastRun,
		"updated_at":    lastRun,
	}
	unset := bson.M{}
	setOrUnset(set, unset, "next_run_date", nextRun)

	update := bson.M{
		"$set": set,
		"$inc": bson.M{"invoices_generated": 1, "version": 1},
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	filter := bson.M{
		"_id":                id,
		"version":            expectedVersion,
		"invoices_generated": expectedGenerated,
	}
	return r.conditionalUpdate(ctx, filter, update)
}

// conditionalUpdate applies update if filter still matches. A miss is reported as
// ErrNotFound when the document is gone, otherwise as a lost race.
func (r *recurringInvoiceRepository) conditionalUpdate(ctx context.Context, filter, update bson.M) error {
	result, err := r.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update recurring invoice %v: %w", filter["_id"], err)
	}
	if result.MatchedCount == 1 {
		return nil
	}

	n, err := r.coll().CountDocuments(ctx, bson.M{"_id": filter["_id"]})
	if err != nil {
		return fmt.Errorf("failed to check recurring invoice %v: %w", filter["_id"], err)
	}
	if n == 0 {
		return recurrence.ErrNotFound
	}
	return recurrence.ErrConcurrentModification
}

func (r *recurringInvoiceRepository) Delete(ctx context.Context, id string) error {
	result, err := r.coll().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete recurring invoice %s: %w", id, err)
	}
	if result.DeletedCount == 0 {
		return recurrence.ErrNotFound
	}
	return nil
}

func setOrUnset(set, unset bson.M, field string, value *time.Time) {
	if value == nil {
		unset[field] = ""
		return
	}
	set[field] = *value
}
