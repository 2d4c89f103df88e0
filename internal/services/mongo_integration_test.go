package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"leadflow/crm/internal/db"
	"leadflow/crm/internal/models"
	"leadflow/crm/internal/recurrence"
)

// setupTestDB connects to MONGO_URI_TEST and returns a freshly indexed database.
// Tests are skipped when no test server is configured.
func setupTestDB(t *testing.T, dbName string) *mongo.Database {
	uri := os.Getenv("MONGO_URI_TEST")
	if uri == "" {
		t.Skip("MONGO_URI_TEST not set")
	}
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	database := client.Database(dbName)
	require.NoError(t, database.Drop(ctx))
	require.NoError(t, db.EnsureIndexes(ctx, database))
	return database
}

func TestMongo_MaterializeEndToEnd(t *testing.T) {
	database := setupTestDB(t, "testdb_recurring_materialize")
	ctx := context.Background()

	repo := NewRecurringInvoiceRepository(database)
	invoices := NewInvoiceService(database)
	svc := NewRecurringInvoiceService(repo, invoices, nil, testRecurringConfig()).(*recurringInvoiceService)
	svc.now = func() time.Time { return date("2024-01-01") }

	rule, err := svc.Create(ctx, weeklyMondayInput())
	require.NoError(t, err)

	due, err := svc.ListDue(ctx, date("2024-01-01"))
	require.NoError(t, err)
	require.Len(t, due, 1)

	inv, err := svc.Materialize(ctx, rule.ID, date("2024-01-01"))
	require.NoError(t, err)
	require.NotNil(t, inv)

	stored, err := repo.FindByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.InvoicesGenerated)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, date("2024-01-08"), stored.NextRunDate.UTC())

	// A second insert of the same sequence is rejected by the unique index.
	dup := *inv
	dup.ID = ""
	_, err = invoices.InsertGenerated(ctx, &dup)
	assert.ErrorIs(t, err, ErrDuplicateSequence)

	require.NoError(t, svc.Delete(ctx, rule.ID))
	left, err := invoices.ListByRecurringInvoice(ctx, rule.ID)
	require.NoError(t, err)
	assert.Len(t, left, 1)

	require.NoError(t, invoices.MarkSent(ctx, inv.ID, date("2024-01-02")))
	sent, err := invoices.FindByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusSent, sent.Status)

	// A sent invoice is never flipped to send_failed.
	require.NoError(t, invoices.MarkSendFailed(ctx, inv.ID, "contact has no email"))
	sent, err = invoices.FindByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusSent, sent.Status)
	assert.Empty(t, sent.SendError)
}

func TestMongo_SaveEditsVersionCheck(t *testing.T) {
	database := setupTestDB(t, "testdb_recurring_versions")
	ctx := context.Background()
	repo := NewRecurringInvoiceRepository(database)

	rule := &models.RecurringInvoice{
		ContactID:  "c1",
		Frequency:  models.FrequencyMonthly,
		DayOfMonth: 1,
		StartDate:  date("2024-01-01"),
		IsActive:   true,
		Items:      []models.LineItemTemplate{{Description: "x", Quantity: 1, UnitPrice: 1}},
		Version:    1,
	}
	saved, err := repo.Insert(ctx, rule)
	require.NoError(t, err)

	saved.Title = "first"
	require.NoError(t, repo.SaveEdits(ctx, saved, 1))
	saved.Title = "second"
	assert.ErrorIs(t, repo.SaveEdits(ctx, saved, 1), recurrence.ErrConcurrentModification)

	assert.ErrorIs(t, repo.RecordRun(ctx, saved.ID, 2, 5, date("2024-01-01"), nil), recurrence.ErrConcurrentModification)
	require.NoError(t, repo.RecordRun(ctx, saved.ID, 2, 0, date("2024-01-01"), nil))

	stored, err := repo.FindByID(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", stored.Title)
	assert.Equal(t, 1, stored.InvoicesGenerated)
	assert.Nil(t, stored.NextRunDate)

	missing := &models.RecurringInvoice{Base: models.Base{ID: "nope"}}
	assert.ErrorIs(t, repo.SaveEdits(ctx, missing, 1), recurrence.ErrNotFound)
}

func TestMongo_EmailTemplateFallback(t *testing.T) {
	database := setupTestDB(t, "testdb_email_templates")
	ctx := context.Background()
	svc := NewEmailTemplateService(database)

	tmpl, err := svc.GetTemplate(ctx, RecurringInvoiceTemplateID, "nl-NL")
	require.NoError(t, err)
	assert.Equal(t, "en-US", tmpl.Locale)

	require.NoError(t, svc.SaveTemplate(ctx, &models.EmailTemplate{
		TemplateID: RecurringInvoiceTemplateID,
		Locale:     "nl-NL",
		Subject:    "Factuur {{.Invoice.InvoiceNumber}}",
		Body:       "Beste {{.ContactName}}",
	}))
	tmpl, err = svc.GetTemplate(ctx, RecurringInvoiceTemplateID, "nl-NL")
	require.NoError(t, err)
	assert.Equal(t, "Beste {{.ContactName}}", tmpl.Body)

	_, err = svc.GetTemplate(ctx, "unknown", "en-US")
	assert.Error(t, err)
}
