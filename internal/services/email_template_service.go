package services

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"leadflow/crm/internal/db"
	"leadflow/crm/internal/models"
)

// ErrTemplateNotFound is returned when neither a stored nor a built-in template exists.
var ErrTemplateNotFound = errors.New("template not found")

// RecurringInvoiceTemplateID is the template used for automatically sent invoices.
const RecurringInvoiceTemplateID = "recurring_invoice"

// Default email templates used as fallback when not found in database
var defaultEmailTemplates = map[string]models.EmailTemplate{
	RecurringInvoiceTemplateID: {
		TemplateID: RecurringInvoiceTemplateID,
		Locale:     "en-US",
		Subject:    "{{.AppName}} invoice {{.Invoice.InvoiceNumber}}",
		Body: `Dear {{.ContactName}},

{{if .Invoice.Introduction}}{{.Invoice.Introduction}}

{{end}}Please find invoice {{.Invoice.InvoiceNumber}}{{if .Invoice.Title}} ({{.Invoice.Title}}){{end}} below.

{{range .Invoice.Items}}- {{.Description}}: {{.Quantity}} {{.Unit}} x {{printf "%.2f" .UnitPrice}} = {{printf "%.2f" .Total}}
{{end}}
Subtotal: {{printf "%.2f" .Invoice.Subtotal}} {{.Invoice.CurrencyCode}}
Tax: {{printf "%.2f" .Invoice.Tax}} {{.Invoice.CurrencyCode}}
Total: {{printf "%.2f" .Invoice.Total}} {{.Invoice.CurrencyCode}}

Due date: {{.Invoice.DueDate.Format "2006-01-02"}}
{{if .Invoice.Terms}}
{{.Invoice.Terms}}
{{end}}
{{.AppName}}
`,
	},
}

// IEmailTemplateService defines the interface for email template operations.
type IEmailTemplateService interface {
	GetTemplate(ctx context.Context, templateID, locale string) (*models.EmailTemplate, error)
	SaveTemplate(ctx context.Context, template *models.EmailTemplate) error
}

// EmailTemplateService handles operations related to email templates
type EmailTemplateService struct {
	db *mongo.Database
}

// NewEmailTemplateService creates a new instance of EmailTemplateService
func NewEmailTemplateService(database *mongo.Database) *EmailTemplateService {
	return &EmailTemplateService{db: database}
}

// GetTemplate retrieves an email template by ID and locale, falling back to the built-in default.
func (s *EmailTemplateService) GetTemplate(ctx context.Context, templateID string, locale string) (*models.EmailTemplate, error) {
	filter := bson.M{
		"template_id": templateID,
		"locale":      locale,
	}

	var template models.EmailTemplate
	err := s.db.Collection(db.EmailTemplatesCollection).FindOne(ctx, filter).Decode(&template)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			if defaultTemplate, ok := DefaultEmailTemplate(templateID); ok {
				return defaultTemplate, nil
			}
			return nil, fmt.Errorf("%w: %s (locale: %s)", ErrTemplateNotFound, templateID, locale)
		}
		return nil, fmt.Errorf("error retrieving template: %w", err)
	}

	return &template, nil
}

// SaveTemplate upserts an email template keyed by template_id and locale.
func (s *EmailTemplateService) SaveTemplate(ctx context.Context, template *models.EmailTemplate) error {
	template.GenIDIfEmpty()
	filter := bson.M{
		"template_id": template.TemplateID,
		"locale":      template.Locale,
	}
	update := bson.M{
		"$set":         bson.M{"subject": template.Subject, "body": template.Body},
		"$setOnInsert": bson.M{"_id": template.ID},
	}

	_, err := s.db.Collection(db.EmailTemplatesCollection).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("error saving template: %w", err)
	}
	return nil
}

// DefaultEmailTemplate returns a copy of the built-in template with the given ID.
func DefaultEmailTemplate(templateID string) (*models.EmailTemplate, bool) {
	t, ok := defaultEmailTemplates[templateID]
	if !ok {
		return nil, false
	}
	return &t, true
}
