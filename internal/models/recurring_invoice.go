package models

import (
	"time"
)

// Frequency is how often a recurring invoice is generated.
type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// IsValid reports whether f is one of the supported frequencies.
func (f Frequency) IsValid() bool {
	switch f {
	case FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// RecurringStatus is the derived lifecycle state of a recurring invoice.
type RecurringStatus string

const (
	RecurringStatusDraft     RecurringStatus = "draft"
	RecurringStatusActive    RecurringStatus = "active"
	RecurringStatusPaused    RecurringStatus = "paused"
	RecurringStatusExhausted RecurringStatus = "exhausted" // Active, but end_date leaves no further runs
)

// LineItemTemplate is one row copied onto every invoice generated from its rule.
type LineItemTemplate struct {
	ProductID       *string `bson:"product_id,omitempty" json:"product_id,omitempty"`
	Description     string  `bson:"description" json:"description"`
	Quantity        float64 `bson:"quantity" json:"quantity"`
	Unit            string  `bson:"unit" json:"unit"`
	UnitPrice       float64 `bson:"unit_price" json:"unit_price"`
	TaxRate         float64 `bson:"tax_rate" json:"tax_rate"`                 // Percent, 0-100
	DiscountPercent float64 `bson:"discount_percent" json:"discount_percent"` // Percent, 0-100
}

// RecurringInvoice is a recurrence rule plus the line item template it stamps onto invoices.
type RecurringInvoice struct {
	Base         `bson:",inline"`
	ContactID    string             `bson:"contact_id" json:"contact_id"`
	Frequency    Frequency          `bson:"frequency" json:"frequency"`
	DayOfWeek    int                `bson:"day_of_week" json:"day_of_week"`   // 0=Sunday; weekly only
	DayOfMonth   int                `bson:"day_of_month" json:"day_of_month"` // 1-28; monthly, quarterly, yearly
	StartDate    time.Time          `bson:"start_date" json:"start_date"`
	EndDate      *time.Time         `bson:"end_date,omitempty" json:"end_date,omitempty"`
	PaymentTerms int                `bson:"payment_terms" json:"payment_terms"` // Days from issue to due date
	AutoSend     bool               `bson:"auto_send" json:"auto_send"`
	IsActive     bool               `bson:"is_active" json:"is_active"`
	CurrencyCode string             `bson:"currency_code" json:"currency_code"`
	Title        string             `bson:"title" json:"title"`
	Introduction string             `bson:"introduction" json:"introduction"`
	Terms        string             `bson:"terms" json:"terms"`
	Notes        string             `bson:"notes" json:"notes"`
	Items        []LineItemTemplate `bson:"items" json:"items"`

	// Written only by the scheduler.
	LastRunDate       *time.Time `bson:"last_run_date,omitempty" json:"last_run_date,omitempty"`
	NextRunDate       *time.Time `bson:"next_run_date,omitempty" json:"next_run_date,omitempty"`
	InvoicesGenerated int        `bson:"invoices_generated" json:"invoices_generated"`

	ActivatedAt *time.Time `bson:"activated_at,omitempty" json:"activated_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
	Version     int64      `bson:"version" json:"version"`

	Status RecurringStatus `bson:"-" json:"status,omitempty"`
}

// Clone returns a deep copy so callers can mutate a draft without touching the original.
func (r *RecurringInvoice) Clone() *RecurringInvoice {
	if r == nil {
		return nil
	}
	c := *r
	c.Items = make([]LineItemTemplate, len(r.Items))
	for i, it := range r.Items {
		if it.ProductID != nil {
			pid := *it.ProductID
			it.ProductID = &pid
		}
		c.Items[i] = it
	}
	c.EndDate = cloneTime(r.EndDate)
	c.LastRunDate = cloneTime(r.LastRunDate)
	c.NextRunDate = cloneTime(r.NextRunDate)
	c.ActivatedAt = cloneTime(r.ActivatedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
