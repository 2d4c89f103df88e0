package models

import (
	"time"
)

// InvoiceStatus tracks delivery of a generated invoice.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusQueuedForSend InvoiceStatus = "queued_for_send"
	InvoiceStatusSent          InvoiceStatus = "sent"
	// InvoiceStatusSendFailed marks an email that cannot be delivered without manual action.
	InvoiceStatusSendFailed    InvoiceStatus = "send_failed"
)

// InvoiceLineItem is a priced snapshot of a LineItemTemplate at generation time.
type InvoiceLineItem struct {
	ProductID       *string `bson:"product_id,omitempty" json:"product_id,omitempty"`
	Description     string  `bson:"description" json:"description"`
	Quantity        float64 `bson:"quantity" json:"quantity"`
	Unit            string  `bson:"unit" json:"unit"`
	UnitPrice       float64 `bson:"unit_price" json:"unit_price"`
	TaxRate         float64 `bson:"tax_rate" json:"tax_rate"`
	DiscountPercent float64 `bson:"discount_percent" json:"discount_percent"`
	Subtotal        float64 `bson:"subtotal" json:"subtotal"`
	TaxAmount       float64 `bson:"tax_amount" json:"tax_amount"`
	Total           float64 `bson:"total" json:"total"`
}

// Invoice is a concrete invoice. Once persisted it is independent of the rule that produced it.
type Invoice struct {
	Base               `bson:",inline"`
	InvoiceNumber      string            `bson:"invoice_number" json:"invoice_number"`
	RecurringInvoiceID string            `bson:"recurring_invoice_id" json:"recurring_invoice_id"`
	Sequence           int               `bson:"sequence" json:"sequence"` // 1-based generation number within the rule
	ContactID          string            `bson:"contact_id" json:"contact_id"`
	Title              string            `bson:"title" json:"title"`
	Introduction       string            `bson:"introduction" json:"introduction"`
	Terms              string            `bson:"terms" json:"terms"`
	Notes              string            `bson:"notes" json:"notes"`
	Items              []InvoiceLineItem `bson:"items" json:"items"`
	CurrencyCode       string            `bson:"currency_code" json:"currency_code"`
	Subtotal           float64           `bson:"subtotal" json:"subtotal"`
	Tax                float64           `bson:"tax" json:"tax"`
	Total              float64           `bson:"total" json:"total"`
	IssueDate          time.Time         `bson:"issue_date" json:"issue_date"`
	DueDate            time.Time         `bson:"due_date" json:"due_date"`
	Status             InvoiceStatus     `bson:"status" json:"status"`
	SentAt             *time.Time        `bson:"sent_at,omitempty" json:"sent_at,omitempty"`
	SendError          string            `bson:"send_error,omitempty" json:"send_error,omitempty"`
	PaidAt             *time.Time        `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
	CreatedAt          time.Time         `bson:"created_at" json:"created_at"`
}
