package recurrence

import (
	"fmt"
	"strings"
	"time"

	"leadflow/crm/internal/models"
)

// Plan builds the invoice a due rule would produce at asOf. The invoice holds
// copies of the template, so later edits to the rule never reach it.
// Returns ErrNotDue when the rule has no run at or before asOf.
func Plan(rule *models.RecurringInvoice, asOf time.Time, p Policy) (*models.Invoice, error) {
	if err := Validate(rule); err != nil {
		return nil, err
	}
	next := NextRun(rule, asOf, p)
	if next == nil || next.After(asOf) {
		return nil, ErrNotDue
	}

	items := make([]models.InvoiceLineItem, 0, len(rule.Items))
	for _, t := range rule.Items {
		items = append(items, PriceLine(t))
	}
	subtotal, tax, total := Totals(items)

	status := models.InvoiceStatusDraft
	if rule.AutoSend {
		status = models.InvoiceStatusQueuedForSend
	}

	issued := asOf.UTC()
	seq := rule.InvoicesGenerated + 1
	return &models.Invoice{
		InvoiceNumber:      InvoiceNumber(rule.ID, seq),
		RecurringInvoiceID: rule.ID,
		Sequence:           seq,
		ContactID:          rule.ContactID,
		Title:              rule.Title,
		Introduction:       rule.Introduction,
		Terms:              rule.Terms,
		Notes:              rule.Notes,
		Items:              items,
		CurrencyCode:       rule.CurrencyCode,
		Subtotal:           subtotal,
		Tax:                tax,
		Total:              total,
		IssueDate:          issued,
		DueDate:            issued.AddDate(0, 0, rule.PaymentTerms),
		Status:             status,
		CreatedAt:          issued,
	}, nil
}

// Advance returns a copy of rule with the bookkeeping of a run at ranAt applied.
// The input is not modified.
func Advance(rule *models.RecurringInvoice, ranAt time.Time, p Policy) *models.RecurringInvoice {
	next := rule.Clone()
	at := ranAt.UTC()
	next.LastRunDate = &at
	next.InvoicesGenerated++
	next.NextRunDate = NextRun(next, at, p)
	return next
}

// InvoiceNumber is stable for a (rule, sequence) pair, so a retried run reproduces it.
func InvoiceNumber(ruleID string, seq int) string {
	short := strings.ToUpper(strings.ReplaceAll(ruleID, "-", ""))
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("RI-%s-%04d", short, seq)
}
