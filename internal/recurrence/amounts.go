package recurrence

import (
	"github.com/shopspring/decimal"

	"leadflow/crm/internal/models"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// PriceLine snapshots a template row and computes its amounts, rounded to cents:
// subtotal = quantity * unit_price * (1 - discount/100), tax = subtotal * rate/100.
func PriceLine(t models.LineItemTemplate) models.InvoiceLineItem {
	qty := decimal.NewFromFloat(t.Quantity)
	price := decimal.NewFromFloat(t.UnitPrice)
	keep := one.Sub(decimal.NewFromFloat(t.DiscountPercent).Div(hundred))

	subtotal := qty.Mul(price).Mul(keep).Round(2)
	tax := subtotal.Mul(decimal.NewFromFloat(t.TaxRate)).Div(hundred).Round(2)

	line := models.InvoiceLineItem{
		Description:     t.Description,
		Quantity:        t.Quantity,
		Unit:            t.Unit,
		UnitPrice:       t.UnitPrice,
		TaxRate:         t.TaxRate,
		DiscountPercent: t.DiscountPercent,
		Subtotal:        subtotal.InexactFloat64(),
		TaxAmount:       tax.InexactFloat64(),
		Total:           subtotal.Add(tax).InexactFloat64(),
	}
	if t.ProductID != nil {
		pid := *t.ProductID
		line.ProductID = &pid
	}
	return line
}

// Totals sums priced lines.
func Totals(lines []models.InvoiceLineItem) (subtotal, tax, total float64) {
	sub, tx := decimal.Zero, decimal.Zero
	for _, l := range lines {
		sub = sub.Add(decimal.NewFromFloat(l.Subtotal))
		tx = tx.Add(decimal.NewFromFloat(l.TaxAmount))
	}
	return sub.InexactFloat64(), tx.InexactFloat64(), sub.Add(tx).InexactFloat64()
}
