package recurrence

import (
	"strings"

	"leadflow/crm/internal/models"
)

// Validate checks a rule and its template. It reports every problem at once.
func Validate(rule *models.RecurringInvoice) error {
	ve := &ValidationError{}

	if strings.TrimSpace(rule.ContactID) == "" {
		ve.add("contact_id is required")
	}

	switch {
	case !rule.Frequency.IsValid():
		ve.add("frequency %q must be one of weekly, monthly, quarterly, yearly", rule.Frequency)
	case rule.Frequency == models.FrequencyWeekly:
		if rule.DayOfWeek < 0 || rule.DayOfWeek > 6 {
			ve.add("day_of_week %d out of range 0-6", rule.DayOfWeek)
		}
	default:
		if rule.DayOfMonth < 1 || rule.DayOfMonth > 28 {
			ve.add("day_of_month %d out of range 1-28", rule.DayOfMonth)
		}
	}

	if rule.StartDate.IsZero() {
		ve.add("start_date is required")
	} else if rule.EndDate != nil && dateOf(*rule.EndDate).Before(dateOf(rule.StartDate)) {
		ve.add("end_date %s is before start_date %s", rule.EndDate.Format("2006-01-02"), rule.StartDate.Format("2006-01-02"))
	}

	if rule.PaymentTerms < 0 {
		ve.add("payment_terms must not be negative")
	}

	if len(rule.Items) == 0 {
		ve.add("at least one line item is required")
	}
	for i, it := range rule.Items {
		if it.Quantity <= 0 {
			ve.add("items[%d].quantity must be positive", i)
		}
		if it.UnitPrice < 0 {
			ve.add("items[%d].unit_price must not be negative", i)
		}
		if it.TaxRate < 0 || it.TaxRate > 100 {
			ve.add("items[%d].tax_rate must be between 0 and 100", i)
		}
		if it.DiscountPercent < 0 || it.DiscountPercent > 100 {
			ve.add("items[%d].discount_percent must be between 0 and 100", i)
		}
	}

	if len(ve.Problems) > 0 {
		return ve
	}
	return nil
}
