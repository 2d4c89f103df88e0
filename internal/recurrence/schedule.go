// Package recurrence holds the side-effect-free core of recurring invoices:
// rule validation, next-run computation, and turning a due rule into an
// invoice snapshot. Nothing here reads the clock; callers pass asOf.
package recurrence

import (
	"time"

	"leadflow/crm/internal/models"
)

// MissedRunPolicy decides what happens to occurrences that passed without a run.
type MissedRunPolicy string

const (
	// CatchUp produces one invoice for the overdue occurrence, then resumes from the run date.
	CatchUp MissedRunPolicy = "catch_up"
	// Skip moves straight to the first occurrence on or after the trigger's day.
	Skip MissedRunPolicy = "skip"
)

// Policy carries the scheduling choices that are configuration rather than rule data.
type Policy struct {
	EndDateInclusive bool
	MissedRuns       MissedRunPolicy
}

// DefaultPolicy: end_date inclusive, catch up missed runs.
func DefaultPolicy() Policy {
	return Policy{EndDateInclusive: true, MissedRuns: CatchUp}
}

// NextRun returns the next eligible run date (UTC midnight) for rule, or nil
// when the rule is paused or has no further runs before its end date.
// The result depends only on the rule's stored fields, asOf and the policy.
func NextRun(rule *models.RecurringInvoice, asOf time.Time, p Policy) *time.Time {
	if rule == nil || !rule.IsActive {
		return nil
	}
	start := dateOf(rule.StartDate)

	var candidate time.Time
	switch rule.Frequency {
	case models.FrequencyWeekly:
		candidate = nextWeekly(rule, start)
	case models.FrequencyMonthly, models.FrequencyQuarterly, models.FrequencyYearly:
		candidate = nextInPeriod(rule, start)
	default:
		return nil
	}

	// Occurrences before start_date, or before the day the rule was last
	// switched on, are never run.
	floor := start
	if rule.ActivatedAt != nil && dateOf(*rule.ActivatedAt).After(floor) {
		floor = dateOf(*rule.ActivatedAt)
	}
	for candidate.Before(floor) {
		candidate = step(rule, candidate)
	}
	if p.MissedRuns == Skip {
		today := dateOf(asOf)
		for candidate.Before(today) {
			candidate = step(rule, candidate)
		}
	}

	if rule.EndDate != nil {
		end := dateOf(*rule.EndDate)
		if candidate.After(end) || (!p.EndDateInclusive && candidate.Equal(end)) {
			return nil
		}
	}
	return &candidate
}

// StatusOf derives the lifecycle state shown in the editor.
func StatusOf(rule *models.RecurringInvoice, asOf time.Time, p Policy) models.RecurringStatus {
	if !rule.IsActive {
		if rule.ActivatedAt == nil && rule.InvoicesGenerated == 0 {
			return models.RecurringStatusDraft
		}
		return models.RecurringStatusPaused
	}
	if NextRun(rule, asOf, p) == nil {
		return models.RecurringStatusExhausted
	}
	return models.RecurringStatusActive
}

func nextWeekly(rule *models.RecurringInvoice, start time.Time) time.Time {
	if rule.LastRunDate == nil {
		delta := (rule.DayOfWeek - int(start.Weekday()) + 7) % 7
		return start.AddDate(0, 0, delta)
	}
	base := dateOf(*rule.LastRunDate)
	delta := (rule.DayOfWeek - int(base.Weekday()) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	return base.AddDate(0, 0, delta)
}

// nextInPeriod handles month-based frequencies. Periods are runs of 1, 3 or 12
// months starting at start_date's month, so yearly rules keep start_date's
// calendar month and quarterly rules keep their quarter grid after a late run.
func nextInPeriod(rule *models.RecurringInvoice, start time.Time) time.Time {
	k := periodMonths(rule.Frequency)
	anchor := monthIndex(start)

	if rule.LastRunDate == nil {
		c := fromMonthIndex(anchor, rule.DayOfMonth)
		if !c.Before(start) {
			return c
		}
		return fromMonthIndex(anchor+k, rule.DayOfMonth)
	}

	base := dateOf(*rule.LastRunDate)
	period := floorDiv(monthIndex(base)-anchor, k)
	return fromMonthIndex(anchor+(period+1)*k, rule.DayOfMonth)
}

func step(rule *models.RecurringInvoice, t time.Time) time.Time {
	if rule.Frequency == models.FrequencyWeekly {
		return t.AddDate(0, 0, 7)
	}
	// day_of_month <= 28, so AddDate never spills into the following month.
	return t.AddDate(0, periodMonths(rule.Frequency), 0)
}

func periodMonths(f models.Frequency) int {
	switch f {
	case models.FrequencyQuarterly:
		return 3
	case models.FrequencyYearly:
		return 12
	default:
		return 1
	}
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}

func fromMonthIndex(idx, day int) time.Time {
	return time.Date(idx/12, time.Month(idx%12+1), day, 0, 0, 0, 0, time.UTC)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
