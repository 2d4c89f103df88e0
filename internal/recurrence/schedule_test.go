package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/crm/internal/models"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dayPtr(s string) *time.Time {
	t := day(s)
	return &t
}

func activeRule(freq models.Frequency) *models.RecurringInvoice {
	return &models.RecurringInvoice{
		Base:         models.Base{ID: "5f1c2a9e-0000-4000-8000-000000000001"},
		ContactID:    "contact-1",
		Frequency:    freq,
		StartDate:    day("2024-01-01"),
		PaymentTerms: 14,
		IsActive:     true,
		CurrencyCode: "EUR",
		Items: []models.LineItemTemplate{
			{Description: "Retainer", Quantity: 1, Unit: "month", UnitPrice: 100, TaxRate: 21},
		},
	}
}

func TestNextRun_Weekly(t *testing.T) {
	r := activeRule(models.FrequencyWeekly)
	r.DayOfWeek = 1 // 2024-01-01 is a Monday

	next := NextRun(r, day("2024-01-01"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-01-01"), *next, "start date on the weekday runs that day")

	r.LastRunDate = dayPtr("2024-01-01")
	next = NextRun(r, day("2024-01-02"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-01-08"), *next)

	r.LastRunDate = nil
	r.DayOfWeek = 3
	next = NextRun(r, day("2024-01-01"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-01-03"), *next)
}

func TestNextRun_Monthly(t *testing.T) {
	r := activeRule(models.FrequencyMonthly)
	r.DayOfMonth = 15

	r.StartDate = day("2024-01-10")
	next := NextRun(r, day("2024-01-10"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-01-15"), *next)

	r.StartDate = day("2024-01-20")
	next = NextRun(r, day("2024-01-20"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-02-15"), *next, "day already passed in the start month")

	r.LastRunDate = dayPtr("2024-02-15")
	next = NextRun(r, day("2024-02-15"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-03-15"), *next)
}

func TestNextRun_EndDateCutsOff(t *testing.T) {
	r := activeRule(models.FrequencyMonthly)
	r.DayOfMonth = 15
	r.LastRunDate = dayPtr("2024-02-15")
	r.EndDate = dayPtr("2024-03-01")

	assert.Nil(t, NextRun(r, day("2024-02-16"), DefaultPolicy()))
}

func TestNextRun_EndDateInclusiveFlag(t *testing.T) {
	r := activeRule(models.FrequencyMonthly)
	r.DayOfMonth = 1
	r.LastRunDate = dayPtr("2024-01-01")
	r.EndDate = dayPtr("2024-02-01")

	inclusive := NextRun(r, day("2024-01-02"), Policy{EndDateInclusive: true, MissedRuns: CatchUp})
	require.NotNil(t, inclusive)
	assert.Equal(t, day("2024-02-01"), *inclusive)

	assert.Nil(t, NextRun(r, day("2024-01-02"), Policy{EndDateInclusive: false, MissedRuns: CatchUp}))
}

func TestNextRun_QuarterlyKeepsGrid(t *testing.T) {
	r := activeRule(models.FrequencyQuarterly)
	r.DayOfMonth = 1

	r.LastRunDate = dayPtr("2024-01-01")
	next := NextRun(r, day("2024-01-01"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-04-01"), *next)

	// A late run inside the first quarter still lands on the next quarter boundary.
	r.LastRunDate = dayPtr("2024-02-10")
	next = NextRun(r, day("2024-02-10"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-04-01"), *next)
}

func TestNextRun_Yearly(t *testing.T) {
	r := activeRule(models.FrequencyYearly)
	r.DayOfMonth = 10
	r.StartDate = day("2024-03-05")

	next := NextRun(r, day("2024-03-05"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-03-10"), *next)

	r.LastRunDate = dayPtr("2024-03-10")
	next = NextRun(r, day("2024-03-10"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2025-03-10"), *next)
}

func TestNextRun_MissedRunPolicies(t *testing.T) {
	r := activeRule(models.FrequencyMonthly)
	r.DayOfMonth = 1
	r.LastRunDate = dayPtr("2024-01-01")
	asOf := day("2024-05-20")

	catchUp := NextRun(r, asOf, Policy{EndDateInclusive: true, MissedRuns: CatchUp})
	require.NotNil(t, catchUp)
	assert.Equal(t, day("2024-02-01"), *catchUp)

	skip := NextRun(r, asOf, Policy{EndDateInclusive: true, MissedRuns: Skip})
	require.NotNil(t, skip)
	assert.Equal(t, day("2024-06-01"), *skip)
}

func TestNextRun_PausedIsNil(t *testing.T) {
	r := activeRule(models.FrequencyWeekly)
	r.IsActive = false
	assert.Nil(t, NextRun(r, day("2024-01-01"), DefaultPolicy()))
}

func TestNextRun_LastRunBeforeStart(t *testing.T) {
	r := activeRule(models.FrequencyWeekly)
	r.DayOfWeek = 5
	r.StartDate = day("2024-03-01") // Friday
	r.LastRunDate = dayPtr("2024-01-05")

	next := NextRun(r, day("2024-03-01"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-03-01"), *next)
}

func TestNextRun_MonthlyDayProperty(t *testing.T) {
	for d := 1; d <= 28; d++ {
		for _, last := range []string{"2024-01-31", "2024-02-29", "2024-06-15", "2024-12-28"} {
			r := activeRule(models.FrequencyMonthly)
			r.DayOfMonth = d
			r.LastRunDate = dayPtr(last)

			next := NextRun(r, day(last), DefaultPolicy())
			require.NotNil(t, next)
			assert.Equal(t, d, next.Day())
			assert.True(t, next.After(day(last)), "next run %s must follow last run %s", next, last)
			assert.False(t, next.Before(r.StartDate))
		}
	}
}

func TestNextRun_Idempotent(t *testing.T) {
	r := activeRule(models.FrequencyQuarterly)
	r.DayOfMonth = 12
	r.LastRunDate = dayPtr("2024-04-12")
	before := r.Clone()

	a := NextRun(r, day("2024-05-01"), DefaultPolicy())
	b := NextRun(r, day("2024-05-01"), DefaultPolicy())
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, *a, *b)
	assert.Equal(t, before, r, "computing the next run must not touch the rule")
}

func TestStatusOf(t *testing.T) {
	r := activeRule(models.FrequencyMonthly)
	r.DayOfMonth = 1
	asOf := day("2024-01-01")

	assert.Equal(t, models.RecurringStatusActive, StatusOf(r, asOf, DefaultPolicy()))

	r.IsActive = false
	assert.Equal(t, models.RecurringStatusDraft, StatusOf(r, asOf, DefaultPolicy()))

	r.ActivatedAt = dayPtr("2024-01-01")
	assert.Equal(t, models.RecurringStatusPaused, StatusOf(r, asOf, DefaultPolicy()))

	r.IsActive = true
	r.LastRunDate = dayPtr("2024-01-01")
	r.EndDate = dayPtr("2024-01-15")
	assert.Equal(t, models.RecurringStatusExhausted, StatusOf(r, asOf, DefaultPolicy()))
}

func TestNextRun_ResumeDoesNotBackfill(t *testing.T) {
	r := activeRule(models.FrequencyMonthly)
	r.DayOfMonth = 1
	r.LastRunDate = dayPtr("2024-01-01")
	r.ActivatedAt = dayPtr("2024-04-10")

	next := NextRun(r, day("2024-04-10"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-05-01"), *next)

	// Resumed on an occurrence day: that day still runs.
	r.ActivatedAt = dayPtr("2024-04-01")
	next = NextRun(r, day("2024-04-01"), DefaultPolicy())
	require.NotNil(t, next)
	assert.Equal(t, day("2024-04-01"), *next)
}
