package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"leadflow/crm/internal/cache"
	"leadflow/crm/internal/config"
	"leadflow/crm/internal/logger"
	"leadflow/crm/internal/metrics"
	"leadflow/crm/internal/models"
	"leadflow/crm/internal/recurrence"
)

// maxCommitAttempts bounds how often a run re-reads a rule edited between
// planning and recording the run.
const maxCommitAttempts = 3

// CreateRecurringInvoiceInput holds the editor's fields for a new rule.
type CreateRecurringInvoiceInput struct {
	ContactID    string                    `json:"contact_id"`
	Frequency    models.Frequency          `json:"frequency"`
	DayOfWeek    int                       `json:"day_of_week"`
	DayOfMonth   int                       `json:"day_of_month"`
	StartDate    time.Time                 `json:"start_date"`
	EndDate      *time.Time                `json:"end_date,omitempty"`
	PaymentTerms *int                      `json:"payment_terms,omitempty"`
	AutoSend     bool                      `json:"auto_send"`
	IsActive     bool                      `json:"is_active"`
	CurrencyCode string                    `json:"currency_code,omitempty"`
	Title        string                    `json:"title"`
	Introduction string                    `json:"introduction"`
	Terms        string                    `json:"terms"`
	Notes        string                    `json:"notes"`
	Items        []models.LineItemTemplate `json:"items"`
}

// UpdateRecurringInvoiceInput is a partial edit. Nil fields are left as they are.
// Version, when set, must match the stored version.
type UpdateRecurringInvoiceInput struct {
	Version      *int64                     `json:"version,omitempty"`
	ContactID    *string                    `json:"contact_id,omitempty"`
	Frequency    *models.Frequency          `json:"frequency,omitempty"`
	DayOfWeek    *int                       `json:"day_of_week,omitempty"`
	DayOfMonth   *int                       `json:"day_of_month,omitempty"`
	StartDate    *time.Time                 `json:"start_date,omitempty"`
	EndDate      *time.Time                 `json:"end_date,omitempty"`
	ClearEndDate bool                       `json:"clear_end_date,omitempty"`
	PaymentTerms *int                       `json:"payment_terms,omitempty"`
	AutoSend     *bool                      `json:"auto_send,omitempty"`
	CurrencyCode *string                    `json:"currency_code,omitempty"`
	Title        *string                    `json:"title,omitempty"`
	Introduction *string                    `json:"introduction,omitempty"`
	Terms        *string                    `json:"terms,omitempty"`
	Notes        *string                    `json:"notes,omitempty"`
	Items        *[]models.LineItemTemplate `json:"items,omitempty"`
}

func (in UpdateRecurringInvoiceInput) apply(r *models.RecurringInvoice) {
	if in.ContactID != nil {
		r.ContactID = *in.ContactID
	}
	if in.Frequency != nil {
		r.Frequency = *in.Frequency
	}
	if in.DayOfWeek != nil {
		r.DayOfWeek = *in.DayOfWeek
	}
	if in.DayOfMonth != nil {
		r.DayOfMonth = *in.DayOfMonth
	}
	if in.StartDate != nil {
		r.StartDate = *in.StartDate
	}
	if in.ClearEndDate {
		r.EndDate = nil
	} else if in.EndDate != nil {
		end := *in.EndDate
		r.EndDate = &end
	}
	if in.PaymentTerms != nil {
		r.PaymentTerms = *in.PaymentTerms
	}
	if in.AutoSend != nil {
		r.AutoSend = *in.AutoSend
	}
	if in.CurrencyCode != nil {
		r.CurrencyCode = *in.CurrencyCode
	}
	if in.Title != nil {
		r.Title = *in.Title
	}
	if in.Introduction != nil {
		r.Introduction = *in.Introduction
	}
	if in.Terms != nil {
		r.Terms = *in.Terms
	}
	if in.Notes != nil {
		r.Notes = *in.Notes
	}
	if in.Items != nil {
		r.Items = append([]models.LineItemTemplate(nil), (*in.Items)...)
	}
}

// RunLocker serializes runs of one rule. Acquire returns cache.ErrLockHeld when
// another run is in flight.
type RunLocker interface {
	Acquire(ctx context.Context, id string) (release func(), err error)
}

// IRecurringInvoiceService manages recurring invoice rules and turns due rules into invoices.
type IRecurringInvoiceService interface {
	Create(ctx context.Context, in CreateRecurringInvoiceInput) (*models.RecurringInvoice, error)
	Get(ctx context.Context, id string) (*models.RecurringInvoice, error)
	List(ctx context.Context, filter RecurringInvoiceFilter) ([]models.RecurringInvoice, error)
	Update(ctx context.Context, id string, in UpdateRecurringInvoiceInput) (*models.RecurringInvoice, error)
	SetActive(ctx context.Context, id string, active bool) (*models.RecurringInvoice, error)
	ToggleActive(ctx context.Context, id string) (*models.RecurringInvoice, error)
	Delete(ctx context.Context, id string) error
	ListDue(ctx context.Context, asOf time.Time) ([]models.RecurringInvoice, error)
	Materialize(ctx context.Context, id string, asOf time.Time) (*models.Invoice, error)
	NextRun(ctx context.Context, id string, asOf time.Time) (*time.Time, error)
}

type recurringInvoiceService struct {
	rules               IRecurringInvoiceRepository
	invoices            IInvoiceService
	locker              RunLocker
	policy              recurrence.Policy
	defaultCurrency     string
	defaultPaymentTerms int
	now                 func() time.Time
	log                 zerolog.Logger
}

// NewRecurringInvoiceService creates a new RecurringInvoiceService. locker may be nil,
// in which case overlapping runs are still caught by the conditional writes.
func NewRecurringInvoiceService(rules IRecurringInvoiceRepository, invoices IInvoiceService, locker RunLocker, cfg *config.Config) IRecurringInvoiceService {
	return &recurringInvoiceService{
		rules:               rules,
		invoices:            invoices,
		locker:              locker,
		policy:              PolicyFromConfig(cfg),
		defaultCurrency:     cfg.DefaultCurrency,
		defaultPaymentTerms: cfg.DefaultPaymentTermsDays,
		now:                 time.Now,
		log:                 logger.WithComponent("recurring-invoices"),
	}
}

// PolicyFromConfig maps configuration onto the scheduling policy.
func PolicyFromConfig(cfg *config.Config) recurrence.Policy {
	p := recurrence.Policy{EndDateInclusive: cfg.EndDateInclusive, MissedRuns: recurrence.CatchUp}
	if cfg.MissedRunPolicy == config.MissedRunSkip {
		p.MissedRuns = recurrence.Skip
	}
	return p
}

func (s *recurringInvoiceService) Create(ctx context.Context, in CreateRecurringInvoiceInput) (*models.RecurringInvoice, error) {
	now := s.now().UTC()
	rule := &models.RecurringInvoice{
		ContactID:    strings.TrimSpace(in.ContactID),
		Frequency:    in.Frequency,
		DayOfWeek:    in.DayOfWeek,
		DayOfMonth:   in.DayOfMonth,
		StartDate:    in.StartDate,
		EndDate:      in.EndDate,
		PaymentTerms: s.defaultPaymentTerms,
		AutoSend:     in.AutoSend,
		IsActive:     in.IsActive,
		CurrencyCode: in.CurrencyCode,
		Title:        in.Title,
		Introduction: in.Introduction,
		Terms:        in.Terms,
		Notes:        in.Notes,
		Items:        append([]models.LineItemTemplate(nil), in.Items...),
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	if in.PaymentTerms != nil {
		rule.PaymentTerms = *in.PaymentTerms
	}
	s.normalize(rule)
	if err := recurrence.Validate(rule); err != nil {
		return nil, err
	}
	if rule.IsActive {
		rule.ActivatedAt = &now
	}
	rule.NextRunDate = recurrence.NextRun(rule, now, s.policy)

	saved, err := s.rules.Insert(ctx, rule)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("recurring_invoice_id", saved.ID).Str("contact_id", saved.ContactID).Msg("recurring invoice created")
	return s.withStatus(saved, now), nil
}

func (s *recurringInvoiceService) Get(ctx context.Context, id string) (*models.RecurringInvoice, error) {
	rule, err := s.rules.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withStatus(rule, s.now()), nil
}

func (s *recurringInvoiceService) List(ctx context.Context, filter RecurringInvoiceFilter) ([]models.RecurringInvoice, error) {
	rules, err := s.rules.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range rules {
		s.withStatus(&rules[i], now)
	}
	return rules, nil
}

// Update merges in onto the stored rule, validates the result and saves it if the
// version still matches. The cached next_run_date is re-derived from the new schedule.
func (s *recurringInvoiceService) Update(ctx context.Context, id string, in UpdateRecurringInvoiceInput) (*models.RecurringInvoice, error) {
	current, err := s.rules.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := current.Version
	if in.Version != nil {
		if *in.Version != current.Version {
			return nil, recurrence.ErrConcurrentModification
		}
		expected = *in.Version
	}

	draft := current.Clone()
	in.apply(draft)
	s.normalize(draft)
	if err := recurrence.Validate(draft); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	draft.UpdatedAt = now
	draft.NextRunDate = recurrence.NextRun(draft, now, s.policy)
	if err := s.rules.SaveEdits(ctx, draft, expected); err != nil {
		return nil, err
	}
	draft.Version = expected + 1
	return s.withStatus(draft, now), nil
}

func (s *recurringInvoiceService) SetActive(ctx context.Context, id string, active bool) (*models.RecurringInvoice, error) {
	current, err := s.rules.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.setActive(ctx, current, active)
}

func (s *recurringInvoiceService) ToggleActive(ctx context.Context, id string) (*models.RecurringInvoice, error) {
	current, err := s.rules.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.setActive(ctx, current, !current.IsActive)
}

// setActive resumes or pauses a rule. Resuming stamps activated_at, so occurrences
// missed while paused are not billed; pausing clears next_run_date.
func (s *recurringInvoiceService) setActive(ctx context.Context, current *models.RecurringInvoice, active bool) (*models.RecurringInvoice, error) {
	now := s.now().UTC()
	draft := current.Clone()
	if active && !current.IsActive {
		if err := recurrence.Validate(draft); err != nil {
			return nil, err
		}
		draft.ActivatedAt = &now
	}
	draft.IsActive = active
	draft.UpdatedAt = now
	draft.NextRunDate = recurrence.NextRun(draft, now, s.policy)

	if err := s.rules.SaveEdits(ctx, draft, current.Version); err != nil {
		return nil, err
	}
	draft.Version = current.Version + 1
	s.log.Info().Str("recurring_invoice_id", draft.ID).Bool("active", active).Msg("recurring invoice activation changed")
	return s.withStatus(draft, now), nil
}

// Delete removes the rule. Invoices it generated are kept.
func (s *recurringInvoiceService) Delete(ctx context.Context, id string) error {
	if err := s.rules.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("recurring_invoice_id", id).Msg("recurring invoice deleted")
	return nil
}

func (s *recurringInvoiceService) ListDue(ctx context.Context, asOf time.Time) ([]models.RecurringInvoice, error) {
	return s.rules.ListDue(ctx, asOf)
}

func (s *recurringInvoiceService) NextRun(ctx context.Context, id string, asOf time.Time) (*time.Time, error) {
	rule, err := s.rules.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return recurrence.NextRun(rule, asOf, s.policy), nil
}

// Materialize generates the invoice for a due rule and advances the rule. It
// returns (nil, nil) when the rule is not due at asOf.
//
// The invoice is written first under a unique (rule, sequence) index and the rule
// is advanced afterwards with a conditional update. If the process dies in
// between, the next attempt finds the persisted invoice and only advances the rule.
func (s *recurringInvoiceService) Materialize(ctx context.Context, id string, asOf time.Time) (*models.Invoice, error) {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, id)
		if err != nil {
			if errors.Is(err, cache.ErrLockHeld) {
				metrics.MaterializeFailures.WithLabelValues(metrics.ReasonConflict).Inc()
				return nil, recurrence.ErrConcurrentModification
			}
			return nil, err
		}
		defer release()
	}

	rule, err := s.rules.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, recurrence.ErrNotFound) {
			metrics.MaterializeFailures.WithLabelValues(metrics.ReasonNotFound).Inc()
		}
		return nil, err
	}

	planned, err := recurrence.Plan(rule, asOf, s.policy)
	if errors.Is(err, recurrence.ErrNotDue) {
		return nil, nil
	}
	if err != nil {
		metrics.MaterializeFailures.WithLabelValues(metrics.ReasonValidation).Inc()
		return nil, err
	}

	repaired := false
	invoice, err := s.invoices.InsertGenerated(ctx, planned)
	if errors.Is(err, ErrDuplicateSequence) {
		invoice, err = s.invoices.FindBySequence(ctx, rule.ID, planned.Sequence)
		if err != nil {
			metrics.MaterializeFailures.WithLabelValues(metrics.ReasonPersistence).Inc()
			return nil, &recurrence.PersistenceError{Op: "find invoice", Err: err}
		}
		repaired = true
	} else if err != nil {
		metrics.MaterializeFailures.WithLabelValues(metrics.ReasonPersistence).Inc()
		return nil, &recurrence.PersistenceError{Op: "insert invoice", Err: err}
	}

	if err := s.recordRun(ctx, rule, invoice.IssueDate); err != nil {
		reason := metrics.ReasonPersistence
		if errors.Is(err, recurrence.ErrConcurrentModification) {
			reason = metrics.ReasonConflict
		}
		metrics.MaterializeFailures.WithLabelValues(reason).Inc()
		return nil, err
	}

	log := s.log.With().Str("recurring_invoice_id", rule.ID).Str("invoice_id", invoice.ID).Int("sequence", invoice.Sequence).Logger()
	if repaired {
		metrics.RunsRepaired.Inc()
		log.Warn().Msg("advanced recurring invoice from an interrupted run")
	} else {
		metrics.InvoicesMaterialized.Inc()
		log.Info().Time("as_of", asOf).Msg("invoice materialized")
	}
	return invoice, nil
}

// recordRun advances rule for a run at ranAt. An edit that landed after the rule
// was read is re-read and the run recorded against it. If another run already
// advanced the rule the result is ErrConcurrentModification.
func (s *recurringInvoiceService) recordRun(ctx context.Context, rule *models.RecurringInvoice, ranAt time.Time) error {
	generated := rule.InvoicesGenerated
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		next := recurrence.Advance(rule, ranAt, s.policy)
		err := s.rules.RecordRun(ctx, rule.ID, rule.Version, generated, *next.LastRunDate, next.NextRunDate)
		if err == nil {
			return nil
		}
		if !errors.Is(err, recurrence.ErrConcurrentModification) {
			if errors.Is(err, recurrence.ErrNotFound) {
				return err
			}
			return &recurrence.PersistenceError{Op: "record run", Err: err}
		}

		fresh, ferr := s.rules.FindByID(ctx, rule.ID)
		if ferr != nil {
			return ferr
		}
		if fresh.InvoicesGenerated != generated {
			return recurrence.ErrConcurrentModification
		}
		rule = fresh
	}
	return fmt.Errorf("recording run for %s: %w", rule.ID, recurrence.ErrConcurrentModification)
}

func (s *recurringInvoiceService) normalize(r *models.RecurringInvoice) {
	r.CurrencyCode = strings.ToUpper(strings.TrimSpace(r.CurrencyCode))
	if r.CurrencyCode == "" {
		r.CurrencyCode = s.defaultCurrency
	}
	if !r.StartDate.IsZero() {
		r.StartDate = dateOnly(r.StartDate)
	}
	if r.EndDate != nil {
		end := dateOnly(*r.EndDate)
		r.EndDate = &end
	}
}

func (s *recurringInvoiceService) withStatus(r *models.RecurringInvoice, asOf time.Time) *models.RecurringInvoice {
	r.Status = recurrence.StatusOf(r, asOf, s.policy)
	return r
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
