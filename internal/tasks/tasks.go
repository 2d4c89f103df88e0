package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"leadflow/crm/internal/config"
	"leadflow/crm/internal/email"
	"leadflow/crm/internal/logger"
	"leadflow/crm/internal/metrics"
	"leadflow/crm/internal/models"
	"leadflow/crm/internal/recurrence"
	"leadflow/crm/internal/services"
	"leadflow/crm/internal/storage"
)

// TaskType defines the type of a background task.
const (
	TypeRecurringSweep       = "billing:recurring:sweep"
	TypeRecurringMaterialize = "billing:recurring:materialize"
	TypeInvoiceEmail         = "email:invoice"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"

	// queuedEmailBatch bounds how many unsent invoices one sweep re-enqueues.
	queuedEmailBatch = 200
)

// --- Task Client (Enqueuing tasks) ---

func redisOpt(rdb *redis.Client) asynq.RedisClientOpt {
	opts := rdb.Options()
	return asynq.RedisClientOpt{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
}

func NewClient(rdb *redis.Client) *asynq.Client {
	return asynq.NewClient(redisOpt(rdb))
}

func NewInspector(rdb *redis.Client) *asynq.Inspector {
	return asynq.NewInspector(redisOpt(rdb))
}

// Enqueuer is the part of *asynq.Client the processor needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the part of *asynq.Inspector used to free task IDs held by
// archived or completed tasks.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// SweepPayload optionally pins the sweep to a point in time. A zero AsOf means now.
type SweepPayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

type MaterializePayload struct {
	RecurringInvoiceID string    `json:"recurring_invoice_id"`
	AsOf               time.Time `json:"as_of"`
}

type InvoiceEmailPayload struct {
	InvoiceID string `json:"invoice_id"`
}

func NewSweepTask(asOf time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRecurringSweep, payload), nil
}

// NewMaterializeTask builds the run task for one rule. The task ID includes the
// sequence number so a rule has at most one live run per generation. An archived
// run is replaced on the next sweep.
func NewMaterializeTask(rule *models.RecurringInvoice, asOf time.Time) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(MaterializePayload{RecurringInvoiceID: rule.ID, AsOf: asOf})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("materialize:%s:%d", rule.ID, rule.InvoicesGenerated+1)),
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(5),
	}
	return asynq.NewTask(TypeRecurringMaterialize, payload), opts, nil
}

func NewInvoiceEmailTask(invoiceID string) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(InvoiceEmailPayload{InvoiceID: invoiceID})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.TaskID("email:invoice:" + invoiceID),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(10),
	}
	return asynq.NewTask(TypeInvoiceEmail, payload), opts, nil
}

// --- Task Server (Processing tasks) ---

// RecurringRunner is the part of the recurring invoice service the workers drive.
type RecurringRunner interface {
	ListDue(ctx context.Context, asOf time.Time) ([]models.RecurringInvoice, error)
	Materialize(ctx context.Context, id string, asOf time.Time) (*models.Invoice, error)
}

// InvoiceReader covers the invoice lookups and the delivery update.
type InvoiceReader interface {
	FindByID(ctx context.Context, id string) (*models.Invoice, error)
	ListQueuedForSend(ctx context.Context, limit int) ([]models.Invoice, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	MarkSendFailed(ctx context.Context, id string, reason string) error
}

type ContactFinder interface {
	FindByID(ctx context.Context, id string) (*models.Contact, error)
}

type TemplateGetter interface {
	GetTemplate(ctx context.Context, templateID, locale string) (*models.EmailTemplate, error)
}

// TaskProcessor handles the processing of tasks.
// It holds dependencies needed by task handlers.
type TaskProcessor struct {
	cfg         *config.Config
	recurring   RecurringRunner
	invoices    InvoiceReader
	contacts    ContactFinder
	templates   TemplateGetter
	emailSender email.Sender
	archive     storage.IInvoiceArchive
	taskClient  Enqueuer
	inspector   TaskInspector
	now         func() time.Time
	log         zerolog.Logger
}

// NewTaskProcessor wires the handlers. archive and taskClient may be nil: archiving
// is then skipped and runs do not enqueue follow-up emails. Without an inspector a
// task ID conflict always counts as already queued.
func NewTaskProcessor(
	cfg *config.Config,
	recurring RecurringRunner,
	invoices InvoiceReader,
	contacts ContactFinder,
	templates TemplateGetter,
	emailSender email.Sender,
	archive storage.IInvoiceArchive,
	taskClient Enqueuer,
	inspector TaskInspector,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:         cfg,
		recurring:   recurring,
		invoices:    invoices,
		contacts:    contacts,
		templates:   templates,
		emailSender: emailSender,
		archive:     archive,
		taskClient:  taskClient,
		inspector:   inspector,
		now:         time.Now,
		log:         logger.WithComponent("tasks"),
	}
}

// SetupServer configures the Asynq server and its handlers. The caller starts
// it with srv.Start(mux) and stops it with srv.Shutdown().
func SetupServer(rdb *redis.Client, processor *TaskProcessor) (*asynq.Server, *asynq.ServeMux) {
	log := logger.WithComponent("asynq")
	srv := asynq.NewServer(
		redisOpt(rdb),
		asynq.Config{
			Queues: map[string]int{
				QueueCritical: 6,
				QueueDefault:  3,
			},
			Logger:   &asynqLogger{log: log},
			LogLevel: asynq.WarnLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error().Err(err).Str("task_type", task.Type()).Bytes("payload", task.Payload()).Msg("task failed")
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRecurringSweep, processor.HandleSweepTask)
	mux.HandleFunc(TypeRecurringMaterialize, processor.HandleMaterializeTask)
	mux.HandleFunc(TypeInvoiceEmail, processor.HandleInvoiceEmailTask)
	log.Info().Msg("registered recurring invoice task handlers")
	return srv, mux
}

// NewScheduler registers the periodic sweep. Cron expressions are evaluated in UTC.
func NewScheduler(rdb *redis.Client, cfg *config.Config) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt(rdb), &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   &asynqLogger{log: logger.WithComponent("scheduler")},
	})
	task, err := NewSweepTask(time.Time{})
	if err != nil {
		return nil, err
	}
	if _, err := scheduler.Register(cfg.RecurringSweepCron, task, asynq.Queue(QueueCritical), asynq.MaxRetry(0)); err != nil {
		return nil, fmt.Errorf("failed to register sweep %q: %w", cfg.RecurringSweepCron, err)
	}
	return scheduler, nil
}

// --- Task Handlers ---

// HandleSweepTask enqueues one run per due rule and re-enqueues invoice emails
// that were queued but never handed to a worker.
func (p *TaskProcessor) HandleSweepTask(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal sweep payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = p.now()
	}
	asOf = asOf.UTC()

	timer := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(timer).Seconds()) }()

	due, err := p.recurring.ListDue(ctx, asOf)
	if err != nil {
		return fmt.Errorf("failed to list due recurring invoices: %w", err)
	}
	metrics.SweepDueRules.Set(float64(len(due)))

	var errs []error
	enqueued := 0
	for i := range due {
		task, opts, err := NewMaterializeTask(&due[i], asOf)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ok, err := p.enqueue(ctx, task, opts...)
		if err != nil {
			p.log.Error().Err(err).Str("recurring_invoice_id", due[i].ID).Msg("failed to enqueue run")
			errs = append(errs, err)
			continue
		}
		if ok {
			enqueued++
		}
	}

	if err := p.requeueEmails(ctx); err != nil {
		errs = append(errs, err)
	}

	p.log.Info().Time("as_of", asOf).Int("due", len(due)).Int("enqueued", enqueued).Msg("recurring invoice sweep finished")
	return errors.Join(errs...)
}

func (p *TaskProcessor) requeueEmails(ctx context.Context) error {
	queued, err := p.invoices.ListQueuedForSend(ctx, queuedEmailBatch)
	if err != nil {
		return fmt.Errorf("failed to list queued invoices: %w", err)
	}
	var errs []error
	for i := range queued {
		if err := p.enqueueEmail(ctx, queued[i].ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleMaterializeTask runs one rule. Unknown and invalid rules are not retried;
// a run that lost to a concurrent one is dropped.
func (p *TaskProcessor) HandleMaterializeTask(ctx context.Context, t *asynq.Task) error {
	var payload MaterializePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal materialize payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.RecurringInvoiceID == "" {
		return fmt.Errorf("missing recurring invoice id: %w", asynq.SkipRetry)
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = p.now()
	}

	log := p.log.With().Str("recurring_invoice_id", payload.RecurringInvoiceID).Logger()
	invoice, err := p.recurring.Materialize(ctx, payload.RecurringInvoiceID, asOf)
	switch {
	case errors.Is(err, recurrence.ErrNotFound):
		log.Warn().Msg("recurring invoice no longer exists")
		return fmt.Errorf("recurring invoice %s not found: %w", payload.RecurringInvoiceID, asynq.SkipRetry)
	case errors.Is(err, recurrence.ErrValidation):
		log.Error().Err(err).Msg("recurring invoice is invalid, run skipped")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case errors.Is(err, recurrence.ErrConcurrentModification):
		log.Info().Msg("run handled by a concurrent worker")
		return nil
	case err != nil:
		return err
	}
	if invoice == nil {
		log.Debug().Msg("recurring invoice not due")
		return nil
	}
	return p.afterMaterialize(ctx, invoice)
}

// afterMaterialize archives a fresh invoice and queues its email. Archive failures
// are logged only; the invoice itself is already committed.
func (p *TaskProcessor) afterMaterialize(ctx context.Context, invoice *models.Invoice) error {
	if p.archive != nil {
		if key, err := p.archive.ArchiveInvoice(ctx, invoice); err != nil {
			p.log.Error().Err(err).Str("invoice_id", invoice.ID).Msg("failed to archive invoice")
		} else {
			p.log.Debug().Str("invoice_id", invoice.ID).Str("key", key).Msg("invoice archived")
		}
	}
	if invoice.Status == models.InvoiceStatusQueuedForSend {
		return p.enqueueEmail(ctx, invoice.ID)
	}
	return nil
}

func (p *TaskProcessor) enqueueEmail(ctx context.Context, invoiceID string) error {
	task, opts, err := NewInvoiceEmailTask(invoiceID)
	if err != nil {
		return err
	}
	if _, err := p.enqueue(ctx, task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue email for invoice %s: %w", invoiceID, err)
	}
	return nil
}

// enqueue reports false when a task with the same ID is still pending, scheduled,
// active or retrying. A finished task holding the ID is deleted and the task is
// enqueued again.
func (p *TaskProcessor) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (bool, error) {
	if p.taskClient == nil {
		return false, nil
	}
	_, err := p.taskClient.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		var freed bool
		if freed, err = p.freeTaskID(opts); err != nil {
			return false, err
		}
		if !freed {
			return false, nil
		}
		_, err = p.taskClient.EnqueueContext(ctx, task, opts...)
	}
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// freeTaskID deletes the archived or completed task that holds the ID in opts.
func (p *TaskProcessor) freeTaskID(opts []asynq.Option) (bool, error) {
	if p.inspector == nil {
		return false, nil
	}
	queue, id := QueueDefault, ""
	for _, o := range opts {
		switch o.Type() {
		case asynq.QueueOpt:
			queue = o.Value().(string)
		case asynq.TaskIDOpt:
			id = o.Value().(string)
		}
	}
	if id == "" {
		return false, nil
	}

	info, err := p.inspector.GetTaskInfo(queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect task %s: %w", id, err)
	}
	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return false, nil
	}
	if err := p.inspector.DeleteTask(queue, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("failed to delete finished task %s: %w", id, err)
	}
	p.log.Info().Str("task_id", id).Str("state", info.State.String()).Msg("replacing finished task")
	return true, nil
}

// InvoiceEmailData is what the recurring invoice email templates render against.
type InvoiceEmailData struct {
	AppName     string
	ContactName string
	Invoice     *models.Invoice
}

// HandleInvoiceEmailTask renders and sends a generated invoice to its contact.
func (p *TaskProcessor) HandleInvoiceEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload InvoiceEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal invoice email payload: %v: %w", err, asynq.SkipRetry)
	}

	invoice, err := p.invoices.FindByID(ctx, payload.InvoiceID)
	if err != nil {
		if errors.Is(err, services.ErrInvoiceNotFound) {
			return fmt.Errorf("invoice %s not found: %w", payload.InvoiceID, asynq.SkipRetry)
		}
		return err
	}
	log := p.log.With().Str("invoice_id", invoice.ID).Str("invoice_number", invoice.InvoiceNumber).Logger()
	if invoice.Status == models.InvoiceStatusSent {
		log.Debug().Msg("invoice already sent")
		return nil
	}

	contact, err := p.contacts.FindByID(ctx, invoice.ContactID)
	if err != nil {
		if errors.Is(err, services.ErrContactNotFound) {
			metrics.InvoiceEmailsSent.WithLabelValues("skipped").Inc()
			return p.giveUp(ctx, log, invoice.ID, fmt.Sprintf("contact %s not found", invoice.ContactID))
		}
		return err
	}
	if contact.Email == "" {
		metrics.InvoiceEmailsSent.WithLabelValues("skipped").Inc()
		log.Warn().Str("contact_id", contact.ID).Msg("contact has no email address")
		return p.giveUp(ctx, log, invoice.ID, fmt.Sprintf("contact %s has no email", contact.ID))
	}

	tmpl, err := p.templates.GetTemplate(ctx, services.RecurringInvoiceTemplateID, p.cfg.DefaultLocale)
	if err != nil {
		log.Error().Err(err).Str("locale", p.cfg.DefaultLocale).Msg("failed to get email template")
		return p.giveUp(ctx, log, invoice.ID, "email template not found")
	}
	subject, body, err := email.Render(tmpl.Subject, tmpl.Body, InvoiceEmailData{
		AppName:     p.cfg.AppName,
		ContactName: contact.DisplayName(),
		Invoice:     invoice,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to render invoice email")
		return p.giveUp(ctx, log, invoice.ID, err.Error())
	}

	from := p.cfg.SmtpFromAddress
	if from == "" {
		from = "noreply@leadflow.local"
		log.Warn().Str("from", from).Msg("SmtpFromAddress not configured, using fallback")
	}
	now := p.now().UTC()
	raw := email.BuildMessage(from, contact.Email, subject, services.RecurringInvoiceTemplateID, body, now)
	if err := p.emailSender.Send(ctx, []string{contact.Email}, subject, raw); err != nil {
		metrics.InvoiceEmailsSent.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to send invoice email: %w", err)
	}
	metrics.InvoiceEmailsSent.WithLabelValues("sent").Inc()

	if err := p.invoices.MarkSent(ctx, invoice.ID, now); err != nil {
		log.Error().Err(err).Msg("invoice email sent but status not updated")
		return err
	}
	log.Info().Str("to", contact.Email).Msg("invoice email sent")
	return nil
}

// giveUp parks the invoice as send_failed so the sweep stops re-enqueueing it,
// and stops retries of the current task.
func (p *TaskProcessor) giveUp(ctx context.Context, log zerolog.Logger, invoiceID, reason string) error {
	if err := p.invoices.MarkSendFailed(ctx, invoiceID, reason); err != nil {
		log.Error().Err(err).Msg("failed to mark invoice send failed")
	}
	return fmt.Errorf("%s: %w", reason, asynq.SkipRetry)
}

// SweepResult summarises a synchronous sweep.
type SweepResult struct {
	Due       int `json:"due"`
	Generated int `json:"generated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// RunSweep materializes every rule due at asOf in the calling goroutine. It is the
// worker-less counterpart of HandleSweepTask used by the CLI.
func (p *TaskProcessor) RunSweep(ctx context.Context, asOf time.Time) (SweepResult, error) {
	due, err := p.recurring.ListDue(ctx, asOf)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list due recurring invoices: %w", err)
	}
	res := SweepResult{Due: len(due)}
	for _, rule := range due {
		invoice, err := p.RunOne(ctx, rule.ID, asOf)
		switch {
		case err != nil:
			res.Failed++
			p.log.Error().Err(err).Str("recurring_invoice_id", rule.ID).Msg("run failed")
		case invoice == nil:
			res.Skipped++
		default:
			res.Generated++
		}
	}
	return res, nil
}

// RunOne materializes a single rule in the calling goroutine and performs the same
// follow-up as a worker run. Follow-up failures are logged, not returned.
func (p *TaskProcessor) RunOne(ctx context.Context, id string, asOf time.Time) (*models.Invoice, error) {
	invoice, err := p.recurring.Materialize(ctx, id, asOf)
	if err != nil || invoice == nil {
		return invoice, err
	}
	if err := p.afterMaterialize(ctx, invoice); err != nil {
		p.log.Error().Err(err).Str("invoice_id", invoice.ID).Msg("follow-up after run failed")
	}
	return invoice, nil
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct {
	log zerolog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
