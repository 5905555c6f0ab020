package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/extraction"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
	"github.com/ItamarBenAri/car-ops-agent/internal/queue"
	"github.com/ItamarBenAri/car-ops-agent/internal/reminders"
	"github.com/ItamarBenAri/car-ops-agent/internal/store"
)

const (
	defaultVendor            = "לא ידוע"
	defaultCategory          = "תחזוקה שוטפת"
	defaultExpenseConfidence = 0.8
	defaultIssueTitle        = "תקלה שזוהתה"
	defaultIssueConfidence   = 0.75
)

// Store is the persistence used while processing a job. *store.Store satisfies it.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, upd store.JobUpdate) (models.Job, error)
	GetDocument(ctx context.Context, id string) (models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error
	SaveExtraction(ctx context.Context, id string, data any) error
	CreateExpense(ctx context.Context, e models.Expense) (models.Expense, error)
	CreateIssue(ctx context.Context, i models.Issue) (models.Issue, error)
	GetCar(ctx context.Context, id string) (models.Car, error)
	reminders.Store
}

// TxFunc runs fn against a transactional view of the store.
type TxFunc func(ctx context.Context, fn func(tx Store) error) error

// Worker drives one job from running to a terminal state.
type Worker struct {
	store     Store
	extractor extraction.Extractor
	engine    *reminders.Engine
	inTx      TxFunc
	now       func() time.Time
	logger    *slog.Logger
}

type WorkerOption func(*Worker)

// WithTx makes the success path of a job commit atomically.
func WithTx(fn TxFunc) WorkerOption {
	return func(w *Worker) { w.inTx = fn }
}

func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func NewWorker(st Store, ex extraction.Extractor, engine *reminders.Engine, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:     st,
		extractor: ex,
		engine:    engine,
		now:       time.Now,
		logger:    slog.Default(),
	}
	w.inTx = func(_ context.Context, fn func(tx Store) error) error { return fn(w.store) }
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register binds the worker to every job type it can run.
func (w *Worker) Register(p *Processor) {
	for _, t := range models.JobTypes {
		p.RegisterHandler(t, w.Handle)
	}
}

// Handle processes one delivery. Returning an error hands the message back to the
// retry policy; the job row is already failed by then.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	job, err := w.store.GetJob(ctx, msg.JobID)
	if apperr.IsNotFound(err) {
		w.logger.Warn("job.dropped", "job_id", msg.JobID, "type", msg.Type)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status == models.JobDone {
		w.logger.Info("job.redelivered_done", "job_id", job.ID)
		return nil
	}
	if exhausted(job) {
		return w.exhaust(ctx, job)
	}

	job, err = w.store.UpdateJobStatus(ctx, job.ID, models.JobRunning, store.JobUpdate{IncrementAttempts: true})
	if err != nil {
		return err
	}
	log := w.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts)
	log.Info("job.running")
	start := w.now()

	doc, err := w.run(ctx, job)
	if err != nil {
		return w.fail(ctx, log, job, doc, err)
	}
	log.Info("job.done", "elapsed", w.now().Sub(start))
	return nil
}

// exhausted reports a job that used every attempt and is being delivered again, which
// happens when the lease of its last attempt expired.
func exhausted(job models.Job) bool {
	if job.MaxAttempts <= 0 || job.Attempts < job.MaxAttempts {
		return false
	}
	return job.Status == models.JobFailed || job.Status == models.JobRunning
}

func (w *Worker) exhaust(ctx context.Context, job models.Job) error {
	cause := apperr.Validation("job %s exhausted %d of %d attempts", job.ID, job.Attempts, job.MaxAttempts)
	log := w.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts)
	if job.Status == models.JobFailed {
		log.Warn("job.exhausted")
		return cause
	}
	// the last attempt died mid-run; close out its rows
	var doc *models.Document
	if job.DocumentID != nil {
		doc = &models.Document{ID: *job.DocumentID}
	}
	return w.fail(ctx, log, job, doc, cause)
}

func (w *Worker) run(ctx context.Context, job models.Job) (*models.Document, error) {
	switch job.Type {
	case models.JobParseReceipt, models.JobAnalyzeIssue:
		return w.processDocument(ctx, job)
	case models.JobCalculateReminders:
		return nil, w.calculateReminders(ctx, job)
	default:
		return nil, apperr.Validation("no processor for job type %q", job.Type)
	}
}

// fail records the failure on the document and the job. Writes use a detached context so
// a shutdown mid-attempt still leaves the rows consistent with the queue.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, job models.Job, doc *models.Document, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if doc != nil {
		if err := w.store.UpdateDocumentStatus(ctx, doc.ID, models.DocumentFailed); err != nil {
			log.Warn("document.status_failed", "document_id", doc.ID, "err", err)
		}
	}
	msg := cause.Error()
	if _, err := w.store.UpdateJobStatus(ctx, job.ID, models.JobFailed, store.JobUpdate{Error: &msg}); err != nil {
		log.Error("job.status_failed", "err", err)
	}
	log.Warn("job.failed", "kind", apperr.KindOf(cause), "err", cause)
	return cause
}

func (w *Worker) processDocument(ctx context.Context, job models.Job) (*models.Document, error) {
	if job.DocumentID == nil {
		return nil, apperr.Validation("job %s has no document", job.ID)
	}
	doc, err := w.store.GetDocument(ctx, *job.DocumentID)
	if err != nil {
		return nil, err
	}
	if err := w.store.UpdateDocumentStatus(ctx, doc.ID, models.DocumentProcessing); err != nil {
		return &doc, err
	}

	if job.Type == models.JobAnalyzeIssue {
		analyzed, err := w.extractor.AnalyzeIssue(ctx, doc.Filename, doc.MimeType)
		if err != nil {
			return &doc, err
		}
		return &doc, w.commitIssue(ctx, job, doc, analyzed)
	}
	parsed, err := w.extractor.ParseReceipt(ctx, doc.Filename, doc.MimeType)
	if err != nil {
		return &doc, err
	}
	return &doc, w.commitReceipt(ctx, job, doc, parsed)
}

func (w *Worker) commitReceipt(ctx context.Context, job models.Job, doc models.Document, parsed extraction.ParsedReceipt) error {
	return w.inTx(ctx, func(tx Store) error {
		if err := tx.SaveExtraction(ctx, doc.ID, parsed); err != nil {
			return err
		}
		expense, err := tx.CreateExpense(ctx, w.expenseFrom(doc, parsed))
		if err != nil {
			return err
		}

		car, err := tx.GetCar(ctx, doc.CarID)
		switch {
		case apperr.IsNotFound(err):
			w.logger.Warn("reminder.car_missing", "car_id", doc.CarID, "job_id", job.ID)
		case err != nil:
			return err
		case parsed.Category != nil:
			if _, err := w.engine.WithStore(tx).AutoCreateFromExpense(ctx, car.ID, *parsed.Category, car.Odometer()); err != nil {
				return err
			}
		}

		_, err = tx.UpdateJobStatus(ctx, job.ID, models.JobDone, store.JobUpdate{Output: map[string]any{
			"created_record_id": expense.ID,
			"extraction_result": parsed,
		}})
		return err
	})
}

func (w *Worker) commitIssue(ctx context.Context, job models.Job, doc models.Document, analyzed extraction.AnalyzedIssue) error {
	return w.inTx(ctx, func(tx Store) error {
		if err := tx.SaveExtraction(ctx, doc.ID, analyzed); err != nil {
			return err
		}
		issue, err := tx.CreateIssue(ctx, w.issueFrom(doc, analyzed))
		if err != nil {
			return err
		}
		_, err = tx.UpdateJobStatus(ctx, job.ID, models.JobDone, store.JobUpdate{Output: map[string]any{
			"created_record_id": issue.ID,
			"extraction_result": analyzed,
		}})
		return err
	})
}

func (w *Worker) expenseFrom(doc models.Document, p extraction.ParsedReceipt) models.Expense {
	docID := doc.ID
	e := models.Expense{
		CarID:       doc.CarID,
		DocumentID:  &docID,
		Date:        w.now(),
		Vendor:      defaultVendor,
		Category:    defaultCategory,
		OdometerKm:  p.OdometerKm,
		Description: p.Description,
		Confidence:  p.Confidence,
	}
	if p.Date != nil {
		if d, err := time.Parse("2006-01-02", *p.Date); err == nil {
			e.Date = d
		}
	}
	if p.Amount != nil {
		e.Amount = *p.Amount
	}
	if p.Vendor != nil {
		e.Vendor = *p.Vendor
	}
	if p.Category != nil {
		e.Category = *p.Category
	}
	if e.Confidence == 0 {
		e.Confidence = defaultExpenseConfidence
	}
	return e
}

func (w *Worker) issueFrom(doc models.Document, a extraction.AnalyzedIssue) models.Issue {
	docID := doc.ID
	i := models.Issue{
		CarID:        doc.CarID,
		DocumentID:   &docID,
		Title:        a.Title,
		Description:  a.Description,
		Severity:     models.ParseSeverity(a.Severity),
		Status:       models.IssueOpen,
		ReportedDate: w.now(),
		Confidence:   a.Confidence,
	}
	if i.Title == "" {
		i.Title = defaultIssueTitle
	}
	if i.Confidence == 0 {
		i.Confidence = defaultIssueConfidence
	}
	return i
}

// calculateReminders refreshes the cached status of every reminder of a car.
func (w *Worker) calculateReminders(ctx context.Context, job models.Job) error {
	carID, _ := job.Input["car_id"].(string)
	if carID == "" {
		return apperr.Validation("job %s: input car_id is required", job.ID)
	}
	car, err := w.store.GetCar(ctx, carID)
	if err != nil {
		return err
	}
	list, err := w.engine.ListByCar(ctx, car.ID, car.Odometer())
	if err != nil {
		return err
	}
	var dueSoon, overdue int
	for _, r := range list {
		switch r.Status {
		case models.ReminderDueSoon:
			dueSoon++
		case models.ReminderOverdue:
			overdue++
		}
	}
	_, err = w.store.UpdateJobStatus(ctx, job.ID, models.JobDone, store.JobUpdate{Output: map[string]any{
		"reminders": len(list),
		"due_soon":  dueSoon,
		"overdue":   overdue,
	}})
	return err
}
