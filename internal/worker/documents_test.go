package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/extraction"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
	"github.com/ItamarBenAri/car-ops-agent/internal/queue"
	"github.com/ItamarBenAri/car-ops-agent/internal/reminders"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestWorker(st *memStore, ex extraction.Extractor) *Worker {
	clock := func() time.Time { return testNow }
	engine := reminders.New(st, reminders.WithClock(clock))
	return NewWorker(st, ex, engine, WithClock(clock))
}

func msgFor(job models.Job) queue.Message {
	return queue.Message{JobID: job.ID, DocumentID: job.DocumentID, Type: job.Type, Input: job.Input}
}

func strp(s string) *string { return &s }

func floatp(f float64) *float64 { return &f }

func TestHandleReceiptCreatesExpenseAndReminder(t *testing.T) {
	st := newMemStore()
	job := st.seed(models.DocumentReceipt, "image/jpeg", 85000)
	ex := &fakeExtractor{receipt: &extraction.ParsedReceipt{
		Date:       strp("2025-05-28"),
		Amount:     floatp(450),
		Vendor:     strp("מוסך כהן ובניו"),
		Category:   strp("שמן ומסננים"),
		Confidence: 0.95,
	}}

	if err := newTestWorker(st, ex).Handle(context.Background(), msgFor(job)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := st.jobs[job.ID]
	if got.Status != models.JobDone || got.Attempts != 1 || got.CompletedAt == nil || got.StartedAt == nil {
		t.Fatalf("unexpected job state %+v", got)
	}
	doc := st.docs[*job.DocumentID]
	if doc.Status != models.DocumentProcessed {
		t.Fatalf("document should be processed, got %s", doc.Status)
	}
	if _, ok := st.extracted[doc.ID]; !ok {
		t.Fatalf("extracted data should be saved")
	}

	expenses := st.expensesFor(doc.ID)
	if len(expenses) != 1 {
		t.Fatalf("expected one expense, got %d", len(expenses))
	}
	e := expenses[0]
	if e.Amount != 450 || e.Vendor != "מוסך כהן ובניו" || e.Confidence != 0.95 {
		t.Fatalf("unexpected expense %+v", e)
	}
	if !e.Date.Equal(time.Date(2025, 5, 28, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expense date should come from the receipt, got %s", e.Date)
	}
	if got.Output["created_record_id"] != e.ID {
		t.Fatalf("output should reference the expense, got %v", got.Output)
	}
	if _, ok := got.Output["extraction_result"]; !ok {
		t.Fatalf("output should carry the extraction result")
	}

	if len(st.reminders) != 1 {
		t.Fatalf("expected one reminder, got %d", len(st.reminders))
	}
	for _, r := range st.reminders {
		if r.Type != models.ReminderOdometerBased || *r.DueOdometerKm != 95000 || r.AlertThresholdKm != 1000 || r.AlertThresholdDays != 36 {
			t.Fatalf("unexpected reminder %+v", r)
		}
		if !r.DueDate.Equal(testNow.AddDate(0, 0, 365)) {
			t.Fatalf("unexpected due date %s", r.DueDate)
		}
	}
}

func TestHandleReceiptDefaults(t *testing.T) {
	st := newMemStore()
	job := st.seed(models.DocumentReceipt, "application/pdf", 0)
	ex := &fakeExtractor{receipt: &extraction.ParsedReceipt{}}

	if err := newTestWorker(st, ex).Handle(context.Background(), msgFor(job)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	e := st.expensesFor(*job.DocumentID)[0]
	if e.Vendor != "לא ידוע" || e.Category != "תחזוקה שוטפת" || e.Confidence != 0.8 || e.Amount != 0 {
		t.Fatalf("unexpected defaults %+v", e)
	}
	if !e.Date.Equal(testNow) {
		t.Fatalf("missing date should default to now, got %s", e.Date)
	}
	if len(st.reminders) != 0 {
		t.Fatalf("no category means no reminder")
	}
}

func TestHandleUnparseableReceiptIsDegradedSuccess(t *testing.T) {
	st := newMemStore()
	job := st.seed(models.DocumentReceipt, "image/png", 40000)
	ex := &fakeExtractor{raw: "I'm sorry, the image is too blurry to read."}

	if err := newTestWorker(st, ex).Handle(context.Background(), msgFor(job)); err != nil {
		t.Fatalf("degraded extraction must not fail the job: %v", err)
	}
	if st.jobs[job.ID].Status != models.JobDone {
		t.Fatalf("expected done, got %s", st.jobs[job.ID].Status)
	}
	expenses := st.expensesFor(*job.DocumentID)
	if len(expenses) != 1 {
		t.Fatalf("expected one expense, got %d", len(expenses))
	}
	if expenses[0].Category != "אחר" || expenses[0].Confidence != 0.1 {
		t.Fatalf("expected fallback expense, got %+v", expenses[0])
	}
	if len(st.reminders) != 0 {
		t.Fatalf("fallback category has no policy")
	}
}

func TestHandleIssue(t *testing.T) {
	st := newMemStore()
	job := st.seed(models.DocumentIssuePhoto, "image/jpeg", 0)
	ex := &fakeExtractor{issue: extraction.AnalyzedIssue{Severity: "catastrophic", SuspectedCauses: []string{"x"}}}

	if err := newTestWorker(st, ex).Handle(context.Background(), msgFor(job)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(st.issues) != 1 {
		t.Fatalf("expected one issue, got %d", len(st.issues))
	}
	for id, i := range st.issues {
		if i.Title != "תקלה שזוהתה" || i.Severity != models.SeverityMedium || i.Confidence != 0.75 || i.Status != models.IssueOpen {
			t.Fatalf("unexpected issue defaults %+v", i)
		}
		if st.jobs[job.ID].Output["created_record_id"] != id {
			t.Fatalf("output should reference the issue")
		}
	}
}

func TestHandleIssueOnPDFFails(t *testing.T) {
	st := newMemStore()
	job := st.seed(models.DocumentIssuePhoto, "application/pdf", 0)

	err := newTestWorker(st, &fakeExtractor{}).Handle(context.Background(), msgFor(job))
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got := st.jobs[job.ID]
	if got.Status != models.JobFailed || got.Error == nil || *got.Error != err.Error() {
		t.Fatalf("job should be failed with the error, got %+v", got)
	}
	if st.docs[*job.DocumentID].Status != models.DocumentFailed {
		t.Fatalf("document should be failed")
	}
	if len(st.issues) != 0 {
		t.Fatalf("no issue may be created")
	}
}

func TestHandleMissingJobIsDropped(t *testing.T) {
	st := newMemStore()
	err := newTestWorker(st, &fakeExtractor{}).Handle(context.Background(), queue.Message{JobID: "gone", Type: models.JobParseReceipt})
	if err != nil {
		t.Fatalf("missing job should be dropped, got %v", err)
	}
}

func TestHandleMissingDocument(t *testing.T) {
	st := newMemStore()
	job := st.seed(models.DocumentReceipt, "image/jpeg", 0)
	delete(st.docs, *job.DocumentID)

	err := newTestWorker(st, &fakeExtractor{}).Handle(context.Background(), msgFor(job))
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := st.jobs[job.ID]; got.Status != models.JobFailed || got.Attempts != 1 {
		t.Fatalf("unexpected job state %+v", got)
	}
}

func TestAttemptsIncrementPerDelivery(t *testing.T) {
	st := newMemStore()
	job := st.seed(models.DocumentReceipt, "image/jpeg", 0)
	ex := &fakeExtractor{failures: 2, receipt: &extraction.ParsedReceipt{Category: strp("צמיגים")}}
	w := newTestWorker(st, ex)

	for attempt := 1; attempt <= 3; attempt++ {
		err := w.Handle(context.Background(), msgFor(job))
		got := st.jobs[job.ID]
		if got.Attempts != attempt {
			t.Fatalf("attempt %d: attempts=%d", attempt, got.Attempts)
		}
		if attempt < 3 {
			if apperr.KindOf(err) != apperr.KindExtraction || got.Status != models.JobFailed {
				t.Fatalf("attempt %d: expected failed extraction, got %v %s", attempt, err, got.Status)
			}
			if len(st.expensesFor(*job.DocumentID)) != 0 {
				t.Fatalf("failed attempt must not create an expense")
			}
			continue
		}
		if err != nil || got.Status != models.JobDone || got.Error != nil {
			t.Fatalf("final attempt should succeed, got %v %+v", err, got)
		}
	}
	if n := len(st.expensesFor(*job.DocumentID)); n != 1 {
		t.Fatalf("expected exactly one expense, got %d", n)
	}
}

func TestExhaustedJobIsNotRunAgain(t *testing.T) {
	for _, status := range []models.JobStatus{models.JobFailed, models.JobRunning} {
		st := newMemStore()
		job := st.seed(models.DocumentReceipt, "image/jpeg", 0)
		job.Status = status
		job.Attempts = job.MaxAttempts
		last := "upstream timeout"
		job.Error = &last
		st.jobs[job.ID] = job
		ex := &fakeExtractor{receipt: &extraction.ParsedReceipt{}}

		err := newTestWorker(st, ex).Handle(context.Background(), msgFor(job))
		if !apperr.IsValidation(err) {
			t.Fatalf("%s: expected non-retryable error, got %v", status, err)
		}
		got := st.jobs[job.ID]
		if got.Attempts != job.MaxAttempts || got.Status != models.JobFailed || got.Error == nil {
			t.Fatalf("%s: exhausted job should stay failed at %d attempts, got %+v", status, job.MaxAttempts, got)
		}
		if ex.calls != 0 {
			t.Fatalf("%s: extractor must not be called", status)
		}
		if status == models.JobRunning && st.docs[*job.DocumentID].Status != models.DocumentFailed {
			t.Fatalf("abandoned attempt should fail its document, got %s", st.docs[*job.DocumentID].Status)
		}
	}
}

func TestRedeliveryAfterDoneIsSkipped(t *testing.T) {
	st := newMemStore()
	job := st.seed(models.DocumentReceipt, "image/jpeg", 0)
	ex := &fakeExtractor{receipt: &extraction.ParsedReceipt{}}
	w := newTestWorker(st, ex)

	if err := w.Handle(context.Background(), msgFor(job)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := w.Handle(context.Background(), msgFor(job)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if ex.calls != 1 || st.jobs[job.ID].Attempts != 1 {
		t.Fatalf("done job should not run again: calls=%d attempts=%d", ex.calls, st.jobs[job.ID].Attempts)
	}
}

func TestPersistenceFailureFailsJob(t *testing.T) {
	st := newMemStore()
	st.failCreateExpense = apperr.Persistence("insert expense", context.DeadlineExceeded)
	job := st.seed(models.DocumentReceipt, "image/jpeg", 0)

	err := newTestWorker(st, &fakeExtractor{receipt: &extraction.ParsedReceipt{}}).Handle(context.Background(), msgFor(job))
	if !apperr.Retryable(err) || apperr.KindOf(err) != apperr.KindPersistence {
		t.Fatalf("expected retryable persistence error, got %v", err)
	}
	if st.jobs[job.ID].Status != models.JobFailed || st.docs[*job.DocumentID].Status != models.DocumentFailed {
		t.Fatalf("job and document should be failed")
	}
}

func TestCalculateReminders(t *testing.T) {
	st := newMemStore()
	st.cars["car-9"] = models.Car{ID: "car-9", CurrentOdometerKm: 1000}
	soon := testNow.AddDate(0, 0, 2)
	late := testNow.AddDate(0, 0, -3)
	far := testNow.AddDate(0, 0, 100)
	st.reminders["r1"] = models.Reminder{ID: "r1", CarID: "car-9", Status: models.ReminderPending, DueDate: &soon, AlertThresholdDays: 7}
	st.reminders["r2"] = models.Reminder{ID: "r2", CarID: "car-9", Status: models.ReminderPending, DueDate: &late, AlertThresholdDays: 7}
	st.reminders["r3"] = models.Reminder{ID: "r3", CarID: "car-9", Status: models.ReminderPending, DueDate: &far, AlertThresholdDays: 7}
	st.jobs["job-r"] = models.Job{ID: "job-r", Type: models.JobCalculateReminders, Status: models.JobPending, Input: map[string]any{"car_id": "car-9"}}

	err := newTestWorker(st, &fakeExtractor{}).Handle(context.Background(), queue.Message{JobID: "job-r", Type: models.JobCalculateReminders})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	out := st.jobs["job-r"].Output
	if out["reminders"] != 3 || out["due_soon"] != 1 || out["overdue"] != 1 {
		t.Fatalf("unexpected output %v", out)
	}
	if st.reminders["r1"].Status != models.ReminderDueSoon || st.reminders["r2"].Status != models.ReminderOverdue {
		t.Fatalf("derived statuses should be cached")
	}
}

func TestScanDriveIsRejected(t *testing.T) {
	st := newMemStore()
	st.jobs["job-s"] = models.Job{ID: "job-s", Type: models.JobScanDrive, Status: models.JobPending}
	err := newTestWorker(st, &fakeExtractor{}).Handle(context.Background(), queue.Message{JobID: "job-s", Type: models.JobScanDrive})
	if !apperr.IsValidation(err) || apperr.Retryable(err) {
		t.Fatalf("expected non-retryable validation error, got %v", err)
	}
	if st.jobs["job-s"].Status != models.JobFailed {
		t.Fatalf("job should be failed")
	}
}

func TestWithTxWrapsSuccessPath(t *testing.T) {
	st := newMemStore()
	job := st.seed(models.DocumentReceipt, "image/jpeg", 0)
	calls := 0
	tx := func(ctx context.Context, fn func(Store) error) error {
		calls++
		return fn(st)
	}
	clock := func() time.Time { return testNow }
	w := NewWorker(st, &fakeExtractor{receipt: &extraction.ParsedReceipt{}}, reminders.New(st, reminders.WithClock(clock)), WithTx(tx), WithClock(clock))
	if err := w.Handle(context.Background(), msgFor(job)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one transaction, got %d", calls)
	}
}
