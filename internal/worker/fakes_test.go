package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/extraction"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
	"github.com/ItamarBenAri/car-ops-agent/internal/store"
)

// memStore mirrors the Postgres store semantics the worker relies on.
type memStore struct {
	mu        sync.Mutex
	seq       int
	jobs      map[string]models.Job
	docs      map[string]models.Document
	cars      map[string]models.Car
	expenses  map[string]models.Expense
	issues    map[string]models.Issue
	reminders map[string]models.Reminder
	extracted map[string]any

	failCreateExpense error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      map[string]models.Job{},
		docs:      map[string]models.Document{},
		cars:      map[string]models.Car{},
		expenses:  map[string]models.Expense{},
		issues:    map[string]models.Issue{},
		reminders: map[string]models.Reminder{},
		extracted: map[string]any{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	return j, nil
}

func (m *memStore) UpdateJobStatus(_ context.Context, id string, status models.JobStatus, upd store.JobUpdate) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	now := time.Now()
	j.Status = status
	if upd.IncrementAttempts {
		j.Attempts++
	}
	switch status {
	case models.JobRunning:
		j.StartedAt = &now
		j.CompletedAt = nil
	case models.JobDone:
		j.CompletedAt = &now
		j.Error = nil
	case models.JobFailed:
		j.CompletedAt = &now
		j.Error = upd.Error
	}
	if upd.Output != nil {
		j.Output = upd.Output
	}
	m.jobs[id] = j
	return j, nil
}

func (m *memStore) GetDocument(_ context.Context, id string) (models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return models.Document{}, apperr.NotFound("document %s not found", id)
	}
	return d, nil
}

func (m *memStore) UpdateDocumentStatus(_ context.Context, id string, status models.DocumentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return apperr.NotFound("document %s not found", id)
	}
	d.Status = status
	m.docs[id] = d
	return nil
}

func (m *memStore) SaveExtraction(_ context.Context, id string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return apperr.NotFound("document %s not found", id)
	}
	d.Status = models.DocumentProcessed
	m.docs[id] = d
	m.extracted[id] = data
	return nil
}

func (m *memStore) CreateExpense(_ context.Context, e models.Expense) (models.Expense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateExpense != nil {
		return models.Expense{}, m.failCreateExpense
	}
	for _, existing := range m.expenses {
		if e.DocumentID != nil && existing.DocumentID != nil && *existing.DocumentID == *e.DocumentID {
			return existing, nil
		}
	}
	e.ID = m.nextID("exp")
	m.expenses[e.ID] = e
	return e, nil
}

func (m *memStore) CreateIssue(_ context.Context, i models.Issue) (models.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.issues {
		if i.DocumentID != nil && existing.DocumentID != nil && *existing.DocumentID == *i.DocumentID {
			return existing, nil
		}
	}
	i.ID = m.nextID("iss")
	m.issues[i.ID] = i
	return i, nil
}

func (m *memStore) GetCar(_ context.Context, id string) (models.Car, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cars[id]
	if !ok {
		return models.Car{}, apperr.NotFound("car %s not found", id)
	}
	return c, nil
}

func (m *memStore) CreateReminder(_ context.Context, r models.Reminder) (models.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = m.nextID("rem")
	}
	m.reminders[r.ID] = r
	return r, nil
}

func (m *memStore) GetReminder(_ context.Context, id string) (models.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return models.Reminder{}, apperr.NotFound("reminder %s not found", id)
	}
	return r, nil
}

func (m *memStore) FindOpenReminder(_ context.Context, carID, title string) (*models.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reminders {
		if r.CarID == carID && r.Title == title && r.Status.Open() {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListReminders(_ context.Context, carID string) ([]models.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Reminder
	for _, r := range m.reminders {
		if carID == "" || r.CarID == carID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) UpdateReminder(_ context.Context, r models.Reminder) (models.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders[r.ID] = r
	return r, nil
}

func (m *memStore) UpdateReminderStatus(_ context.Context, id string, status models.ReminderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if ok && r.Status != models.ReminderCompleted {
		r.Status = status
		m.reminders[id] = r
	}
	return nil
}

func (m *memStore) expensesFor(docID string) []models.Expense {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Expense
	for _, e := range m.expenses {
		if e.DocumentID != nil && *e.DocumentID == docID {
			out = append(out, e)
		}
	}
	return out
}

// seed adds a car, a document and a pending job for it, returning the job.
func (m *memStore) seed(docType models.DocumentType, mimeType string, odometer int) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	car := models.Car{ID: m.nextID("car"), Manufacturer: "Mazda", Model: "3", Year: 2019, CurrentOdometerKm: odometer}
	m.cars[car.ID] = car
	doc := models.Document{ID: m.nextID("doc"), CarID: car.ID, Filename: "f-" + car.ID, MimeType: mimeType, Type: docType, Status: models.DocumentUploaded}
	m.docs[doc.ID] = doc
	docID := doc.ID
	job := models.Job{
		ID:          m.nextID("job"),
		DocumentID:  &docID,
		Type:        docType.JobType(),
		Status:      models.JobPending,
		Input:       map[string]any{"filename": doc.Filename, "mime_type": mimeType, "car_id": car.ID},
		MaxAttempts: models.DefaultMaxAttempts,
	}
	m.jobs[job.ID] = job
	return job
}

// fakeExtractor returns scripted results; a nil receipt falls back to the given text.
type fakeExtractor struct {
	mu       sync.Mutex
	receipt  *extraction.ParsedReceipt
	raw      string
	issue    extraction.AnalyzedIssue
	failures int
	calls    int
}

var errUpstream = errors.New("upstream 503")

func (f *fakeExtractor) ParseReceipt(_ context.Context, _, _ string) (extraction.ParsedReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return extraction.ParsedReceipt{}, apperr.Extraction("receipt extraction call", errUpstream)
	}
	if f.receipt == nil {
		out, _ := extraction.DecodeReceipt(f.raw)
		return out, nil
	}
	return *f.receipt, nil
}

func (f *fakeExtractor) AnalyzeIssue(_ context.Context, _, mimeType string) (extraction.AnalyzedIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !models.IsImage(mimeType) {
		return extraction.AnalyzedIssue{}, apperr.Validation("issue analysis requires an image file, got %q", mimeType)
	}
	return f.issue, nil
}
