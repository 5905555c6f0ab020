package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ItamarBenAri/car-ops-agent/internal/models"
	"github.com/ItamarBenAri/car-ops-agent/internal/telemetry"
)

// Store is the persistence the engine needs. *store.Store satisfies it.
type Store interface {
	CreateReminder(ctx context.Context, r models.Reminder) (models.Reminder, error)
	GetReminder(ctx context.Context, id string) (models.Reminder, error)
	FindOpenReminder(ctx context.Context, carID, title string) (*models.Reminder, error)
	ListReminders(ctx context.Context, carID string) ([]models.Reminder, error)
	UpdateReminder(ctx context.Context, r models.Reminder) (models.Reminder, error)
	UpdateReminderStatus(ctx context.Context, id string, status models.ReminderStatus) error
}

// Engine schedules reminders from expenses and derives their live status on read.
type Engine struct {
	store         Store
	now           func() time.Time
	odometerAware bool
	logger        *slog.Logger
}

type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithOdometerAware makes status derivation consider the mileage axis too.
func WithOdometerAware(enabled bool) Option {
	return func(e *Engine) { e.odometerAware = enabled }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func New(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithStore returns a copy of the engine writing through s, typically a transaction.
func (e *Engine) WithStore(s Store) *Engine {
	cp := *e
	cp.store = s
	return &cp
}

// AutoCreateFromExpense opens a reminder for the category of a recorded expense. It returns
// nil for categories without a policy and the existing row when one is already open.
func (e *Engine) AutoCreateFromExpense(ctx context.Context, carID, category string, odometerKm *int) (*models.Reminder, error) {
	policy, ok := Lookup(category)
	if !ok {
		e.logger.Debug("reminder.no_policy", "car_id", carID, "category", category)
		return nil, nil
	}

	existing, err := e.store.FindOpenReminder(ctx, carID, policy.Title)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		e.logger.Debug("reminder.exists", "car_id", carID, "reminder_id", existing.ID, "title", policy.Title)
		return existing, nil
	}

	r := e.schedule(carID, policy, odometerKm)
	created, err := e.store.CreateReminder(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("create reminder %q: %w", policy.Title, err)
	}
	if created.ID != r.ID {
		// lost the race to a concurrent insert; the store handed back the open row
		e.logger.Debug("reminder.exists", "car_id", carID, "reminder_id", created.ID, "title", created.Title)
		return &created, nil
	}
	telemetry.RemindersCreated.Inc()
	e.logger.Info("reminder.created", "car_id", carID, "reminder_id", created.ID, "title", created.Title, "type", created.Type)
	return &created, nil
}

func (e *Engine) schedule(carID string, p Policy, odometerKm *int) models.Reminder {
	now := e.now()
	desc := "תזכורת אוטומטית על בסיס קבלה: " + p.Category
	r := models.Reminder{
		ID:                 uuid.NewString(),
		CarID:              carID,
		Title:              p.Title,
		Description:        &desc,
		Type:               models.ReminderTimeBased,
		Status:             models.ReminderPending,
		AlertThresholdDays: models.DefaultAlertThresholdDays,
		AlertThresholdKm:   models.DefaultAlertThresholdKm,
		LastCompletedDate:  &now,
	}
	if odometerKm != nil {
		odo := *odometerKm
		r.LastCompletedOdometerKm = &odo
	}
	if p.IntervalKm > 0 {
		km := p.IntervalKm
		r.IntervalKm = &km
		r.AlertThresholdKm = alertWindow(km)
		// without a reading the km axis waits for the first completion
		if odometerKm != nil {
			due := *odometerKm + km
			r.Type = models.ReminderOdometerBased
			r.DueOdometerKm = &due
		}
	}
	if p.IntervalDays > 0 {
		days := p.IntervalDays
		due := now.Add(time.Duration(days) * day)
		r.IntervalDays = &days
		r.DueDate = &due
		r.AlertThresholdDays = alertWindow(days)
	}
	return r
}

// Status derives the live status of r for a car currently at odometerKm.
func (e *Engine) Status(r models.Reminder, odometerKm *int) models.ReminderStatus {
	if e.odometerAware {
		return DeriveStatusWithOdometer(r, e.now(), odometerKm)
	}
	return DeriveStatus(r, e.now())
}

// ListByCar returns the reminders of a car ordered by due date with their derived status.
// Statuses that changed are written back to the cached column. An empty carID lists every car.
func (e *Engine) ListByCar(ctx context.Context, carID string, odometerKm *int) ([]models.Reminder, error) {
	list, err := e.store.ListReminders(ctx, carID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		derived := e.Status(list[i], odometerKm)
		if derived == list[i].Status {
			continue
		}
		if err := e.store.UpdateReminderStatus(ctx, list[i].ID, derived); err != nil {
			// the derived value is still returned; the cache catches up on the next read
			e.logger.Warn("reminder.status_cache", "reminder_id", list[i].ID, "err", err)
		}
		list[i].Status = derived
	}
	return list, nil
}

// DueSoon returns the reminders of a car that are due soon or overdue.
func (e *Engine) DueSoon(ctx context.Context, carID string, odometerKm *int) ([]models.Reminder, error) {
	list, err := e.ListByCar(ctx, carID, odometerKm)
	if err != nil {
		return nil, err
	}
	out := make([]models.Reminder, 0, len(list))
	for _, r := range list {
		if r.Status == models.ReminderDueSoon || r.Status == models.ReminderOverdue {
			out = append(out, r)
		}
	}
	return out, nil
}

// MarkCompleted records a completion and reschedules the reminder in place. A reminder with
// no interval stays completed.
func (e *Engine) MarkCompleted(ctx context.Context, id string, odometerKm *int) (models.Reminder, error) {
	r, err := e.store.GetReminder(ctx, id)
	if err != nil {
		return models.Reminder{}, err
	}

	now := e.now()
	r.LastCompletedDate = &now
	if odometerKm != nil {
		odo := *odometerKm
		r.LastCompletedOdometerKm = &odo
	}
	r.Status = models.ReminderCompleted

	if r.IntervalDays != nil && *r.IntervalDays > 0 {
		due := now.Add(time.Duration(*r.IntervalDays) * day)
		r.DueDate = &due
		r.Status = models.ReminderPending
	}
	if r.IntervalKm != nil && *r.IntervalKm > 0 && odometerKm != nil {
		due := *odometerKm + *r.IntervalKm
		r.DueOdometerKm = &due
		if r.Type == models.ReminderTimeBased {
			r.Type = models.ReminderOdometerBased
		}
		r.Status = models.ReminderPending
	}
	if r.Status != models.ReminderCompleted {
		// short intervals can already fall inside the alert window
		r.Status = e.Status(r, odometerKm)
	}

	updated, err := e.store.UpdateReminder(ctx, r)
	if err != nil {
		return models.Reminder{}, fmt.Errorf("complete reminder %s: %w", id, err)
	}
	e.logger.Info("reminder.completed", "reminder_id", id, "status", updated.Status)
	return updated, nil
}
