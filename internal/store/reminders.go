package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
)

const reminderColumns = `id, car_id, title, description, type, status, due_date, interval_days, alert_threshold_days,
	due_odometer_km, interval_km, alert_threshold_km, last_completed_date, last_completed_odometer_km, created_at, updated_at`

// CreateReminder inserts a reminder. When an open reminder with the same title already
// exists for the car, that row is returned instead.
func (s *Store) CreateReminder(ctx context.Context, r models.Reminder) (models.Reminder, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO reminders (id, car_id, title, description, type, status, due_date, interval_days, alert_threshold_days,
			due_odometer_km, interval_km, alert_threshold_km, last_completed_date, last_completed_odometer_km, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (car_id, title) WHERE status <> 'completed' DO NOTHING
		RETURNING `+reminderColumns,
		r.ID, r.CarID, r.Title, r.Description, string(r.Type), string(r.Status), r.DueDate, r.IntervalDays, r.AlertThresholdDays,
		r.DueOdometerKm, r.IntervalKm, r.AlertThresholdKm, r.LastCompletedDate, r.LastCompletedOdometerKm)
	created, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, ferr := s.FindOpenReminder(ctx, r.CarID, r.Title)
		if ferr != nil {
			return models.Reminder{}, ferr
		}
		if existing == nil {
			return models.Reminder{}, apperr.Persistence("insert reminder", fmt.Errorf("conflict on %q without open row", r.Title))
		}
		return *existing, nil
	}
	if err != nil {
		return models.Reminder{}, apperr.Persistence("insert reminder", err)
	}
	return created, nil
}

func (s *Store) GetReminder(ctx context.Context, id string) (models.Reminder, error) {
	row := s.db.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id)
	r, err := scanReminder(row)
	if err != nil {
		return models.Reminder{}, notFound(err, "reminder", id)
	}
	return r, nil
}

// FindOpenReminder returns the not-yet-completed reminder with the title, or nil.
func (s *Store) FindOpenReminder(ctx context.Context, carID, title string) (*models.Reminder, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE car_id = $1 AND title = $2 AND status <> 'completed'
		ORDER BY created_at ASC LIMIT 1
	`, carID, title)
	r, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("query open reminder", err)
	}
	return &r, nil
}

// ListReminders returns reminders ordered by due date, nulls last. An empty carID lists every car.
func (s *Store) ListReminders(ctx context.Context, carID string) ([]models.Reminder, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE ($1 = '' OR car_id::text = $1)
		ORDER BY due_date ASC NULLS LAST, created_at ASC
	`, carID)
	if err != nil {
		return nil, apperr.Persistence("list reminders", err)
	}
	defer rows.Close()

	var out []models.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, apperr.Persistence("scan reminder", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list reminders", err)
	}
	return out, nil
}

// UpdateReminder writes every mutable field of the reminder.
func (s *Store) UpdateReminder(ctx context.Context, r models.Reminder) (models.Reminder, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE reminders SET
			title = $2, description = $3, type = $4, status = $5, due_date = $6, interval_days = $7,
			alert_threshold_days = $8, due_odometer_km = $9, interval_km = $10, alert_threshold_km = $11,
			last_completed_date = $12, last_completed_odometer_km = $13, updated_at = NOW()
		WHERE id = $1
		RETURNING `+reminderColumns,
		r.ID, r.Title, r.Description, string(r.Type), string(r.Status), r.DueDate, r.IntervalDays,
		r.AlertThresholdDays, r.DueOdometerKm, r.IntervalKm, r.AlertThresholdKm,
		r.LastCompletedDate, r.LastCompletedOdometerKm)
	updated, err := scanReminder(row)
	if err != nil {
		return models.Reminder{}, notFound(err, "reminder", r.ID)
	}
	return updated, nil
}

// UpdateReminderStatus refreshes the cached status. Completed rows are left alone.
func (s *Store) UpdateReminderStatus(ctx context.Context, id string, status models.ReminderStatus) error {
	_, err := s.db.Exec(ctx, `
		UPDATE reminders SET status = $2, updated_at = NOW() WHERE id = $1 AND status <> 'completed'
	`, id, string(status))
	if err != nil {
		return apperr.Persistence("update reminder status", err)
	}
	return nil
}

func scanReminder(row pgx.Row) (models.Reminder, error) {
	var (
		r             models.Reminder
		desc          pgtype.Text
		dueDate       *time.Time
		intervalDays  pgtype.Int4
		dueOdo        pgtype.Int4
		intervalKm    pgtype.Int4
		lastCompleted *time.Time
		lastOdo       pgtype.Int4
	)
	if err := row.Scan(&r.ID, &r.CarID, &r.Title, &desc, &r.Type, &r.Status, &dueDate, &intervalDays, &r.AlertThresholdDays,
		&dueOdo, &intervalKm, &r.AlertThresholdKm, &lastCompleted, &lastOdo, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.Reminder{}, err
	}
	r.Description = textPtr(desc)
	r.DueDate = dueDate
	r.IntervalDays = intPtr(intervalDays)
	r.DueOdometerKm = intPtr(dueOdo)
	r.IntervalKm = intPtr(intervalKm)
	r.LastCompletedDate = lastCompleted
	r.LastCompletedOdometerKm = intPtr(lastOdo)
	return r, nil
}
