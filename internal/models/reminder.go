package models

import "time"

type ReminderType string

const (
	ReminderTimeBased     ReminderType = "time_based"
	ReminderOdometerBased ReminderType = "odometer_based"
	ReminderCustom        ReminderType = "custom"
)

type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderDueSoon   ReminderStatus = "due_soon"
	ReminderOverdue   ReminderStatus = "overdue"
	ReminderCompleted ReminderStatus = "completed"
)

// Open reports whether the reminder still awaits completion.
func (s ReminderStatus) Open() bool {
	return s != ReminderCompleted
}

const (
	DefaultAlertThresholdDays = 7
	DefaultAlertThresholdKm   = 500
)

// Reminder is a recurring maintenance obligation for a car. Status other than
// completed is a cache of the value derived from the due fields.
type Reminder struct {
	ID                      string         `json:"id"`
	CarID                   string         `json:"car_id"`
	Title                   string         `json:"title"`
	Description             *string        `json:"description,omitempty"`
	Type                    ReminderType   `json:"type"`
	Status                  ReminderStatus `json:"status"`
	DueDate                 *time.Time     `json:"due_date,omitempty"`
	IntervalDays            *int           `json:"interval_days,omitempty"`
	AlertThresholdDays      int            `json:"alert_threshold_days"`
	DueOdometerKm           *int           `json:"due_odometer_km,omitempty"`
	IntervalKm              *int           `json:"interval_km,omitempty"`
	AlertThresholdKm        int            `json:"alert_threshold_km"`
	LastCompletedDate       *time.Time     `json:"last_completed_date,omitempty"`
	LastCompletedOdometerKm *int           `json:"last_completed_odometer_km,omitempty"`
	CreatedAt               time.Time      `json:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at"`
}
