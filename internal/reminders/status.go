package reminders

import (
	"math"
	"time"

	"github.com/ItamarBenAri/car-ops-agent/internal/models"
)

const day = 24 * time.Hour

// DeriveStatus computes the live status of r at now from its due date. Completed reminders
// and reminders without a due date keep their stored status.
func DeriveStatus(r models.Reminder, now time.Time) models.ReminderStatus {
	if r.Status == models.ReminderCompleted || r.DueDate == nil {
		return r.Status
	}
	days := int(math.Floor(float64(r.DueDate.Sub(now)) / float64(day)))
	threshold := r.AlertThresholdDays
	if threshold <= 0 {
		threshold = models.DefaultAlertThresholdDays
	}
	switch {
	case days < 0:
		return models.ReminderOverdue
	case days <= threshold:
		return models.ReminderDueSoon
	default:
		return r.Status
	}
}

// DeriveStatusWithOdometer folds the mileage axis into DeriveStatus. The more urgent axis wins.
// An unknown odometer leaves the date-derived status untouched.
func DeriveStatusWithOdometer(r models.Reminder, now time.Time, odometerKm *int) models.ReminderStatus {
	byDate := DeriveStatus(r, now)
	if r.Status == models.ReminderCompleted || r.DueOdometerKm == nil || odometerKm == nil {
		return byDate
	}
	threshold := r.AlertThresholdKm
	if threshold <= 0 {
		threshold = models.DefaultAlertThresholdKm
	}
	byKm := r.Status
	switch remaining := *r.DueOdometerKm - *odometerKm; {
	case remaining < 0:
		byKm = models.ReminderOverdue
	case remaining <= threshold:
		byKm = models.ReminderDueSoon
	}
	if urgency(byKm) > urgency(byDate) {
		return byKm
	}
	return byDate
}

func urgency(s models.ReminderStatus) int {
	switch s {
	case models.ReminderOverdue:
		return 2
	case models.ReminderDueSoon:
		return 1
	default:
		return 0
	}
}
