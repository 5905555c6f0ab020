package models

import (
	"strings"
	"time"
)

// Expense is a cost line derived from a receipt.
type Expense struct {
	ID          string    `json:"id"`
	CarID       string    `json:"car_id"`
	DocumentID  *string   `json:"document_id,omitempty"`
	Date        time.Time `json:"date"`
	Amount      float64   `json:"amount"`
	Vendor      string    `json:"vendor"`
	Category    string    `json:"category"`
	OdometerKm  *int      `json:"odometer_km,omitempty"`
	Description *string   `json:"description,omitempty"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"created_at"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps an extracted label onto a severity. Unknown labels become medium.
func ParseSeverity(label string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(label))) {
	case SeverityLow:
		return SeverityLow
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

type IssueStatus string

const (
	IssueOpen       IssueStatus = "open"
	IssueInProgress IssueStatus = "in_progress"
	IssueResolved   IssueStatus = "resolved"
	IssueClosed     IssueStatus = "closed"
)

// Issue is a suspected fault derived from a photo analysis.
type Issue struct {
	ID           string      `json:"id"`
	CarID        string      `json:"car_id"`
	DocumentID   *string     `json:"document_id,omitempty"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	Severity     Severity    `json:"severity"`
	Status       IssueStatus `json:"status"`
	ReportedDate time.Time   `json:"reported_date"`
	OdometerKm   *int        `json:"odometer_km,omitempty"`
	Confidence   float64     `json:"confidence"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Car is the vehicle every other record hangs off.
type Car struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id"`
	Manufacturer      string    `json:"manufacturer"`
	Model             string    `json:"model"`
	Year              int       `json:"year"`
	Nickname          *string   `json:"nickname,omitempty"`
	CurrentOdometerKm int       `json:"current_odometer_km"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Odometer returns the current reading, or nil when none was ever recorded.
func (c Car) Odometer() *int {
	if c.CurrentOdometerKm <= 0 {
		return nil
	}
	v := c.CurrentOdometerKm
	return &v
}
