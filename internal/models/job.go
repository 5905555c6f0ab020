package models

import (
	"time"
)

// JobType names the unit of asynchronous work.
type JobType string

const (
	JobParseReceipt       JobType = "parse_receipt"
	JobAnalyzeIssue       JobType = "analyze_issue"
	JobCalculateReminders JobType = "calculate_reminders"
	JobScanDrive          JobType = "scan_drive"
)

// JobTypes lists every declared job type.
var JobTypes = []JobType{JobParseReceipt, JobAnalyzeIssue, JobCalculateReminders, JobScanDrive}

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Terminal reports whether the status closes an attempt.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// DefaultMaxAttempts is the attempt ceiling applied when a job is created without one.
const DefaultMaxAttempts = 3

// Job represents a work item persisted in Postgres.
type Job struct {
	ID          string         `json:"id"`
	DocumentID  *string        `json:"document_id,omitempty"`
	Type        JobType        `json:"type"`
	Status      JobStatus      `json:"status"`
	Input       map[string]any `json:"input"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
