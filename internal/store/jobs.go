package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
)

const jobColumns = `id, document_id, type, status, input, output, error, attempts, max_attempts, started_at, completed_at, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type        models.JobType
	DocumentID  *string
	Input       map[string]any
	MaxAttempts int
}

// JobUpdate carries the optional fields of a status transition.
type JobUpdate struct {
	Output            map[string]any
	Error             *string
	IncrementAttempts bool
}

// CreateJob inserts a pending job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = models.DefaultMaxAttempts
	}
	if p.Input == nil {
		p.Input = map[string]any{}
	}
	inputJSON, err := json.Marshal(p.Input)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal input: %w", err)
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO jobs (id, document_id, type, status, input, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
		RETURNING `+jobColumns,
		uuid.New().String(), p.DocumentID, p.Type, models.JobPending, inputJSON, p.MaxAttempts)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, apperr.Persistence("insert job", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, notFound(err, "job", id)
	}
	return job, nil
}

// ListJobsByDocument returns every job for a document, newest first.
func (s *Store) ListJobsByDocument(ctx context.Context, documentID string) ([]models.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE document_id = $1 ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, apperr.Persistence("list jobs", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apperr.Persistence("scan job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list jobs", err)
	}
	return out, nil
}

// UpdateJobStatus applies a status transition. Entering running stamps started_at and
// clears completed_at; entering done or failed stamps completed_at.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, upd JobUpdate) (models.Job, error) {
	var outputJSON []byte
	if upd.Output != nil {
		b, err := json.Marshal(upd.Output)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal output: %w", err)
		}
		outputJSON = b
	}
	inc := 0
	if upd.IncrementAttempts {
		inc = 1
	}

	row := s.db.QueryRow(ctx, `
		UPDATE jobs SET
			status = $2::text,
			attempts = attempts + $3::int,
			started_at = CASE WHEN $2::text = 'running' THEN NOW() ELSE started_at END,
			completed_at = CASE
				WHEN $2::text IN ('done', 'failed') THEN NOW()
				WHEN $2::text = 'running' THEN NULL
				ELSE completed_at END,
			output = COALESCE($4::jsonb, output),
			error = CASE
				WHEN $2::text = 'failed' THEN $5::text
				WHEN $2::text = 'done' THEN NULL
				ELSE error END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, string(status), inc, outputJSON, upd.Error)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, notFound(err, "job", id)
	}
	return job, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job        models.Job
		documentID pgtype.Text
		inputJSON  []byte
		outputJSON []byte
		errText    pgtype.Text
		startedAt  *time.Time
		doneAt     *time.Time
	)
	if err := row.Scan(&job.ID, &documentID, &job.Type, &job.Status, &inputJSON, &outputJSON, &errText,
		&job.Attempts, &job.MaxAttempts, &startedAt, &doneAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &job.Input); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &job.Output); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	job.DocumentID = textPtr(documentID)
	job.Error = textPtr(errText)
	job.StartedAt = startedAt
	job.CompletedAt = doneAt
	return job, nil
}
