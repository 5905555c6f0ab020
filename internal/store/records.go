package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
)

const (
	expenseColumns = `id, car_id, document_id, date, amount, vendor, category, odometer_km, description, confidence, created_at`
	issueColumns   = `id, car_id, document_id, title, description, severity, status, reported_date, odometer_km, confidence, created_at`
)

// CreateExpense inserts an expense. A second insert for the same document returns the
// row that already exists.
func (s *Store) CreateExpense(ctx context.Context, e models.Expense) (models.Expense, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO expenses (id, car_id, document_id, date, amount, vendor, category, odometer_km, description, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (document_id) WHERE document_id IS NOT NULL DO NOTHING
		RETURNING `+expenseColumns,
		e.ID, e.CarID, e.DocumentID, e.Date, e.Amount, e.Vendor, e.Category, e.OdometerKm, e.Description, e.Confidence)
	created, err := scanExpense(row)
	if errors.Is(err, pgx.ErrNoRows) && e.DocumentID != nil {
		return s.expenseByDocument(ctx, *e.DocumentID)
	}
	if err != nil {
		return models.Expense{}, apperr.Persistence("insert expense", err)
	}
	return created, nil
}

func (s *Store) expenseByDocument(ctx context.Context, documentID string) (models.Expense, error) {
	row := s.db.QueryRow(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE document_id = $1`, documentID)
	e, err := scanExpense(row)
	if err != nil {
		return models.Expense{}, notFound(err, "expense for document", documentID)
	}
	return e, nil
}

// CreateIssue inserts an issue, returning the existing row for a repeated document.
func (s *Store) CreateIssue(ctx context.Context, i models.Issue) (models.Issue, error) {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	if i.Status == "" {
		i.Status = models.IssueOpen
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO issues (id, car_id, document_id, title, description, severity, status, reported_date, odometer_km, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (document_id) WHERE document_id IS NOT NULL DO NOTHING
		RETURNING `+issueColumns,
		i.ID, i.CarID, i.DocumentID, i.Title, i.Description, string(i.Severity), string(i.Status), i.ReportedDate, i.OdometerKm, i.Confidence)
	created, err := scanIssue(row)
	if errors.Is(err, pgx.ErrNoRows) && i.DocumentID != nil {
		row := s.db.QueryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE document_id = $1`, *i.DocumentID)
		existing, err := scanIssue(row)
		if err != nil {
			return models.Issue{}, notFound(err, "issue for document", *i.DocumentID)
		}
		return existing, nil
	}
	if err != nil {
		return models.Issue{}, apperr.Persistence("insert issue", err)
	}
	return created, nil
}

func scanExpense(row pgx.Row) (models.Expense, error) {
	var (
		e     models.Expense
		docID pgtype.Text
		odo   pgtype.Int4
		desc  pgtype.Text
	)
	if err := row.Scan(&e.ID, &e.CarID, &docID, &e.Date, &e.Amount, &e.Vendor, &e.Category, &odo, &desc, &e.Confidence, &e.CreatedAt); err != nil {
		return models.Expense{}, err
	}
	e.DocumentID = textPtr(docID)
	e.OdometerKm = intPtr(odo)
	e.Description = textPtr(desc)
	return e, nil
}

func scanIssue(row pgx.Row) (models.Issue, error) {
	var (
		i     models.Issue
		docID pgtype.Text
		odo   pgtype.Int4
	)
	if err := row.Scan(&i.ID, &i.CarID, &docID, &i.Title, &i.Description, &i.Severity, &i.Status, &i.ReportedDate, &odo, &i.Confidence, &i.CreatedAt); err != nil {
		return models.Issue{}, err
	}
	i.DocumentID = textPtr(docID)
	i.OdometerKm = intPtr(odo)
	return i, nil
}
