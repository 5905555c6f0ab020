package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
)

const documentColumns = `id, car_id, filename, mime_type, file_size, type, status, checksum, extracted_data, uploaded_at, updated_at`

// CreateDocument inserts an uploaded document. ID is generated when empty.
func (s *Store) CreateDocument(ctx context.Context, d models.Document) (models.Document, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = models.DocumentUploaded
	}
	if d.Type == "" {
		d.Type = models.DocumentOther
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO documents (id, car_id, filename, mime_type, file_size, type, status, checksum, uploaded_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING `+documentColumns,
		d.ID, d.CarID, d.Filename, d.MimeType, d.FileSize, string(d.Type), string(d.Status), emptyToNil(d.Checksum))
	doc, err := scanDocument(row)
	if err != nil {
		return models.Document{}, apperr.Persistence("insert document", err)
	}
	return doc, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	row := s.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		return models.Document{}, notFound(err, "document", id)
	}
	return doc, nil
}

// FindDocumentByChecksum returns the earliest document of a car with the same content, if any.
func (s *Store) FindDocumentByChecksum(ctx context.Context, carID, checksum string) (*models.Document, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE car_id = $1 AND checksum = $2
		ORDER BY uploaded_at ASC LIMIT 1
	`, carID, checksum)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("query document checksum", err)
	}
	return &doc, nil
}

// UpdateDocumentStatus sets the processing status of a document.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE documents SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return apperr.Persistence("update document status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("document %s not found", id)
	}
	return nil
}

// SaveExtraction overwrites the extracted data and marks the document processed.
func (s *Store) SaveExtraction(ctx context.Context, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal extracted data: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE documents SET extracted_data = $2, status = $3, updated_at = NOW() WHERE id = $1
	`, id, payload, string(models.DocumentProcessed))
	if err != nil {
		return apperr.Persistence("save extraction", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("document %s not found", id)
	}
	return nil
}

func scanDocument(row pgx.Row) (models.Document, error) {
	var (
		doc      models.Document
		checksum pgtype.Text
		data     []byte
	)
	if err := row.Scan(&doc.ID, &doc.CarID, &doc.Filename, &doc.MimeType, &doc.FileSize, &doc.Type, &doc.Status,
		&checksum, &data, &doc.UploadedAt, &doc.UpdatedAt); err != nil {
		return models.Document{}, err
	}
	if c := textPtr(checksum); c != nil {
		doc.Checksum = *c
	}
	if len(data) > 0 {
		doc.ExtractedData = json.RawMessage(data)
	}
	return doc, nil
}
