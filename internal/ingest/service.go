package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
	"github.com/ItamarBenAri/car-ops-agent/internal/queue"
	"github.com/ItamarBenAri/car-ops-agent/internal/storage"
	"github.com/ItamarBenAri/car-ops-agent/internal/store"
	"github.com/ItamarBenAri/car-ops-agent/internal/telemetry"
)

// AllowedMimeTypes are the sniffed content types accepted for upload.
var AllowedMimeTypes = []string{"image/jpeg", "image/png", "image/webp", "application/pdf"}

// Store is the persistence used by ingestion. *store.Store satisfies it.
type Store interface {
	GetCar(ctx context.Context, id string) (models.Car, error)
	FindDocumentByChecksum(ctx context.Context, carID, checksum string) (*models.Document, error)
	CreateDocument(ctx context.Context, d models.Document) (models.Document, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	ListJobsByDocument(ctx context.Context, documentID string) ([]models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, upd store.JobUpdate) (models.Job, error)
}

// Upload is one file handed in for processing.
type Upload struct {
	CarID    string
	Type     models.DocumentType
	Filename string
	Body     io.Reader
}

// Result describes what an upload produced. Duplicate uploads return the earlier document.
type Result struct {
	Document  models.Document `json:"document"`
	Job       *models.Job     `json:"job,omitempty"`
	Duplicate bool            `json:"duplicate"`
}

// Service stores uploads, records them and schedules their processing job.
type Service struct {
	store    Store
	files    storage.FileStore
	queue    queue.Enqueuer
	policy   queue.RetryPolicy
	maxBytes int64
	logger   *slog.Logger
}

func NewService(st Store, files storage.FileStore, q queue.Enqueuer, policy queue.RetryPolicy, maxBytes int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, files: files, queue: q, policy: policy, maxBytes: maxBytes, logger: logger}
}

// UploadAndProcess persists the file and enqueues the job that extracts data from it.
func (s *Service) UploadAndProcess(ctx context.Context, up Upload) (Result, error) {
	car, err := s.store.GetCar(ctx, up.CarID)
	if err != nil {
		return Result{}, err
	}
	body, err := s.read(up.Body)
	if err != nil {
		return Result{}, err
	}
	if len(body) == 0 {
		return Result{}, apperr.Validation("uploaded file is empty")
	}

	mt := mimetype.Detect(body)
	mimeType, _, _ := strings.Cut(mt.String(), ";")
	if !allowed(mimeType) {
		return Result{}, apperr.Validation("unsupported file type %s", mimeType)
	}

	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])
	existing, err := s.store.FindDocumentByChecksum(ctx, car.ID, checksum)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return s.duplicate(ctx, *existing)
	}

	name := uuid.New().String() + mt.Extension()
	if _, err := s.files.Save(ctx, name, bytes.NewReader(body)); err != nil {
		return Result{}, fmt.Errorf("store upload: %w", err)
	}

	docType := up.Type
	if docType == "" {
		docType = models.DocumentReceipt
	}
	doc, err := s.store.CreateDocument(ctx, models.Document{
		CarID:    car.ID,
		Filename: name,
		MimeType: mimeType,
		FileSize: int64(len(body)),
		Type:     docType,
		Status:   models.DocumentUploaded,
		Checksum: checksum,
	})
	if err != nil {
		return Result{}, err
	}

	jobType := docType.JobType()
	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Type:        jobType,
		DocumentID:  &doc.ID,
		Input:       map[string]any{"filename": name, "mime_type": mimeType, "car_id": car.ID},
		MaxAttempts: s.policy.Attempts,
	})
	if err != nil {
		return Result{}, err
	}

	msg := queue.Message{JobID: job.ID, DocumentID: &doc.ID, Type: jobType, Input: job.Input}
	if err := s.queue.Enqueue(ctx, msg, s.policy); err != nil {
		reason := "enqueue: " + err.Error()
		if failed, uerr := s.store.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, models.JobFailed, store.JobUpdate{Error: &reason}); uerr == nil {
			job = failed
		}
		s.logger.Error("document.enqueue_failed", "document_id", doc.ID, "job_id", job.ID, "err", err)
		return Result{Document: doc, Job: &job}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	telemetry.DocumentsUploaded.WithLabelValues(string(docType)).Inc()
	s.logger.Info("document.uploaded", "document_id", doc.ID, "job_id", job.ID, "car_id", car.ID, "original_name", up.Filename, "mime_type", mimeType, "size", doc.FileSize)
	return Result{Document: doc, Job: &job}, nil
}

func (s *Service) read(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, apperr.Validation("no file uploaded")
	}
	if s.maxBytes > 0 {
		r = io.LimitReader(r, s.maxBytes+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if s.maxBytes > 0 && int64(len(body)) > s.maxBytes {
		return nil, apperr.Validation("file exceeds %d bytes", s.maxBytes)
	}
	return body, nil
}

func (s *Service) duplicate(ctx context.Context, doc models.Document) (Result, error) {
	telemetry.DuplicateUploads.Inc()
	res := Result{Document: doc, Duplicate: true}
	jobs, err := s.store.ListJobsByDocument(ctx, doc.ID)
	if err != nil {
		return Result{}, err
	}
	if len(jobs) > 0 {
		res.Job = &jobs[0]
	}
	s.logger.Info("document.duplicate", "document_id", doc.ID, "car_id", doc.CarID)
	return res, nil
}

func allowed(mimeType string) bool {
	for _, m := range AllowedMimeTypes {
		if m == mimeType {
			return true
		}
	}
	return false
}
