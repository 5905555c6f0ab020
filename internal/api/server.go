package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/config"
	"github.com/ItamarBenAri/car-ops-agent/internal/ingest"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
	"github.com/ItamarBenAri/car-ops-agent/internal/ratelimit"
	"github.com/ItamarBenAri/car-ops-agent/internal/telemetry"
)

// Store is the read and car-maintenance persistence the API uses. *store.Store satisfies it.
type Store interface {
	CreateCar(ctx context.Context, c models.Car) (models.Car, error)
	GetCar(ctx context.Context, id string) (models.Car, error)
	UpdateCarOdometer(ctx context.Context, id string, km int) (models.Car, error)
	GetDocument(ctx context.Context, id string) (models.Document, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobsByDocument(ctx context.Context, documentID string) ([]models.Job, error)
}

type Uploader interface {
	UploadAndProcess(ctx context.Context, up ingest.Upload) (ingest.Result, error)
}

// Reminders is satisfied by *reminders.Engine.
type Reminders interface {
	ListByCar(ctx context.Context, carID string, odometerKm *int) ([]models.Reminder, error)
	DueSoon(ctx context.Context, carID string, odometerKm *int) ([]models.Reminder, error)
	MarkCompleted(ctx context.Context, id string, odometerKm *int) (models.Reminder, error)
}

type Limiter interface {
	AllowCar(ctx context.Context, carID string) (ratelimit.Decision, error)
}

type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Deps are the collaborators behind the routes. Limiter and DLQ are optional.
type Deps struct {
	Store     Store
	Uploads   Uploader
	Reminders Reminders
	Limiter   Limiter
	DLQ       DeadLetters
	Logger    *slog.Logger
}

// Server wires HTTP handlers for the maintenance API.
type Server struct {
	cfg config.Config
	Deps
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{cfg: cfg, Deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/cars", s.handleCreateCar)
	r.Get("/cars/{id}", s.handleGetCar)
	r.Patch("/cars/{id}/odometer", s.handleUpdateOdometer)
	r.Post("/cars/{id}/documents", s.handleUpload)

	r.Get("/documents/{id}", s.handleGetDocument)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs", s.handleListJobs)

	r.Get("/reminders", s.handleListReminders)
	r.Get("/reminders/due-soon", s.handleDueSoon)
	r.Patch("/reminders/{id}/complete", s.handleCompleteReminder)

	r.Get("/dlq", s.handleDLQ)
	return r
}

type createCarRequest struct {
	Manufacturer      string  `json:"manufacturer"`
	Model             string  `json:"model"`
	Year              int     `json:"year"`
	Nickname          *string `json:"nickname"`
	CurrentOdometerKm int     `json:"current_odometer_km"`
}

func (s *Server) handleCreateCar(w http.ResponseWriter, r *http.Request) {
	var req createCarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validation("invalid json"))
		return
	}
	req.Manufacturer = strings.TrimSpace(req.Manufacturer)
	req.Model = strings.TrimSpace(req.Model)
	if req.Manufacturer == "" || req.Model == "" {
		s.writeError(w, apperr.Validation("manufacturer and model are required"))
		return
	}
	if req.Year < 1900 || req.Year > time.Now().Year()+1 {
		s.writeError(w, apperr.Validation("year %d is out of range", req.Year))
		return
	}
	if req.CurrentOdometerKm < 0 {
		s.writeError(w, apperr.Validation("current_odometer_km must not be negative"))
		return
	}
	car, err := s.Store.CreateCar(r.Context(), models.Car{
		OwnerID:           ownerFromRequest(r),
		Manufacturer:      req.Manufacturer,
		Model:             req.Model,
		Year:              req.Year,
		Nickname:          req.Nickname,
		CurrentOdometerKm: req.CurrentOdometerKm,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, car)
}

func (s *Server) handleGetCar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "car")
	if err != nil {
		s.writeError(w, err)
		return
	}
	car, err := s.Store.GetCar(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, car)
}

type odometerRequest struct {
	OdometerKm *int `json:"odometer_km"`
}

func (s *Server) handleUpdateOdometer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "car")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req odometerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validation("invalid json"))
		return
	}
	if req.OdometerKm == nil || *req.OdometerKm < 0 {
		s.writeError(w, apperr.Validation("odometer_km must be a non-negative number"))
		return
	}
	car, err := s.Store.UpdateCarOdometer(r.Context(), id, *req.OdometerKm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, car)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	carID, err := pathID(r, "car")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.Limiter != nil {
		d, err := s.Limiter.AllowCar(r.Context(), carID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.999)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
	}

	// multipart framing adds a little on top of the file itself
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, apperr.Validation("file exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		s.writeError(w, apperr.Validation("invalid multipart form"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, apperr.Validation("no file uploaded"))
		return
	}
	defer file.Close()

	res, err := s.Uploads.UploadAndProcess(r.Context(), ingest.Upload{
		CarID:    carID,
		Type:     models.ParseDocumentType(r.FormValue("type")),
		Filename: header.Filename,
		Body:     file,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if res.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "document")
	if err != nil {
		s.writeError(w, err)
		return
	}
	doc, err := s.Store.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "job")
	if err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("document_id")
	if _, err := uuid.Parse(docID); err != nil {
		s.writeError(w, apperr.Validation("document_id query parameter must be a uuid"))
		return
	}
	jobs, err := s.Store.ListJobsByDocument(r.Context(), docID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	s.listReminders(w, r, s.Reminders.ListByCar)
}

func (s *Server) handleDueSoon(w http.ResponseWriter, r *http.Request) {
	s.listReminders(w, r, s.Reminders.DueSoon)
}

// listReminders resolves the optional car_id filter to its current odometer before listing.
func (s *Server) listReminders(w http.ResponseWriter, r *http.Request, list func(context.Context, string, *int) ([]models.Reminder, error)) {
	carID := r.URL.Query().Get("car_id")
	var odometer *int
	if carID != "" {
		if _, err := uuid.Parse(carID); err != nil {
			s.writeError(w, apperr.Validation("car_id query parameter must be a uuid"))
			return
		}
		car, err := s.Store.GetCar(r.Context(), carID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		odometer = car.Odometer()
	}
	items, err := list(r.Context(), carID, odometer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []models.Reminder{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCompleteReminder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "reminder")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req odometerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, apperr.Validation("invalid json"))
			return
		}
	}
	if req.OdometerKm != nil && *req.OdometerKm < 0 {
		s.writeError(w, apperr.Validation("odometer_km must not be negative"))
		return
	}
	rem, err := s.Reminders.MarkCompleted(r.Context(), id, req.OdometerKm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.DLQ == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "dead-letter inspection needs the redis queue backend"})
		return
	}
	items, err := s.DLQ.DLQPeek(r.Context(), 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func pathID(r *http.Request, what string) (string, error) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		return "", apperr.NotFound("%s %s not found", what, id)
	}
	return id, nil
}

func ownerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "default"
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case apperr.KindValidation:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.Logger.Error("http.internal_error", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
