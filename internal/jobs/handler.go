package jobs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lilseedabe/genbroker/internal/ledger"
	"github.com/lilseedabe/genbroker/internal/middleware"
	"github.com/lilseedabe/genbroker/internal/models"
	"github.com/lilseedabe/genbroker/internal/usage"
)

// Request/response structs use snake_case JSON.

type CreateJobRequest struct {
	Type   string          `json:"type"`
	Model  string          `json:"model"`
	Prompt string          `json:"prompt"`
	Params json.RawMessage `json:"params,omitempty"`
}

type JobResponse struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Model           string          `json:"model"`
	Status          string          `json:"status"`
	CreditsReserved int64           `json:"credits_reserved"`
	CreditsUsed     *int64          `json:"credits_used,omitempty"`
	ResultURL       *string         `json:"result_url,omitempty"`
	SharePostURL    *string         `json:"share_post_url,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type CreateJobResponse struct {
	Job              JobResponse `json:"job"`
	EstimatedSeconds int         `json:"estimated_seconds"`
	Warnings         []string    `json:"warnings,omitempty"`
}

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Type == "" || req.Model == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "type, model and prompt are required")
		return
	}

	result, err := h.svc.Submit(r.Context(), &SubmitRequest{
		UserID: userID,
		Type:   req.Type,
		Model:  req.Model,
		Prompt: req.Prompt,
		Params: req.Params,
	})
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateJobResponse{
		Job:              jobToResponse(result.Job),
		EstimatedSeconds: int(result.EstimatedDuration.Seconds()),
		Warnings:         result.Warnings,
	})
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	var le *usage.LimitError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "details": ve.Errors})
	case errors.As(err, &le):
		writeError(w, http.StatusTooManyRequests, le.Error())
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	default:
		h.log.Error("submit job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "submit job failed")
	}
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	jobID := pathJobID(r.URL.Path)
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	job, err := h.svc.Status(r.Context(), userID, jobID)
	if err != nil {
		h.writeLookupError(w, err, "get job")
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	list, err := h.svc.List(r.Context(), userID, limit, offset, q.Get("status"))
	if err != nil {
		h.log.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	resp := make([]JobResponse, 0, len(list))
	for _, j := range list {
		resp = append(resp, jobToResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	jobID := pathJobID(r.URL.Path)
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	err := h.svc.Cancel(r.Context(), userID, jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, ErrNotCancellable):
		writeError(w, http.StatusConflict, "job is no longer cancellable")
	default:
		h.writeLookupError(w, err, "cancel job")
	}
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrNotOwner):
		// Not revealing whether a foreign job exists.
		writeError(w, http.StatusNotFound, "job not found")
	default:
		h.log.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// userID reads the user set by the auth middleware.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.UserFrom(r.Context())
	if !ok || id == uuid.Nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	return id, true
}

// pathJobID extracts the id from /api/v1/jobs/{id} or /api/v1/jobs/{id}/cancel.
func pathJobID(path string) string {
	path = strings.TrimSuffix(path, "/cancel")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[i+1:]
}

func jobToResponse(j *models.Job) JobResponse {
	return JobResponse{
		ID:              j.ID,
		Type:            j.Type,
		Model:           j.Model,
		Status:          j.Status,
		CreditsReserved: j.CreditsReserved,
		CreditsUsed:     j.CreditsUsed,
		ResultURL:       j.ResultURL,
		SharePostURL:    j.SharePostURL,
		ErrorMessage:    j.ErrorMessage,
		Params:          j.Params,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		CreatedAt:       j.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
