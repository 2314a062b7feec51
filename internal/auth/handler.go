package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/lilseedabe/genbroker/internal/middleware"
)

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Token       string `json:"token"`
	SignupGrant int64  `json:"signup_grant"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type RedeemRequest struct {
	Code string `json:"code"`
}

type RedeemResponse struct {
	CreditsGranted int64 `json:"credits_granted"`
}

type CreateAPIKeyRequest struct {
	Label string `json:"label"`
}

type CreateAPIKeyResponse struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Label string `json:"label"`
}

type LinkDiscordRequest struct {
	DiscordID string `json:"discord_id"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "email and a password of at least 8 characters are required")
		return
	}
	user, token, err := h.svc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		h.log.Error("register failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{
		UserID:      user.ID.String(),
		Email:       user.Email,
		Token:       token,
		SignupGrant: SignupGrant,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	token, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.log.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	granted, err := h.svc.Redeem(r.Context(), userID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, ErrCodeNotFound):
			writeError(w, http.StatusNotFound, "redemption code not found")
		case errors.Is(err, ErrCodeAlreadyUsed):
			writeError(w, http.StatusConflict, "redemption code already used")
		default:
			h.log.Error("redeem failed", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "redemption failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, RedeemResponse{CreditsGranted: granted})
}

func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Label == "" {
		req.Label = "default"
	}
	rawKey, key, err := h.svc.CreateAPIKey(r.Context(), userID, req.Label)
	if err != nil {
		h.log.Error("creating api key failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "creating api key failed")
		return
	}
	writeJSON(w, http.StatusCreated, CreateAPIKeyResponse{
		ID:    key.ID.String(),
		Key:   rawKey,
		Label: key.Label,
	})
}

func (h *Handler) LinkDiscord(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req LinkDiscordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.DiscordID == "" {
		writeError(w, http.StatusBadRequest, "discord_id is required")
		return
	}
	if err := h.svc.LinkDiscord(r.Context(), userID, req.DiscordID); err != nil {
		h.log.Error("linking discord failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "linking discord failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authenticate reads the user set by the auth middleware.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.UserFrom(r.Context())
	if !ok || userID == uuid.Nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
