package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/lilseedabe/genbroker/internal/auth"
	"github.com/lilseedabe/genbroker/internal/ledger"
	"github.com/lilseedabe/genbroker/internal/middleware"
	"github.com/lilseedabe/genbroker/internal/models"
	"github.com/lilseedabe/genbroker/internal/pricing"
)

// Ledger is the read surface the dashboard exposes.
type Ledger interface {
	Balance(ctx context.Context, userID uuid.UUID) (*ledger.Balance, error)
	History(ctx context.Context, userID uuid.UUID, limit, offset int, txType string) ([]*models.CreditTransaction, error)
	UsageStats(ctx context.Context, userID uuid.UUID, days int) (*ledger.UsageStats, error)
}

// UserStore resolves the member profile for /me.
type UserStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type Handler struct {
	ledger Ledger
	users  UserStore
	log    *slog.Logger
}

func NewHandler(l Ledger, users UserStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ledger: l, users: users, log: log}
}

// GET /api/v1/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	user, err := h.users.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		h.log.Error("get user failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.log.Error("get balance failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                user.ID,
		"email":             user.Email,
		"discord_id":        user.DiscordID,
		"membership_status": user.MembershipStatus,
		"available_credits": balance.Account.AvailableCredits,
		"reserved_credits":  balance.Account.ReservedCredits,
		"created_at":        user.CreatedAt,
	})
}

// GET /api/v1/credits/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.log.Error("get balance failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// GET /api/v1/credits/history?limit=&offset=&type=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	history, err := h.ledger.History(r.Context(), userID, limit, offset, q.Get("type"))
	if err != nil {
		h.log.Error("get history failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []*models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, history)
}

// GET /api/v1/credits/usage?days=
func (h *Handler) GetUsageStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 || days > 365 {
		days = 30
	}
	stats, err := h.ledger.UsageStats(r.Context(), userID, days)
	if err != nil {
		h.log.Error("get usage stats failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /api/v1/models
// The catalog is public: the bot shows it before a member signs in.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"image": pricing.Models(models.JobTypeImage),
		"video": pricing.Models(models.JobTypeVideo),
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.UserFrom(r.Context())
	if !ok || id == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
