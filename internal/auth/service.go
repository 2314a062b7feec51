package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/lilseedabe/genbroker/internal/execution"
	"github.com/lilseedabe/genbroker/internal/models"
	"github.com/lilseedabe/genbroker/internal/validate"
)

var (
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidAPIKey      = errors.New("invalid api key")
	ErrCodeNotFound       = errors.New("redemption code not found")
	ErrCodeAlreadyUsed    = errors.New("redemption code already used")
)

// SignupGrant is the credit balance every new member starts with;
// MonthlyAllowance is what an active membership refills to each cycle.
const (
	SignupGrant      = 1000
	MonthlyAllowance = 1000
)

const tokenTTL = 24 * time.Hour

// apiKeyPrefix marks raw API keys so a leaked one is recognizable in logs
// and secret scanners.
const apiKeyPrefix = "gbk_"

// Ledger is the credit surface membership operations need: the signup and
// redemption grants, and the monthly refill.
type Ledger interface {
	GrantTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, description string) error
	MonthlyRefill(ctx context.Context, userID uuid.UUID, amount int64) error
	RefillDue(ctx context.Context) ([]uuid.UUID, error)
}

// Store is the persistence surface, implemented by *Repository.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateUser(ctx context.Context, tx pgx.Tx, email, passwordHash string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, string, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	LinkDiscord(ctx context.Context, userID uuid.UUID, discordID string) error
	ClaimCode(ctx context.Context, tx pgx.Tx, code string, userID uuid.UUID) (int64, error)
	CreateAPIKey(ctx context.Context, userID uuid.UUID, keyHash, label string) (*models.APIKey, error)
	GetUserIDByKeyHash(ctx context.Context, keyHash string) (uuid.UUID, error)
}

var _ Store = (*Repository)(nil)

// Service is the membership surface consumed by handlers and middleware.
type Service interface {
	Register(ctx context.Context, email, password string) (*models.User, string, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
	Redeem(ctx context.Context, userID uuid.UUID, code string) (int64, error)
	CreateAPIKey(ctx context.Context, userID uuid.UUID, label string) (string, *models.APIKey, error)
	VerifyAPIKey(ctx context.Context, rawKey string) (uuid.UUID, error)
	LinkDiscord(ctx context.Context, userID uuid.UUID, discordID string) error
}

type service struct {
	repo   Store
	ledger Ledger
	secret []byte
	logger *slog.Logger
}

var (
	_ Service            = (*service)(nil)
	_ execution.Refiller = (*service)(nil)
)

func NewService(repo Store, ledger Ledger, secret string, logger *slog.Logger) *service {
	return &service{repo: repo, ledger: ledger, secret: []byte(secret), logger: logger}
}

type claims struct {
	jwt.RegisteredClaims
}

// Register creates a member account and its signup grant in one transaction,
// then returns a session token so the client is logged in immediately.
func (s *service) Register(ctx context.Context, email, password string) (*models.User, string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback(ctx)

	user, err := s.repo.CreateUser(ctx, tx, email, string(hash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, "", ErrDuplicateEmail
		}
		return nil, "", fmt.Errorf("creating user: %w", err)
	}
	if err := s.ledger.GrantTx(ctx, tx, user.ID, SignupGrant, "signup grant"); err != nil {
		return nil, "", fmt.Errorf("granting signup credits: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", err
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("member registered", "user_id", user.ID, "signup_grant", SignupGrant)
	return user, token, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	user, hash, err := s.repo.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(user.ID)
}

func (s *service) issueToken(userID uuid.UUID) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

// Redeem claims a one-shot code and grants its credits in one transaction.
// The claim itself decides redemption races, so concurrent redeems of the
// same code produce exactly one grant.
func (s *service) Redeem(ctx context.Context, userID uuid.UUID, code string) (int64, error) {
	normalized, err := validate.NormalizeRedemptionCode(code)
	if err != nil {
		return 0, ErrCodeNotFound
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	grant, err := s.repo.ClaimCode(ctx, tx, normalized, userID)
	if err != nil {
		return 0, err
	}
	if err := s.ledger.GrantTx(ctx, tx, userID, grant, "redemption code "+normalized); err != nil {
		return 0, fmt.Errorf("granting redeemed credits: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	s.logger.Info("redemption code claimed", "user_id", userID, "code", normalized, "credits", grant)
	return grant, nil
}

// CreateAPIKey mints a key for the bot front end. The raw key is returned
// exactly once; only its SHA-256 hash is stored.
func (s *service) CreateAPIKey(ctx context.Context, userID uuid.UUID, label string) (string, *models.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	rawKey := apiKeyPrefix + hex.EncodeToString(raw)

	key, err := s.repo.CreateAPIKey(ctx, userID, hashAPIKey(rawKey), label)
	if err != nil {
		return "", nil, fmt.Errorf("storing api key: %w", err)
	}
	return rawKey, key, nil
}

func (s *service) VerifyAPIKey(ctx context.Context, rawKey string) (uuid.UUID, error) {
	return s.repo.GetUserIDByKeyHash(ctx, hashAPIKey(rawKey))
}

func (s *service) LinkDiscord(ctx context.Context, userID uuid.UUID, discordID string) error {
	return s.repo.LinkDiscord(ctx, userID, discordID)
}

// RefillDueMembers implements execution.Refiller: every active member whose
// last refill is over a month old gets the monthly allowance granted. One
// failing member does not block the rest of the scan.
func (s *service) RefillDueMembers(ctx context.Context) (int, error) {
	due, err := s.ledger.RefillDue(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing refill-due members: %w", err)
	}
	refilled := 0
	for _, userID := range due {
		if err := s.ledger.MonthlyRefill(ctx, userID, MonthlyAllowance); err != nil {
			s.logger.Error("monthly refill failed", "user_id", userID, "error", err)
			continue
		}
		refilled++
	}
	return refilled, nil
}

func hashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
