package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lilseedabe/genbroker/internal/models"
)

type noopTx struct{ pgx.Tx }

func (noopTx) Commit(context.Context) error   { return nil }
func (noopTx) Rollback(context.Context) error { return nil }

type grantCall struct {
	userID      uuid.UUID
	amount      int64
	description string
}

type mockLedger struct {
	mu       sync.Mutex
	grants   []grantCall
	refills  []uuid.UUID
	due      []uuid.UUID
	grantErr error
	failFor  map[uuid.UUID]error
}

func (m *mockLedger) GrantTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grantErr != nil {
		return m.grantErr
	}
	m.grants = append(m.grants, grantCall{userID: userID, amount: amount, description: description})
	return nil
}

func (m *mockLedger) MonthlyRefill(_ context.Context, userID uuid.UUID, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[userID]; err != nil {
		return err
	}
	m.refills = append(m.refills, userID)
	return nil
}

func (m *mockLedger) RefillDue(context.Context) ([]uuid.UUID, error) {
	return m.due, nil
}

type userRecord struct {
	user *models.User
	hash string
}

type codeRecord struct {
	grant  int64
	usedBy *uuid.UUID
}

type mockStore struct {
	mu      sync.Mutex
	byEmail map[string]*userRecord
	codes   map[string]*codeRecord
	keys    map[string]uuid.UUID
}

func newMockStore() *mockStore {
	return &mockStore{
		byEmail: make(map[string]*userRecord),
		codes:   make(map[string]*codeRecord),
		keys:    make(map[string]uuid.UUID),
	}
}

func (m *mockStore) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *mockStore) CreateUser(_ context.Context, _ pgx.Tx, email, passwordHash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byEmail[email]; exists {
		return nil, ErrDuplicateEmail
	}
	u := &models.User{ID: uuid.New(), Email: email, MembershipStatus: models.MembershipActive}
	m.byEmail[email] = &userRecord{user: u, hash: passwordHash}
	return u, nil
}

func (m *mockStore) GetUserByEmail(_ context.Context, email string) (*models.User, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byEmail[email]
	if !ok {
		return nil, "", ErrUserNotFound
	}
	return rec.user, rec.hash, nil
}

func (m *mockStore) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.byEmail {
		if rec.user.ID == id {
			return rec.user, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *mockStore) LinkDiscord(_ context.Context, userID uuid.UUID, discordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.byEmail {
		if rec.user.ID == userID {
			rec.user.DiscordID = &discordID
			return nil
		}
	}
	return ErrUserNotFound
}

func (m *mockStore) ClaimCode(_ context.Context, _ pgx.Tx, code string, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.codes[code]
	if !ok {
		return 0, ErrCodeNotFound
	}
	if rec.usedBy != nil {
		return 0, ErrCodeAlreadyUsed
	}
	rec.usedBy = &userID
	return rec.grant, nil
}

func (m *mockStore) CreateAPIKey(_ context.Context, userID uuid.UUID, keyHash, label string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[keyHash] = userID
	return &models.APIKey{ID: uuid.New(), UserID: userID, KeyHash: keyHash, Label: label}, nil
}

func (m *mockStore) GetUserIDByKeyHash(_ context.Context, keyHash string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.keys[keyHash]
	if !ok {
		return uuid.Nil, ErrInvalidAPIKey
	}
	return userID, nil
}

func newTestService(store *mockStore, ledger *mockLedger) *service {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewService(store, ledger, "test-secret", logger)
}

func TestRegisterGrantsSignupCredits(t *testing.T) {
	store := newMockStore()
	ledger := &mockLedger{}
	svc := newTestService(store, ledger)

	user, token, err := svc.Register(context.Background(), "fox@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if token == "" {
		t.Error("a session token should be issued on registration")
	}
	if len(ledger.grants) != 1 {
		t.Fatalf("grants: got %d, want 1", len(ledger.grants))
	}
	if g := ledger.grants[0]; g.userID != user.ID || g.amount != SignupGrant {
		t.Errorf("signup grant: %+v", g)
	}

	// Stored hash must not be the raw password.
	_, hash, _ := store.GetUserByEmail(context.Background(), "fox@example.com")
	if hash == "hunter2hunter2" {
		t.Error("password stored in the clear")
	}

	if _, _, err := svc.Register(context.Background(), "fox@example.com", "hunter2hunter2"); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("expected ErrDuplicateEmail, got: %v", err)
	}
}

func TestLoginAndValidateToken(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, &mockLedger{})
	user, _, err := svc.Register(context.Background(), "fox@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(context.Background(), "fox@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	gotID, err := svc.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if gotID != user.ID {
		t.Errorf("token subject: got %s, want %s", gotID, user.ID)
	}

	if _, err := svc.Login(context.Background(), "fox@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(context.Background(), "nobody@example.com", "hunter2hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.ValidateToken(context.Background(), "not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token: got %v, want ErrInvalidToken", err)
	}
}

func TestRedeem(t *testing.T) {
	store := newMockStore()
	ledger := &mockLedger{}
	svc := newTestService(store, ledger)
	store.codes["NOTE-AB12-CD34-EF56"] = &codeRecord{grant: 1000}
	userID := uuid.New()

	granted, err := svc.Redeem(context.Background(), userID, "note-ab12-cd34-ef56")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if granted != 1000 {
		t.Errorf("granted: got %d, want 1000", granted)
	}
	if len(ledger.grants) != 1 || ledger.grants[0].amount != 1000 {
		t.Errorf("ledger grants: %+v", ledger.grants)
	}

	if _, err := svc.Redeem(context.Background(), uuid.New(), "NOTE-AB12-CD34-EF56"); !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Errorf("second redeem: got %v, want ErrCodeAlreadyUsed", err)
	}
	if _, err := svc.Redeem(context.Background(), userID, "NOTE-ZZZZ-ZZZZ-ZZZZ"); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("unknown code: got %v, want ErrCodeNotFound", err)
	}
	if _, err := svc.Redeem(context.Background(), userID, "not a code"); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("malformed code: got %v, want ErrCodeNotFound", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store, &mockLedger{})
	userID := uuid.New()

	rawKey, key, err := svc.CreateAPIKey(context.Background(), userID, "bot")
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if !strings.HasPrefix(rawKey, apiKeyPrefix) {
		t.Errorf("raw key should carry the %q prefix: %q", apiKeyPrefix, rawKey)
	}
	if key.KeyHash == rawKey || strings.Contains(key.KeyHash, rawKey) {
		t.Error("raw key must not be stored")
	}

	gotID, err := svc.VerifyAPIKey(context.Background(), rawKey)
	if err != nil {
		t.Fatalf("VerifyAPIKey: %v", err)
	}
	if gotID != userID {
		t.Errorf("key owner: got %s, want %s", gotID, userID)
	}
	if _, err := svc.VerifyAPIKey(context.Background(), "gbk_deadbeef"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key: got %v, want ErrInvalidAPIKey", err)
	}
}

func TestRefillDueMembers(t *testing.T) {
	good1, bad, good2 := uuid.New(), uuid.New(), uuid.New()
	ledger := &mockLedger{
		due:     []uuid.UUID{good1, bad, good2},
		failFor: map[uuid.UUID]error{bad: errors.New("account locked")},
	}
	svc := newTestService(newMockStore(), ledger)

	count, err := svc.RefillDueMembers(context.Background())
	if err != nil {
		t.Fatalf("RefillDueMembers: %v", err)
	}
	if count != 2 {
		t.Errorf("refilled count: got %d, want 2", count)
	}
	if len(ledger.refills) != 2 {
		t.Errorf("refill calls: got %v", ledger.refills)
	}
}
