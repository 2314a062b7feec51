// Package usage enforces per-user generation rate limits. Counters live in
// Redis; a counter outage fails open so Redis is never a hard dependency of
// the submission path.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lilseedabe/genbroker/internal/cache"
)

const (
	MaxPerHour    = 20
	MaxPerDay     = 50
	MaxConcurrent = 3
)

// LimitError names the specific limit a request tripped over.
type LimitError struct {
	Limit string
	Max   int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("usage limit exceeded: at most %d %s", e.Max, e.Limit)
}

// Counter is the cache slice the limiter needs.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type Limiter struct {
	counter Counter
	logger  *slog.Logger
	now     func() time.Time
}

func NewLimiter(counter Counter, logger *slog.Logger) *Limiter {
	return &Limiter{counter: counter, logger: logger, now: time.Now}
}

// Accept counts one submission against the user's hourly and daily windows.
// Returns a *LimitError when either window is exhausted. Counter failures
// are logged and the request allowed.
func (l *Limiter) Accept(ctx context.Context, userID uuid.UUID) error {
	now := l.now()

	hourly, err := l.counter.IncrWithExpiry(ctx, cache.HourlyUsageKey(userID, now), time.Hour)
	if err != nil {
		l.logger.Warn("usage counter unavailable, allowing request", "user_id", userID, "error", err)
		return nil
	}
	if hourly > MaxPerHour {
		return &LimitError{Limit: "generations per hour", Max: MaxPerHour}
	}

	daily, err := l.counter.IncrWithExpiry(ctx, cache.DailyUsageKey(userID, now), 24*time.Hour)
	if err != nil {
		l.logger.Warn("usage counter unavailable, allowing request", "user_id", userID, "error", err)
		return nil
	}
	if daily > MaxPerDay {
		return &LimitError{Limit: "generations per day", Max: MaxPerDay}
	}
	return nil
}
