package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCounter struct {
	counts map[string]int64
	err    error
}

func (m *mockCounter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	if m.counts == nil {
		m.counts = make(map[string]int64)
	}
	m.counts[key]++
	return m.counts[key], nil
}

func newTestLimiter(counter Counter) *Limiter {
	return NewLimiter(counter, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestAcceptUnderLimits(t *testing.T) {
	l := newTestLimiter(&mockCounter{})
	user := uuid.New()
	ctx := context.Background()

	for i := 0; i < MaxPerHour; i++ {
		require.NoError(t, l.Accept(ctx, user), "request %d should be allowed", i+1)
	}
}

func TestAcceptHourlyLimit(t *testing.T) {
	l := newTestLimiter(&mockCounter{})
	user := uuid.New()
	ctx := context.Background()

	for i := 0; i < MaxPerHour; i++ {
		require.NoError(t, l.Accept(ctx, user))
	}
	err := l.Accept(ctx, user)
	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, MaxPerHour, le.Max)
	assert.Contains(t, le.Limit, "hour")
}

func TestAcceptDailyLimit(t *testing.T) {
	l := newTestLimiter(&mockCounter{})
	user := uuid.New()
	ctx := context.Background()

	// Move the clock each batch so the hourly window resets but the daily
	// window keeps accumulating.
	base := time.Now()
	for batch := 0; batch < 3; batch++ {
		offset := time.Duration(batch) * time.Hour
		l.now = func() time.Time { return base.Add(offset) }
		for i := 0; i < MaxPerHour; i++ {
			err := l.Accept(ctx, user)
			if batch*MaxPerHour+i < MaxPerDay {
				require.NoError(t, err, "request %d should be allowed", batch*MaxPerHour+i+1)
				continue
			}
			var le *LimitError
			require.ErrorAs(t, err, &le, "request %d", batch*MaxPerHour+i+1)
			assert.Equal(t, MaxPerDay, le.Max)
			assert.Contains(t, le.Limit, "day")
		}
	}
}

func TestAcceptFailsOpen(t *testing.T) {
	l := newTestLimiter(&mockCounter{err: errors.New("connection refused")})
	assert.NoError(t, l.Accept(context.Background(), uuid.New()),
		"counter outage should not reject requests")
}
