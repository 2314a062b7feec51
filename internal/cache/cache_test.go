package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestJSONRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	type snapshot struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	}

	if err := store.SetJSON(ctx, "k", snapshot{Status: "processing", Count: 2}, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var got snapshot
	found, err := store.GetJSON(ctx, "k", &got)
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if !found {
		t.Fatal("key should exist")
	}
	if got.Status != "processing" || got.Count != 2 {
		t.Errorf("round trip: got %+v", got)
	}

	found, err = store.GetJSON(ctx, "missing", &got)
	if err != nil {
		t.Fatalf("GetJSON missing: %v", err)
	}
	if found {
		t.Error("missing key should report not found, not an error")
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if found, _ := store.GetJSON(ctx, "k", &got); found {
		t.Error("deleted key should be gone")
	}
}

func TestIncrWithExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrWithExpiry(ctx, "counter", time.Hour)
		if err != nil {
			t.Fatalf("IncrWithExpiry: %v", err)
		}
		if got != want {
			t.Errorf("counter: got %d, want %d", got, want)
		}
	}
	if ttl := mr.TTL("counter"); ttl != time.Hour {
		t.Errorf("counter ttl: got %s, want 1h", ttl)
	}

	// The window must not slide: incrementing again keeps the original TTL.
	mr.FastForward(30 * time.Minute)
	if _, err := store.IncrWithExpiry(ctx, "counter", time.Hour); err != nil {
		t.Fatalf("IncrWithExpiry: %v", err)
	}
	if ttl := mr.TTL("counter"); ttl != 30*time.Minute {
		t.Errorf("counter ttl after refresh attempt: got %s, want 30m", ttl)
	}
}

func TestUsageKeys(t *testing.T) {
	user := uuid.MustParse("a2e04cae-3fa3-4fbc-91a9-49335d6f1c6f")
	at := time.Date(2025, 7, 14, 9, 30, 0, 0, time.UTC)

	if got := HourlyUsageKey(user, at); got != "usage:hourly:a2e04cae-3fa3-4fbc-91a9-49335d6f1c6f:2025071409" {
		t.Errorf("hourly key: got %q", got)
	}
	if got := DailyUsageKey(user, at); got != "usage:daily:a2e04cae-3fa3-4fbc-91a9-49335d6f1c6f:20250714" {
		t.Errorf("daily key: got %q", got)
	}
}
