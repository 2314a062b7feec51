package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
)

type recordingSink struct {
	name      string
	delivered []*Payload
	err       error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, p *Payload) error {
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, p)
	return nil
}

func TestDispatchFansOut(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	d := NewDispatcher(slog.New(slog.NewJSONHandler(io.Discard, nil)), a, b)

	d.Dispatch(context.Background(), &Payload{
		UserID: uuid.New(),
		Event:  EventJobCompleted,
	})

	if len(a.delivered) != 1 || len(b.delivered) != 1 {
		t.Errorf("both sinks should receive the payload: a=%d b=%d", len(a.delivered), len(b.delivered))
	}
}

func TestDispatchSwallowsSinkErrors(t *testing.T) {
	broken := &recordingSink{name: "broken", err: errors.New("lost connection")}
	healthy := &recordingSink{name: "healthy"}
	d := NewDispatcher(slog.New(slog.NewJSONHandler(io.Discard, nil)), broken, healthy)

	// Must not panic or skip later sinks.
	d.Dispatch(context.Background(), &Payload{UserID: uuid.New(), Event: EventJobFailed})
	if len(healthy.delivered) != 1 {
		t.Error("a failing sink must not block delivery to the others")
	}
}

func TestDiscordWebhookDeliver(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	used := int64(40)
	sink := NewDiscordWebhook(srv.URL)
	err := sink.Deliver(context.Background(), &Payload{
		UserID:      uuid.New(),
		JobID:       "job_123",
		Event:       EventJobCompleted,
		Message:     "Your image is ready",
		ResultURL:   "https://cdn.example.com/result.png",
		CreditsUsed: &used,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	for _, want := range []string{"Generation complete", "job_123", "Your image is ready", "result.png"} {
		if !strings.Contains(received, want) {
			t.Errorf("webhook body missing %q: %s", want, received)
		}
	}
}

func TestDiscordWebhookNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sink := NewDiscordWebhook(srv.URL)
	if err := sink.Deliver(context.Background(), &Payload{Event: EventJobFailed}); err == nil {
		t.Error("non-2xx webhook response should be an error")
	}
}

func TestTweetIntentURL(t *testing.T) {
	raw := TweetIntentURL("https://cdn.example.com/result.png", "a watercolor fox", "openai/dall-e-3", "image")

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("intent url does not parse: %v", err)
	}
	if parsed.Host != "twitter.com" || parsed.Path != "/intent/tweet" {
		t.Errorf("unexpected endpoint: %s", raw)
	}
	q := parsed.Query()
	if q.Get("url") != "https://cdn.example.com/result.png" {
		t.Errorf("url param: got %q", q.Get("url"))
	}
	text := q.Get("text")
	for _, want := range []string{"a watercolor fox", "#AIArt", "#DALLE3"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q: %s", want, text)
		}
	}
}

func TestTweetIntentURLTruncatesLongPrompts(t *testing.T) {
	prompt := strings.Repeat("wildly detailed ", 40)
	raw := TweetIntentURL("https://cdn.example.com/r.mp4", prompt, "google/veo-3.0-generate-preview", "video")

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("intent url does not parse: %v", err)
	}
	text := parsed.Query().Get("text")
	if len(text) > safeTextLength {
		t.Errorf("text length %d exceeds the safe budget %d", len(text), safeTextLength)
	}
	if !strings.Contains(text, "...") {
		t.Error("truncated prompt should end with an ellipsis")
	}
	if !strings.Contains(text, "#AIVideo") {
		t.Error("hashtags must survive truncation")
	}
}
