package validate

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestValidatePrompt(t *testing.T) {
	v := newValidator(t)

	cases := []struct {
		name      string
		prompt    string
		wantValid bool
	}{
		{"ok", "a watercolor fox in a misty forest", true},
		{"trims whitespace", "  a cat  ", true},
		{"too short", "hi", false},
		{"too long", strings.Repeat("a", 4001), false},
		{"banned word", "an nsfw picture", false},
		{"unsafe pattern", "blood everywhere", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := v.Validate(&Request{Type: "image", Model: "openai/dall-e-3", Prompt: tc.prompt})
			if result.Valid != tc.wantValid {
				t.Errorf("Valid = %v, want %v (errors: %v)", result.Valid, tc.wantValid, result.Errors)
			}
		})
	}
}

func TestValidateTruncatesToModelCap(t *testing.T) {
	v := newValidator(t)

	// 1500 chars is within the global cap but over this model's 1000 cap.
	prompt := strings.Repeat("x", 1500)
	result := v.Validate(&Request{Type: "image", Model: "stabilityai/stable-diffusion-xl", Prompt: prompt})
	if !result.Valid {
		t.Fatalf("overlong-for-model prompt should still be valid, errors: %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a truncation warning")
	}
	if len(result.CleanedPrompt) != 1000 {
		t.Errorf("cleaned prompt length: got %d, want 1000", len(result.CleanedPrompt))
	}
}

func TestValidateTruncatesMultibytePromptCleanly(t *testing.T) {
	v := newValidator(t)

	// 2100 characters of Japanese against dall-e-2's 2000-char cap. The cut
	// must land on a rune boundary and count characters, not bytes.
	prompt := strings.Repeat("あ", 2100)
	result := v.Validate(&Request{Type: "image", Model: "openai/dall-e-2", Prompt: prompt})
	if !result.Valid {
		t.Fatalf("overlong-for-model prompt should still be valid, errors: %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a truncation warning")
	}
	if !utf8.ValidString(result.CleanedPrompt) {
		t.Fatal("cleaned prompt must be valid UTF-8")
	}
	if got := utf8.RuneCountInString(result.CleanedPrompt); got != 2000 {
		t.Errorf("cleaned prompt length: got %d characters, want 2000", got)
	}
}

func TestValidateParams(t *testing.T) {
	v := newValidator(t)

	cases := []struct {
		name      string
		jobType   string
		params    string
		wantValid bool
	}{
		{"valid image params", "image", `{"size":"1024x1024","quality":"hd","style":"vivid"}`, true},
		{"no params", "image", ``, true},
		{"bad quality", "image", `{"quality":"cinematic"}`, false},
		{"bad size", "image", `{"size":"999x999"}`, false},
		{"unknown key", "image", `{"steps":50}`, false},
		{"quantity over cap", "image", `{"quantity":10}`, false},
		{"valid video params", "video", `{"duration":8,"fps":24,"resolution":"1280x768"}`, true},
		{"duration too long", "video", `{"duration":60}`, false},
		{"malformed json", "video", `{"duration":`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := v.Validate(&Request{
				Type:   tc.jobType,
				Model:  "openai/dall-e-3",
				Prompt: "a quiet harbor at dawn",
				Params: json.RawMessage(tc.params),
			})
			if result.Valid != tc.wantValid {
				t.Errorf("Valid = %v, want %v (errors: %v)", result.Valid, tc.wantValid, result.Errors)
			}
		})
	}
}

func TestValidateUnknownType(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(&Request{Type: "audio", Model: "openai/tts", Prompt: "hello world"})
	if result.Valid {
		t.Error("audio is not a supported type")
	}
}

func TestNormalizeRedemptionCode(t *testing.T) {
	got, err := NormalizeRedemptionCode(" note-ab12-cd34-ef56 ")
	if err != nil {
		t.Fatalf("NormalizeRedemptionCode: %v", err)
	}
	if got != "NOTE-AB12-CD34-EF56" {
		t.Errorf("normalized code: got %q", got)
	}

	for _, bad := range []string{"", "NOTE-AB12-CD34", "GIFT-AB12-CD34-EF56", "NOTE-ab!2-CD34-EF56"} {
		if _, err := NormalizeRedemptionCode(bad); err == nil {
			t.Errorf("code %q should be rejected", bad)
		}
	}
}
