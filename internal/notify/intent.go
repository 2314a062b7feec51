package notify

import (
	"net/url"
	"strings"
)

// X post construction. The 280-char budget reserves room for the t.co
// shortened link plus a little slack.
const (
	maxPostLength     = 280
	reservedURLLength = 23
	safeTextLength    = maxPostLength - reservedURLLength - 10
)

var typeHashtags = map[string]string{
	"image": "#AIArt",
	"video": "#AIVideo",
}

var modelHashtags = map[string]string{
	"openai/dall-e-3":                 "#DALLE3",
	"openai/dall-e-2":                 "#DALLE2",
	"stabilityai/stable-diffusion-xl": "#StableDiffusion",
	"stabilityai/stable-diffusion-v1-6": "#StableDiffusion",
	"google/veo-3.0-generate-preview": "#Veo3",
	"leonardo/phoenix":                "#LeonardoAI",
}

var defaultHashtags = []string{"#AIBot", "#Discord"}

// TweetIntentURL builds a pre-filled X post link for a finished generation.
// The prompt is trimmed to keep the whole text inside the post budget; the
// result link goes in the url parameter so X counts it at its shortened
// length.
func TweetIntentURL(contentURL, prompt, model, jobType string) string {
	text := buildPostText(prompt, model, jobType)

	v := url.Values{}
	v.Set("text", text)
	if contentURL != "" {
		v.Set("url", contentURL)
	}
	return "https://twitter.com/intent/tweet?" + v.Encode()
}

func buildPostText(prompt, model, jobType string) string {
	lead := "Generated with AI!"
	if jobType == "video" {
		lead = "Generated an AI video!"
	}
	hashtags := buildHashtags(model, jobType)

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return lead + "\n\n" + hashtags
	}

	// Room left for the quoted prompt once the fixed parts are in place.
	overhead := len(lead) + len("\n\n\U0001F4DD \"\"") + len("\n\n") + len(hashtags)
	budget := safeTextLength - overhead
	if budget < 10 {
		return lead + "\n\n" + hashtags
	}
	if len(prompt) > budget {
		prompt = truncateRunes(prompt, budget-3) + "..."
	}
	return lead + "\n\n\U0001F4DD \"" + prompt + "\"\n\n" + hashtags
}

func buildHashtags(model, jobType string) string {
	var tags []string
	seen := make(map[string]bool)
	add := func(tag string) {
		if tag != "" && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	add(typeHashtags[jobType])
	add(modelHashtags[model])
	for _, tag := range defaultHashtags {
		add(tag)
	}
	return strings.Join(tags, " ")
}

// truncateRunes cuts at a rune boundary so multi-byte prompts never split
// mid-character.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count >= n {
			return s[:i]
		}
		count++
	}
	return s
}
