// Package validate checks generation requests before any credits are touched.
// A request that fails here is rejected synchronously with no job and no
// reservation.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lilseedabe/genbroker/internal/pricing"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	MinPromptLength = 3
	MaxPromptLength = 4000
)

var bannedWords = []string{"nsfw", "explicit", "adult", "porn", "nude"}

var unsafePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)violence|kill|death|blood|gore`),
	regexp.MustCompile(`(?i)naked|nude|sexual|erotic|porn`),
	regexp.MustCompile(`(?i)drug|cocaine|heroin|marijuana`),
	regexp.MustCompile(`(?i)hate|racist|nazi|terrorism`),
	regexp.MustCompile(`(?i)suicide|self.?harm|cutting`),
}

var redemptionCodePattern = regexp.MustCompile(`^NOTE-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// Request is a generation request before admission.
type Request struct {
	Type   string
	Model  string
	Prompt string
	Params json.RawMessage
}

// Result is the outcome of validation. CleanedPrompt is the prompt to send
// to the provider: trimmed, and truncated to the model's cap when the input
// overran it (which also adds a warning).
type Result struct {
	Valid         bool     `json:"valid"`
	Errors        []string `json:"errors,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	CleanedPrompt string   `json:"-"`
}

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the embedded per-type params schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, 2)
	for _, jobType := range []string{"image", "video"} {
		name := jobType + ".json"
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("reading schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("adding schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compiling schema %s: %w", name, err)
		}
		schemas[jobType] = schema
	}
	return &Validator{schemas: schemas}, nil
}

// Validate runs every static check against a request.
func (v *Validator) Validate(req *Request) *Result {
	result := &Result{Valid: true}

	schema, ok := v.schemas[req.Type]
	if !ok {
		result.fail(fmt.Sprintf("unsupported generation type %q", req.Type))
		return result
	}

	v.validatePrompt(req, result)
	v.validateParams(schema, req.Params, result)
	return result
}

func (v *Validator) validatePrompt(req *Request, result *Result) {
	prompt := strings.TrimSpace(req.Prompt)
	result.CleanedPrompt = prompt

	// Limits count characters, not bytes, so multi-byte prompts get the same
	// budget as ASCII ones.
	length := utf8.RuneCountInString(prompt)
	if length < MinPromptLength {
		result.fail(fmt.Sprintf("prompt too short (minimum %d characters)", MinPromptLength))
		return
	}
	if length > MaxPromptLength {
		result.fail(fmt.Sprintf("prompt too long (maximum %d characters)", MaxPromptLength))
		return
	}

	lower := strings.ToLower(prompt)
	var found []string
	for _, word := range bannedWords {
		if strings.Contains(lower, word) {
			found = append(found, word)
		}
	}
	if len(found) > 0 {
		result.fail("prompt contains banned words: " + strings.Join(found, ", "))
	}
	for _, pattern := range unsafePatterns {
		if pattern.MatchString(prompt) {
			result.fail("prompt contains unsafe content")
			break
		}
	}

	// Overrunning a model's cap is not a rejection; the prompt is truncated
	// and the caller warned.
	if limit := pricing.MaxPromptLength(req.Type, req.Model); length > limit {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("prompt exceeds the %d character limit for %s and was truncated", limit, req.Model))
		result.CleanedPrompt = strings.TrimSpace(truncateRunes(prompt, limit))
	}
}

// truncateRunes cuts at a rune boundary so a multi-byte prompt never splits
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

func (v *Validator) validateParams(schema *jsonschema.Schema, raw json.RawMessage, result *Result) {
	if len(raw) == 0 {
		return
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		result.fail("params is not valid JSON")
		return
	}
	if err := schema.Validate(decoded); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			for _, cause := range flatten(ve) {
				result.fail("params: " + cause)
			}
			return
		}
		result.fail("params: " + err.Error())
	}
}

func (r *Result) fail(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flatten collects the leaf causes of a validation error so the caller sees
// "params: /quality: value must be one of ..." instead of the root summary.
func flatten(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		return []string{fmt.Sprintf("%s: %s", ve.InstanceLocation, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}

// NormalizeRedemptionCode uppercases and checks a redemption code against
// the NOTE-XXXX-XXXX-XXXX format.
func NormalizeRedemptionCode(code string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(code))
	if !redemptionCodePattern.MatchString(upper) {
		return "", fmt.Errorf("invalid redemption code format")
	}
	return upper, nil
}
