// Package pricing holds the model catalog and credit cost estimation. Rates
// are in credits per generation before multipliers; the final estimate is
// always rounded up so a reservation can never undershoot the real cost
// by rounding.
package pricing

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// defaultRate covers models that are callable but missing from the catalog.
const defaultRate = 5.0

// imageRates are base credit rates per image generation.
var imageRates = map[string]float64{
	"replicate/anime-style":                     0.23,
	"replicate/vintedois-diffusion":             0.23,
	"replicate/classic":                         1.15,
	"minimax/image-01":                          3.5,
	"amazon/titan-image-generator-v1_standard":  8,
	"amazon/titan-image-generator-v1_premium":   10,
	"leonardo/lightning-xl":                     11,
	"leonardo/anime-xl":                         11,
	"leonardo/phoenix":                          14,
	"leonardo/kino-xl":                          14,
	"leonardo/vision-xl":                        14,
	"leonardo/diffusion-xl":                     15,
	"leonardo/albedobase-xl":                    16,
	"openai/dall-e-2":                           16,
	"leonardo/sdxl-0.9":                         17,
	"bytedance/seedream-3-0-t2i":                30,
	"openai/dall-e-3":                           40,
	"stabilityai/stable-diffusion-v1-6":         10,
	"stabilityai/stable-diffusion-xl":           15,
}

// videoRates are base credit rates per video generation at the reference
// duration of 8 seconds.
var videoRates = map[string]float64{
	"minimax/T2V/I2V-01-Director":    430,
	"amazon/amazon.nova-reel-v1:0":   500,
	"minimax/MiniMax-Hailuo-02":      560,
	"minimax/S2V-01":                 650,
	"bytedance/seedance-lite":        1800,
	"bytedance/seedance-pro":         2250,
	"google/veo-3.0-generate-preview": 6000,
}

var qualityMultipliers = map[string]float64{
	"standard": 1.0,
	"hd":       1.5,
	"ultra":    2.0,
}

var sizeMultipliers = map[string]float64{
	"256x256":   0.5,
	"512x512":   0.7,
	"768x768":   1.0,
	"1024x1024": 1.0,
	"1024x768":  1.0,
	"768x1024":  1.0,
	"1152x896":  1.2,
	"896x1152":  1.2,
	"1792x1024": 1.5,
	"1024x1792": 1.5,
}

// videoDurationMultipliers scale the base rate by clip length in seconds.
// Unlisted durations fall back to duration/8.
var videoDurationMultipliers = map[int]float64{
	2: 0.3,
	3: 0.4,
	4: 0.5,
	5: 0.7,
	6: 0.8,
	7: 0.9,
	8: 1.0,
}

// maxPromptLengths caps prompt length per model; prompts past the cap get
// truncated with a warning rather than rejected. DefaultMaxPromptLength
// covers models not listed.
var maxPromptLengths = map[string]int{
	"openai/dall-e-3":            4000,
	"openai/dall-e-2":            2000,
	"minimax/image-01":           1500,
	"leonardo/lightning-xl":      1200,
	"leonardo/anime-xl":          1200,
	"bytedance/seedream-3-0-t2i": 2000,
}

const (
	DefaultMaxPromptLength      = 1000
	DefaultVideoMaxPromptLength = 500
)

// ImageParams are the cost-relevant generation options for images.
type ImageParams struct {
	Quantity int    `json:"quantity,omitempty"`
	Size     string `json:"size,omitempty"`
	Quality  string `json:"quality,omitempty"`
	Style    string `json:"style,omitempty"`
}

// VideoParams are the cost-relevant generation options for video.
type VideoParams struct {
	Duration   int    `json:"duration,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	FPS        int    `json:"fps,omitempty"`
}

// Estimate is a cost estimate with its multiplier breakdown.
type Estimate struct {
	BaseRate   float64            `json:"base_rate"`
	TotalCost  int64              `json:"total_cost"`
	Multiplier map[string]float64 `json:"multipliers,omitempty"`
}

// KnownModel reports whether the model is in the catalog for the given type.
func KnownModel(jobType, model string) bool {
	switch jobType {
	case "image":
		_, ok := imageRates[model]
		return ok
	case "video":
		_, ok := videoRates[model]
		return ok
	}
	return false
}

// EstimateCost computes the credit cost of one generation from its type,
// model and raw params. Unknown models cost the default rate; unknown types
// are an error in validation, not here, so they also fall back to it.
func EstimateCost(jobType, model string, rawParams json.RawMessage) *Estimate {
	switch jobType {
	case "image":
		var p ImageParams
		if rawParams != nil {
			_ = json.Unmarshal(rawParams, &p)
		}
		return estimateImage(model, p)
	case "video":
		var p VideoParams
		if rawParams != nil {
			_ = json.Unmarshal(rawParams, &p)
		}
		return estimateVideo(model, p)
	default:
		return &Estimate{BaseRate: defaultRate, TotalCost: int64(defaultRate)}
	}
}

func estimateImage(model string, p ImageParams) *Estimate {
	rate, ok := imageRates[model]
	if !ok {
		rate = defaultRate
	}
	quantity := p.Quantity
	if quantity < 1 {
		quantity = 1
	}
	size := 1.0
	if m, ok := sizeMultipliers[p.Size]; ok {
		size = m
	}
	quality := 1.0
	if m, ok := qualityMultipliers[p.Quality]; ok {
		quality = m
	}
	style := 1.0
	if p.Style == "vivid" {
		style = 1.2
	}
	total := int64(math.Ceil(rate * float64(quantity) * size * quality * style))
	return &Estimate{
		BaseRate:  rate,
		TotalCost: total,
		Multiplier: map[string]float64{
			"quantity": float64(quantity),
			"size":     size,
			"quality":  quality,
			"style":    style,
		},
	}
}

func estimateVideo(model string, p VideoParams) *Estimate {
	rate, ok := videoRates[model]
	if !ok {
		rate = defaultRate
	}
	duration := p.Duration
	if duration <= 0 {
		duration = 4
	}
	dur, ok := videoDurationMultipliers[duration]
	if !ok {
		dur = float64(duration) / 8.0
	}
	fps := 1.0
	if p.FPS > 24 {
		fps = float64(p.FPS) / 24.0
	}
	res := resolutionMultiplier(p.Resolution)
	total := int64(math.Ceil(rate * dur * res * fps))
	return &Estimate{
		BaseRate:  rate,
		TotalCost: total,
		Multiplier: map[string]float64{
			"duration":   dur,
			"resolution": res,
			"fps":        fps,
		},
	}
}

// resolutionMultiplier scales by pixel count against a 1280x768 reference,
// floored at 0.5.
func resolutionMultiplier(resolution string) float64 {
	var w, h int
	if n, err := fmt.Sscanf(resolution, "%dx%d", &w, &h); err != nil || n != 2 || w <= 0 || h <= 0 {
		return 1.0
	}
	const basePixels = 1280 * 768
	return math.Max(0.5, float64(w*h)/float64(basePixels))
}

// MaxPromptLength returns the prompt cap for a model.
func MaxPromptLength(jobType, model string) int {
	if n, ok := maxPromptLengths[model]; ok {
		return n
	}
	if jobType == "video" {
		return DefaultVideoMaxPromptLength
	}
	return DefaultMaxPromptLength
}

// estimatedSeconds is a rough per-model completion ETA shown to callers at
// submission time.
var estimatedSeconds = map[string]int{
	"openai/dall-e-3":                 60,
	"openai/dall-e-2":                 30,
	"stabilityai/stable-diffusion-xl": 45,
	"stabilityai/stable-diffusion-v1-6": 20,
	"replicate/anime-style":           15,
}

// EstimatedDuration returns a best-effort ETA for a generation.
func EstimatedDuration(jobType, model string) time.Duration {
	if s, ok := estimatedSeconds[model]; ok {
		return time.Duration(s) * time.Second
	}
	if jobType == "video" {
		return 5 * time.Minute
	}
	return 30 * time.Second
}

// AffordableQuantity returns how many generations of this shape the given
// balance can pay for.
func AffordableQuantity(jobType, model string, available int64, rawParams json.RawMessage) (maxQuantity, costPerItem int64) {
	est := EstimateCost(jobType, model, rawParams)
	if est.TotalCost <= 0 {
		return 0, est.TotalCost
	}
	return available / est.TotalCost, est.TotalCost
}

// Models lists catalog models for a type, for the pricing endpoint.
func Models(jobType string) map[string]float64 {
	var src map[string]float64
	switch jobType {
	case "image":
		src = imageRates
	case "video":
		src = videoRates
	default:
		return nil
	}
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
