package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordWebhook posts notifications as embeds to a Discord webhook.
type DiscordWebhook struct {
	url        string
	httpClient *http.Client
}

var _ Sink = (*DiscordWebhook)(nil)

func NewDiscordWebhook(url string) *DiscordWebhook {
	return &DiscordWebhook{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordWebhook) Name() string { return "discord" }

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	URL         string              `json:"url,omitempty"`
	Color       int                 `json:"color"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

const (
	colorGreen  = 0x2ecc71
	colorRed    = 0xe74c3c
	colorOrange = 0xe67e22
)

func (d *DiscordWebhook) Deliver(ctx context.Context, p *Payload) error {
	embed := discordEmbed{Description: p.Message}
	switch p.Event {
	case EventJobCompleted:
		embed.Title = "Generation complete"
		embed.Color = colorGreen
		embed.URL = p.ResultURL
		if p.CreditsUsed != nil {
			embed.Fields = append(embed.Fields, discordEmbedField{
				Name: "Credits used", Value: fmt.Sprintf("%d", *p.CreditsUsed), Inline: true,
			})
		}
		if p.SharePostURL != "" {
			embed.Fields = append(embed.Fields, discordEmbedField{
				Name: "Share", Value: p.SharePostURL,
			})
		}
	case EventJobFailed:
		embed.Title = "Generation failed"
		embed.Color = colorRed
	case EventJobCancelled:
		embed.Title = "Generation cancelled"
		embed.Color = colorOrange
	case EventLowBalance:
		embed.Title = "Credits running low"
		embed.Color = colorOrange
	default:
		embed.Title = p.Event
		embed.Color = colorOrange
	}
	if p.JobID != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{
			Name: "Job", Value: p.JobID, Inline: true,
		})
	}

	raw, err := json.Marshal(discordMessage{Embeds: []discordEmbed{embed}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
