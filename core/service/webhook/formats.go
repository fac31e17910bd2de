package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// discordPayload flattens the canonical envelope into Discord's
// embed-message schema.
type discordPayload struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Fields      []discordEmbedField `json:"fields"`
	Timestamp   string              `json:"timestamp"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func buildDiscordPayload(env envelope) []byte {
	description := env.Email.CleanedContent.Text
	if len(description) > 2000 {
		description = description[:2000] + "…"
	}
	payload := discordPayload{
		Content: fmt.Sprintf("New email received from %s", env.Email.From),
		Embeds: []discordEmbed{{
			Title:       truncate(env.Email.Subject, 256),
			Description: description,
			Timestamp:   env.Timestamp,
			Fields: []discordEmbedField{
				{Name: "From", Value: env.Email.From, Inline: true},
				{Name: "To", Value: env.Email.To, Inline: true},
			},
		}},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"content":"failed to render email notification"}`)
	}
	return encoded
}

// slackPayload flattens the canonical envelope into Slack's
// blocks-message schema.
type slackPayload struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string    `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func buildSlackPayload(env envelope) []byte {
	body := env.Email.CleanedContent.Text
	if len(body) > 3000 {
		body = body[:3000] + "…"
	}
	text := fmt.Sprintf("*New email received*\n*From:* %s\n*To:* %s\n*Subject:* %s\n\n%s",
		env.Email.From, env.Email.To, env.Email.Subject, body)

	payload := slackPayload{
		Blocks: []slackBlock{{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: text},
		}},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"text":"failed to render email notification"}`)
	}
	return encoded
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
