// Package notify implements out.NotificationSender against a Slack
// incoming webhook, the spike detector's alert channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/httputil"
)

// SlackAdapter implements out.NotificationSender.
type SlackAdapter struct {
	webhookURL string
	httpClient *http.Client
}

func NewSlackAdapter(webhookURL string) out.NotificationSender {
	return &SlackAdapter{webhookURL: webhookURL, httpClient: httputil.DefaultClient()}
}

type slackMessage struct {
	Text string `json:"text"`
}

func (a *SlackAdapter) NotifySpike(ctx context.Context, payload out.SpikeAlertPayload) error {
	if a.webhookURL == "" {
		return nil
	}

	text := fmt.Sprintf(
		"*Sending volume spike detected*\nUser: %s (%s)\nCurrent: %d  Daily average: %.1f  Multiplier: %.2fx\nDetected at: %s",
		payload.Name, payload.Email, payload.CurrentCount, payload.DailyAverage, payload.Multiplier,
		payload.DetectedAt.Format("2006-01-02 15:04:05 MST"),
	)

	body, err := json.Marshal(slackMessage{Text: text})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
