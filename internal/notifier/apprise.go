package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/types"
	"github.com/sepwatch/sepwatch/internal/version"
)

const queueSize = 256

// Notifier handles sending alerts via the Apprise API
type Notifier struct {
	logger   zerolog.Logger
	client   *http.Client
	channels map[string]config.ChannelConfig
	apiURL   string
	queue    chan job
}

type job struct {
	alert    types.Alert
	event    string
	channels []string
}

// Channel represents a resolved notification channel
type Channel struct {
	Name string
	URL  string
}

// NewNotifier creates a new Apprise notifier. An empty apiURL logs
// notifications instead of sending them.
func NewNotifier(channels map[string]config.ChannelConfig, apiURL string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		logger: logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		channels: channels,
		apiURL:   strings.TrimRight(apiURL, "/"),
		queue:    make(chan job, queueSize),
	}
}

// Start delivers queued notifications until ctx is cancelled
func (n *Notifier) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-n.queue:
			if err := n.SendAlert(&j.alert, j.event, j.channels); err != nil {
				n.logger.Error().Err(err).Str("alert_id", j.alert.ID).Msg("Failed to send alert notification")
			}
		}
	}
}

// Enqueue schedules a notification without blocking. When the queue is
// full the notification is dropped.
func (n *Notifier) Enqueue(alert types.Alert, event string, channels []string) {
	select {
	case n.queue <- job{alert: alert, event: event, channels: channels}:
	default:
		n.logger.Warn().
			Str("alert_id", alert.ID).
			Str("event", event).
			Msg("Notification queue full, dropping")
	}
}

// SendAlert sends an alert to the specified channels. Failures on one
// channel do not stop delivery to the others.
func (n *Notifier) SendAlert(alert *types.Alert, event string, channelNames []string) error {
	channels := make([]Channel, 0, len(channelNames))
	for _, name := range channelNames {
		ch, ok := n.channels[name]
		if !ok {
			n.logger.Warn().Str("channel", name).Msg("Unknown channel, skipping")
			continue
		}
		url := os.Getenv(ch.URLEnv)
		if url == "" {
			n.logger.Warn().
				Str("channel", name).
				Str("env", ch.URLEnv).
				Msg("Channel URL not found, skipping")
			continue
		}
		channels = append(channels, Channel{Name: name, URL: url})
	}

	title, body := n.formatMessage(alert, event)

	var failed []string
	for _, channel := range channels {
		if err := n.sendToApprise(channel.URL, title, body); err != nil {
			n.logger.Error().
				Err(err).
				Str("channel", channel.Name).
				Msg("Failed to send notification")
			failed = append(failed, channel.Name)
			continue
		}
		n.logger.Info().
			Str("channel", channel.Name).
			Str("alert_id", alert.ID).
			Str("event", event).
			Msg("Notification sent")
	}

	if len(failed) > 0 {
		return fmt.Errorf("notification failed on channels: %s", strings.Join(failed, ", "))
	}
	return nil
}

// formatMessage formats an alert into a notification title and body
func (n *Notifier) formatMessage(alert *types.Alert, event string) (string, string) {
	var emoji string
	switch alert.Priority {
	case types.PriorityEmergency, types.PriorityCritical:
		emoji = "🔴"
	case types.PriorityHigh:
		emoji = "⚠️"
	default:
		emoji = "ℹ️"
	}

	title := fmt.Sprintf("%s sepwatch %s alert (%s)", emoji, alert.Priority, event)
	body := fmt.Sprintf("%s\n\nSource: %s %s\nPriority: %s\nRaised: %s",
		alert.Message, alert.Source.Kind, alert.Source.Ref, alert.Priority, alert.CreatedAt.Format(time.RFC3339))
	if alert.Escalated {
		body += "\nNo validated resolution: priority escalated"
	}
	return title, body
}

// sendToApprise posts a message to the Apprise API stateless notify
// endpoint: POST {api}/notify/{service-url}
func (n *Notifier) sendToApprise(url, title, body string) error {
	payload := map[string]string{
		"title":  title,
		"body":   body,
		"format": "text",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if n.apiURL == "" {
		n.logger.Info().
			Str("url", url).
			Str("title", title).
			Msg("Would send notification (Apprise not configured)")
		return nil
	}

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/notify/%s", n.apiURL, url), bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("apprise API error: %d - %s", resp.StatusCode, string(respBody))
	}

	return nil
}
