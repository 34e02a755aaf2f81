package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds a single webhook delivery.
	DefaultTimeout = 10 * time.Second

	DefaultSlackUsername  = "GPU Monitor"
	DefaultSlackIconEmoji = ":desktop_computer:"

	maxErrorBody = 512
)

// SlackConfig configures the webhook sink.
type SlackConfig struct {
	WebhookURL string
	Username   string
	IconEmoji  string
	Timeout    time.Duration
	UserAgent  string
}

// SlackWebhook posts block-formatted messages to an incoming webhook.
type SlackWebhook struct {
	webhookURL string
	username   string
	iconEmoji  string
	userAgent  string
	httpClient *http.Client
}

// SlackMessage is the webhook payload.
type SlackMessage struct {
	Text      string       `json:"text"`
	Blocks    []SlackBlock `json:"blocks"`
	Username  string       `json:"username,omitempty"`
	IconEmoji string       `json:"icon_emoji,omitempty"`
}

// SlackBlock is a section block with a markdown text object.
type SlackBlock struct {
	Type string    `json:"type"`
	Text SlackText `json:"text"`
}

// SlackText is a block text object.
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewSlackWebhook creates the sink. The URL is required.
func NewSlackWebhook(cfg SlackConfig) (*SlackWebhook, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New("slack webhook URL cannot be empty")
	}
	if cfg.Username == "" {
		cfg.Username = DefaultSlackUsername
	}
	if cfg.IconEmoji == "" {
		cfg.IconEmoji = DefaultSlackIconEmoji
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &SlackWebhook{
		webhookURL: cfg.WebhookURL,
		username:   cfg.Username,
		iconEmoji:  cfg.IconEmoji,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Name implements Sink.
func (s *SlackWebhook) Name() string { return "slack" }

// Payload converts a rendered message into the webhook body.
func (s *SlackWebhook) Payload(msg Message) SlackMessage {
	blocks := make([]SlackBlock, 0, len(msg.Sections))
	for _, section := range msg.Sections {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: SlackText{Type: "mrkdwn", Text: section},
		})
	}
	return SlackMessage{
		Text:      msg.Summary,
		Blocks:    blocks,
		Username:  s.username,
		IconEmoji: s.iconEmoji,
	}
}

// Send posts msg once. Any non-2xx response is an error.
func (s *SlackWebhook) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(s.Payload(msg))
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request to slack: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected response status %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return nil
}
