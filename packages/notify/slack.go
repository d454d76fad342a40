package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SlackNotifier sends notifications to Slack via webhook
type SlackNotifier struct {
	webhookURL string
	channel    string
	username   string
	iconEmoji  string
	client     *http.Client
}

// SlackOption is a functional option for SlackNotifier
type SlackOption func(*SlackNotifier)

// WithSlackChannel sets the Slack channel
func WithSlackChannel(channel string) SlackOption {
	return func(s *SlackNotifier) {
		s.channel = channel
	}
}

// WithSlackUsername sets the Slack bot username
func WithSlackUsername(username string) SlackOption {
	return func(s *SlackNotifier) {
		s.username = username
	}
}

// WithSlackIconEmoji sets the Slack bot icon emoji
func WithSlackIconEmoji(emoji string) SlackOption {
	return func(s *SlackNotifier) {
		s.iconEmoji = emoji
	}
}

// WithSlackHTTPClient sets the HTTP client used to post to the webhook
func WithSlackHTTPClient(c *http.Client) SlackOption {
	return func(s *SlackNotifier) {
		s.client = c
	}
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string, opts ...SlackOption) *SlackNotifier {
	s := &SlackNotifier{
		webhookURL: webhookURL,
		username:   "testhub",
		iconEmoji:  ":test_tube:",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the name of the notifier
func (s *SlackNotifier) Name() string {
	return "slack"
}

// slackMessage represents a Slack webhook message
type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

// slackAttachment represents a Slack message attachment
type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	TS     int64        `json:"ts,omitempty"`
}

// slackField represents a field in a Slack attachment
type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Notify posts r as a single attachment with one field per runner.
func (s *SlackNotifier) Notify(ctx context.Context, r *Report) error {
	color := "good"
	emoji := ":white_check_mark:"
	switch {
	case r.Failed > 0:
		color = "danger"
		emoji = ":x:"
	case r.Recovered:
		emoji = ":tada:"
	}

	fields := []slackField{
		{Title: "Passed", Value: fmt.Sprintf("%d", r.Passed), Short: true},
		{Title: "Failed", Value: fmt.Sprintf("%d", r.Failed), Short: true},
		{Title: "Duration", Value: r.Elapsed.Round(time.Millisecond).String(), Short: true},
	}
	for _, rs := range r.Runners {
		value := fmt.Sprintf("%d/%d passed", rs.Passed, rs.Total)
		if rs.Incomplete {
			value += " (incomplete)"
		}
		fields = append(fields, slackField{Title: rs.Label, Value: value, Short: true})
	}

	var text strings.Builder
	if len(r.Failures) > 0 {
		text.WriteString("*Failed tests:*\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&text, "• [%s] `%s`", f.Runner, f.Name)
			if f.Message != "" {
				fmt.Fprintf(&text, ": %s", f.Message)
			}
			text.WriteString("\n")
		}
		if r.Truncated > 0 {
			fmt.Fprintf(&text, "…and %d more\n", r.Truncated)
		}
	}

	msg := slackMessage{
		Channel:   s.channel,
		Username:  s.username,
		IconEmoji: s.iconEmoji,
		Attachments: []slackAttachment{{
			Color:  color,
			Title:  fmt.Sprintf("%s %s", emoji, r.headline()),
			Text:   text.String(),
			Fields: fields,
			Footer: "testhub run " + r.RunID,
			TS:     time.Now().Unix(),
		}},
	}
	return s.send(ctx, msg)
}

func (s *SlackNotifier) send(ctx context.Context, msg slackMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack API returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
