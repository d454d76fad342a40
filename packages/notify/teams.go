package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TeamsNotifier sends notifications to Microsoft Teams via webhook
type TeamsNotifier struct {
	webhookURL string
	client     *http.Client
}

// TeamsOption is a functional option for TeamsNotifier
type TeamsOption func(*TeamsNotifier)

// WithTeamsHTTPClient sets the HTTP client used to post to the webhook
func WithTeamsHTTPClient(c *http.Client) TeamsOption {
	return func(t *TeamsNotifier) {
		t.client = c
	}
}

// NewTeamsNotifier creates a new Teams notifier
func NewTeamsNotifier(webhookURL string, opts ...TeamsOption) *TeamsNotifier {
	t := &TeamsNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the name of the notifier
func (t *TeamsNotifier) Name() string {
	return "teams"
}

// teamsMessage wraps one Adaptive Card.
type teamsMessage struct {
	Type        string      `json:"type"`
	Attachments []teamsCard `json:"attachments"`
}

type teamsCard struct {
	ContentType string           `json:"contentType"`
	ContentURL  *string          `json:"contentUrl"`
	Content     teamsCardContent `json:"content"`
}

type teamsCardContent struct {
	Schema  string       `json:"$schema"`
	Type    string       `json:"type"`
	Version string       `json:"version"`
	Body    []teamsBlock `json:"body"`
}

type teamsBlock struct {
	Type      string      `json:"type"`
	Size      string      `json:"size,omitempty"`
	Weight    string      `json:"weight,omitempty"`
	Text      string      `json:"text,omitempty"`
	Color     string      `json:"color,omitempty"`
	Wrap      bool        `json:"wrap,omitempty"`
	Facts     []teamsFact `json:"facts,omitempty"`
	Spacing   string      `json:"spacing,omitempty"`
	Separator bool        `json:"separator,omitempty"`
}

type teamsFact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// Notify posts r as an Adaptive Card: headline, totals, per-runner facts and failures.
func (t *TeamsNotifier) Notify(ctx context.Context, r *Report) error {
	color := "good"
	if r.Failed > 0 {
		color = "attention"
	}

	totals := []teamsFact{
		{Title: "Passed", Value: fmt.Sprintf("%d", r.Passed)},
		{Title: "Failed", Value: fmt.Sprintf("%d", r.Failed)},
		{Title: "Duration", Value: r.Elapsed.Round(time.Millisecond).String()},
	}
	body := []teamsBlock{
		{Type: "TextBlock", Size: "Large", Weight: "Bolder", Text: r.headline(), Color: color},
		{Type: "FactSet", Facts: totals, Separator: true, Spacing: "Medium"},
	}

	if len(r.Runners) > 0 {
		runners := make([]teamsFact, 0, len(r.Runners))
		for _, rs := range r.Runners {
			value := fmt.Sprintf("%d/%d passed", rs.Passed, rs.Total)
			if rs.Incomplete {
				value += " (incomplete)"
			}
			runners = append(runners, teamsFact{Title: rs.Label, Value: value})
		}
		body = append(body, teamsBlock{Type: "FactSet", Facts: runners, Separator: true})
	}

	if len(r.Failures) > 0 {
		body = append(body, teamsBlock{Type: "TextBlock", Text: "**Failed Tests:**", Separator: true, Spacing: "Medium"})
		for _, f := range r.Failures {
			text := fmt.Sprintf("- [%s] `%s`", f.Runner, f.Name)
			if f.Message != "" {
				text += ": " + f.Message
			}
			body = append(body, teamsBlock{Type: "TextBlock", Text: text, Wrap: true})
		}
		if r.Truncated > 0 {
			body = append(body, teamsBlock{Type: "TextBlock", Text: fmt.Sprintf("_and %d more_", r.Truncated)})
		}
	}

	body = append(body, teamsBlock{
		Type:      "TextBlock",
		Text:      fmt.Sprintf("_testhub run %s - %s_", r.RunID, time.Now().Format(time.RFC3339)),
		Separator: true,
	})

	msg := teamsMessage{
		Type: "message",
		Attachments: []teamsCard{{
			ContentType: "application/vnd.microsoft.card.adaptive",
			Content: teamsCardContent{
				Schema:  "http://adaptivecards.io/schemas/adaptive-card.json",
				Type:    "AdaptiveCard",
				Version: "1.2",
				Body:    body,
			},
		}},
	}
	return t.send(ctx, msg)
}

func (t *TeamsNotifier) send(ctx context.Context, msg teamsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal Teams message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Teams notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("teams API returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
