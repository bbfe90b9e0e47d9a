package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"

	"github.com/balakumargv-solx/infra-agent/ticketing"
)

// Attachment colors by request priority.
const (
	colorUrgent = "#ff0000"
	colorHigh   = "#ff8c00"
	colorNormal = "#ffff00"
	colorLow    = "#00ff00"
)

// SlackConfig configures the outbound chat channel.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
}

// SlackNotifier posts approval requests to a chat webhook with interactive
// approve/reject buttons. Posts run through a circuit breaker so a dead
// webhook endpoint cannot stall submissions for long.
type SlackNotifier struct {
	cfg        SlackConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// SlackOption configures a SlackNotifier.
type SlackOption func(*SlackNotifier)

// WithSlackHTTPClient replaces the default HTTP client.
func WithSlackHTTPClient(client *http.Client) SlackOption {
	return func(n *SlackNotifier) {
		n.httpClient = client
	}
}

// WithSlackLogger sets the logger.
func WithSlackLogger(logger *slog.Logger) SlackOption {
	return func(n *SlackNotifier) {
		n.logger = logger
	}
}

// NewSlackNotifier creates a notifier for the given webhook. The breaker
// opens after three consecutive failures and probes again after 30 seconds.
func NewSlackNotifier(cfg SlackConfig, opts ...SlackOption) (*SlackNotifier, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil, fmt.Errorf("slack notifier: webhook url is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = "#infrastructure-alerts"
	}
	if cfg.Username == "" {
		cfg.Username = "Infrastructure Monitor"
	}
	if cfg.IconEmoji == "" {
		cfg.IconEmoji = ":warning:"
	}

	n := &SlackNotifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "slack-notifier",
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warn("Notifier circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return n, nil
}

// Notify posts the request with approve, reject, and details buttons. Each
// button value carries the request id back through the webhook handler.
func (n *SlackNotifier) Notify(ctx context.Context, req Request) error {
	msg := n.message(req)
	_, err := n.breaker.Execute(func() (any, error) {
		return nil, slack.PostWebhookCustomHTTPContext(ctx, n.cfg.WebhookURL, n.httpClient, msg)
	})
	if err != nil {
		return fmt.Errorf("post chat notification: %w", err)
	}

	n.logger.Info("Sent chat notification",
		"request_id", req.ID,
		"priority", req.Priority)
	return nil
}

func (n *SlackNotifier) message(req Request) *slack.WebhookMessage {
	issue := req.Summary

	// Chat messages cap the history blurb; the full text stays on the request.
	history := issue.HistoricalContext
	if len(history) > 500 {
		history = history[:500] + "..."
	}

	attachment := slack.Attachment{
		Color:      priorityColor(req.Priority),
		Title:      fmt.Sprintf("🚨 Infrastructure Alert - Approval Required [%s]", strings.ToUpper(string(req.Priority))),
		TitleLink:  fmt.Sprintf("#approval-%s", req.ID),
		CallbackID: "ticket_approval",
		Fields: []slack.AttachmentField{
			{Title: "Vessel ID", Value: issue.VesselID, Short: true},
			{Title: "Component", Value: issue.Role.DisplayName(), Short: true},
			{Title: "Severity", Value: capitalize(string(issue.Severity)), Short: true},
			{Title: "Downtime Duration", Value: ticketing.FormatDuration(issue.DowntimeDuration), Short: true},
			{Title: "Request ID", Value: req.ID, Short: false},
			{Title: "Historical Context", Value: history, Short: false},
		},
		Actions: []slack.AttachmentAction{
			{
				Name:  "approve",
				Text:  "✅ Approve Ticket",
				Type:  "button",
				Value: req.ID,
				Style: "primary",
				Confirm: &slack.ConfirmationField{
					Title:       "Approve Ticket Creation",
					Text:        fmt.Sprintf("Create tracker ticket for Vessel %s %s issue?", issue.VesselID, issue.Role.DisplayName()),
					OkText:      "Yes, Create Ticket",
					DismissText: "Cancel",
				},
			},
			{
				Name:  "reject",
				Text:  "❌ Reject",
				Type:  "button",
				Value: req.ID,
				Style: "danger",
				Confirm: &slack.ConfirmationField{
					Title:       "Reject Ticket Creation",
					Text:        "Are you sure you want to reject this ticket creation request?",
					OkText:      "Yes, Reject",
					DismissText: "Cancel",
				},
			},
			{
				Name:  "details",
				Text:  "ℹ️ More Details",
				Type:  "button",
				Value: req.ID,
			},
		},
		Footer: "Infrastructure Monitoring Agent",
		Ts:     json.Number(strconv.FormatInt(req.RequestedAt.Unix(), 10)),
	}

	return &slack.WebhookMessage{
		Channel:     n.cfg.Channel,
		Username:    n.cfg.Username,
		IconEmoji:   n.cfg.IconEmoji,
		Attachments: []slack.Attachment{attachment},
	}
}

func priorityColor(p Priority) string {
	switch p {
	case PriorityUrgent:
		return colorUrgent
	case PriorityHigh:
		return colorHigh
	case PriorityLow:
		return colorLow
	default:
		return colorNormal
	}
}

// LogNotifier announces requests through the logger. It is the fallback when
// no chat webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify writes the request to the log, at warning level for high and
// urgent priorities.
func (n *LogNotifier) Notify(_ context.Context, req Request) error {
	logFn := n.logger.Info
	if req.Priority == PriorityHigh || req.Priority == PriorityUrgent {
		logFn = n.logger.Warn
	}
	logFn("Approval required",
		"request_id", req.ID,
		"priority", req.Priority,
		"vessel_id", req.Summary.VesselID,
		"component", req.Summary.Role,
		"downtime", ticketing.FormatDuration(req.Summary.DowntimeDuration))
	return nil
}
