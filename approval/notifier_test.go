package approval_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balakumargv-solx/infra-agent/approval"
	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/ticketing"
)

func TestSlackNotifierPayload(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := approval.NewSlackNotifier(approval.SlackConfig{WebhookURL: srv.URL})
	require.NoError(t, err)

	summary, err := ticketing.NewIssueSummary("vessel-001", fleet.RoleServer, 8*24*time.Hour, strings.Repeat("x", 600))
	require.NoError(t, err)

	requested := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	req := approval.Request{
		ID:          "req-123",
		Summary:     summary,
		Priority:    approval.PriorityUrgent,
		Status:      fleet.ApprovalPending,
		RequestedAt: requested,
	}
	require.NoError(t, n.Notify(context.Background(), req))

	var msg struct {
		Channel     string `json:"channel"`
		Username    string `json:"username"`
		IconEmoji   string `json:"icon_emoji"`
		Attachments []struct {
			Color  string `json:"color"`
			Title  string `json:"title"`
			Fields []struct {
				Title string `json:"title"`
				Value string `json:"value"`
				Short bool   `json:"short"`
			} `json:"fields"`
			Actions []struct {
				Name    string `json:"name"`
				Text    string `json:"text"`
				Style   string `json:"style"`
				Value   string `json:"value"`
				Confirm *struct {
					Title  string `json:"title"`
					OkText string `json:"ok_text"`
				} `json:"confirm"`
			} `json:"actions"`
			Footer string      `json:"footer"`
			Ts     json.Number `json:"ts"`
		} `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(captured, &msg))

	assert.Equal(t, "#infrastructure-alerts", msg.Channel)
	assert.Equal(t, "Infrastructure Monitor", msg.Username)
	assert.Equal(t, ":warning:", msg.IconEmoji)

	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "#ff0000", att.Color)
	assert.Contains(t, att.Title, "Approval Required [URGENT]")
	assert.Equal(t, "Infrastructure Monitoring Agent", att.Footer)
	assert.Equal(t, json.Number(strconv.FormatInt(requested.Unix(), 10)), att.Ts)

	titles := make([]string, 0, len(att.Fields))
	for _, field := range att.Fields {
		titles = append(titles, field.Title)
	}
	assert.Equal(t, []string{"Vessel ID", "Component", "Severity", "Downtime Duration", "Request ID", "Historical Context"}, titles)
	assert.Equal(t, "vessel-001", att.Fields[0].Value)
	assert.Equal(t, "Server", att.Fields[1].Value)
	assert.Equal(t, "Critical", att.Fields[2].Value)
	assert.Equal(t, "8 days", att.Fields[3].Value)
	assert.Equal(t, "req-123", att.Fields[4].Value)

	// The history blurb truncates at 500 characters.
	history := att.Fields[5].Value
	assert.Len(t, history, 503)
	assert.True(t, strings.HasSuffix(history, "..."))

	require.Len(t, att.Actions, 3)
	assert.Equal(t, "approve", att.Actions[0].Name)
	assert.Equal(t, "✅ Approve Ticket", att.Actions[0].Text)
	assert.Equal(t, "primary", att.Actions[0].Style)
	require.NotNil(t, att.Actions[0].Confirm)
	assert.Equal(t, "Yes, Create Ticket", att.Actions[0].Confirm.OkText)

	assert.Equal(t, "reject", att.Actions[1].Name)
	assert.Equal(t, "danger", att.Actions[1].Style)
	require.NotNil(t, att.Actions[1].Confirm)

	assert.Equal(t, "details", att.Actions[2].Name)
	assert.Nil(t, att.Actions[2].Confirm)

	for _, action := range att.Actions {
		assert.Equal(t, "req-123", action.Value)
	}
}

func TestSlackNotifierBreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n, err := approval.NewSlackNotifier(approval.SlackConfig{WebhookURL: srv.URL})
	require.NoError(t, err)

	req := approval.Request{
		ID:          "req-1",
		Summary:     downSummary(t, 4*24*time.Hour),
		Priority:    approval.PriorityLow,
		RequestedAt: time.Now().UTC(),
	}

	for i := 0; i < 3; i++ {
		err := n.Notify(context.Background(), req)
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	// Three consecutive failures trip the breaker; the next post is
	// rejected without touching the webhook.
	err = n.Notify(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestNewSlackNotifierRequiresURL(t *testing.T) {
	_, err := approval.NewSlackNotifier(approval.SlackConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook url")
}

func TestLogNotifierLevels(t *testing.T) {
	var buf bytes.Buffer
	n := approval.NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	summary := downSummary(t, 4*24*time.Hour)

	require.NoError(t, n.Notify(context.Background(), approval.Request{
		ID: "req-urgent", Summary: summary, Priority: approval.PriorityUrgent,
	}))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "req-urgent")

	buf.Reset()
	require.NoError(t, n.Notify(context.Background(), approval.Request{
		ID: "req-low", Summary: summary, Priority: approval.PriorityLow,
	}))
	assert.Contains(t, buf.String(), "level=INFO")
}
