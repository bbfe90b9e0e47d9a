package approval_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balakumargv-solx/infra-agent/approval"
	"github.com/balakumargv-solx/infra-agent/fleet"
)

const testSigningSecret = "8f742231b10e8888abcd99yyyzzz85a5"

func pendingWorkflow(t *testing.T) (*approval.Workflow, string) {
	t.Helper()
	w := approval.New()
	id, err := w.Submit(context.Background(), downSummary(t, 4*24*time.Hour), approval.PriorityHigh, time.Hour)
	require.NoError(t, err)
	return w, id
}

func interactionBody(t *testing.T, action, requestID string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"type":        "interactive_message",
		"callback_id": "ticket_approval",
		"user":        map[string]string{"id": "U123", "name": "jane"},
		"actions": []map[string]string{
			{"name": action, "value": requestID, "type": "button"},
		},
	})
	require.NoError(t, err)
	return url.Values{"payload": {string(payload)}}.Encode()
}

func signHeaders(req *http.Request, secret, body string, at time.Time) {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
}

func postInteraction(h *approval.WebhookHandler, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/interactive", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if secret != "" {
		signHeaders(req, secret, body, time.Now())
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

type chatResponse struct {
	Text            string `json:"text"`
	ResponseType    string `json:"response_type"`
	ReplaceOriginal bool   `json:"replace_original"`
	Attachments     []struct {
		Color  string `json:"color"`
		Text   string `json:"text"`
		Footer string `json:"footer"`
	} `json:"attachments"`
}

func decodeChatResponse(t *testing.T, rec *httptest.ResponseRecorder) chatResponse {
	t.Helper()
	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestWebhookApprove(t *testing.T) {
	w, id := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, testSigningSecret)

	rec := postInteraction(h, testSigningSecret, interactionBody(t, "approve", id))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeChatResponse(t, rec)
	assert.Equal(t, "✅ Ticket creation approved by jane", resp.Text)
	assert.Equal(t, "in_channel", resp.ResponseType)
	assert.True(t, resp.ReplaceOriginal)
	require.Len(t, resp.Attachments, 1)
	assert.Equal(t, "good", resp.Attachments[0].Color)
	assert.Contains(t, resp.Attachments[0].Text, id)
	assert.Contains(t, resp.Attachments[0].Footer, "Approved by jane")

	req, ok := w.Request(id)
	require.True(t, ok)
	assert.Equal(t, fleet.ApprovalApproved, req.Status)
	assert.Equal(t, "jane", req.Approver)
	assert.Equal(t, "Approved via Slack", req.Comments)
}

func TestWebhookReject(t *testing.T) {
	w, id := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, testSigningSecret)

	rec := postInteraction(h, testSigningSecret, interactionBody(t, "reject", id))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeChatResponse(t, rec)
	assert.Equal(t, "❌ Ticket creation rejected by jane", resp.Text)
	assert.Equal(t, "in_channel", resp.ResponseType)
	require.Len(t, resp.Attachments, 1)
	assert.Equal(t, "danger", resp.Attachments[0].Color)

	req, ok := w.Request(id)
	require.True(t, ok)
	assert.Equal(t, fleet.ApprovalRejected, req.Status)
	assert.Equal(t, "Rejected via Slack", req.Comments)
}

func TestWebhookDetails(t *testing.T) {
	w, id := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, testSigningSecret)

	rec := postInteraction(h, testSigningSecret, interactionBody(t, "details", id))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeChatResponse(t, rec)
	assert.Equal(t, fmt.Sprintf("Detailed information for request %s:", id), resp.Text)
	assert.Equal(t, "ephemeral", resp.ResponseType)
	require.Len(t, resp.Attachments, 1)
	assert.Contains(t, resp.Attachments[0].Text, "APPROVAL REQUEST")
	assert.Contains(t, resp.Attachments[0].Text, "vessel-001")

	// Looking at details settles nothing.
	req, ok := w.Request(id)
	require.True(t, ok)
	assert.Equal(t, fleet.ApprovalPending, req.Status)
}

func TestWebhookDoubleDecision(t *testing.T) {
	w, id := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, testSigningSecret)

	rec := postInteraction(h, testSigningSecret, interactionBody(t, "approve", id))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postInteraction(h, testSigningSecret, interactionBody(t, "reject", id))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeChatResponse(t, rec)
	assert.Equal(t, "ephemeral", resp.ResponseType)
	assert.Contains(t, resp.Text, "already decided")

	// The first click won.
	req, ok := w.Request(id)
	require.True(t, ok)
	assert.Equal(t, fleet.ApprovalApproved, req.Status)
}

func TestWebhookUnknownRequest(t *testing.T) {
	w, _ := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, testSigningSecret)

	rec := postInteraction(h, testSigningSecret, interactionBody(t, "approve", "no-such-request"))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeChatResponse(t, rec)
	assert.Equal(t, "ephemeral", resp.ResponseType)
	assert.Contains(t, resp.Text, "not found")
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	w, id := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, testSigningSecret)

	rec := postInteraction(h, "wrong-secret", interactionBody(t, "approve", id))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Invalid request signature", body["error"])

	req, ok := w.Request(id)
	require.True(t, ok)
	assert.Equal(t, fleet.ApprovalPending, req.Status)
}

func TestWebhookRejectsStaleTimestamp(t *testing.T) {
	w, id := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, testSigningSecret)

	body := interactionBody(t, "approve", id)
	req := httptest.NewRequest(http.MethodPost, "/interactive", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	signHeaders(req, testSigningSecret, body, time.Now().Add(-10*time.Minute))

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookMissingPayload(t *testing.T) {
	w, _ := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, testSigningSecret)

	rec := postInteraction(h, testSigningSecret, "foo=bar")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "No payload provided", body["error"])

	rec = postInteraction(h, testSigningSecret, url.Values{"payload": {"{not json"}}.Encode())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Invalid JSON payload", body["error"])
}

func TestWebhookNoSecretSkipsVerification(t *testing.T) {
	w, id := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, "")

	rec := postInteraction(h, "", interactionBody(t, "approve", id))
	require.Equal(t, http.StatusOK, rec.Code)

	req, ok := w.Request(id)
	require.True(t, ok)
	assert.Equal(t, fleet.ApprovalApproved, req.Status)
}

func TestWebhookNoAction(t *testing.T) {
	w, _ := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, testSigningSecret)

	payload, err := json.Marshal(map[string]any{
		"type":    "interactive_message",
		"user":    map[string]string{"id": "U123", "name": "jane"},
		"actions": []map[string]string{},
	})
	require.NoError(t, err)

	rec := postInteraction(h, testSigningSecret, url.Values{"payload": {string(payload)}}.Encode())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "No action specified", decodeChatResponse(t, rec).Text)
}

func TestWebhookUnknownAction(t *testing.T) {
	w, id := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, testSigningSecret)

	rec := postInteraction(h, testSigningSecret, interactionBody(t, "snooze", id))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Unknown action: snooze", decodeChatResponse(t, rec).Text)
}

func TestWebhookHealthAndStats(t *testing.T) {
	w, _ := pendingWorkflow(t)
	h := approval.NewWebhookHandler(w, testSigningSecret)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		TotalRequests  int `json:"total_requests"`
		DecisionCounts struct {
			Pending int `json:"pending"`
		} `json:"decision_counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 1, stats.DecisionCounts.Pending)
}
