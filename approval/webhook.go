package approval

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/slack-go/slack"
)

const (
	maxCallbackBody = 1 << 20

	responseInChannel = "in_channel"
	responseEphemeral = "ephemeral"
)

// WebhookHandler terminates the chat callback: it verifies the request
// signature, parses the interaction payload, and forwards button actions to
// the workflow. Callbacks for the same request id run one at a time.
type WebhookHandler struct {
	workflow      *Workflow
	signingSecret string
	logger        *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// WebhookOption configures a WebhookHandler.
type WebhookOption func(*WebhookHandler)

// WithWebhookLogger sets the logger.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(h *WebhookHandler) {
		h.logger = logger
	}
}

// NewWebhookHandler wires the chat callback endpoints to the workflow. An
// empty signing secret disables signature verification.
func NewWebhookHandler(workflow *Workflow, signingSecret string, opts ...WebhookOption) *WebhookHandler {
	h := &WebhookHandler{
		workflow:      workflow,
		signingSecret: signingSecret,
		logger:        slog.Default(),
		locks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the callback routes, meant to be mounted under /slack.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/interactive", h.handleInteractive)
	r.Get("/health", h.handleHealth)
	r.Get("/stats", h.handleStats)
	return r
}

func (h *WebhookHandler) handleInteractive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	if h.signingSecret != "" {
		if err := h.verifySignature(r.Header, body); err != nil {
			h.logger.Warn("Rejected chat callback", "error", err)
			writeJSONError(w, http.StatusUnauthorized, "Invalid request signature")
			return
		}
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "No payload provided")
		return
	}
	payload := form.Get("payload")
	if payload == "" {
		writeJSONError(w, http.StatusBadRequest, "No payload provided")
		return
	}

	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &callback); err != nil {
		h.logger.Error("Invalid callback payload", "error", err)
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	writeJSON(w, http.StatusOK, h.handleInteraction(&callback))
}

// verifySignature checks the v0 HMAC scheme. The verifier also rejects
// timestamps older than five minutes, which stops replays.
func (h *WebhookHandler) verifySignature(header http.Header, body []byte) error {
	sv, err := slack.NewSecretsVerifier(header, h.signingSecret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

func (h *WebhookHandler) handleInteraction(callback *slack.InteractionCallback) *slack.WebhookMessage {
	actions := callback.ActionCallback.AttachmentActions
	if len(actions) == 0 {
		return &slack.WebhookMessage{Text: "No action specified"}
	}
	action := actions[0]
	requestID := action.Value

	userID := callback.User.ID
	if userID == "" {
		userID = "unknown"
	}
	userName := callback.User.Name
	if userName == "" {
		userName = "Unknown User"
	}

	h.logger.Info("Chat interaction",
		"action", action.Name,
		"user", userName,
		"request_id", requestID)

	lock := h.requestLock(requestID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		h.releaseLock(requestID)
	}()

	switch action.Name {
	case "approve":
		decision, err := h.workflow.Decide(requestID, true, userID, userName, "Approved via Slack")
		if err != nil {
			return errorMessage(err)
		}
		return &slack.WebhookMessage{
			Text:            fmt.Sprintf("✅ Ticket creation approved by %s", userName),
			ResponseType:    responseInChannel,
			ReplaceOriginal: true,
			Attachments: []slack.Attachment{{
				Color:  "good",
				Text:   fmt.Sprintf("Tracker ticket creation approved for request %s", requestID),
				Footer: fmt.Sprintf("Approved by %s at %s", userName, decision.DecidedAt.Format("2006-01-02 15:04:05")),
			}},
		}

	case "reject":
		decision, err := h.workflow.Decide(requestID, false, userID, userName, "Rejected via Slack")
		if err != nil {
			return errorMessage(err)
		}
		return &slack.WebhookMessage{
			Text:            fmt.Sprintf("❌ Ticket creation rejected by %s", userName),
			ResponseType:    responseInChannel,
			ReplaceOriginal: true,
			Attachments: []slack.Attachment{{
				Color:  "danger",
				Text:   fmt.Sprintf("Tracker ticket creation rejected for request %s", requestID),
				Footer: fmt.Sprintf("Rejected by %s at %s", userName, decision.DecidedAt.Format("2006-01-02 15:04:05")),
			}},
		}

	case "details":
		req, ok := h.workflow.Request(requestID)
		if !ok {
			return &slack.WebhookMessage{Text: "Request not found"}
		}
		return &slack.WebhookMessage{
			Text:         fmt.Sprintf("Detailed information for request %s:", requestID),
			ResponseType: responseEphemeral,
			Attachments: []slack.Attachment{{
				Color:      "#36a64f",
				Text:       fmt.Sprintf("```%s```", FormatRequest(req)),
				MarkdownIn: []string{"text"},
			}},
		}

	default:
		return &slack.WebhookMessage{Text: fmt.Sprintf("Unknown action: %s", action.Name)}
	}
}

func (h *WebhookHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "slack_webhook_handler",
		"timestamp": time.Now().UTC(),
	})
}

func (h *WebhookHandler) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.workflow.Statistics())
}

// requestLock returns the mutex serializing callbacks for one request id.
func (h *WebhookHandler) requestLock(id string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()

	lock, ok := h.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		h.locks[id] = lock
	}
	return lock
}

// releaseLock drops the lock entry once the request can no longer change.
func (h *WebhookHandler) releaseLock(id string) {
	req, ok := h.workflow.Request(id)
	if ok && !req.Status.Terminal() {
		return
	}

	h.mu.Lock()
	delete(h.locks, id)
	h.mu.Unlock()
}

// errorMessage sends a decision failure back to the clicker only.
func errorMessage(err error) *slack.WebhookMessage {
	return &slack.WebhookMessage{
		Text:         fmt.Sprintf("Error processing request: %s", err),
		ResponseType: responseEphemeral,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
