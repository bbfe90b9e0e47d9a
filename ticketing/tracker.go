package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
)

// trackerMaxBody limits tracker response bodies.
const trackerMaxBody = 4 * 1024 * 1024 // 4MB

// Tracker-side issue statuses counted as open for duplicate checks.
var openIssueStatuses = []string{"Open", "In Progress", "Reopened"}

// ErrTrackerAuth marks a rejected credential; callers must not retry.
var ErrTrackerAuth = errors.New("tracker rejected credentials")

// APIError is a non-2xx tracker response that is not an auth failure.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker returned status %d: %s", e.StatusCode, e.Body)
}

// retryable reports whether the status is worth another attempt.
func (e *APIError) retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// TrackerConfig holds the connection parameters for the issue tracker.
type TrackerConfig struct {
	URL        string
	Username   string
	APIToken   string
	ProjectKey string
	IssueType  string
	Timeout    time.Duration
}

// Issue is the tracker-side view of a ticket.
type Issue struct {
	Key         string    `json:"key"`
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

// Tracker is a REST client for a JIRA-compatible issue tracker.
type Tracker struct {
	cfg        TrackerConfig
	httpClient *http.Client
	logger     *slog.Logger

	// maxRetries counts additional attempts after the first on 429/5xx.
	maxRetries int
	retryPause time.Duration
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerHTTPClient sets a custom HTTP client.
func WithTrackerHTTPClient(c *http.Client) TrackerOption {
	return func(t *Tracker) {
		t.httpClient = c
	}
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithTrackerRetryPause sets the base pause between retries.
func WithTrackerRetryPause(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.retryPause = d
	}
}

// NewTracker creates a tracker client.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) (*Tracker, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("tracker: url is required")
	}
	if cfg.Username == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("tracker: username and api token are required")
	}
	if cfg.ProjectKey == "" {
		return nil, fmt.Errorf("tracker: project key is required")
	}
	if cfg.IssueType == "" {
		cfg.IssueType = "Task"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	t := &Tracker{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
		maxRetries: 3,
		retryPause: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Ping verifies the tracker answers and the credentials hold.
func (t *Tracker) Ping(ctx context.Context) error {
	var me struct {
		DisplayName string `json:"displayName"`
	}
	if err := t.get(ctx, "/rest/api/2/myself", nil, &me); err != nil {
		return fmt.Errorf("tracker ping: %w", err)
	}
	t.logger.Info("Tracker connection verified", "user", me.DisplayName)
	return nil
}

// SearchOpenIssues finds open tracker issues mentioning the vessel and
// component in their summary.
func (t *Tracker) SearchOpenIssues(ctx context.Context, vesselID string, role fleet.Role) ([]Issue, error) {
	jql := fmt.Sprintf(`project = %q AND summary ~ "Vessel %s" AND summary ~ %q AND status in (%s)`,
		t.cfg.ProjectKey, vesselID, role.DisplayName(), quoteList(openIssueStatuses))

	params := url.Values{}
	params.Set("jql", jql)
	params.Set("fields", "summary,description,status,created,updated")
	params.Set("maxResults", "100")

	var result struct {
		Issues []rawIssue `json:"issues"`
	}
	if err := t.get(ctx, "/rest/api/2/search", params, &result); err != nil {
		return nil, fmt.Errorf("search issues for %s/%s: %w", vesselID, role, err)
	}

	issues := make([]Issue, 0, len(result.Issues))
	for _, raw := range result.Issues {
		issue, err := raw.toIssue()
		if err != nil {
			t.logger.Warn("Skipping unparseable tracker issue", "key", raw.Key, "error", err)
			continue
		}
		issues = append(issues, issue)
	}

	t.logger.Info("Searched tracker issues",
		"vessel_id", vesselID,
		"component", role,
		"found", len(issues))
	return issues, nil
}

// CreateIssue files a ticket for the incident and returns the created issue.
func (t *Tracker) CreateIssue(ctx context.Context, summary IssueSummary) (Issue, error) {
	payload := map[string]any{
		"fields": map[string]any{
			"project":     map[string]string{"key": t.cfg.ProjectKey},
			"summary":     summary.Title(),
			"description": summary.Description(),
			"issuetype":   map[string]string{"name": t.cfg.IssueType},
			"priority":    map[string]string{"name": priorityFor(summary.Severity)},
			"labels": []string{
				"vessel-" + summary.VesselID,
				"component-" + string(summary.Role),
				"infrastructure-monitoring",
				"automated",
			},
		},
	}

	var created struct {
		Key string `json:"key"`
		ID  string `json:"id"`
	}
	if err := t.post(ctx, "/rest/api/2/issue", payload, &created); err != nil {
		return Issue{}, fmt.Errorf("create issue for vessel %s: %w", summary.VesselID, err)
	}

	t.logger.Info("Created tracker issue",
		"key", created.Key,
		"vessel_id", summary.VesselID,
		"component", summary.Role,
		"severity", summary.Severity)

	issue, err := t.IssueByKey(ctx, created.Key)
	if err != nil {
		// The issue exists even if the read-back failed.
		return Issue{Key: created.Key, ID: created.ID, Summary: summary.Title()}, nil
	}
	return issue, nil
}

// IssueByKey fetches one issue.
func (t *Tracker) IssueByKey(ctx context.Context, key string) (Issue, error) {
	params := url.Values{}
	params.Set("fields", "summary,description,status,created,updated")

	var raw rawIssue
	if err := t.get(ctx, "/rest/api/2/issue/"+key, params, &raw); err != nil {
		return Issue{}, fmt.Errorf("fetch issue %s: %w", key, err)
	}
	return raw.toIssue()
}

// TransitionIssue moves an issue to the named status using whatever
// transition the tracker offers toward it.
func (t *Tracker) TransitionIssue(ctx context.Context, key, targetStatus string) error {
	path := "/rest/api/2/issue/" + key + "/transitions"

	var available struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := t.get(ctx, path, nil, &available); err != nil {
		return fmt.Errorf("list transitions for %s: %w", key, err)
	}

	transitionID := ""
	names := make([]string, 0, len(available.Transitions))
	for _, tr := range available.Transitions {
		names = append(names, tr.To.Name)
		if tr.To.Name == targetStatus {
			transitionID = tr.ID
			break
		}
	}
	if transitionID == "" {
		return fmt.Errorf("cannot transition %s to %q, available: %v", key, targetStatus, names)
	}

	payload := map[string]any{
		"transition": map[string]string{"id": transitionID},
	}
	if err := t.post(ctx, path, payload, nil); err != nil {
		return fmt.Errorf("transition %s to %q: %w", key, targetStatus, err)
	}

	t.logger.Info("Transitioned tracker issue", "key", key, "status", targetStatus)
	return nil
}

func (t *Tracker) get(ctx context.Context, path string, params url.Values, out any) error {
	return t.do(ctx, http.MethodGet, path, params, nil, out)
}

func (t *Tracker) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return t.do(ctx, http.MethodPost, path, nil, body, out)
}

// do issues one request with retry on throttling and server faults. Auth
// failures and client errors surface immediately.
func (t *Tracker) do(ctx context.Context, method, path string, params url.Values, body []byte, out any) error {
	var lastErr error

	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			pause := t.retryPause << (attempt - 1)
			t.logger.Warn("Retrying tracker request",
				"method", method,
				"path", path,
				"attempt", attempt,
				"pause", pause)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}

		err := t.doOnce(ctx, method, path, params, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.retryable() {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		// Transport-level failures retry too.
		if !errors.As(err, &apiErr) && !errors.Is(err, ErrTrackerAuth) {
			continue
		}
		return err
	}

	return lastErr
}

func (t *Tracker) doOnce(ctx context.Context, method, path string, params url.Values, body []byte, out any) error {
	reqURL := t.cfg.URL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(t.cfg.Username, t.cfg.APIToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, trackerMaxBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrTrackerAuth, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := string(respBody)
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return &APIError{StatusCode: resp.StatusCode, Body: msg}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// priorityFor maps ticket severity onto tracker priority names.
func priorityFor(sev fleet.IssueSeverity) string {
	switch sev {
	case fleet.IssueSeverityLow:
		return "Low"
	case fleet.IssueSeverityMedium:
		return "Medium"
	case fleet.IssueSeverityHigh:
		return "High"
	case fleet.IssueSeverityCritical:
		return "Highest"
	}
	return "Medium"
}

func quoteList(items []string) string {
	quoted := make([]byte, 0, 64)
	for i, item := range items {
		if i > 0 {
			quoted = append(quoted, ", "...)
		}
		quoted = append(quoted, fmt.Sprintf("%q", item)...)
	}
	return string(quoted)
}

// rawIssue is the tracker wire shape before flattening.
type rawIssue struct {
	Key    string `json:"key"`
	ID     string `json:"id"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		Created string `json:"created"`
		Updated string `json:"updated"`
	} `json:"fields"`
}

func (r rawIssue) toIssue() (Issue, error) {
	issue := Issue{
		Key:         r.Key,
		ID:          r.ID,
		Summary:     r.Fields.Summary,
		Description: r.Fields.Description,
		Status:      r.Fields.Status.Name,
	}

	if r.Fields.Created != "" {
		created, err := parseTrackerTime(r.Fields.Created)
		if err != nil {
			return Issue{}, fmt.Errorf("issue %s: parse created: %w", r.Key, err)
		}
		issue.Created = created
	}
	if r.Fields.Updated != "" {
		updated, err := parseTrackerTime(r.Fields.Updated)
		if err != nil {
			return Issue{}, fmt.Errorf("issue %s: parse updated: %w", r.Key, err)
		}
		issue.Updated = updated
	}
	return issue, nil
}

// parseTrackerTime accepts both RFC 3339 and the tracker's compact offset
// format ("2006-01-02T15:04:05.000-0700").
func parseTrackerTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02T15:04:05.000-0700", s)
}
