// Package approval gates ticket creation on a human decision. A submitted
// request stays PENDING until an operator settles it through chat or the
// timeout sweeper expires it; every transition is appended to a JSON-lines
// audit log. Waits are event-driven: the inbound webhook decision wakes the
// waiter immediately, with a slow poll as fallback.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/ticketing"
)

var (
	// ErrNotFound marks a request id the workflow has never seen or has
	// already cleaned up.
	ErrNotFound = errors.New("approval: request not found")

	// ErrAlreadyDecided marks a second decision for a settled request.
	ErrAlreadyDecided = errors.New("approval: request already decided")

	// ErrCapacityExceeded marks a submission over the pending-request cap.
	ErrCapacityExceeded = errors.New("approval: too many pending requests")
)

// Priority orders approval requests for operators.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// PriorityFor grades a request from issue severity and outage length.
func PriorityFor(summary ticketing.IssueSummary) Priority {
	days := int(summary.DowntimeDuration.Hours() / 24)
	switch {
	case summary.Severity == fleet.IssueSeverityCritical || days >= 7:
		return PriorityUrgent
	case summary.Severity == fleet.IssueSeverityHigh || days >= 5:
		return PriorityHigh
	case days >= 3:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Request is one approval request and its lifecycle.
type Request struct {
	ID          string
	Summary     ticketing.IssueSummary
	Priority    Priority
	Status      fleet.ApprovalStatus
	RequestedAt time.Time
	RespondedAt *time.Time
	Approver    string
	Comments    string
	Timeout     time.Duration
}

// Decision records who settled a request and how.
type Decision struct {
	RequestID    string
	Decision     fleet.ApprovalStatus
	ApproverID   string
	ApproverName string
	DecidedAt    time.Time
	Comments     string
	Method       string
}

// Notifier announces a new request to operators.
type Notifier interface {
	Notify(ctx context.Context, req Request) error
}

// Workflow holds the approval state machine. Pending and settled requests
// live in memory; the audit log is the durable record.
type Workflow struct {
	notifier Notifier
	audit    *AuditLog
	logger   *slog.Logger

	maxPending     int
	defaultTimeout time.Duration
	cleanupAfter   time.Duration
	sweepEvery     time.Duration
	pollEvery      time.Duration

	mu        sync.Mutex
	pending   map[string]*Request
	completed map[string]*Request
	decisions map[string]Decision
	waiters   map[string]chan struct{}
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithNotifier sets the channel new requests are announced on.
func WithNotifier(n Notifier) Option {
	return func(w *Workflow) {
		w.notifier = n
	}
}

// WithAudit sets the audit log.
func WithAudit(a *AuditLog) Option {
	return func(w *Workflow) {
		w.audit = a
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		w.logger = logger
	}
}

// WithDefaultTimeout sets the timeout applied when a submission carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		w.defaultTimeout = d
	}
}

// WithMaxPending caps the number of undecided requests.
func WithMaxPending(n int) Option {
	return func(w *Workflow) {
		w.maxPending = n
	}
}

// WithSweepInterval sets how often Run checks for expired requests.
func WithSweepInterval(d time.Duration) Option {
	return func(w *Workflow) {
		w.sweepEvery = d
	}
}

// WithCleanupAfter sets how long settled requests are kept in memory.
func WithCleanupAfter(d time.Duration) Option {
	return func(w *Workflow) {
		w.cleanupAfter = d
	}
}

// New creates a workflow. Without options it keeps at most 100 pending
// requests, times them out after an hour, and sweeps every five minutes.
func New(opts ...Option) *Workflow {
	w := &Workflow{
		logger:         slog.Default(),
		maxPending:     100,
		defaultTimeout: time.Hour,
		cleanupAfter:   24 * time.Hour,
		sweepEvery:     5 * time.Minute,
		pollEvery:      30 * time.Second,
		pending:        make(map[string]*Request),
		completed:      make(map[string]*Request),
		decisions:      make(map[string]Decision),
		waiters:        make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RequestApproval submits a request graded by PriorityFor. It implements
// ticketing.Approver.
func (w *Workflow) RequestApproval(ctx context.Context, summary ticketing.IssueSummary, timeout time.Duration) (string, error) {
	return w.Submit(ctx, summary, PriorityFor(summary), timeout)
}

// Submit registers a new pending request and announces it. A timeout of zero
// or less falls back to the workflow default.
func (w *Workflow) Submit(ctx context.Context, summary ticketing.IssueSummary, priority Priority, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}

	req := &Request{
		ID:          uuid.NewString(),
		Summary:     summary,
		Priority:    priority,
		Status:      fleet.ApprovalPending,
		RequestedAt: time.Now().UTC(),
		Timeout:     timeout,
	}

	w.mu.Lock()
	if len(w.pending) >= w.maxPending {
		n := len(w.pending)
		w.mu.Unlock()
		return "", fmt.Errorf("%w (%d pending)", ErrCapacityExceeded, n)
	}
	w.pending[req.ID] = req
	w.waiters[req.ID] = make(chan struct{})
	w.mu.Unlock()

	if w.notifier != nil {
		if err := w.notifier.Notify(ctx, *req); err != nil {
			// A failed announcement never voids the request; operators can
			// still reach it through the pending list and the stats endpoint.
			w.logger.Error("Approval notification failed", "request_id", req.ID, "error", err)
		}
	}

	w.audit.Record("request_submitted", map[string]any{
		"request_id":      req.ID,
		"vessel_id":       summary.VesselID,
		"component_type":  summary.Role,
		"severity":        summary.Severity,
		"priority":        priority,
		"timeout_minutes": int(timeout.Minutes()),
	})

	w.logger.Info("Submitted approval request",
		"request_id", req.ID,
		"vessel_id", summary.VesselID,
		"priority", priority)
	return req.ID, nil
}

// Decide settles a pending request. Only the first decision is accepted;
// later ones fail with ErrAlreadyDecided.
func (w *Workflow) Decide(requestID string, approved bool, approverID, approverName, comments string) (Decision, error) {
	w.mu.Lock()
	req, ok := w.pending[requestID]
	if !ok {
		_, settled := w.completed[requestID]
		w.mu.Unlock()
		if settled {
			return Decision{}, fmt.Errorf("%w: %s", ErrAlreadyDecided, requestID)
		}
		return Decision{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}

	now := time.Now().UTC()
	status := fleet.ApprovalRejected
	if approved {
		status = fleet.ApprovalApproved
	}
	req.Status = status
	req.RespondedAt = &now
	req.Approver = approverName
	req.Comments = comments

	decision := Decision{
		RequestID:    requestID,
		Decision:     status,
		ApproverID:   approverID,
		ApproverName: approverName,
		DecidedAt:    now,
		Comments:     comments,
		Method:       "manual",
	}
	w.settleLocked(req, decision)
	w.mu.Unlock()

	w.audit.Record("decision_submitted", map[string]any{
		"request_id":     requestID,
		"decision":       status,
		"approver_id":    approverID,
		"approver_name":  approverName,
		"comments":       comments,
		"vessel_id":      req.Summary.VesselID,
		"component_type": req.Summary.Role,
	})

	w.logger.Info("Approval decision submitted",
		"request_id", requestID,
		"decision", status,
		"approver", approverName)
	return decision, nil
}

// settleLocked moves req out of the pending set and wakes every waiter.
func (w *Workflow) settleLocked(req *Request, d Decision) {
	delete(w.pending, req.ID)
	w.completed[req.ID] = req
	w.decisions[req.ID] = d
	if done, ok := w.waiters[req.ID]; ok {
		close(done)
		delete(w.waiters, req.ID)
	}
}

// Await blocks until the request reaches a terminal status. A webhook
// decision wakes it immediately; a slow poll guards against missed signals.
// When maxWait elapses first, Await reports TIMEOUT without altering the
// request, the sweeper settles it later.
func (w *Workflow) Await(ctx context.Context, requestID string, maxWait time.Duration) (fleet.ApprovalStatus, error) {
	var deadline <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		deadline = timer.C
	}
	poll := time.NewTicker(w.pollEvery)
	defer poll.Stop()

	for {
		w.mu.Lock()
		if req, ok := w.completed[requestID]; ok {
			status := req.Status
			w.mu.Unlock()
			return status, nil
		}
		done, ok := w.waiters[requestID]
		w.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotFound, requestID)
		}

		select {
		case <-done:
		case <-poll.C:
		case <-deadline:
			w.logger.Warn("Gave up waiting for approval",
				"request_id", requestID,
				"max_wait", maxWait)
			return fleet.ApprovalTimeout, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// CheckTimeouts expires pending requests past their deadline and returns the
// ids it settled.
func (w *Workflow) CheckTimeouts() []string {
	now := time.Now().UTC()
	var expired []*Request

	w.mu.Lock()
	for _, req := range w.pending {
		if now.Sub(req.RequestedAt) <= req.Timeout {
			continue
		}
		respondedAt := now
		req.Status = fleet.ApprovalTimeout
		req.RespondedAt = &respondedAt
		req.Approver = "System (Timeout)"
		req.Comments = "Request timed out without response"
		w.settleLocked(req, Decision{
			RequestID:    req.ID,
			Decision:     fleet.ApprovalTimeout,
			ApproverID:   "system",
			ApproverName: "System (Timeout)",
			DecidedAt:    now,
			Comments:     "Request timed out without response",
			Method:       "timeout",
		})
		expired = append(expired, req)
	}
	w.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, req := range expired {
		ids = append(ids, req.ID)
		w.audit.Record("request_timeout", map[string]any{
			"request_id":      req.ID,
			"vessel_id":       req.Summary.VesselID,
			"component_type":  req.Summary.Role,
			"timeout_minutes": int(req.Timeout.Minutes()),
		})
	}
	if len(ids) > 0 {
		w.logger.Warn("Marked approval requests as timed out", "count", len(ids))
	}
	return ids
}

// CleanupCompleted drops settled requests older than the retention window
// and returns how many it removed.
func (w *Workflow) CleanupCompleted() int {
	cutoff := time.Now().UTC().Add(-w.cleanupAfter)

	w.mu.Lock()
	var dropped int
	for id, req := range w.completed {
		if req.RequestedAt.Before(cutoff) {
			delete(w.completed, id)
			delete(w.decisions, id)
			dropped++
		}
	}
	w.mu.Unlock()

	if dropped > 0 {
		w.logger.Info("Cleaned up old approval requests", "count", dropped)
	}
	return dropped
}

// Run drives the timeout sweeper until ctx is cancelled.
func (w *Workflow) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.CheckTimeouts()
			w.CleanupCompleted()
		}
	}
}

// Request returns a request by id from the pending or settled set.
func (w *Workflow) Request(id string) (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if req, ok := w.pending[id]; ok {
		return *req, true
	}
	if req, ok := w.completed[id]; ok {
		return *req, true
	}
	return Request{}, false
}

// PendingRequests returns undecided requests, oldest first.
func (w *Workflow) PendingRequests() []Request {
	w.mu.Lock()
	reqs := make([]Request, 0, len(w.pending))
	for _, req := range w.pending {
		reqs = append(reqs, *req)
	}
	w.mu.Unlock()

	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
	})
	return reqs
}

// DecisionCounts breaks settled and pending requests down by outcome.
type DecisionCounts struct {
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Timeout  int `json:"timeout"`
	Pending  int `json:"pending"`
}

// Statistics summarizes workflow throughput for the stats endpoint.
type Statistics struct {
	TotalRequests              int            `json:"total_requests"`
	DecisionCounts             DecisionCounts `json:"decision_counts"`
	AverageResponseTimeMinutes float64        `json:"average_response_time_minutes"`
	OldestPendingMinutes       *float64       `json:"oldest_pending_request"`
}

// Statistics reports current workflow counters. Average response time covers
// humanly decided requests only; timeouts would skew it toward the deadline.
func (w *Workflow) Statistics() Statistics {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := Statistics{
		TotalRequests:  len(w.pending) + len(w.completed),
		DecisionCounts: DecisionCounts{Pending: len(w.pending)},
	}
	for _, d := range w.decisions {
		switch d.Decision {
		case fleet.ApprovalApproved:
			stats.DecisionCounts.Approved++
		case fleet.ApprovalRejected:
			stats.DecisionCounts.Rejected++
		case fleet.ApprovalTimeout:
			stats.DecisionCounts.Timeout++
		}
	}

	var minutes float64
	var decided int
	for _, req := range w.completed {
		if req.RespondedAt != nil && req.Status != fleet.ApprovalTimeout {
			minutes += req.RespondedAt.Sub(req.RequestedAt).Minutes()
			decided++
		}
	}
	if decided > 0 {
		stats.AverageResponseTimeMinutes = round2(minutes / float64(decided))
	}

	now := time.Now().UTC()
	for _, req := range w.pending {
		age := round2(now.Sub(req.RequestedAt).Minutes())
		if stats.OldestPendingMinutes == nil || age > *stats.OldestPendingMinutes {
			stats.OldestPendingMinutes = &age
		}
	}
	return stats
}

// FormatRequest renders a request for operators.
func FormatRequest(req Request) string {
	issue := req.Summary
	return fmt.Sprintf(`
APPROVAL REQUEST: %s
=====================================
Vessel ID: %s
Component: %s
Severity: %s
Downtime Duration: %s
Requested: %s

Issue Description:
%s

Historical Context:
%s

Status: %s
=====================================
`,
		req.ID,
		issue.VesselID,
		issue.Role.DisplayName(),
		capitalize(string(issue.Severity)),
		ticketing.FormatDuration(issue.DowntimeDuration),
		req.RequestedAt.Format("2006-01-02 15:04:05"),
		issue.Description(),
		issue.HistoricalContext,
		strings.ToUpper(string(req.Status)))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
