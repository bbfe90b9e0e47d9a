package approval

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// AuditLog appends workflow events to a JSON-lines file. One line per
// submission, decision, and timeout, so the full approval trail survives
// process restarts even though the workflow state itself is in memory.
type AuditLog struct {
	logger *slog.Logger

	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
}

type auditEntry struct {
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// OpenAuditLog opens path for appending, creating it if needed.
func OpenAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{logger: slog.Default(), out: f, closer: f}, nil
}

// NewAuditLog writes audit entries to out.
func NewAuditLog(out io.Writer) *AuditLog {
	return &AuditLog{logger: slog.Default(), out: out}
}

// Record appends one event. A nil log drops the event; write failures are
// logged and never propagated, an unwritable audit file must not stall the
// approval path.
func (l *AuditLog) Record(eventType string, data map[string]any) {
	if l == nil {
		return
	}

	line, err := json.Marshal(auditEntry{
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		l.logger.Error("Audit entry not serializable", "event_type", eventType, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(append(line, '\n')); err != nil {
		l.logger.Error("Audit write failed", "event_type", eventType, "error", err)
	}
}

// Close closes the underlying file, if any.
func (l *AuditLog) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
