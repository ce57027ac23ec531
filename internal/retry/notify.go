package retry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/bitgate/internal/ir"
)

// Notice tells operators that a record was escalated.
type Notice struct {
	Record ir.ErrorRecord
	Reason string
}

// Notifier delivers escalation notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes notices to a structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier logging at warn level.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, notice Notice) error {
	r := notice.Record
	n.logger.WarnContext(ctx, "hub error escalated",
		"hub", r.HubID,
		"error_id", r.ErrorID,
		"entity_id", r.EntityID,
		"outreach_id", r.OutreachID,
		"code", r.FailureCode,
		"level", r.EscalationLevel,
		"severity", r.Severity,
		"reason", notice.Reason)
	return nil
}

// RecordingNotifier keeps notices in memory. Used by tests and scenarios.
type RecordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify implements Notifier.
func (n *RecordingNotifier) Notify(_ context.Context, notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

// Notices returns a copy of the recorded notices.
func (n *RecordingNotifier) Notices() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notice, len(n.notices))
	copy(out, n.notices)
	return out
}
