// Package audit records the outcome of every per-recipient delivery
// attempt. Dispatch jobs aggregate counters; the audit trail keeps the
// per-recipient detail (who, what body, which outcome) for later review.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Outcome classifies a single delivery attempt.
type Outcome string

const (
	// OutcomeSent means the channel sender accepted the message.
	OutcomeSent Outcome = "sent"
	// OutcomeFailed means the send attempt returned an error.
	OutcomeFailed Outcome = "failed"
	// OutcomeDeferred means the time-window policy excluded the
	// recipient from this job run.
	OutcomeDeferred Outcome = "deferred"
)

// Entry is one audit record.
type Entry struct {
	TaskID     string    `json:"task_id"`
	SubjectRef string    `json:"subject_ref"`
	Channel    string    `json:"channel"`
	Address    string    `json:"address"`
	Body       string    `json:"body,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Log receives audit entries. Implementations must tolerate being
// called from the dispatch worker's hot loop: failures are reported but
// never abort a job.
type Log interface {
	Record(ctx context.Context, e Entry) error
}

// SlogLog writes audit entries to a structured logger. It is the
// default sink when no external audit pipeline is configured.
type SlogLog struct {
	log *slog.Logger
}

// NewSlogLog returns a SlogLog writing to l, or slog.Default() when l
// is nil.
func NewSlogLog(l *slog.Logger) *SlogLog {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLog{log: l}
}

// Record implements Log.Record.
func (s *SlogLog) Record(ctx context.Context, e Entry) error {
	s.log.Info("coord: delivery audit",
		"task_id", e.TaskID,
		"subject_ref", e.SubjectRef,
		"channel", e.Channel,
		"address", e.Address,
		"outcome", string(e.Outcome),
		"error", e.Error,
	)
	return nil
}
