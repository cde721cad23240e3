package dispatch

import "time"

// Channel identifies the delivery mechanism for a job.
type Channel string

const (
	// ChannelSMS delivers through the SMS gateway.
	ChannelSMS Channel = "sms"
	// ChannelEmail delivers through the mail relay.
	ChannelEmail Channel = "email"
)

// Status is the lifecycle state of a dispatch task.
type Status int

const (
	// StatusPending: submitted, not yet picked up by the worker.
	StatusPending Status = iota
	// StatusRunning: the worker is executing sends.
	StatusRunning
	// StatusCompleted: terminal, no failed sends.
	StatusCompleted
	// StatusFailed: terminal, the send mechanism could not run at all
	// or every attempted recipient failed.
	StatusFailed
	// StatusPartial: terminal, at least one success and one failure.
	StatusPartial
)

// String returns the lower-case status name used in history rows.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusPartial:
		return "partial"
	}
	return "unknown"
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// Recipient is one delivery target with the metadata the time-window
// policy needs.
type Recipient struct {
	// Address is the phone number or email address.
	Address string
	// Login identifies the recipient in audit entries.
	Login string
	// OffHoursOK permits delivery outside the daytime window.
	OffHoursOK bool
}

// Job describes one submitted dispatch request. TaskID is assigned by
// the engine at submission.
type Job struct {
	TaskID     string
	Channel    Channel
	SubjectRef string
	Recipients []Recipient
	Body       string
	Subject    string
	CreatedBy  string
	OperatorIP string
}

// task is the registry entry for an active job. All fields are guarded
// by the engine mutex; counters are only ever mutated by the worker.
type task struct {
	id           string
	subjectRef   string
	channel      Channel
	total        int
	successful   int
	failed       int
	deferred     int
	status       Status
	createdAt    time.Time
	startedAt    *time.Time
	completedAt  *time.Time
	errorMessage string
}

// Snapshot is a consistent copy of a task's state at read time.
type Snapshot struct {
	TaskID          string     `json:"task_id"`
	SubjectRef      string     `json:"subject_ref"`
	Channel         Channel    `json:"channel"`
	TotalRecipients int        `json:"total_recipients"`
	SuccessfulSends int        `json:"successful_sends"`
	FailedSends     int        `json:"failed_sends"`
	DeferredSends   int        `json:"deferred_sends"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

func (t *task) snapshot() Snapshot {
	return Snapshot{
		TaskID:          t.id,
		SubjectRef:      t.subjectRef,
		Channel:         t.channel,
		TotalRecipients: t.total,
		SuccessfulSends: t.successful,
		FailedSends:     t.failed,
		DeferredSends:   t.deferred,
		Status:          t.status.String(),
		CreatedAt:       t.createdAt,
		StartedAt:       t.startedAt,
		CompletedAt:     t.completedAt,
		ErrorMessage:    t.errorMessage,
	}
}
