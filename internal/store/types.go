package store

import (
	"errors"
	"fmt"
	"time"

	"mailflow/internal/mail"
)

// ErrNotFound is returned by Get when no job has the requested id.
var ErrNotFound = errors.New("job not found")

// Status is the lifecycle state of a scheduled job.
//
// Transitions: pending -> processing -> sent | failed, with
// pending/processing -> cancelled, and processing -> pending when the daemon
// requeues a retryable failure. Sent, failed, and cancelled are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus maps persisted status text back to the enum. Unknown text is
// an error: a corrupt row must surface, never be coerced.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

func transitionAllowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		// processing -> pending is the daemon requeuing a retryable failure.
		return to == StatusSent || to == StatusFailed || to == StatusCancelled || to == StatusPending
	default:
		return false
	}
}

// Job is one persisted delivery request.
type Job struct {
	ID          int64
	Message     mail.Message
	ScheduledAt time.Time
	Status      Status
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Config configures the job store.
type Config struct {
	// Path is the SQLite database file. Parent directories are created.
	Path string
	// BusyTimeout bounds lock waits; 0 keeps the SQLite default.
	BusyTimeout time.Duration
}
