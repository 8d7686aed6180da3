package types

import (
	"encoding/json"
	"time"

	"github.com/RezaEskandarii/tubefire/internal/state"
)

type Priority int

const (
	PriorityNormal Priority = 0
	PriorityFront  Priority = 1
)

func (p Priority) String() string {
	if p == PriorityFront {
		return "front"
	}
	return "normal"
}

// Job is one durable unit of work in the queue.
type Job struct {
	ID                     string          `json:"id"`
	Name                   string          `json:"name"`
	Payload                json.RawMessage `json:"payload"`
	Status                 state.JobStatus `json:"status"`
	Priority               Priority        `json:"priority"`
	DependsOn              []string        `json:"depends_on,omitempty"`
	AllowDependencyFailure bool            `json:"allow_dependency_failure"`
	Attempts               int             `json:"attempts"`
	MaxAttempts            int             `json:"max_attempts"`
	Backoff                []time.Duration `json:"backoff,omitempty"`
	Schedule               string          `json:"schedule,omitempty"`
	LastError              string          `json:"last_error,omitempty"`
	LockedBy               *string         `json:"locked_by,omitempty"`
	LockedAt               *time.Time      `json:"locked_at,omitempty"`
	ScheduledAt            time.Time       `json:"scheduled_at"`
	StartedAt              *time.Time      `json:"started_at,omitempty"`
	FinishedAt             *time.Time      `json:"finished_at,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	Seq                    int64           `json:"seq"`
}

// Due reports whether the job may be claimed at now.
func (j *Job) Due(now time.Time) bool {
	return (j.Status == state.StatusQueued || j.Status == state.StatusRetrying) && !j.ScheduledAt.After(now)
}

// RetryDelay returns the backoff to wait after the given failed attempt (1-based).
// The last configured delay repeats; no delays means retry immediately.
func (j *Job) RetryDelay(attempt int) time.Duration {
	if len(j.Backoff) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(j.Backoff) {
		return j.Backoff[len(j.Backoff)-1]
	}
	return j.Backoff[attempt-1]
}

// LastAttempt reports whether a failure of the current attempt is final.
func (j *Job) LastAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// JobStatusEvent is published on every job state change.
type JobStatusEvent struct {
	JobID  string          `json:"job_id"`
	Name   string          `json:"name"`
	Status state.JobStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}
