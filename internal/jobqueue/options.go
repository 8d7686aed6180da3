package jobqueue

import (
	"time"

	"github.com/RezaEskandarii/tubefire/types"
)

// EnqueueOption adjusts a job before it is stored.
type EnqueueOption func(*types.Job)

// WithJobID sets an explicit ID. At most one non-terminal job may hold a given ID.
func WithJobID(id string) EnqueueOption {
	return func(j *types.Job) { j.ID = id }
}

func WithPriority(p types.Priority) EnqueueOption {
	return func(j *types.Job) { j.Priority = p }
}

// DependsOn defers the job until every listed job is terminal.
func DependsOn(ids ...string) EnqueueOption {
	return func(j *types.Job) { j.DependsOn = append(j.DependsOn, ids...) }
}

// AllowDependencyFailure runs the job even if a dependency failed or disappeared.
func AllowDependencyFailure() EnqueueOption {
	return func(j *types.Job) { j.AllowDependencyFailure = true }
}

// WithRetry overrides the attempt limit and the delays between attempts.
func WithRetry(maxAttempts int, backoff ...time.Duration) EnqueueOption {
	return func(j *types.Job) {
		if maxAttempts > 0 {
			j.MaxAttempts = maxAttempts
		}
		if len(backoff) > 0 {
			j.Backoff = backoff
		}
	}
}

func At(t time.Time) EnqueueOption {
	return func(j *types.Job) { j.ScheduledAt = t }
}

// InSchedule tags the job as an instance of the named recurring entry.
func InSchedule(entry string) EnqueueOption {
	return func(j *types.Job) { j.Schedule = entry }
}
