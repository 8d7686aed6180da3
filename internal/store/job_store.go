package store

import (
	"context"
	"time"

	"github.com/RezaEskandarii/tubefire/internal/state"
	"github.com/RezaEskandarii/tubefire/types"
)

// JobStore defines the interface for persisting queued jobs.
type JobStore interface {
	// Insert adds a job and returns the stored row (with Seq and CreatedAt filled in).
	// A non-terminal job with the same ID yields custom_errors.ErrDuplicateJob; a terminal one is replaced.
	Insert(ctx context.Context, job *types.Job) (*types.Job, error)

	FindByID(ctx context.Context, id string) (*types.Job, error)

	// Remove deletes the job whatever its status and reports whether a row existed.
	Remove(ctx context.Context, id string) (bool, error)

	// ResolveDeferred fails deferred jobs whose dependencies failed (unless they allow it), then promotes
	// deferred jobs whose dependencies are all terminal. A missing dependency counts as failed.
	ResolveDeferred(ctx context.Context) (promoted int, failed []types.Job, err error)

	// ClaimNext locks the next due job (front priority first, then FIFO) and moves it to processing.
	// Returns nil when nothing is due.
	ClaimNext(ctx context.Context, lockedBy string, now time.Time) (*types.Job, error)

	// ClaimByID claims one specific job if it is due. Returns nil when it is not.
	ClaimByID(ctx context.Context, id, lockedBy string, now time.Time) (*types.Job, error)

	// MarkSuccess finishes a processing job and inserts next (when non-nil) atomically.
	// Rows are matched on ID and Seq, so a job removed (and possibly re-enqueued) while running
	// yields custom_errors.ErrJobNotFound.
	MarkSuccess(ctx context.Context, job *types.Job, next *types.Job) error

	// MarkRetry records a failed attempt and reschedules the job at retryAt.
	MarkRetry(ctx context.Context, job *types.Job, errMsg string, retryAt time.Time) error

	// MarkFailure records the final failure of a job.
	MarkFailure(ctx context.Context, job *types.Job, errMsg string) error

	// Touch refreshes locked_at of a job this worker is still running. It yields
	// custom_errors.ErrJobNotFound once the row was removed or claimed by someone else.
	Touch(ctx context.Context, job *types.Job, lockedBy string, at time.Time) error

	// UnlockStaleJobs requeues processing jobs whose lock was not refreshed within timeout (crashed workers).
	UnlockStaleJobs(ctx context.Context, timeout time.Duration) (int64, error)

	// ListScheduled returns the pending instances of recurring entries.
	ListScheduled(ctx context.Context) ([]types.ScheduledInstance, error)

	GetAll(ctx context.Context, page int, pageSize int, status state.JobStatus) (*types.PaginationResult[types.Job], error)

	CountAllJobsGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error)

	// PruneFinished deletes terminal jobs finished before the given time.
	PruneFinished(ctx context.Context, before time.Time) (int64, error)
}
