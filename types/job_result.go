package types

import (
	"github.com/RezaEskandarii/tubefire/internal/state"
)

// JobResult is the outcome of one run, handed from a worker slot to the result processor.
type JobResult struct {
	Job    *Job
	Err    error
	Status state.JobStatus
	// Next is enqueued in the same transaction that marks Job succeeded.
	Next *Job
}
