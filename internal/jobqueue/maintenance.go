package jobqueue

import (
	"time"
)

// PruneJobName is the recurring task that deletes old finished jobs.
const PruneJobName = "jobs.prune"

const DefaultRetention = 7 * 24 * time.Hour

type PruneArgs struct {
	RetentionHours int `json:"retention_hours"`
}

// PruneHandler deletes terminal jobs that finished more than the retention period ago.
func (q *Queue) PruneHandler(retention time.Duration) HandlerFunc {
	return func(jc *JobContext) (Continuation, error) {
		var args PruneArgs
		if err := jc.Bind(&args); err != nil {
			return Continuation{}, err
		}
		keep := retention
		if args.RetentionHours > 0 {
			keep = time.Duration(args.RetentionHours) * time.Hour
		}
		if keep <= 0 {
			keep = DefaultRetention
		}
		n, err := q.store.PruneFinished(jc.Ctx, q.now().Add(-keep))
		if err != nil {
			return Continuation{}, err
		}
		jc.Logger.Info("pruned finished jobs", "count", n, "retention", keep)
		return Finished(), nil
	}
}
