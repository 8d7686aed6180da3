package catalog

import (
	"errors"
	"fmt"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/jobqueue"
)

// SyncAllAccounts enqueues a subscription sync for every linked account.
func (w *Workers) SyncAllAccounts(jc *jobqueue.JobContext) (jobqueue.Continuation, error) {
	accounts, err := jc.Session.ListLinkedAccounts(jc.Ctx)
	if err != nil {
		return jobqueue.Continuation{}, fmt.Errorf("list accounts: %w", err)
	}
	queued := 0
	for _, a := range accounts {
		_, err := w.queue.Enqueue(jc.Ctx, SyncAccountJob, SyncArgs{AccountID: a.ID}, jobqueue.WithJobID(SyncJobID(a.ID)))
		switch {
		case errors.Is(err, custom_errors.ErrDuplicateJob):
			continue
		case err != nil:
			return jobqueue.Continuation{}, fmt.Errorf("enqueue sync for account %d: %w", a.ID, err)
		}
		queued++
	}
	jc.Logger.Info("account syncs queued", "accounts", len(accounts), "queued", queued)
	return jobqueue.Finished(), nil
}

// RefreshStaleChannels re-ingests idle channels whose uploads were last read before the stale
// window, starting from the day of their last sync.
func (w *Workers) RefreshStaleChannels(jc *jobqueue.JobContext) (jobqueue.Continuation, error) {
	channels, err := jc.Session.ListStaleChannels(jc.Ctx, w.now().Add(-w.opts.StaleAfter))
	if err != nil {
		return jobqueue.Continuation{}, fmt.Errorf("list stale channels: %w", err)
	}
	for _, ch := range channels {
		if err := jc.Canceled(); err != nil {
			return jobqueue.Continuation{}, err
		}
		args := IngestArgs{ChannelID: ch.ID}
		if ch.LastVideosSyncedAt.After(neverSynced) {
			args.DateAfter = ch.LastVideosSyncedAt.UTC().Format(DateLayout)
		}
		w.enqueueIngest(jc.Ctx, args, jc.Logger)
	}
	jc.Logger.Info("stale channels refreshed", "channels", len(channels))
	return jobqueue.Finished(), nil
}
