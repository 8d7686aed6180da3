package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/constants"
	"github.com/RezaEskandarii/tubefire/internal/jobqueue"
	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/store"
	"github.com/RezaEskandarii/tubefire/internal/youtube"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/charmbracelet/log"
)

type SyncArgs struct {
	AccountID int64 `json:"account_id"`
}

type UnsubscribeArgs struct {
	ChannelID string `json:"channel_id"`
	AccountID int64  `json:"account_id"`
}

func SyncJobID(accountID int64) string {
	return fmt.Sprintf("sync:%d", accountID)
}

func UnsubscribeJobID(accountID int64, channelID string) string {
	return fmt.Sprintf("unsubscribe:%d:%s", accountID, channelID)
}

type upsertOutcome struct {
	newChannel bool
	created    bool
	restored   bool
}

// SyncAccount reconciles an account's remote subscription list with the local rows. Subscriptions
// that vanished remotely are swept only after every page was read.
func (w *Workers) SyncAccount(jc *jobqueue.JobContext) (jobqueue.Continuation, error) {
	var args SyncArgs
	if err := jc.Bind(&args); err != nil {
		return jobqueue.Continuation{}, err
	}
	if args.AccountID <= 0 {
		return jobqueue.Continuation{}, jobqueue.Permanent(fmt.Errorf("%w: account_id is required", custom_errors.ErrInvalidPayload))
	}
	l := jc.Logger.With("account_id", args.AccountID)

	account, err := jc.Session.GetAccount(jc.Ctx, args.AccountID)
	if errors.Is(err, custom_errors.ErrNotFound) {
		return jobqueue.Continuation{}, jobqueue.Permanent(err)
	}
	if err != nil {
		return jobqueue.Continuation{}, err
	}
	if !account.Linked() {
		l.Info("account has no linked channel, nothing to sync")
		return jobqueue.Finished(), nil
	}

	src, release := w.source(jc.Ctx, l)
	summary, err := w.syncSubscriptions(jc, src, account, l)
	release(err)
	if err != nil {
		return jobqueue.Continuation{}, err
	}

	l.Info("subscriptions synced", "seen", summary.Seen, "created", summary.Created,
		"restored", summary.Restored, "swept", summary.Swept)
	notify.Emit(jc.Ctx, w.bus, l, constants.TopicCatalog, summary)
	return jobqueue.Finished(), nil
}

func (w *Workers) syncSubscriptions(jc *jobqueue.JobContext, src youtube.Source, account *types.Account, l *log.Logger) (types.SyncSummary, error) {
	summary := types.SyncSummary{AccountID: account.ID}
	// channels seen in this pass
	seen := make(map[string]struct{})

	token := ""
	for {
		if err := jc.Canceled(); err != nil {
			return summary, err
		}
		page, err := src.Subscriptions(jc.Ctx, *account.RemoteChannelID, token)
		if err != nil {
			return summary, fmt.Errorf("subscriptions page %q: %w", token, err)
		}
		for _, item := range page.Items {
			if err := jc.Canceled(); err != nil {
				return summary, err
			}
			outcome, err := upsertSubscription(jc.Ctx, jc.Session, account.ID, item)
			if err != nil {
				return summary, fmt.Errorf("upsert subscription %s: %w", item.ChannelID, err)
			}
			seen[item.ChannelID] = struct{}{}
			summary.Seen++
			if outcome.created {
				summary.Created++
			}
			if outcome.restored {
				summary.Restored++
			}
			if outcome.newChannel {
				w.enqueueIngest(jc.Ctx, IngestArgs{ChannelID: item.ChannelID}, l)
			}
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	swept, err := w.sweep(jc, account.ID, seen, l)
	summary.Swept = swept
	return summary, err
}

// upsertSubscription writes one remote subscription and its channel in a single transaction.
func upsertSubscription(ctx context.Context, session store.Session, accountID int64, item youtube.SubscriptionItem) (upsertOutcome, error) {
	var out upsertOutcome
	err := session.InTx(ctx, func(tx store.CatalogStore) error {
		out = upsertOutcome{}
		ch, err := tx.GetChannel(ctx, item.ChannelID)
		switch {
		case errors.Is(err, custom_errors.ErrNotFound):
			out.newChannel = true
			err = tx.CreateChannel(ctx, &types.Channel{
				ID:                 item.ChannelID,
				Title:              item.Title,
				Thumbnail:          item.Thumbnail,
				LastVideosSyncedAt: neverSynced,
			})
		case err != nil:
		case ch.Title != item.Title || ch.Thumbnail != item.Thumbnail:
			err = tx.UpdateChannelInfo(ctx, item.ChannelID, item.Title, item.Thumbnail)
		}
		if err != nil {
			return err
		}

		sub, err := tx.GetSubscription(ctx, item.ChannelID, accountID)
		switch {
		case errors.Is(err, custom_errors.ErrNotFound):
			out.created = true
			return tx.CreateSubscription(ctx, &types.Subscription{ChannelID: item.ChannelID, AccountID: accountID})
		case err != nil:
			return err
		case sub.DeletedAt != nil && !sub.UserSubmitted:
			out.restored = true
			return tx.RestoreSubscription(ctx, item.ChannelID, accountID)
		}
		return nil
	})
	return out, err
}

func (w *Workers) enqueueIngest(ctx context.Context, args IngestArgs, l *log.Logger) {
	_, err := w.queue.Enqueue(ctx, IngestChannelJob, args, jobqueue.WithJobID(IngestJobID(args.ChannelID)))
	switch {
	case errors.Is(err, custom_errors.ErrDuplicateJob):
		l.Debug("ingestion already pending", "channel_id", args.ChannelID)
	case err != nil:
		l.Warn("enqueue ingestion", "channel_id", args.ChannelID, "err", err)
	}
}

// sweep enqueues one unsubscribe job per auto-discovered subscription missing from seen.
func (w *Workers) sweep(jc *jobqueue.JobContext, accountID int64, seen map[string]struct{}, l *log.Logger) (int, error) {
	active, err := jc.Session.ListActiveAutoSubscriptions(jc.Ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	swept := 0
	for _, sub := range active {
		if _, ok := seen[sub.ChannelID]; ok {
			continue
		}
		args := UnsubscribeArgs{ChannelID: sub.ChannelID, AccountID: accountID}
		_, err := w.queue.Enqueue(jc.Ctx, UnsubscribeJob, args, jobqueue.WithJobID(UnsubscribeJobID(accountID, sub.ChannelID)))
		if err != nil && !errors.Is(err, custom_errors.ErrDuplicateJob) {
			return swept, fmt.Errorf("enqueue unsubscribe %s: %w", sub.ChannelID, err)
		}
		l.Debug("subscription vanished remotely", "channel_id", sub.ChannelID)
		swept++
	}
	return swept, nil
}

// Unsubscribe soft-deletes one auto-discovered subscription.
func (w *Workers) Unsubscribe(jc *jobqueue.JobContext) (jobqueue.Continuation, error) {
	var args UnsubscribeArgs
	if err := jc.Bind(&args); err != nil {
		return jobqueue.Continuation{}, err
	}
	if args.ChannelID == "" || args.AccountID <= 0 {
		return jobqueue.Continuation{}, jobqueue.Permanent(fmt.Errorf("%w: channel_id and account_id are required", custom_errors.ErrInvalidPayload))
	}
	removed, err := jc.Session.SoftDeleteSubscription(jc.Ctx, args.ChannelID, args.AccountID)
	if err != nil {
		return jobqueue.Continuation{}, err
	}
	jc.Logger.Info("subscription removed", "account_id", args.AccountID, "channel_id", args.ChannelID, "removed", removed)
	return jobqueue.Finished(), nil
}
