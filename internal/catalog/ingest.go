package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/constants"
	"github.com/RezaEskandarii/tubefire/internal/jobqueue"
	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/store"
	"github.com/RezaEskandarii/tubefire/internal/youtube"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// DateLayout is the YYYYMMDD format of IngestArgs.DateAfter.
const DateLayout = "20060102"

type IngestArgs struct {
	ChannelID string `json:"channel_id"`
	// DateAfter stops ingestion at the first upload published before this day.
	DateAfter    string `json:"date_after,omitempty"`
	Continuation string `json:"continuation,omitempty"`
}

// IngestJobID keeps one ingestion chain per channel.
func IngestJobID(channelID string) string {
	return "ingest:" + channelID
}

type pageResult struct {
	done      bool
	nextToken string
	written   int
	failed    int
}

// IngestChannel writes one page of a channel's uploads and continues with the next page until the
// history runs out or reaches DateAfter.
func (w *Workers) IngestChannel(jc *jobqueue.JobContext) (jobqueue.Continuation, error) {
	var args IngestArgs
	if err := jc.Bind(&args); err != nil {
		return jobqueue.Continuation{}, err
	}
	if args.ChannelID == "" {
		return jobqueue.Continuation{}, jobqueue.Permanent(fmt.Errorf("%w: channel_id is required", custom_errors.ErrInvalidPayload))
	}
	var cutoff time.Time
	if args.DateAfter != "" {
		t, err := time.ParseInLocation(DateLayout, args.DateAfter, time.UTC)
		if err != nil {
			return jobqueue.Continuation{}, jobqueue.Permanent(fmt.Errorf("%w: date_after %q: %v", custom_errors.ErrInvalidPayload, args.DateAfter, err))
		}
		cutoff = t
	}
	l := jc.Logger.With("channel_id", args.ChannelID)

	if args.Continuation == "" {
		if err := w.startChannel(jc, args.ChannelID, l); err != nil {
			if errors.Is(err, custom_errors.ErrNotFound) {
				return jobqueue.Continuation{}, jobqueue.Permanent(err)
			}
			return jobqueue.Continuation{}, err
		}
	}

	src, release := w.source(jc.Ctx, l)
	res, err := w.ingestPage(jc, src, args, cutoff, l)
	release(err)
	if err != nil {
		return jobqueue.Continuation{}, err
	}
	l.Info("uploads page ingested", "written", res.written, "failed", res.failed, "done", res.done)

	if res.done {
		if err := w.finishChannel(jc.Ctx, jc.Session, args.ChannelID, l); err != nil {
			return jobqueue.Continuation{}, err
		}
		return jobqueue.Finished(), nil
	}
	next := IngestArgs{ChannelID: args.ChannelID, DateAfter: args.DateAfter, Continuation: res.nextToken}
	return jobqueue.ContinueWith(next,
		jobqueue.WithJobID(IngestJobID(args.ChannelID)),
		jobqueue.WithPriority(types.PriorityNormal),
	), nil
}

// startChannel flags the channel as updating. A retried first page finds the flag already set
// and does not announce the start again.
func (w *Workers) startChannel(jc *jobqueue.JobContext, channelID string, l *log.Logger) error {
	if jc.Job.Attempts > 1 {
		ch, err := jc.Session.GetChannel(jc.Ctx, channelID)
		if err != nil {
			return err
		}
		if ch.Updating {
			return nil
		}
	}
	if err := jc.Session.SetChannelUpdating(jc.Ctx, channelID, true); err != nil {
		return err
	}
	notify.Emit(jc.Ctx, w.bus, l, constants.TopicChannels, types.ChannelEvent{ChannelID: channelID, Updating: true})
	return nil
}

func (w *Workers) ingestPage(jc *jobqueue.JobContext, src youtube.Source, args IngestArgs, cutoff time.Time, l *log.Logger) (pageResult, error) {
	page, err := src.Uploads(jc.Ctx, args.ChannelID, args.Continuation)
	if err != nil {
		return pageResult{}, fmt.Errorf("uploads page %q: %w", args.Continuation, err)
	}
	if len(page.Items) == 0 {
		return pageResult{done: true}, nil
	}

	res := pageResult{nextToken: page.NextToken}
	items := make([]youtube.UploadItem, 0, len(page.Items))
	for _, item := range page.Items {
		if !cutoff.IsZero() && !item.PublishedAt.IsZero() && item.PublishedAt.Before(cutoff) {
			res.done = true
			break
		}
		items = append(items, item)
	}

	details := make([]*youtube.VideoDetails, len(items))
	var g errgroup.Group
	g.SetLimit(w.opts.IngestConcurrency)
	for i, item := range items {
		g.Go(func() error {
			d, err := src.VideoDetails(jc.Ctx, item.VideoID)
			if err != nil {
				l.Warn("video details unavailable, skipping", "video_id", item.VideoID, "err", err)
				return nil
			}
			details[i] = d
			return nil
		})
	}
	_ = g.Wait()
	if err := jc.Canceled(); err != nil {
		return res, err
	}

	for _, d := range details {
		if d == nil {
			res.failed++
			continue
		}
		if d.ChannelID == "" {
			d.ChannelID = args.ChannelID
		}
		if err := w.upsertVideo(jc.Ctx, jc.Session, d); err != nil {
			return res, fmt.Errorf("upsert video %s: %w", d.ID, err)
		}
		res.written++
	}

	if page.NextToken == "" || (len(items) > 0 && res.failed == len(items)) {
		res.done = true
	}
	return res, nil
}

// upsertVideo inserts or refreshes one video. published_at moves only when the title or
// thumbnail changed.
func (w *Workers) upsertVideo(ctx context.Context, session store.Session, d *youtube.VideoDetails) error {
	return session.InTx(ctx, func(tx store.CatalogStore) error {
		category, err := tx.GetOrCreateCategory(ctx, d.Category)
		if err != nil {
			return fmt.Errorf("category %q: %w", d.Category, err)
		}
		now := w.now().UTC()

		existing, err := tx.GetVideo(ctx, d.ID)
		if errors.Is(err, custom_errors.ErrNotFound) {
			return tx.CreateVideo(ctx, &types.Video{
				ID:          d.ID,
				Title:       d.Title,
				Description: d.Description,
				Thumbnail:   d.Thumbnail,
				ChannelID:   d.ChannelID,
				CategoryID:  category.ID,
				PublishedAt: d.PublishedAt,
				UpdatedAt:   now,
			})
		}
		if err != nil {
			return err
		}

		updated := *existing
		if existing.Title != d.Title || existing.Thumbnail != d.Thumbnail {
			updated.PublishedAt = d.PublishedAt
		}
		updated.Title = d.Title
		updated.Description = d.Description
		updated.Thumbnail = d.Thumbnail
		updated.CategoryID = category.ID
		if updated == *existing {
			return nil
		}
		updated.UpdatedAt = now
		return tx.UpdateVideo(ctx, &updated)
	})
}

type ReleaseArgs struct {
	ChannelID string `json:"channel_id"`
}

func ReleaseJobID(channelID string) string {
	return "release:" + channelID
}

// ReleaseChannel marks a channel idle after its ingestion chain was canceled or failed for good.
// The last sync stamp is left alone so the stale refresh picks the channel up again.
func (w *Workers) ReleaseChannel(jc *jobqueue.JobContext) (jobqueue.Continuation, error) {
	var args ReleaseArgs
	if err := jc.Bind(&args); err != nil {
		return jobqueue.Continuation{}, err
	}
	if args.ChannelID == "" {
		return jobqueue.Continuation{}, jobqueue.Permanent(fmt.Errorf("%w: channel_id is required", custom_errors.ErrInvalidPayload))
	}
	l := jc.Logger.With("channel_id", args.ChannelID)
	err := jc.Session.SetChannelUpdating(jc.Ctx, args.ChannelID, false)
	if errors.Is(err, custom_errors.ErrNotFound) {
		l.Info("channel is gone, nothing to release")
		return jobqueue.Finished(), nil
	}
	if err != nil {
		return jobqueue.Continuation{}, err
	}
	notify.Emit(jc.Ctx, w.bus, l, constants.TopicChannels, types.ChannelEvent{ChannelID: args.ChannelID, Updating: false})
	return jobqueue.Finished(), nil
}

// abandonIngest queues a release for an ingestion job that will not run to completion.
func (w *Workers) abandonIngest(job *types.Job) {
	if job.Name != IngestChannelJob {
		return
	}
	var args IngestArgs
	if err := json.Unmarshal(job.Payload, &args); err != nil || args.ChannelID == "" {
		w.logger.Warn("ingest job without a channel, nothing to release", "job_id", job.ID)
		return
	}
	_, err := w.queue.Enqueue(context.Background(), ReleaseChannelJob, ReleaseArgs{ChannelID: args.ChannelID},
		jobqueue.WithJobID(ReleaseJobID(args.ChannelID)), jobqueue.WithPriority(types.PriorityFront))
	if err != nil && !errors.Is(err, custom_errors.ErrDuplicateJob) {
		w.logger.Error("queue channel release", "channel_id", args.ChannelID, "err", err)
	}
}

// finishChannel marks the channel idle and tells subscribers the ingestion is over.
func (w *Workers) finishChannel(ctx context.Context, session store.Session, channelID string, l *log.Logger) error {
	if err := session.FinishChannelSync(ctx, channelID, w.now().UTC()); err != nil {
		l.Error("finish channel sync", "err", err)
		return err
	}
	notify.Emit(ctx, w.bus, l, constants.TopicChannels, types.ChannelEvent{ChannelID: channelID, Updating: false})
	return nil
}
