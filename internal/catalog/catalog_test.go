package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/jobqueue"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/store/memory"
	"github.com/RezaEskandarii/tubefire/internal/youtube"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu            sync.Mutex
	subscriptions map[string]youtube.SubscriptionPage
	subErrors     map[string]error
	uploads       map[string]youtube.UploadPage
	uploadErr     error
	details       map[string]youtube.VideoDetails
	detailCalls   []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		subscriptions: make(map[string]youtube.SubscriptionPage),
		subErrors:     make(map[string]error),
		uploads:       make(map[string]youtube.UploadPage),
		details:       make(map[string]youtube.VideoDetails),
	}
}

func (f *fakeSource) Subscriptions(_ context.Context, _ string, pageToken string) (*youtube.SubscriptionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.subErrors[pageToken]; err != nil {
		return nil, err
	}
	page := f.subscriptions[pageToken]
	return &page, nil
}

func (f *fakeSource) Uploads(_ context.Context, _ string, pageToken string) (*youtube.UploadPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	page := f.uploads[pageToken]
	return &page, nil
}

func (f *fakeSource) VideoDetails(_ context.Context, videoID string) (*youtube.VideoDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls = append(f.detailCalls, videoID)
	d, ok := f.details[videoID]
	if !ok {
		return nil, fmt.Errorf("%w: video %s", custom_errors.ErrNotFound, videoID)
	}
	return &d, nil
}

func (f *fakeSource) factory() youtube.SourceFactory {
	return func(*url.URL) youtube.Source { return f }
}

type enqueued struct {
	Name string
	ID   string
	Args any
}

// recordingQueue stands in for the job queue and refuses duplicate ids like the real one.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	ids  map[string]bool
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{ids: make(map[string]bool)}
}

func (q *recordingQueue) Enqueue(_ context.Context, name string, args any, opts ...jobqueue.EnqueueOption) (*types.Job, error) {
	job := &types.Job{Name: name}
	for _, opt := range opts {
		opt(job)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ids[job.ID] {
		return nil, fmt.Errorf("%w: %s", custom_errors.ErrDuplicateJob, job.ID)
	}
	q.ids[job.ID] = true
	q.jobs = append(q.jobs, enqueued{Name: name, ID: job.ID, Args: args})
	return job, nil
}

func (q *recordingQueue) named(name string) []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueued
	for _, j := range q.jobs {
		if j.Name == name {
			out = append(out, j)
		}
	}
	return out
}

func jobContext(t *testing.T, catalog *memory.CatalogStore, name string, args any) *jobqueue.JobContext {
	t.Helper()
	payload, err := json.Marshal(args)
	require.NoError(t, err)
	session, err := catalog.OpenSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return &jobqueue.JobContext{
		Ctx:     context.Background(),
		Job:     &types.Job{ID: "job-1", Name: name, Payload: payload, Attempts: 1, MaxAttempts: 3},
		Session: session,
		Logger:  logger.Discard(),
	}
}

func subscribe(t *testing.T, bus *notify.MemoryBus, topic string) <-chan notify.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := bus.Subscribe(ctx, topic)
	require.NoError(t, err)
	return ch
}

// drain collects what has been published so far.
func drain[T any](t *testing.T, ch <-chan notify.Message) []T {
	t.Helper()
	var out []T
	for {
		select {
		case msg := <-ch:
			var v T
			require.NoError(t, msg.Decode(&v))
			out = append(out, v)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
