// Package jobqueue is the durable job queue: enqueue, dependencies, retries, continuations and
// cancellation on top of a store.JobStore.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/constants"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/state"
	"github.com/RezaEskandarii/tubefire/internal/store"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	DefaultWorkerCount      = 1
	DefaultPollInterval     = 2 * time.Second
	DefaultStaleLockTimeout = 5 * time.Minute
	// DefaultHeartbeatInterval is how often a running job refreshes its lock.
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSyncTimeout      = 2 * time.Minute
)

// DefaultBackoff is used for jobs enqueued without WithRetry.
var DefaultBackoff = []time.Duration{10 * time.Second, time.Minute, 5 * time.Minute}

type Options struct {
	// Instance identifies this process in locked_by and in cancel messages.
	Instance         string
	WorkerCount      int
	PollInterval     time.Duration
	// StaleLockTimeout is raised to at least three heartbeats so a live job is never reclaimed.
	StaleLockTimeout  time.Duration
	HeartbeatInterval time.Duration
	MaxAttempts      int
	Backoff          []time.Duration
	// Synchronous makes Enqueue run the job and its continuations inline.
	Synchronous bool
	SyncTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Instance == "" {
		o.Instance = uuid.NewString()
	}
	if o.WorkerCount < 1 {
		o.WorkerCount = DefaultWorkerCount
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StaleLockTimeout <= 0 {
		o.StaleLockTimeout = DefaultStaleLockTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.StaleLockTimeout < 3*o.HeartbeatInterval {
		o.StaleLockTimeout = 3 * o.HeartbeatInterval
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = constants.MaxRetryAttempt
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = DefaultSyncTimeout
	}
	return o
}

type cancelRequest struct {
	JobID  string `json:"job_id"`
	Origin string `json:"origin"`
}

type runningJob struct {
	job    *types.Job
	cancel context.CancelFunc
}

type Queue struct {
	store    store.JobStore
	sessions store.SessionFactory
	bus      notify.Bus
	registry *Registry
	logger   *log.Logger
	opts     Options
	now      func() time.Time

	mu       sync.Mutex
	running  map[string]runningJob
	preludes []Prelude
	onFail   []FailureFunc
	onCancel []CancelHook
	wake     chan struct{}
}

// New creates a queue. bus may be nil, in which case no events are published and
// cancellation only reaches jobs running in this process.
func New(jobs store.JobStore, sessions store.SessionFactory, bus notify.Bus, l *log.Logger, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		store:    jobs,
		sessions: sessions,
		bus:      bus,
		registry: NewRegistry(),
		logger:   logger.With(l, "component", "jobqueue", "instance", opts.Instance),
		opts:     opts,
		now:      time.Now,
		running:  make(map[string]runningJob),
		wake:     make(chan struct{}, 1),
	}
}

func (q *Queue) Register(name string, h HandlerFunc) error {
	return q.registry.Register(name, h)
}

func (q *Queue) Handlers() []string {
	return q.registry.List()
}

// Use adds a prelude that runs before every job body.
func (q *Queue) Use(p Prelude) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.preludes = append(q.preludes, p)
}

// OnFailure registers a callback for jobs that failed for good.
func (q *Queue) OnFailure(fn FailureFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFail = append(q.onFail, fn)
}

// OnCancel registers a callback for jobs removed by Cancel.
func (q *Queue) OnCancel(fn CancelHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onCancel = append(q.onCancel, fn)
}

func (q *Queue) Synchronous() bool {
	return q.opts.Synchronous
}

func (q *Queue) build(name string, args any, opts []EnqueueOption) (*types.Job, error) {
	if !q.registry.Exists(name) {
		return nil, fmt.Errorf("%w: %s", custom_errors.ErrHandlerNotFound, name)
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", custom_errors.ErrInvalidPayload, err)
	}
	job := &types.Job{
		Name:        name,
		Payload:     payload,
		Priority:    types.PriorityNormal,
		MaxAttempts: q.opts.MaxAttempts,
		Backoff:     q.opts.Backoff,
		ScheduledAt: q.now(),
	}
	for _, opt := range opts {
		opt(job)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = state.StatusQueued
	if len(job.DependsOn) > 0 {
		job.Status = state.StatusDeferred
	}
	return job, nil
}

// Enqueue stores a new job. In synchronous mode a due job runs before Enqueue returns and the
// returned job reflects its final state.
func (q *Queue) Enqueue(ctx context.Context, name string, args any, opts ...EnqueueOption) (*types.Job, error) {
	job, err := q.build(name, args, opts)
	if err != nil {
		return nil, err
	}
	stored, err := q.store.Insert(ctx, job)
	if err != nil {
		return nil, err
	}
	q.logger.Debug("job enqueued", "job_id", stored.ID, "job", stored.Name, "status", stored.Status)
	q.signal()

	if !q.opts.Synchronous {
		return stored, nil
	}
	if err := q.runInline(ctx, stored.ID); err != nil {
		return stored, err
	}
	if final, err := q.store.FindByID(ctx, stored.ID); err == nil {
		return final, nil
	}
	return stored, nil
}

// Cancel removes the job whatever its state and stops it if it is running anywhere.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	job, err := q.store.FindByID(ctx, id)
	if err != nil && !errors.Is(err, custom_errors.ErrJobNotFound) {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	removed, err := q.store.Remove(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	local, stopped := q.stopLocal(id)
	if !removed && !stopped {
		return fmt.Errorf("%w: %s", custom_errors.ErrJobNotFound, id)
	}
	if job == nil {
		job = local
	}
	if job != nil && !job.Status.IsTerminal() {
		q.fireCancel(job)
	}
	notify.Emit(ctx, q.bus, q.logger, constants.TopicJobCancel, cancelRequest{JobID: id, Origin: q.opts.Instance})
	notify.Emit(ctx, q.bus, q.logger, constants.TopicJobs, types.JobStatusEvent{JobID: id, Status: state.StatusCanceled})
	q.logger.Info("job canceled", "job_id", id, "was_running_here", stopped)
	return nil
}

func (q *Queue) Find(ctx context.Context, id string) (*types.Job, error) {
	return q.store.FindByID(ctx, id)
}

func (q *Queue) List(ctx context.Context, page, pageSize int, status state.JobStatus) (*types.PaginationResult[types.Job], error) {
	return q.store.GetAll(ctx, page, pageSize, status)
}

func (q *Queue) Stats(ctx context.Context) (map[state.JobStatus]int, error) {
	return q.store.CountAllJobsGroupedByStatus(ctx)
}

func (q *Queue) track(job *types.Job, cancel context.CancelFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running[job.ID] = runningJob{job: job, cancel: cancel}
}

func (q *Queue) untrack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, id)
}

func (q *Queue) stopLocal(id string) (*types.Job, bool) {
	q.mu.Lock()
	r, ok := q.running[id]
	q.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.cancel()
	return r.job, true
}

func (q *Queue) fireCancel(job *types.Job) {
	q.mu.Lock()
	hooks := slices.Clone(q.onCancel)
	q.mu.Unlock()

	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("cancel callback panicked", "job_id", job.ID, "panic", r)
				}
			}()
			fn(job)
		}()
	}
}

// Running reports whether the job is executing in this process.
func (q *Queue) Running(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.running[id]
	return ok
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) emit(ctx context.Context, job *types.Job, status state.JobStatus, err error) {
	ev := types.JobStatusEvent{JobID: job.ID, Name: job.Name, Status: status}
	if err != nil {
		ev.Error = err.Error()
	}
	notify.Emit(ctx, q.bus, q.logger, constants.TopicJobs, ev)
}

// listenForCancels stops local jobs canceled by other processes.
func (q *Queue) listenForCancels(ctx context.Context) {
	if q.bus == nil {
		return
	}
	msgs, err := q.bus.Subscribe(ctx, constants.TopicJobCancel)
	if err != nil {
		q.logger.Warn("cancel notifications unavailable", "err", err)
		return
	}
	go func() {
		for msg := range msgs {
			var req cancelRequest
			if err := msg.Decode(&req); err != nil {
				q.logger.Warn("bad cancel message", "err", err)
				continue
			}
			if req.Origin == q.opts.Instance {
				continue
			}
			if _, ok := q.stopLocal(req.JobID); ok {
				q.logger.Info("job canceled remotely", "job_id", req.JobID, "origin", req.Origin)
			}
		}
	}()
}

func isDuplicate(err error) bool {
	return errors.Is(err, custom_errors.ErrDuplicateJob)
}

// Scheduled lists pending instances of recurring entries.
func (q *Queue) Scheduled(ctx context.Context) ([]types.ScheduledInstance, error) {
	return q.store.ListScheduled(ctx)
}
