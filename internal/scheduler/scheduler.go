// Package scheduler turns cron expressions into self-chaining queue jobs. Each firing enqueues the
// next one before its own body runs, so the chain survives restarts without a separate ticker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/constants"
	"github.com/RezaEskandarii/tubefire/internal/jobqueue"
	"github.com/RezaEskandarii/tubefire/internal/lock"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

const DefaultOwnerRetryInterval = 30 * time.Second

// Queue is the part of the job queue the scheduler drives.
type Queue interface {
	Enqueue(ctx context.Context, name string, args any, opts ...jobqueue.EnqueueOption) (*types.Job, error)
	Cancel(ctx context.Context, id string) error
	Scheduled(ctx context.Context) ([]types.ScheduledInstance, error)
	Use(p jobqueue.Prelude)
}

type Options struct {
	// Location is the fixed zone cron expressions are evaluated in. Defaults to UTC.
	Location           *time.Location
	OwnerRetryInterval time.Duration
}

type entry struct {
	types.ScheduledEntry
	schedule cron.Schedule
}

// EntryInfo is an entry with its next firing, for listings.
type EntryInfo struct {
	types.ScheduledEntry
	Next time.Time `json:"next"`
}

type Scheduler struct {
	queue  Queue
	locks  lock.DistributedLockManager
	logger *log.Logger
	loc    *time.Location
	retry  time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	owner   bool
}

// New creates a scheduler and installs its chaining prelude on queue.
func New(queue Queue, locks lock.DistributedLockManager, l *log.Logger, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.OwnerRetryInterval <= 0 {
		opts.OwnerRetryInterval = DefaultOwnerRetryInterval
	}
	s := &Scheduler{
		queue:   queue,
		locks:   locks,
		logger:  logger.With(l, "component", "scheduler"),
		loc:     opts.Location,
		retry:   opts.OwnerRetryInterval,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	queue.Use(s.prelude)
	return s
}

func parse(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", custom_errors.ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// NextFire returns the first firing of expr strictly after now, evaluated in loc.
func NextFire(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return sched.Next(now.In(loc)), nil
}

// InstanceID names the firing of entry at t.
func InstanceID(entry string, t time.Time) string {
	return fmt.Sprintf("cron:%s:%d", entry, t.Unix())
}

func (s *Scheduler) Add(e types.ScheduledEntry) error {
	if e.Name == "" || e.Target == "" {
		return errors.New("schedule entry needs a name and a target job")
	}
	sched, err := parse(e.Expression)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", e.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.Name]; exists {
		return fmt.Errorf("schedule '%s' already registered", e.Name)
	}
	s.entries[e.Name] = entry{ScheduledEntry: e, schedule: sched}
	return nil
}

func (s *Scheduler) lookup(name string) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	return e, ok
}

func (s *Scheduler) sorted() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Entries() []EntryInfo {
	now := s.now().In(s.loc)
	var out []EntryInfo
	for _, e := range s.sorted() {
		out = append(out, EntryInfo{ScheduledEntry: e.ScheduledEntry, Next: e.schedule.Next(now)})
	}
	return out
}

// Owner reports whether this process holds the bootstrap guard.
func (s *Scheduler) Owner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Start waits until this process owns the schedule, then bootstraps every chain. Standby processes
// keep retrying so one of them takes over when the owner goes away.
func (s *Scheduler) Start(ctx context.Context) error {
	for {
		ok, err := s.locks.TryAcquire(constants.SchedulerOwnerLock)
		if err != nil {
			s.logger.Warn("scheduler guard unavailable", "err", err)
		}
		if ok {
			s.mu.Lock()
			s.owner = true
			s.mu.Unlock()
			return s.bootstrap(ctx)
		}
		s.logger.Debug("schedule owned elsewhere; standing by", "retry_in", s.retry)

		timer := time.NewTimer(s.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) bootstrap(ctx context.Context) error {
	if err := s.cancelManifest(ctx); err != nil {
		return err
	}
	now := s.now().In(s.loc)
	for _, e := range s.sorted() {
		next := e.schedule.Next(now)
		_, err := s.queue.Enqueue(ctx, e.Target, e.Args,
			jobqueue.WithJobID(InstanceID(e.Name, next)),
			jobqueue.At(next),
			jobqueue.InSchedule(e.Name),
		)
		if err != nil && !errors.Is(err, custom_errors.ErrDuplicateJob) {
			return fmt.Errorf("bootstrap schedule %s: %w", e.Name, err)
		}
		s.logger.Info("schedule armed", "entry", e.Name, "target", e.Target, "next", next)
	}
	return nil
}

func (s *Scheduler) cancelManifest(ctx context.Context) error {
	manifest, err := s.queue.Scheduled(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled jobs: %w", err)
	}
	var errs []error
	for _, inst := range manifest {
		if err := s.queue.Cancel(ctx, inst.JobID); err != nil && !errors.Is(err, custom_errors.ErrJobNotFound) {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("scheduled job canceled", "job_id", inst.JobID, "entry", inst.Entry)
	}
	return errors.Join(errs...)
}

// prelude chains the next firing of a scheduled job unless another instance of its entry is
// already pending.
func (s *Scheduler) prelude(ctx context.Context, job *types.Job) (jobqueue.Continuation, error) {
	if job.Schedule == "" {
		return jobqueue.Finished(), nil
	}
	e, ok := s.lookup(job.Schedule)
	if !ok {
		s.logger.Warn("job belongs to an unknown schedule; chain ends", "job_id", job.ID, "entry", job.Schedule)
		return jobqueue.Finished(), nil
	}
	manifest, err := s.queue.Scheduled(ctx)
	if err != nil {
		return jobqueue.Continuation{}, err
	}
	for _, inst := range manifest {
		if inst.Entry == e.Name && inst.JobID != job.ID {
			return jobqueue.Finished(), nil
		}
	}

	next := e.schedule.Next(s.now().In(s.loc))
	return jobqueue.Continuation{Next: &jobqueue.Next{
		Name: e.Target,
		Args: e.Args,
		Options: []jobqueue.EnqueueOption{
			jobqueue.WithJobID(InstanceID(e.Name, next)),
			jobqueue.At(next),
			jobqueue.InSchedule(e.Name),
			jobqueue.WithPriority(types.PriorityNormal),
		},
	}}, nil
}

// Stop cancels every pending chain job and gives up ownership. Standby processes have nothing to do.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	owner := s.owner
	s.owner = false
	s.mu.Unlock()
	if !owner {
		return nil
	}

	err := s.cancelManifest(ctx)
	if rerr := s.locks.Release(constants.SchedulerOwnerLock); rerr != nil {
		err = errors.Join(err, rerr)
	}
	s.logger.Info("scheduler stopped")
	return err
}
