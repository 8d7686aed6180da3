package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/internal/state"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"
)

// Start runs the dispatch loop until ctx is done. It returns ctx.Err() after every running job
// has returned and its outcome has been recorded.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.unlockStale(ctx); err != nil {
		return err
	}
	lastUnlock := q.now()
	q.listenForCancels(ctx)

	results := make(chan types.JobResult, q.opts.WorkerCount)
	processed := make(chan struct{})
	go q.startResultProcessor(context.WithoutCancel(ctx), results, processed)

	sem := semaphore.NewWeighted(int64(q.opts.WorkerCount))
	var wg sync.WaitGroup

	q.logger.Info("dispatch loop started", "workers", q.opts.WorkerCount, "handlers", q.registry.List())
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if q.now().Sub(lastUnlock) >= q.opts.StaleLockTimeout {
			if err := q.unlockStale(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("stale lock sweep failed", "err", err)
			}
			lastUnlock = q.now()
		}
		job, err := q.claimNext(ctx)
		if err != nil && ctx.Err() == nil {
			q.logger.Error("claim failed", "err", err)
		}
		if job == nil {
			sem.Release(1)
			if !q.idle(ctx) {
				break
			}
			continue
		}
		wg.Add(1)
		go q.handleJob(ctx, sem, &wg, job, results)
	}

	wg.Wait()
	close(results)
	<-processed
	q.logger.Info("dispatch loop stopped")
	return ctx.Err()
}

// unlockStale requeues jobs of workers that stopped refreshing their locks.
func (q *Queue) unlockStale(ctx context.Context) error {
	n, err := q.store.UnlockStaleJobs(ctx, q.opts.StaleLockTimeout)
	if err != nil {
		return fmt.Errorf("unlock stale jobs: %w", err)
	}
	if n > 0 {
		q.logger.Warn("requeued jobs with stale locks", "count", n)
	}
	return nil
}

// idle waits for the poll interval or a wake-up. It returns false once ctx is done.
func (q *Queue) idle(ctx context.Context) bool {
	timer := time.NewTimer(q.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-q.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (q *Queue) claimNext(ctx context.Context) (*types.Job, error) {
	q.resolveDeferred(ctx)
	return q.store.ClaimNext(ctx, q.opts.Instance, q.now())
}

func (q *Queue) resolveDeferred(ctx context.Context) {
	promoted, failed, err := q.store.ResolveDeferred(ctx)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("resolve deferred jobs", "err", err)
		}
		return
	}
	if promoted > 0 {
		q.logger.Debug("deferred jobs released", "count", promoted)
	}
	for i := range failed {
		job := &failed[i]
		cause := errors.New(job.LastError)
		q.logger.Warn("job failed without running", "job_id", job.ID, "job", job.Name, "err", cause)
		q.emit(ctx, job, state.StatusFailed, cause)
		q.fireFailure(job, cause)
	}
}

func (q *Queue) handleJob(ctx context.Context, sem *semaphore.Weighted, wg *sync.WaitGroup, job *types.Job, results chan<- types.JobResult) {
	defer func() {
		sem.Release(1)
		wg.Done()
	}()
	results <- q.execute(ctx, job)
}

func (q *Queue) startResultProcessor(ctx context.Context, results <-chan types.JobResult, done chan<- struct{}) {
	defer close(done)
	for res := range results {
		q.finish(ctx, res)
	}
}

// runInline executes id and whatever continuations it produces, as long as they are due.
func (q *Queue) runInline(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, q.opts.SyncTimeout)
	defer cancel()

	for ctx.Err() == nil {
		q.resolveDeferred(ctx)
		job, err := q.store.ClaimByID(ctx, id, q.opts.Instance, q.now())
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		if next := q.finish(ctx, q.execute(ctx, job)); next != nil {
			id = next.ID
		}
	}
	return ctx.Err()
}

// execute runs one claimed job. It never panics and always releases the job's session.
func (q *Queue) execute(parent context.Context, job *types.Job) (res types.JobResult) {
	res = types.JobResult{Job: job, Status: state.StatusFailed}

	ctx, cancel := context.WithCancel(parent)
	q.track(job, cancel)
	defer q.untrack(job.ID)
	defer cancel()

	l := logger.With(q.logger, "job_id", job.ID, "job", job.Name, "attempt", job.Attempts)
	beat := make(chan struct{})
	defer close(beat)
	go q.heartbeat(ctx, job, beat, l)

	handler, ok := q.registry.Get(job.Name)
	if !ok {
		res.Err = Permanent(fmt.Errorf("%w: %s", custom_errors.ErrHandlerNotFound, job.Name))
		return res
	}
	q.emit(ctx, job, state.StatusProcessing, nil)
	q.runPreludes(ctx, job, l)

	session, err := q.sessions.OpenSession(ctx)
	if err != nil {
		res.Err = fmt.Errorf("open session: %w", err)
		return res
	}
	defer func() {
		if err := session.Close(); err != nil {
			l.Warn("close session", "err", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			l.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			res.Status, res.Next = state.StatusFailed, nil
			res.Err = fmt.Errorf("panic: %v", r)
		}
	}()

	cont, err := handler(&JobContext{Ctx: ctx, Job: job, Session: session, Logger: l})
	if err != nil {
		res.Err = err
		return res
	}
	if !cont.Done && cont.Next != nil {
		next, err := q.build(nameOr(cont.Next.Name, job.Name), cont.Next.Args, cont.Next.Options)
		if err != nil {
			res.Err = Permanent(err)
			return res
		}
		res.Next = next
	}
	res.Status = state.StatusSucceeded
	return res
}

// heartbeat keeps the job's lock fresh until done is closed.
func (q *Queue) heartbeat(ctx context.Context, job *types.Job, done <-chan struct{}, l *log.Logger) {
	ticker := time.NewTicker(q.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := q.store.Touch(ctx, job, q.opts.Instance, q.now())
			if errors.Is(err, custom_errors.ErrJobNotFound) {
				l.Debug("job lock gone; heartbeat stopped")
				return
			}
			if err != nil && ctx.Err() == nil {
				l.Warn("refresh job lock", "err", err)
			}
		}
	}
}

func (q *Queue) runPreludes(ctx context.Context, job *types.Job, l *log.Logger) {
	q.mu.Lock()
	preludes := slices.Clone(q.preludes)
	q.mu.Unlock()

	for _, prelude := range preludes {
		cont, err := prelude(ctx, job)
		if err != nil {
			l.Warn("prelude failed", "err", err)
			continue
		}
		if cont.Done || cont.Next == nil {
			continue
		}
		opts := append(slices.Clone(cont.Next.Options), DependsOn(job.ID), AllowDependencyFailure())
		next, err := q.build(nameOr(cont.Next.Name, job.Name), cont.Next.Args, opts)
		if err != nil {
			l.Warn("prelude continuation rejected", "err", err)
			continue
		}
		if _, err := q.store.Insert(ctx, next); err != nil {
			if isDuplicate(err) {
				l.Debug("prelude continuation already pending", "next_id", next.ID)
			} else {
				l.Warn("prelude continuation not stored", "next_id", next.ID, "err", err)
			}
			continue
		}
		l.Debug("prelude continuation stored", "next_id", next.ID, "scheduled_at", next.ScheduledAt)
	}
}

// finish records the outcome of a run and returns the continuation that was stored, if any.
func (q *Queue) finish(ctx context.Context, res types.JobResult) *types.Job {
	job := res.Job
	l := logger.With(q.logger, "job_id", job.ID, "job", job.Name, "attempt", job.Attempts)
	if !state.IsValidTransition(job.Status, res.Status) {
		l.Error("invalid job transition", "from", job.Status, "to", res.Status)
		return nil
	}
	defer q.signal()

	if res.Status != state.StatusSucceeded {
		q.fail(ctx, l, job, res.Err)
		return nil
	}

	err := q.store.MarkSuccess(ctx, job, res.Next)
	switch {
	case errors.Is(err, custom_errors.ErrJobNotFound):
		l.Info("job was canceled while running; result discarded")
		return nil
	case isDuplicate(err):
		l.Info("job succeeded; continuation already pending", "next_id", res.Next.ID)
		q.emit(ctx, job, state.StatusSucceeded, nil)
		return nil
	case err != nil:
		l.Error("could not record success", "err", err)
		return nil
	}
	l.Info("job succeeded", "continued", res.Next != nil)
	q.emit(ctx, job, state.StatusSucceeded, nil)
	return res.Next
}

func (q *Queue) fail(ctx context.Context, l *log.Logger, job *types.Job, cause error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	if !IsPermanent(cause) && !job.LastAttempt() {
		delay := job.RetryDelay(job.Attempts)
		if err := q.store.MarkRetry(ctx, job, cause.Error(), q.now().Add(delay)); err != nil {
			q.recordError(l, err)
			return
		}
		l.Warn("job failed; will retry", "err", cause, "retry_in", delay)
		q.emit(ctx, job, state.StatusRetrying, cause)
		return
	}

	if err := q.store.MarkFailure(ctx, job, cause.Error()); err != nil {
		q.recordError(l, err)
		return
	}
	l.Error("job failed", "err", cause, "permanent", IsPermanent(cause))
	q.emit(ctx, job, state.StatusFailed, cause)
	q.fireFailure(job, cause)
}

func (q *Queue) recordError(l *log.Logger, err error) {
	if errors.Is(err, custom_errors.ErrJobNotFound) {
		l.Info("job was canceled while running; result discarded")
		return
	}
	l.Error("could not record job result", "err", err)
}

func (q *Queue) fireFailure(job *types.Job, err error) {
	q.mu.Lock()
	callbacks := slices.Clone(q.onFail)
	q.mu.Unlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("failure callback panicked", "job_id", job.ID, "panic", r)
				}
			}()
			fn(job, err)
		}()
	}
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
