// Package memory holds in-process store implementations used by the "memory" storage driver and by tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/state"
	"github.com/RezaEskandarii/tubefire/types"
)

type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*types.Job
	seq  int64
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*types.Job)}
}

func cloneJob(j *types.Job) *types.Job {
	cp := *j
	cp.DependsOn = slices.Clone(j.DependsOn)
	cp.Backoff = slices.Clone(j.Backoff)
	cp.Payload = slices.Clone(j.Payload)
	return &cp
}

func (s *JobStore) insertLocked(job *types.Job) (*types.Job, error) {
	if existing, ok := s.jobs[job.ID]; ok && !existing.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", custom_errors.ErrDuplicateJob, job.ID)
	}
	cp := cloneJob(job)
	s.seq++
	cp.Seq = s.seq
	cp.CreatedAt = time.Now()
	if cp.ScheduledAt.IsZero() {
		cp.ScheduledAt = cp.CreatedAt
	}
	if cp.Status == "" {
		cp.Status = state.StatusQueued
	}
	cp.Attempts = 0
	cp.LockedBy, cp.LockedAt, cp.StartedAt, cp.FinishedAt = nil, nil, nil, nil
	s.jobs[cp.ID] = cp
	return cloneJob(cp), nil
}

func (s *JobStore) Insert(_ context.Context, job *types.Job) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(job)
}

func (s *JobStore) FindByID(_ context.Context, id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", custom_errors.ErrJobNotFound, id)
	}
	return cloneJob(j), nil
}

func (s *JobStore) Remove(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok, nil
}

func (s *JobStore) ordered() []*types.Job {
	out := make([]*types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out
}

func (s *JobStore) ResolveDeferred(_ context.Context) (int, []types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	promoted := 0
	var failed []types.Job
	for _, j := range s.ordered() {
		if j.Status != state.StatusDeferred {
			continue
		}
		depFailed, pending := false, false
		for _, id := range j.DependsOn {
			dep, ok := s.jobs[id]
			switch {
			case !ok || dep.Status == state.StatusFailed || dep.Status == state.StatusCanceled:
				depFailed = true
			case !dep.Status.IsTerminal():
				pending = true
			}
		}
		switch {
		case depFailed && !j.AllowDependencyFailure:
			j.Status = state.StatusFailed
			j.LastError = "dependency failed"
			j.FinishedAt = &now
			failed = append(failed, *cloneJob(j))
		case !pending:
			j.Status = state.StatusQueued
			promoted++
		}
	}
	return promoted, failed, nil
}

func (s *JobStore) claimLocked(j *types.Job, lockedBy string, now time.Time) *types.Job {
	j.Status = state.StatusProcessing
	j.Attempts++
	owner := lockedBy
	j.LockedBy = &owner
	j.LockedAt = &now
	j.StartedAt = &now
	return cloneJob(j)
}

func (s *JobStore) ClaimNext(_ context.Context, lockedBy string, now time.Time) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *types.Job
	for _, j := range s.jobs {
		if !j.Due(now) {
			continue
		}
		if next == nil || j.Priority > next.Priority || (j.Priority == next.Priority && j.Seq < next.Seq) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	return s.claimLocked(next, lockedBy, now), nil
}

func (s *JobStore) ClaimByID(_ context.Context, id, lockedBy string, now time.Time) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || !j.Due(now) {
		return nil, nil
	}
	return s.claimLocked(j, lockedBy, now), nil
}

func (s *JobStore) runningLocked(job *types.Job) (*types.Job, error) {
	j, ok := s.jobs[job.ID]
	if !ok || j.Seq != job.Seq {
		return nil, fmt.Errorf("%w: %s", custom_errors.ErrJobNotFound, job.ID)
	}
	return j, nil
}

func (s *JobStore) MarkSuccess(_ context.Context, job *types.Job, next *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.runningLocked(job)
	if err != nil {
		return err
	}
	now := time.Now()
	j.Status = state.StatusSucceeded
	j.FinishedAt = &now
	j.LockedBy, j.LockedAt = nil, nil
	if next != nil {
		if _, err := s.insertLocked(next); err != nil {
			return err
		}
	}
	return nil
}

func (s *JobStore) MarkRetry(_ context.Context, job *types.Job, errMsg string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.runningLocked(job)
	if err != nil {
		return err
	}
	j.Status = state.StatusRetrying
	j.LastError = errMsg
	j.ScheduledAt = retryAt
	j.LockedBy, j.LockedAt = nil, nil
	return nil
}

func (s *JobStore) MarkFailure(_ context.Context, job *types.Job, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.runningLocked(job)
	if err != nil {
		return err
	}
	now := time.Now()
	j.Status = state.StatusFailed
	j.LastError = errMsg
	j.FinishedAt = &now
	j.LockedBy, j.LockedAt = nil, nil
	return nil
}

func (s *JobStore) Touch(_ context.Context, job *types.Job, lockedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.runningLocked(job)
	if err != nil {
		return err
	}
	if j.Status != state.StatusProcessing || j.LockedBy == nil || *j.LockedBy != lockedBy {
		return fmt.Errorf("%w: %s", custom_errors.ErrJobNotFound, job.ID)
	}
	j.LockedAt = &at
	return nil
}

func (s *JobStore) UnlockStaleJobs(_ context.Context, timeout time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var n int64
	for _, j := range s.jobs {
		if j.Status == state.StatusProcessing && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			j.Status = state.StatusQueued
			j.LockedBy, j.LockedAt = nil, nil
			n++
		}
	}
	return n, nil
}

func (s *JobStore) ListScheduled(_ context.Context) ([]types.ScheduledInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.ScheduledInstance
	for _, j := range s.ordered() {
		if j.Schedule != "" && j.Status.IsPending() {
			out = append(out, types.ScheduledInstance{JobID: j.ID, Entry: j.Schedule, ScheduledAt: j.ScheduledAt})
		}
	}
	return out, nil
}

func (s *JobStore) GetAll(_ context.Context, page int, pageSize int, status state.JobStatus) (*types.PaginationResult[types.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, pageSize, offset := types.NormalizePage(page, pageSize)
	var all []types.Job
	ordered := s.ordered()
	for i := len(ordered) - 1; i >= 0; i-- {
		if status == "" || ordered[i].Status == status {
			all = append(all, *cloneJob(ordered[i]))
		}
	}
	start := min(offset, len(all))
	end := min(start+pageSize, len(all))
	return types.NewPage(all[start:end], len(all), page, pageSize), nil
}

func (s *JobStore) CountAllJobsGroupedByStatus(_ context.Context) (map[state.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[state.JobStatus]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *JobStore) PruneFinished(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.FinishedAt != nil && j.FinishedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
