package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/constants"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/state"
	"github.com/RezaEskandarii/tubefire/internal/store/memory"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, bus notify.Bus, opts Options) (*Queue, *memory.JobStore, *memory.CatalogStore) {
	t.Helper()
	jobs := memory.NewJobStore()
	catalog := memory.NewCatalogStore()
	opts.PollInterval = 10 * time.Millisecond
	return New(jobs, catalog, bus, logger.Discard(), opts), jobs, catalog
}

func startQueue(t *testing.T, q *Queue) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Start(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("dispatch loop did not stop")
			return nil
		}
	}
}

func noop(*JobContext) (Continuation, error) { return Finished(), nil }

func TestEnqueue_UnknownHandler(t *testing.T) {
	q, _, _ := newTestQueue(t, nil, Options{})

	_, err := q.Enqueue(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, custom_errors.ErrHandlerNotFound)
}

func TestEnqueue_DuplicateIDWhilePending(t *testing.T) {
	q, _, _ := newTestQueue(t, nil, Options{})
	require.NoError(t, q.Register("ingest", noop))

	_, err := q.Enqueue(context.Background(), "ingest", nil, WithJobID("ingest:UC1"))
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "ingest", nil, WithJobID("ingest:UC1"))
	assert.ErrorIs(t, err, custom_errors.ErrDuplicateJob)
}

func TestEnqueue_WithUnmetDependencyIsDeferred(t *testing.T) {
	q, _, _ := newTestQueue(t, nil, Options{})
	require.NoError(t, q.Register("x", noop))

	parent, err := q.Enqueue(context.Background(), "x", nil)
	require.NoError(t, err)
	child, err := q.Enqueue(context.Background(), "x", nil, DependsOn(parent.ID))
	require.NoError(t, err)

	assert.Equal(t, state.StatusQueued, parent.Status)
	assert.Equal(t, state.StatusDeferred, child.Status)
	assert.Equal(t, constants.MaxRetryAttempt, child.MaxAttempts)
}

func TestRegister_Duplicate(t *testing.T) {
	q, _, _ := newTestQueue(t, nil, Options{})
	require.NoError(t, q.Register("x", noop))
	assert.Error(t, q.Register("x", noop))
	assert.Equal(t, []string{"x"}, q.Handlers())
}

type pageArgs struct {
	Page int `json:"page"`
}

func TestSynchronous_RunsContinuations(t *testing.T) {
	q, _, _ := newTestQueue(t, nil, Options{Synchronous: true})

	var seen []int
	require.NoError(t, q.Register("pages", func(jc *JobContext) (Continuation, error) {
		var args pageArgs
		if err := jc.Bind(&args); err != nil {
			return Continuation{}, err
		}
		seen = append(seen, args.Page)
		if args.Page < 3 {
			return ContinueWith(pageArgs{Page: args.Page + 1}, WithJobID(jc.Job.ID)), nil
		}
		return Finished(), nil
	}))

	job, err := q.Enqueue(context.Background(), "pages", pageArgs{Page: 1}, WithJobID("pages:1"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, state.StatusSucceeded, job.Status)
	assert.JSONEq(t, `{"page":3}`, string(job.Payload))
}

func TestSynchronous_RetriesUntilExhausted(t *testing.T) {
	q, _, _ := newTestQueue(t, nil, Options{Synchronous: true})

	var calls atomic.Int32
	require.NoError(t, q.Register("flaky", func(jc *JobContext) (Continuation, error) {
		calls.Add(1)
		return Continuation{}, errors.New("upstream down")
	}))
	var failed []string
	q.OnFailure(func(job *types.Job, err error) {
		failed = append(failed, job.ID+": "+err.Error())
	})

	job, err := q.Enqueue(context.Background(), "flaky", nil, WithJobID("f"), WithRetry(3, 0))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, state.StatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "upstream down", job.LastError)
	assert.Equal(t, []string{"f: upstream down"}, failed)
}

func TestSynchronous_RetryWaitsForBackoff(t *testing.T) {
	q, _, _ := newTestQueue(t, nil, Options{Synchronous: true})
	require.NoError(t, q.Register("flaky", func(jc *JobContext) (Continuation, error) {
		return Continuation{}, errors.New("boom")
	}))

	before := time.Now()
	job, err := q.Enqueue(context.Background(), "flaky", nil, WithRetry(3, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, state.StatusRetrying, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.WithinDuration(t, before.Add(time.Minute), job.ScheduledAt, 5*time.Second)
}

func TestSynchronous_PermanentErrorSkipsRetry(t *testing.T) {
	q, _, _ := newTestQueue(t, nil, Options{Synchronous: true})
	require.NoError(t, q.Register("strict", func(jc *JobContext) (Continuation, error) {
		var args pageArgs
		return Continuation{}, jc.Bind(&args)
	}))

	job, err := q.Enqueue(context.Background(), "strict", "not an object", WithRetry(5, 0))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, custom_errors.ErrInvalidPayload.Error())
}

func TestSynchronous_PanicIsRecoveredAndSessionReleased(t *testing.T) {
	q, _, catalog := newTestQueue(t, nil, Options{Synchronous: true})
	require.NoError(t, q.Register("explode", func(jc *JobContext) (Continuation, error) {
		panic("nil map")
	}))

	job, err := q.Enqueue(context.Background(), "explode", nil, WithRetry(1))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, job.Status)
	assert.Contains(t, job.LastError, "panic: nil map")
	assert.Equal(t, int64(0), catalog.OpenSessions())
}

func TestSynchronous_PublishesStatusEvents(t *testing.T) {
	bus := notify.NewMemoryBus()
	q, _, _ := newTestQueue(t, bus, Options{Synchronous: true})
	require.NoError(t, q.Register("x", noop))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx, constants.TopicJobs)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "x", nil, WithJobID("evt"))
	require.NoError(t, err)

	var statuses []state.JobStatus
	for len(statuses) < 2 {
		select {
		case msg := <-events:
			var ev types.JobStatusEvent
			require.NoError(t, msg.Decode(&ev))
			assert.Equal(t, "evt", ev.JobID)
			statuses = append(statuses, ev.Status)
		case <-time.After(time.Second):
			t.Fatal("missing job event")
		}
	}
	assert.Equal(t, []state.JobStatus{state.StatusProcessing, state.StatusSucceeded}, statuses)
}

func TestStart_FrontPriorityThenFIFO(t *testing.T) {
	q, _, _ := newTestQueue(t, nil, Options{WorkerCount: 1})

	var mu sync.Mutex
	var order []string
	require.NoError(t, q.Register("x", func(jc *JobContext) (Continuation, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, jc.Job.ID)
		return Finished(), nil
	}))

	ctx := context.Background()
	for _, id := range []string{"n1", "n2"} {
		_, err := q.Enqueue(ctx, "x", nil, WithJobID(id))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, "x", nil, WithJobID("f1"), WithPriority(types.PriorityFront))
	require.NoError(t, err)

	stop := startQueue(t, q)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, stop(), context.Canceled)
	assert.Equal(t, []string{"f1", "n1", "n2"}, order)
}

func TestStart_FailedDependencyFailsDependent(t *testing.T) {
	q, jobs, _ := newTestQueue(t, nil, Options{})

	var ran atomic.Int32
	require.NoError(t, q.Register("parent", func(jc *JobContext) (Continuation, error) {
		return Continuation{}, Permanent(errors.New("bad input"))
	}))
	require.NoError(t, q.Register("child", func(jc *JobContext) (Continuation, error) {
		ran.Add(1)
		return Finished(), nil
	}))
	var failures atomic.Int32
	q.OnFailure(func(*types.Job, error) { failures.Add(1) })

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "parent", nil, WithJobID("p"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "child", nil, WithJobID("strict"), DependsOn("p"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "child", nil, WithJobID("lenient"), DependsOn("p"), AllowDependencyFailure())
	require.NoError(t, err)

	stop := startQueue(t, q)
	assert.Eventually(t, func() bool {
		j, err := jobs.FindByID(ctx, "lenient")
		return err == nil && j.Status == state.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)
	_ = stop()

	strict, err := jobs.FindByID(ctx, "strict")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, strict.Status)
	assert.Equal(t, 0, strict.Attempts)
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, int32(2), failures.Load())
}

func TestCancel_PendingJob(t *testing.T) {
	q, _, _ := newTestQueue(t, nil, Options{})
	require.NoError(t, q.Register("x", noop))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "x", nil, WithJobID("later"), At(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, "later"))
	_, err = q.Find(ctx, "later")
	assert.ErrorIs(t, err, custom_errors.ErrJobNotFound)
	assert.ErrorIs(t, q.Cancel(ctx, "later"), custom_errors.ErrJobNotFound)
}

func TestCancel_RunningJobStopsAndIsNotRecorded(t *testing.T) {
	q, _, catalog := newTestQueue(t, nil, Options{})

	started := make(chan struct{})
	require.NoError(t, q.Register("slow", func(jc *JobContext) (Continuation, error) {
		close(started)
		<-jc.Ctx.Done()
		return Continuation{}, jc.Canceled()
	}))
	var failures atomic.Int32
	q.OnFailure(func(*types.Job, error) { failures.Add(1) })

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "slow", nil, WithJobID("slow:1"))
	require.NoError(t, err)

	stop := startQueue(t, q)
	<-started
	require.NoError(t, q.Cancel(ctx, "slow:1"))
	assert.Eventually(t, func() bool { return !q.Running("slow:1") }, time.Second, 5*time.Millisecond)
	_ = stop()

	_, err = q.Find(ctx, "slow:1")
	assert.ErrorIs(t, err, custom_errors.ErrJobNotFound)
	assert.Equal(t, int32(0), failures.Load())
	assert.Equal(t, int64(0), catalog.OpenSessions())
}

func TestCancel_ReachesOtherProcess(t *testing.T) {
	bus := notify.NewMemoryBus()
	jobs := memory.NewJobStore()
	catalog := memory.NewCatalogStore()
	worker := New(jobs, catalog, bus, logger.Discard(), Options{Instance: "worker", PollInterval: 10 * time.Millisecond})
	admin := New(jobs, catalog, bus, logger.Discard(), Options{Instance: "admin"})

	started := make(chan struct{})
	stopped := make(chan struct{})
	h := func(jc *JobContext) (Continuation, error) {
		close(started)
		<-jc.Ctx.Done()
		close(stopped)
		return Continuation{}, jc.Canceled()
	}
	require.NoError(t, worker.Register("slow", h))
	require.NoError(t, admin.Register("slow", h))

	ctx := context.Background()
	_, err := admin.Enqueue(ctx, "slow", nil, WithJobID("remote"))
	require.NoError(t, err)

	stop := startQueue(t, worker)
	<-started
	require.NoError(t, admin.Cancel(ctx, "remote"))
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("remote job was not canceled")
	}
	_ = stop()
}

func TestPrelude_StoresDeferredFollowUp(t *testing.T) {
	q, jobs, _ := newTestQueue(t, nil, Options{Synchronous: true})
	require.NoError(t, q.Register("tick", noop))
	q.Use(func(ctx context.Context, job *types.Job) (Continuation, error) {
		if job.ID != "tick:1" {
			return Finished(), nil
		}
		return ContinueWith(nil, WithJobID("tick:2"), At(time.Now().Add(time.Hour))), nil
	})

	_, err := q.Enqueue(context.Background(), "tick", nil, WithJobID("tick:1"))
	require.NoError(t, err)

	next, err := jobs.FindByID(context.Background(), "tick:2")
	require.NoError(t, err)
	assert.Equal(t, []string{"tick:1"}, next.DependsOn)
	assert.True(t, next.AllowDependencyFailure)

	q.resolveDeferred(context.Background())
	next, err = jobs.FindByID(context.Background(), "tick:2")
	require.NoError(t, err)
	assert.Equal(t, state.StatusQueued, next.Status)
}

func TestPruneHandler(t *testing.T) {
	q, jobs, _ := newTestQueue(t, nil, Options{Synchronous: true})
	require.NoError(t, q.Register("x", noop))
	require.NoError(t, q.Register(PruneJobName, q.PruneHandler(time.Hour)))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "x", nil, WithJobID("old"))
	require.NoError(t, err)
	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = q.Enqueue(ctx, PruneJobName, PruneArgs{})
	require.NoError(t, err)

	_, err = jobs.FindByID(ctx, "old")
	assert.ErrorIs(t, err, custom_errors.ErrJobNotFound)
}

func TestHeartbeat_KeepsLongJobFromBeingReclaimed(t *testing.T) {
	jobs := memory.NewJobStore()
	catalog := memory.NewCatalogStore()
	first := New(jobs, catalog, nil, logger.Discard(), Options{
		Instance: "a", PollInterval: 10 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond,
	})
	second := New(jobs, catalog, nil, logger.Discard(), Options{
		Instance: "b", PollInterval: 10 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond,
		StaleLockTimeout: 50 * time.Millisecond,
	})

	var running, maxRunning, runs atomic.Int32
	long := func(jc *JobContext) (Continuation, error) {
		runs.Add(1)
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-time.After(300 * time.Millisecond):
		case <-jc.Ctx.Done():
		}
		return Finished(), nil
	}
	require.NoError(t, first.Register("long", long))
	require.NoError(t, second.Register("long", long))

	ctx := context.Background()
	_, err := first.Enqueue(ctx, "long", nil, WithJobID("sync:1"))
	require.NoError(t, err)

	stopFirst := startQueue(t, first)
	require.Eventually(t, func() bool { return first.Running("sync:1") }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	stopSecond := startQueue(t, second)

	require.Eventually(t, func() bool {
		job, err := jobs.FindByID(ctx, "sync:1")
		return err == nil && job.Status == state.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)
	_ = stopSecond()
	_ = stopFirst()

	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Equal(t, int32(1), runs.Load())
}

func TestStart_ReclaimsJobOfDeadWorker(t *testing.T) {
	q, jobs, _ := newTestQueue(t, nil, Options{
		HeartbeatInterval: 10 * time.Millisecond, StaleLockTimeout: 30 * time.Millisecond,
	})
	var runs atomic.Int32
	require.NoError(t, q.Register("work", func(*JobContext) (Continuation, error) {
		runs.Add(1)
		return Finished(), nil
	}))

	ctx := context.Background()
	_, err := jobs.Insert(ctx, &types.Job{ID: "orphan", Name: "work", MaxAttempts: 3})
	require.NoError(t, err)
	// claimed by a worker that died before its first heartbeat
	_, err = jobs.ClaimNext(ctx, "dead", time.Now())
	require.NoError(t, err)

	stop := startQueue(t, q)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	_ = stop()
}

func TestCancel_NotifiesCancelHooks(t *testing.T) {
	q, _, _ := newTestQueue(t, nil, Options{})
	require.NoError(t, q.Register("work", noop))

	var mu sync.Mutex
	var canceled []string
	q.OnCancel(func(job *types.Job) {
		mu.Lock()
		defer mu.Unlock()
		canceled = append(canceled, job.ID+":"+job.Name)
	})

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "work", nil, WithJobID("pending"), At(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, "pending"))
	assert.ErrorIs(t, q.Cancel(ctx, "pending"), custom_errors.ErrJobNotFound)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"pending:work"}, canceled)
}
