package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/store"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/charmbracelet/log"
)

// HandlerFunc is the body of a job. A non-done continuation is enqueued atomically with the
// job's completion.
type HandlerFunc func(jc *JobContext) (Continuation, error)

// Prelude runs before every job body. Preludes see the claimed job but no session.
type Prelude func(ctx context.Context, job *types.Job) (Continuation, error)

// FailureFunc is called once a job has failed for good.
type FailureFunc func(job *types.Job, err error)

// CancelHook is called after a job was canceled, with the row as it was when Cancel removed it.
type CancelHook func(job *types.Job)

// JobContext is what a handler gets to work with. Session is scoped to this run and closed by
// the queue on every exit path.
type JobContext struct {
	Ctx     context.Context
	Job     *types.Job
	Session store.Session
	Logger  *log.Logger
}

// Bind decodes the job payload into v. Malformed payloads are permanent failures.
func (jc *JobContext) Bind(v any) error {
	if len(jc.Job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(jc.Job.Payload, v); err != nil {
		return Permanent(fmt.Errorf("%w: %s: %v", custom_errors.ErrInvalidPayload, jc.Job.Name, err))
	}
	return nil
}

// Canceled returns a non-nil error once the job has been canceled or the worker is stopping.
func (jc *JobContext) Canceled() error {
	return jc.Ctx.Err()
}

// Continuation tells the queue whether a job is finished or has more work queued behind it.
type Continuation struct {
	Done bool
	Next *Next
}

// Next describes the follow-up job. An empty Name reuses the current job's name.
type Next struct {
	Name    string
	Args    any
	Options []EnqueueOption
}

func Finished() Continuation {
	return Continuation{Done: true}
}

// ContinueWith schedules another run of the same job name with new args.
func ContinueWith(args any, opts ...EnqueueOption) Continuation {
	return Continuation{Next: &Next{Args: args, Options: opts}}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Registry maps job names to handlers.
type Registry struct {
	handlers map[string]HandlerFunc
	mutex    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a new job handler by name.
func (r *Registry) Register(name string, handler HandlerFunc) error {
	if name == "" || handler == nil {
		return errors.New("handler must have a job name and function")
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler '%s' already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

func (r *Registry) Exists(name string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, exists := r.handlers[name]
	return exists
}

func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) List() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
