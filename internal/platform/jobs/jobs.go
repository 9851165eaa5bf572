// Package jobs provides background job submission for the billing worker.
// Services depend on the Submitter interface and never reach into a global
// queue, so tests can swap in the in-memory implementation and callers can
// route jobs to whatever broker the deployment uses.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Job is a unit of deferred work identified by name with free-form arguments.
type Job struct {
	ID   uuid.UUID
	Name string
	Args map[string]any
}

// Submitter enqueues a job for asynchronous execution.
type Submitter interface {
	Submit(ctx context.Context, job Job) error
}

// Handler executes one job.
type Handler func(ctx context.Context, job Job) error

// Runner is an in-process Submitter backed by a worker pool. Handlers are
// registered per job name before Start.
type Runner struct {
	logger   zerolog.Logger
	workers  int
	queue    chan Job
	handlers map[string]Handler

	mu      sync.Mutex
	wg      sync.WaitGroup
	started bool
}

func NewRunner(logger zerolog.Logger, workers, queueSize int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Runner{
		logger:   logger.With().Str("component", "jobs").Logger(),
		workers:  workers,
		queue:    make(chan Job, queueSize),
		handlers: make(map[string]Handler),
	}
}

// Register associates a handler with a job name. Registration after Start is
// not supported.
func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Start launches the worker pool. Workers exit when ctx is cancelled and the
// queue drains.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.queue:
					if !ok {
						return
					}
					r.run(ctx, job)
				}
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	close(r.queue)
	r.wg.Wait()
}

func (r *Runner) Submit(ctx context.Context, job Job) error {
	r.mu.Lock()
	_, known := r.handlers[job.Name]
	r.mu.Unlock()
	if !known {
		return fmt.Errorf("no handler registered for job %q", job.Name)
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.queue <- job:
		return nil
	}
}

func (r *Runner) run(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("job_id", job.ID.String()).
				Str("job", job.Name).
				Interface("panic", rec).
				Msg("job handler panicked")
		}
	}()

	r.mu.Lock()
	h := r.handlers[job.Name]
	r.mu.Unlock()

	if err := h(ctx, job); err != nil {
		r.logger.Error().
			Err(err).
			Str("job_id", job.ID.String()).
			Str("job", job.Name).
			Msg("job failed")
		return
	}
	r.logger.Debug().
		Str("job_id", job.ID.String()).
		Str("job", job.Name).
		Msg("job completed")
}

// InMemorySubmitter records submitted jobs without executing them. Test double.
type InMemorySubmitter struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func NewInMemorySubmitter() *InMemorySubmitter {
	return &InMemorySubmitter{}
}

// FailWith makes every subsequent Submit return err.
func (s *InMemorySubmitter) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *InMemorySubmitter) Submit(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Submitted returns a copy of all recorded jobs.
func (s *InMemorySubmitter) Submitted() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// SubmittedNamed returns recorded jobs matching name.
func (s *InMemorySubmitter) SubmittedNamed(name string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.Name == name {
			out = append(out, j)
		}
	}
	return out
}
