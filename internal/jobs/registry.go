package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/crowdwatch/internal/monitoring"
	"github.com/banshee-data/crowdwatch/internal/pipeline"
	"github.com/banshee-data/crowdwatch/internal/timeutil"
)

var logf = monitoring.Component("jobs")

// Runner validates and executes analysis jobs. *pipeline.Runner
// implements it.
type Runner interface {
	Validate(in pipeline.Input) error
	Run(ctx context.Context, spec pipeline.JobSpec, progress func(int)) (pipeline.Result, error)
}

// Store mirrors job records to durable storage.
type Store interface {
	SaveJob(ctx context.Context, job Job) error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Workers is the number of jobs processed concurrently. Default 2.
	Workers int
	// QueueSize bounds the number of jobs waiting for a worker. Default 16.
	QueueSize int
	Runner    Runner
	// Store is optional. Its errors are logged and otherwise ignored.
	Store Store
	Clock timeutil.Clock
	// JobTimeout bounds a single job's run time. Zero means no limit.
	JobTimeout time.Duration
}

type entry struct {
	job   Job
	input pipeline.Input
}

// Registry owns every job record. Submissions are validated on the
// caller's goroutine and then queued for the worker pool. All methods are
// safe for concurrent use; readers receive copies.
type Registry struct {
	runner  Runner
	store   Store
	clock   timeutil.Clock
	timeout time.Duration

	mu     sync.RWMutex
	jobs   map[string]*entry
	queue  chan string
	closed bool

	persistMu sync.Mutex

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewRegistry starts the worker pool.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	ctx, stop := context.WithCancel(context.Background())
	r := &Registry{
		runner:  cfg.Runner,
		store:   cfg.Store,
		clock:   cfg.Clock,
		timeout: cfg.JobTimeout,
		jobs:    make(map[string]*entry),
		queue:   make(chan string, cfg.QueueSize),
		ctx:     ctx,
		stop:    stop,
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	logf("started %d workers, queue size %d", cfg.Workers, cfg.QueueSize)
	return r
}

// Submit validates in and queues a job for it. Validation errors are
// returned as is and no job is created. ErrQueueFull means the job was
// not retained.
func (r *Registry) Submit(ctx context.Context, in pipeline.Input, opts pipeline.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := r.runner.Validate(in); err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	now := r.clock.Now()
	id := NewID(now)
	for r.jobs[id] != nil {
		id = NewID(now)
	}
	r.jobs[id] = &entry{
		job: Job{
			ID:            id,
			Status:        StatusQueued,
			CreatedAt:     now,
			VideoFilename: in.Filename,
			Options:       opts,
		},
		input: in,
	}
	select {
	case r.queue <- id:
	default:
		delete(r.jobs, id)
		r.mu.Unlock()
		return "", ErrQueueFull
	}
	r.mu.Unlock()

	logf("queued %s (%s)", id, in.Filename)
	r.persist(id)
	return id, nil
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.job.clone(), nil
}

// List returns copies of all jobs, oldest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.job.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts returns the number of jobs in each state.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Status]int{}
	for _, e := range r.jobs {
		out[e.job.Status]++
	}
	return out
}

// Restore loads finished jobs recorded by an earlier process. Jobs that
// are not terminal, or whose IDs are already known, are skipped.
func (r *Registry) Restore(jobs []Job) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range jobs {
		if !j.Status.Terminal() || r.jobs[j.ID] != nil {
			continue
		}
		r.jobs[j.ID] = &entry{job: j.clone()}
		n++
	}
	return n
}

// Close stops accepting jobs, cancels running ones and waits for the
// workers to exit or ctx to expire. Jobs still queued fail with the
// cancellation error.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for id := range r.queue {
		r.process(id)
	}
}

func (r *Registry) process(id string) {
	spec, err := r.start(id)
	if err != nil {
		logf("start %s: %v", id, err)
		return
	}

	ctx, cancel := r.ctx, context.CancelFunc(func() {})
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			logf("job %s panicked: %v\n%s", id, p, debug.Stack())
			r.finish(id, nil, fmt.Errorf("internal error: %v", p))
		}
	}()

	if err := ctx.Err(); err != nil {
		r.finish(id, nil, err)
		return
	}
	res, err := r.runner.Run(ctx, spec, func(p int) { r.advance(id, p) })
	if err != nil {
		r.finish(id, nil, err)
		return
	}
	r.finish(id, &res, nil)
}

// start moves a queued job to processing.
func (r *Registry) start(id string) (pipeline.JobSpec, error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return pipeline.JobSpec{}, ErrNotFound
	}
	if e.job.Status != StatusQueued {
		r.mu.Unlock()
		return pipeline.JobSpec{}, fmt.Errorf("job is %s", e.job.Status)
	}
	now := r.clock.Now()
	e.job.Status = StatusProcessing
	e.job.StartedAt = &now
	spec := pipeline.JobSpec{ID: id, Input: e.input, Options: e.job.Options}
	r.mu.Unlock()

	logf("processing %s", id)
	r.persist(id)
	return spec, nil
}

// advance raises a processing job's progress. Lower values and values of
// 100 or more are ignored; only completion reports 100.
func (r *Registry) advance(id string, p int) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	changed := ok && e.job.Status == StatusProcessing && p > e.job.Progress && p < 100
	if changed {
		e.job.Progress = p
	}
	r.mu.Unlock()
	if changed {
		r.persist(id)
	}
}

func (r *Registry) finish(id string, res *pipeline.Result, runErr error) {
	var err error
	if runErr != nil {
		err = r.fail(id, runErr)
	} else {
		err = r.complete(id, *res)
	}
	if err != nil {
		logf("finish %s: %v", id, err)
	}
}

// complete records the result and sets progress to 100 in one step.
func (r *Registry) complete(id string, res pipeline.Result) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if e.job.Status.Terminal() {
		r.mu.Unlock()
		return ErrTerminal
	}
	now := r.clock.Now()
	e.job.Status = StatusCompleted
	e.job.Progress = 100
	e.job.CompletedAt = &now
	e.job.Result = &res
	r.mu.Unlock()

	logf("completed %s: %d frames", id, res.Frames)
	r.persist(id)
	return nil
}

func (r *Registry) fail(id string, cause error) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if e.job.Status.Terminal() {
		r.mu.Unlock()
		return ErrTerminal
	}
	now := r.clock.Now()
	e.job.Status = StatusFailed
	e.job.FailedAt = &now
	e.job.Error = cause.Error()
	r.mu.Unlock()

	if errors.Is(cause, context.Canceled) {
		logf("cancelled %s", id)
	} else {
		logf("failed %s: %v", id, cause)
	}
	r.persist(id)
	return nil
}

// persist writes the job's current record to the store. Writes are
// serialized and re-read the record under the lock.
func (r *Registry) persist(id string) {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	job, err := r.Get(id)
	if err != nil {
		return
	}
	if err := r.store.SaveJob(context.Background(), job); err != nil {
		logf("persisting %s: %v", id, err)
	}
}
