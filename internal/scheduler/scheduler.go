package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/pkg/errs"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

// Priority orders due jobs. Lower runs first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// triggerIntervals maps the supported trigger tokens to their periods.
var triggerIntervals = map[string]time.Duration{
	"every_second":     time.Second,
	"every_5_seconds":  5 * time.Second,
	"every_10_seconds": 10 * time.Second,
	"every_30_seconds": 30 * time.Second,
	"every_minute":     time.Minute,
	"every_5_minutes":  5 * time.Minute,
	"every_10_minutes": 10 * time.Minute,
	"every_30_minutes": 30 * time.Minute,
	"every_hour":       time.Hour,
	"every_day":        24 * time.Hour,
}

// JobFunc is the unit of scheduled work.
type JobFunc func(ctx context.Context) error

// Options tune a registered job.
type Options struct {
	Priority   Priority
	MaxRetries int
	Timeout    time.Duration
}

type job struct {
	id         string
	fn         JobFunc
	interval   time.Duration // zero for one-shot jobs
	priority   Priority
	maxRetries int
	timeout    time.Duration

	retryCount int
	status     Status
	nextRun    time.Time
	lastError  string
	lastRun    time.Time
}

// JobView is the operator snapshot of one job.
type JobView struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Priority   Priority  `json:"priority"`
	RetryCount int       `json:"retry_count"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Checkpointer persists job run markers. Best effort: failures are logged
// and never affect scheduling.
type Checkpointer interface {
	Checkpoint(ctx context.Context, jobID string, status Status, at time.Time) error
}

// Config tunes the scheduler loop. Tick and backoff units are overridable
// so tests can run on compressed clocks.
type Config struct {
	MaxConcurrent  int
	Tick           time.Duration
	RetryBackoff   time.Duration
	TimeoutBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  5,
		Tick:           time.Second,
		RetryBackoff:   30 * time.Second,
		TimeoutBackoff: 60 * time.Second,
	}
}

// Scheduler runs registered jobs on a fixed tick, ordered by priority then
// next-run time, with a concurrency ceiling and per-job retry backoff.
type Scheduler struct {
	cfg        Config
	logger     *zap.Logger
	checkpoint Checkpointer

	mu      sync.Mutex
	jobs    map[string]*job
	running int

	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	if cfg.TimeoutBackoff <= 0 {
		cfg.TimeoutBackoff = 60 * time.Second
	}
	return &Scheduler{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*job),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetCheckpointer wires optional run-marker persistence.
func (s *Scheduler) SetCheckpointer(c Checkpointer) {
	s.checkpoint = c
}

// Every registers a recurring job for a trigger token like "every_minute".
// Unknown tokens are rejected.
func (s *Scheduler) Every(id, trigger string, fn JobFunc, opts Options) error {
	interval, ok := triggerIntervals[trigger]
	if !ok {
		return errs.New(errs.CodeInvalidArgument, "scheduler.every", "unknown trigger "+trigger)
	}
	s.add(id, fn, interval, time.Now().Add(interval), opts)
	return nil
}

// Once registers a one-shot job to run at the given time. One-shot jobs
// leave the table when they complete or exhaust their retry budget.
func (s *Scheduler) Once(id string, at time.Time, fn JobFunc, opts Options) {
	s.add(id, fn, 0, at, opts)
}

func (s *Scheduler) add(id string, fn JobFunc, interval time.Duration, nextRun time.Time, opts Options) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	s.mu.Lock()
	s.jobs[id] = &job{
		id:         id,
		fn:         fn,
		interval:   interval,
		priority:   opts.Priority,
		maxRetries: opts.MaxRetries,
		timeout:    opts.Timeout,
		status:     StatusScheduled,
		nextRun:    nextRun,
	}
	s.mu.Unlock()
}

// Remove unregisters a job. A currently running invocation finishes.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Start runs the tick loop until Stop is called.
func (s *Scheduler) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.dispatchDue(now)
			}
		}
	}()
}

// Stop halts the tick loop. In-flight jobs finish on their own.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// dispatchDue launches due jobs in (priority, nextRun) order until the
// concurrency ceiling is reached.
func (s *Scheduler) dispatchDue(now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.status == StatusRunning || j.nextRun.After(now) {
			continue
		}
		switch j.status {
		case StatusScheduled:
			due = append(due, j)
		case StatusFailed, StatusTimeout:
			if j.retryCount <= j.maxRetries {
				due = append(due, j)
			}
		}
	}
	sort.SliceStable(due, func(a, b int) bool {
		if due[a].priority != due[b].priority {
			return due[a].priority < due[b].priority
		}
		return due[a].nextRun.Before(due[b].nextRun)
	})

	var launch []*job
	for _, j := range due {
		if s.running >= s.cfg.MaxConcurrent {
			break
		}
		j.status = StatusRunning
		j.lastRun = now
		s.running++
		launch = append(launch, j)
	}
	s.mu.Unlock()

	for _, j := range launch {
		go s.runJob(j)
	}
}

func (s *Scheduler) runJob(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- j.fn(ctx)
	}()

	var err error
	timedOut := false
	select {
	case err = <-errCh:
	case <-ctx.Done():
		timedOut = true
		err = ctx.Err()
	}

	now := time.Now()
	s.mu.Lock()
	s.running--
	// The job may have been removed, or replaced under the same id,
	// while running.
	if cur, present := s.jobs[j.id]; !present || cur != j {
		s.mu.Unlock()
		return
	}

	switch {
	case err == nil:
		j.status = StatusCompleted
		j.retryCount = 0
		j.lastError = ""
		if j.interval > 0 {
			j.status = StatusScheduled
			j.nextRun = now.Add(j.interval)
		} else {
			delete(s.jobs, j.id)
		}
	case timedOut:
		j.status = StatusTimeout
		j.retryCount++
		j.lastError = err.Error()
		j.nextRun = now.Add(time.Duration(j.retryCount) * s.cfg.TimeoutBackoff)
	default:
		j.status = StatusFailed
		j.retryCount++
		j.lastError = err.Error()
		j.nextRun = now.Add(time.Duration(j.retryCount) * s.cfg.RetryBackoff)
	}
	exhausted := (j.status == StatusFailed || j.status == StatusTimeout) && j.retryCount > j.maxRetries
	if exhausted && j.interval == 0 {
		delete(s.jobs, j.id)
	}
	status := j.status
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed",
			zap.String("job", j.id),
			zap.Bool("timed_out", timedOut),
			zap.Error(err))
	}
	if exhausted {
		s.logger.Error("job exhausted its retry budget",
			zap.String("job", j.id),
			zap.Int("retries", j.maxRetries),
			zap.Error(err))
	}

	if s.checkpoint != nil {
		if cerr := s.checkpoint.Checkpoint(context.Background(), j.id, status, now); cerr != nil {
			s.logger.Warn("job checkpoint failed", zap.String("job", j.id), zap.Error(cerr))
		}
	}
}

// Snapshot returns the job table for the operator surface.
func (s *Scheduler) Snapshot() []JobView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobView, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobView{
			ID:         j.id,
			Status:     j.status,
			Priority:   j.priority,
			RetryCount: j.retryCount,
			NextRun:    j.nextRun,
			LastRun:    j.lastRun,
			LastError:  j.lastError,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
