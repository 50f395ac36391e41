package circuit

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/pkg/errs"
)

// Meter wraps one attempt with timing and outcome accounting. Satisfied by
// the performance meter; a nop implementation is used when measurement is
// not wanted.
type Meter interface {
	Measure(ctx context.Context, op string, fn func(context.Context) error) error
}

// NopMeter runs the function without measurement.
type NopMeter struct{}

func (NopMeter) Measure(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

// Config holds runner defaults.
type Config struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Retries      int
	BaseDelay    time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		Retries:      3,
		BaseDelay:    time.Second,
	}
}

// Runner executes functions under a per-key circuit breaker with a bounded
// retry loop and linear backoff between attempts.
type Runner struct {
	cfg    Config
	meter  Meter
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRunner(cfg Config, meter Meter, logger *zap.Logger) *Runner {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if meter == nil {
		meter = NopMeter{}
	}
	return &Runner{
		cfg:      cfg,
		meter:    meter,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Run executes fn under the breaker keyed (op, id). Attempts that hit an
// open circuit short-circuit without retries; non-retryable failures are
// rethrown immediately and do not count toward the breaker threshold.
func (r *Runner) Run(ctx context.Context, op, id string, fn func(context.Context) error) error {
	b := r.breaker(op + ":" + id)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.Retries; attempt++ {
		if err := b.Allow(op); err != nil {
			return err
		}

		err := r.meter.Measure(ctx, op, fn)
		if err == nil {
			b.Success()
			return nil
		}
		if !errs.Retryable(err) {
			b.abortTrial()
			return err
		}

		stack := string(debug.Stack())
		if len(stack) > 500 {
			stack = stack[:500]
		}
		b.Failure(err, stack)
		lastErr = err

		if attempt < r.cfg.Retries {
			select {
			case <-time.After(r.cfg.BaseDelay * time.Duration(attempt)):
			case <-ctx.Done():
				b.abortTrial()
				return errs.Wrap(errs.CodeTimeout, op, ctx.Err())
			}
		}
	}

	r.logger.Error("operation failed after retry budget",
		zap.String("op", op),
		zap.String("id", id),
		zap.Int("attempts", r.cfg.Retries),
		zap.Error(lastErr))
	return lastErr
}

func (r *Runner) breaker(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewBreaker(r.cfg.MaxFailures, r.cfg.ResetTimeout)
		r.breakers[key] = b
	}
	return b
}

// Snapshot returns the breaker table for the operator surface.
func (r *Runner) Snapshot() map[string]Snapshot {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	table := make(map[string]*Breaker, len(r.breakers))
	for key, b := range r.breakers {
		keys = append(keys, key)
		table[key] = b
	}
	r.mu.Unlock()

	out := make(map[string]Snapshot, len(keys))
	for _, key := range keys {
		out[key] = table[key].snapshot()
	}
	return out
}
