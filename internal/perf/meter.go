package perf

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/internal/storage"
)

const (
	seriesCap  = 200
	seriesTrim = 100

	stackPrefixMax = 500
	lastErrorCount = 5
)

// Health buckets for the overview report.
type Health string

const (
	HealthGood     Health = "GOOD"
	HealthFair     Health = "FAIR"
	HealthWarning  Health = "WARNING"
	HealthCritical Health = "CRITICAL"
)

// Sample is one measured execution of an operation.
type Sample struct {
	Duration time.Duration `json:"duration"`
	MemDelta int64         `json:"mem_delta"`
	Success  bool          `json:"success"`
	Err      string        `json:"error,omitempty"`
	Stack    string        `json:"stack,omitempty"`
	At       time.Time     `json:"at"`
}

// Alert is a threshold breach emitted by Measure.
type Alert struct {
	Type    string                 `json:"type"`
	Op      string                 `json:"op"`
	Details map[string]interface{} `json:"details"`
	At      time.Time              `json:"at"`
}

// OpsNotifier delivers alerts to operators. Delivery is best-effort: a
// failing notifier must never fail the measured operation.
type OpsNotifier interface {
	NotifyOps(ctx context.Context, title, body, severity string, channels []string) error
}

// Exporter receives every sample, e.g. for a time-series backend.
type Exporter interface {
	Export(op string, s Sample)
}

// Meter wraps operations with timing and memory accounting, keeps a
// bounded per-operation sample series, and raises alerts when the
// configured thresholds are breached.
type Meter struct {
	slowAfter time.Duration
	memAlert  int64
	heapLimit int64

	sink     storage.Sink
	notifier OpsNotifier
	exporter Exporter
	logger   *zap.Logger

	mu     sync.Mutex
	series map[string][]Sample

	alerts chan Alert
}

type Option func(*Meter)

func WithNotifier(n OpsNotifier) Option {
	return func(m *Meter) { m.notifier = n }
}

func WithExporter(e Exporter) Option {
	return func(m *Meter) { m.exporter = e }
}

func NewMeter(slowAfter time.Duration, memAlert, heapLimit int64, sink storage.Sink, logger *zap.Logger, opts ...Option) *Meter {
	m := &Meter{
		slowAfter: slowAfter,
		memAlert:  memAlert,
		heapLimit: heapLimit,
		sink:      sink,
		logger:    logger,
		series:    make(map[string][]Sample),
		alerts:    make(chan Alert, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Alerts exposes the alert stream for the operator websocket. Sends are
// non-blocking; slow consumers miss alerts rather than stalling Measure.
func (m *Meter) Alerts() <-chan Alert {
	return m.alerts
}

// Measure runs fn under timing and memory accounting. Failures are
// recorded with a truncated stack prefix and propagated unchanged.
func (m *Meter) Measure(ctx context.Context, op string, fn func(context.Context) error) error {
	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	err := fn(ctx)

	duration := time.Since(start)
	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	memDelta := int64(after.HeapAlloc) - int64(before.HeapAlloc)

	sample := Sample{
		Duration: duration,
		MemDelta: memDelta,
		Success:  err == nil,
		At:       time.Now(),
	}
	if err != nil {
		sample.Err = err.Error()
		stack := string(debug.Stack())
		if len(stack) > stackPrefixMax {
			stack = stack[:stackPrefixMax]
		}
		sample.Stack = stack
	}

	m.record(op, sample)
	if m.exporter != nil {
		m.exporter.Export(op, sample)
	}

	if err == nil {
		if duration > m.slowAfter {
			m.raise(ctx, op, "slow_operation", map[string]interface{}{
				"duration_ms":  duration.Milliseconds(),
				"threshold_ms": m.slowAfter.Milliseconds(),
			})
		}
		if memDelta > m.memAlert {
			m.raise(ctx, op, "memory_spike", map[string]interface{}{
				"mem_delta":       memDelta,
				"threshold_bytes": m.memAlert,
			})
		}
		return nil
	}
	return err
}

func (m *Meter) record(op string, s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	series := append(m.series[op], s)
	if len(series) > seriesCap {
		series = append([]Sample(nil), series[len(series)-seriesTrim:]...)
	}
	m.series[op] = series
}

func (m *Meter) raise(ctx context.Context, op, alertType string, details map[string]interface{}) {
	alert := Alert{Type: alertType, Op: op, Details: details, At: time.Now()}

	m.logger.Warn("performance alert",
		zap.String("type", alertType),
		zap.String("op", op),
		zap.Any("details", details))

	if err := m.sink.AppendAudit(ctx, "performance_alerts", map[string]interface{}{
		"type":    alert.Type,
		"op":      alert.Op,
		"details": alert.Details,
		"at":      alert.At,
	}); err != nil {
		m.logger.Warn("failed to persist performance alert", zap.Error(err))
	}

	if m.notifier != nil {
		if err := m.notifier.NotifyOps(ctx, "Performance alert: "+alertType,
			"operation "+op+" breached its threshold", "normal",
			[]string{"email", "chat"}); err != nil {
			m.logger.Warn("failed to deliver performance alert", zap.Error(err))
		}
	}

	select {
	case m.alerts <- alert:
	default:
	}
}
