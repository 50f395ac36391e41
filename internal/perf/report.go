package perf

import (
	"context"
	"runtime"
	"time"
)

// OpReport aggregates one operation's sample series.
type OpReport struct {
	Count        int           `json:"count"`
	SuccessRate  float64       `json:"success_rate"`
	MeanDuration time.Duration `json:"mean_duration"`
	MinDuration  time.Duration `json:"min_duration"`
	MaxDuration  time.Duration `json:"max_duration"`
	MeanMemDelta int64         `json:"mean_mem_delta"`
	LastErrors   []string      `json:"last_errors,omitempty"`
}

// Report is the full operator overview.
type Report struct {
	Ops       map[string]OpReport `json:"ops"`
	Health    Health              `json:"health"`
	ErrorRate float64             `json:"error_rate_1h"`
	HeapBytes int64               `json:"heap_bytes"`
	HeapLimit int64               `json:"heap_limit"`
	At        time.Time           `json:"at"`
}

// Report aggregates all recorded series and buckets overall system health
// from the last hour's error rate and latency plus current heap pressure.
func (m *Meter) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{Ops: make(map[string]OpReport, len(m.series)), At: time.Now()}

	cutoff := time.Now().Add(-time.Hour)
	var recentTotal, recentErrors int
	var recentDuration time.Duration

	for op, series := range m.series {
		op, r := op, OpReport{Count: len(series)}
		var total, succ int
		var sum time.Duration
		var memSum int64
		for i, s := range series {
			total++
			if s.Success {
				succ++
			} else if s.Err != "" {
				r.LastErrors = append(r.LastErrors, s.Err)
				if len(r.LastErrors) > lastErrorCount {
					r.LastErrors = r.LastErrors[len(r.LastErrors)-lastErrorCount:]
				}
			}
			sum += s.Duration
			memSum += s.MemDelta
			if i == 0 || s.Duration < r.MinDuration {
				r.MinDuration = s.Duration
			}
			if s.Duration > r.MaxDuration {
				r.MaxDuration = s.Duration
			}
			if s.At.After(cutoff) {
				recentTotal++
				recentDuration += s.Duration
				if !s.Success {
					recentErrors++
				}
			}
		}
		if total > 0 {
			r.SuccessRate = float64(succ) / float64(total)
			r.MeanDuration = sum / time.Duration(total)
			r.MeanMemDelta = memSum / int64(total)
		}
		report.Ops[op] = r
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	report.HeapBytes = int64(mem.HeapAlloc)
	report.HeapLimit = m.heapLimit

	var avgDuration time.Duration
	if recentTotal > 0 {
		report.ErrorRate = float64(recentErrors) / float64(recentTotal)
		avgDuration = recentDuration / time.Duration(recentTotal)
	}
	report.Health = m.health(report.ErrorRate, avgDuration, report.HeapBytes)
	return report
}

// health buckets the recent error rate and average latency together with
// heap usage against the resource limit.
func (m *Meter) health(errorRate float64, avgDuration time.Duration, heap int64) Health {
	switch {
	case errorRate > 0.5 || heap > m.heapLimit:
		return HealthCritical
	case errorRate > 0.25 || avgDuration > 2*m.slowAfter:
		return HealthWarning
	case errorRate > 0.1 || avgDuration > m.slowAfter:
		return HealthFair
	default:
		return HealthGood
	}
}

// PersistReport writes the current report to the audit sink. Runs as a
// scheduled job.
func (m *Meter) PersistReport(ctx context.Context) error {
	report := m.Report()
	ops := make(map[string]interface{}, len(report.Ops))
	for op, r := range report.Ops {
		ops[op] = map[string]interface{}{
			"count":            r.Count,
			"success_rate":     r.SuccessRate,
			"mean_duration_ms": r.MeanDuration.Milliseconds(),
			"min_duration_ms":  r.MinDuration.Milliseconds(),
			"max_duration_ms":  r.MaxDuration.Milliseconds(),
			"mean_mem_delta":   r.MeanMemDelta,
			"last_errors":      r.LastErrors,
		}
	}
	return m.sink.AppendAudit(ctx, "performance_reports", map[string]interface{}{
		"health":        string(report.Health),
		"error_rate_1h": report.ErrorRate,
		"heap_bytes":    report.HeapBytes,
		"heap_limit":    report.HeapLimit,
		"ops":           ops,
		"at":            report.At,
	})
}
