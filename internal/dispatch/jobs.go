package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/internal/cache"
	"github.com/terminal-bench/courierdispatch/internal/perf"
	"github.com/terminal-bench/courierdispatch/internal/resources"
	"github.com/terminal-bench/courierdispatch/internal/scheduler"
	"github.com/terminal-bench/courierdispatch/internal/spatial"
	"github.com/terminal-bench/courierdispatch/internal/storage"
	"github.com/terminal-bench/courierdispatch/internal/threat"
)

// Jobs bundles the components the recurring system jobs act on.
type Jobs struct {
	Scheduler *scheduler.Scheduler
	Cache     *cache.Adaptive
	Index     *spatial.Index
	Perf      *perf.Meter
	Threat    *threat.Meter
	Resources *resources.Manager
	Sink      storage.Sink
	Preloads  []cache.PreloadSpec
	Logger    *zap.Logger
}

// Install registers the recurring maintenance and reporting jobs. The
// resource sampler and spatial GC run at high priority so admission and
// query correctness never wait behind reports.
func (j Jobs) Install() error {
	type entry struct {
		id      string
		trigger string
		opts    scheduler.Options
		fn      scheduler.JobFunc
	}
	entries := []entry{
		{"resource_sampler", "every_5_minutes",
			scheduler.Options{Priority: scheduler.PriorityHigh},
			j.Resources.Sample},
		{"spatial_gc", "every_10_minutes",
			scheduler.Options{Priority: scheduler.PriorityHigh},
			func(context.Context) error {
				j.Index.GCStale()
				return nil
			}},
		{"cache_sweep", "every_30_minutes",
			scheduler.Options{Priority: scheduler.PriorityNormal},
			func(context.Context) error {
				j.Cache.Store().Sweep()
				return nil
			}},
		{"performance_report", "every_10_minutes",
			scheduler.Options{Priority: scheduler.PriorityNormal},
			j.Perf.PersistReport},
		{"threat_report", "every_30_minutes",
			scheduler.Options{Priority: scheduler.PriorityNormal},
			j.Threat.PersistReport},
		{"cache_preload", "every_hour",
			scheduler.Options{Priority: scheduler.PriorityLow},
			func(ctx context.Context) error {
				j.Cache.Preload(ctx, j.Preloads)
				return nil
			}},
		{"demand_prediction", "every_10_minutes",
			scheduler.Options{Priority: scheduler.PriorityLow},
			j.predictDemand},
		{"utilization_prediction", "every_30_minutes",
			scheduler.Options{Priority: scheduler.PriorityLow},
			j.predictUtilization},
	}
	for _, e := range entries {
		if err := j.Scheduler.Every(e.id, e.trigger, e.fn, e.opts); err != nil {
			return err
		}
	}
	j.Logger.Info("system jobs installed", zap.Int("jobs", len(entries)))
	return nil
}

// predictDemand projects near-term dispatch demand from the cache's hot
// keys and the clock, and records the projection for downstream planning.
func (j Jobs) predictDemand(ctx context.Context) error {
	hot := 0
	for _, stats := range j.Cache.Snapshot() {
		if stats.Total > 20 && stats.HitRate > 0.5 {
			hot++
		}
	}
	hour := time.Now().Hour()
	peak := (hour >= 11 && hour <= 14) || (hour >= 17 && hour <= 21)

	expected := "low"
	switch {
	case peak && hot > 10:
		expected = "high"
	case peak || hot > 10:
		expected = "medium"
	}
	return j.Sink.AppendAudit(ctx, "predictions", map[string]interface{}{
		"type":     "demand",
		"hour":     hour,
		"hot_keys": hot,
		"peak":     peak,
		"expected": expected,
		"at":       time.Now(),
	})
}

// predictUtilization projects driver capacity pressure from the spatial
// index shape and current dispatch admission load.
func (j Jobs) predictUtilization(ctx context.Context) error {
	idx := j.Index.Stats()
	snap := j.Resources.Snapshot()
	dispatch := snap[resources.ActiveDispatch]

	var load float64
	if dispatch.Limit > 0 {
		load = float64(dispatch.Current) / float64(dispatch.Limit)
	}
	pressure := "normal"
	switch {
	case idx.Drivers == 0 || load > 0.9:
		pressure = "critical"
	case load > 0.6:
		pressure = "elevated"
	}
	return j.Sink.AppendAudit(ctx, "predictions", map[string]interface{}{
		"type":            "utilization",
		"drivers_indexed": idx.Drivers,
		"cells":           idx.Cells,
		"dispatch_load":   load,
		"pressure":        pressure,
		"at":              time.Now(),
	})
}
