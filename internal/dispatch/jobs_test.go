package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/internal/cache"
	"github.com/terminal-bench/courierdispatch/internal/perf"
	"github.com/terminal-bench/courierdispatch/internal/resources"
	"github.com/terminal-bench/courierdispatch/internal/scheduler"
	"github.com/terminal-bench/courierdispatch/internal/spatial"
	"github.com/terminal-bench/courierdispatch/internal/storage"
	"github.com/terminal-bench/courierdispatch/internal/threat"
)

func newTestJobs() (Jobs, *storage.MemSink) {
	logger := zap.NewNop()
	sink := storage.NewMemSink()
	return Jobs{
		Scheduler: scheduler.New(scheduler.DefaultConfig(), logger),
		Cache:     cache.NewAdaptive(cache.NewStore(), logger),
		Index:     spatial.NewIndex(0.01, 10*time.Minute, logger),
		Perf:      perf.NewMeter(5*time.Second, 128<<20, 512<<20, sink, logger),
		Threat:    threat.NewMeter(threat.DefaultThresholds(), nil, nil, nil, sink, nil, logger),
		Resources: resources.NewManager(resources.DefaultLimits(), sink, logger),
		Sink:      sink,
		Logger:    logger,
	}, sink
}

func TestInstall(t *testing.T) {
	j, _ := newTestJobs()
	assert.NoError(t, j.Install())

	views := j.Scheduler.Snapshot()
	assert.Len(t, views, 8)

	ids := make(map[string]bool, len(views))
	for _, v := range views {
		ids[v.ID] = true
	}
	for _, id := range []string{
		"resource_sampler", "spatial_gc", "cache_sweep", "performance_report",
		"threat_report", "cache_preload", "demand_prediction", "utilization_prediction",
	} {
		assert.True(t, ids[id], id)
	}
}

func TestPredictions(t *testing.T) {
	t.Run("demand projection is recorded", func(t *testing.T) {
		j, sink := newTestJobs()
		assert.NoError(t, j.predictDemand(context.Background()))

		records := sink.Records("predictions")
		assert.Len(t, records, 1)
		assert.Equal(t, "demand", records[0]["type"])
		assert.Contains(t, []interface{}{"low", "medium", "high"}, records[0]["expected"])
	})

	t.Run("empty index reads as critical utilization", func(t *testing.T) {
		j, sink := newTestJobs()
		assert.NoError(t, j.predictUtilization(context.Background()))

		records := sink.Records("predictions")
		assert.Len(t, records, 1)
		assert.Equal(t, "utilization", records[0]["type"])
		assert.Equal(t, "critical", records[0]["pressure"])
	})
}
