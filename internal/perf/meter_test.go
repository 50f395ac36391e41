package perf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/internal/storage"
)

type captureNotifier struct {
	titles []string
}

func (c *captureNotifier) NotifyOps(_ context.Context, title, _, _ string, _ []string) error {
	c.titles = append(c.titles, title)
	return nil
}

type captureExporter struct {
	samples []Sample
}

func (c *captureExporter) Export(_ string, s Sample) {
	c.samples = append(c.samples, s)
}

func newTestMeter(slowAfter time.Duration, opts ...Option) (*Meter, *storage.MemSink) {
	sink := storage.NewMemSink()
	return NewMeter(slowAfter, 128*1024*1024, 512*1024*1024, sink, zap.NewNop(), opts...), sink
}

func TestMeasure(t *testing.T) {
	ctx := context.Background()

	t.Run("propagates the function's result", func(t *testing.T) {
		m, _ := newTestMeter(time.Second)
		assert.NoError(t, m.Measure(ctx, "op", func(context.Context) error { return nil }))

		boom := errors.New("boom")
		err := m.Measure(ctx, "op", func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("failures capture a truncated stack", func(t *testing.T) {
		m, _ := newTestMeter(time.Second)
		_ = m.Measure(ctx, "op", func(context.Context) error { return errors.New("boom") })

		report := m.Report()
		assert.Contains(t, report.Ops, "op")
		assert.Equal(t, []string{"boom"}, report.Ops["op"].LastErrors)
	})

	t.Run("slow operations raise an alert", func(t *testing.T) {
		notifier := &captureNotifier{}
		m, sink := newTestMeter(time.Millisecond, WithNotifier(notifier))

		err := m.Measure(ctx, "slow-op", func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		assert.NoError(t, err)

		records := sink.Records("performance_alerts")
		assert.Len(t, records, 1)
		assert.Equal(t, "slow_operation", records[0]["type"])
		assert.NotEmpty(t, notifier.titles)

		select {
		case alert := <-m.Alerts():
			assert.Equal(t, "slow_operation", alert.Type)
			assert.Equal(t, "slow-op", alert.Op)
		default:
			assert.Fail(t, "expected a streamed alert")
		}
	})

	t.Run("fast operations stay quiet", func(t *testing.T) {
		m, sink := newTestMeter(time.Second)
		assert.NoError(t, m.Measure(ctx, "op", func(context.Context) error { return nil }))
		assert.Empty(t, sink.Records("performance_alerts"))
	})

	t.Run("samples reach the exporter", func(t *testing.T) {
		exporter := &captureExporter{}
		m, _ := newTestMeter(time.Second, WithExporter(exporter))
		_ = m.Measure(ctx, "op", func(context.Context) error { return nil })
		assert.Len(t, exporter.samples, 1)
		assert.True(t, exporter.samples[0].Success)
	})

	t.Run("series trims from 200 to the newest 100", func(t *testing.T) {
		m, _ := newTestMeter(time.Second)
		for i := 0; i < 201; i++ {
			_ = m.Measure(ctx, "op", func(context.Context) error { return nil })
		}
		assert.Equal(t, 100, m.Report().Ops["op"].Count)
	})
}

func TestReport(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregates success rate and durations", func(t *testing.T) {
		m, _ := newTestMeter(time.Second)
		for i := 0; i < 3; i++ {
			_ = m.Measure(ctx, "op", func(context.Context) error { return nil })
		}
		_ = m.Measure(ctx, "op", func(context.Context) error { return errors.New("x") })

		r := m.Report().Ops["op"]
		assert.Equal(t, 4, r.Count)
		assert.InDelta(t, 0.75, r.SuccessRate, 0.001)
		assert.LessOrEqual(t, r.MinDuration, r.MaxDuration)
	})

	t.Run("healthy system reports GOOD", func(t *testing.T) {
		m, _ := newTestMeter(time.Second)
		_ = m.Measure(ctx, "op", func(context.Context) error { return nil })
		assert.Equal(t, HealthGood, m.Report().Health)
	})

	t.Run("majority failures report CRITICAL", func(t *testing.T) {
		m, _ := newTestMeter(time.Second)
		for i := 0; i < 4; i++ {
			_ = m.Measure(ctx, "op", func(context.Context) error { return errors.New("x") })
		}
		_ = m.Measure(ctx, "op", func(context.Context) error { return nil })
		assert.Equal(t, HealthCritical, m.Report().Health)
	})

	t.Run("persisted report lands in the audit sink", func(t *testing.T) {
		m, sink := newTestMeter(time.Second)
		_ = m.Measure(ctx, "op", func(context.Context) error { return nil })
		assert.NoError(t, m.PersistReport(ctx))

		records := sink.Records("performance_reports")
		assert.Len(t, records, 1)
		assert.Equal(t, string(HealthGood), records[0]["health"])
	})
}
