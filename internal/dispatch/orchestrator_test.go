package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/internal/cache"
	"github.com/terminal-bench/courierdispatch/internal/notify"
	"github.com/terminal-bench/courierdispatch/internal/resources"
	"github.com/terminal-bench/courierdispatch/internal/spatial"
	"github.com/terminal-bench/courierdispatch/internal/storage"
	"github.com/terminal-bench/courierdispatch/internal/threat"
	"github.com/terminal-bench/courierdispatch/pkg/circuit"
	"github.com/terminal-bench/courierdispatch/pkg/errs"
	"github.com/terminal-bench/courierdispatch/pkg/models"
)

type fakeDriverSource struct {
	drivers []models.Driver
	err     error
	calls   int32
}

func (f *fakeDriverSource) ListCandidates(context.Context, models.Order) ([]models.Driver, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.drivers, f.err
}

type fakePerfStore struct {
	windows map[string]models.PerformanceWindow
}

func (f *fakePerfStore) FetchWindow(_ context.Context, driverID string, _ time.Time) (models.PerformanceWindow, error) {
	return f.windows[driverID], nil
}

type fakePrefStore struct {
	prefs models.Preferences
}

func (f *fakePrefStore) Customer(context.Context, string) (models.Preferences, error) {
	return f.prefs, nil
}

type env struct {
	orchestrator *Orchestrator
	source       *fakeDriverSource
	prefs        *fakePrefStore
	sink         *storage.MemSink
	resources    *resources.Manager
}

func newTestEnv(t *testing.T, drivers []models.Driver) *env {
	t.Helper()
	logger := zap.NewNop()
	sink := storage.NewMemSink()

	source := &fakeDriverSource{drivers: drivers}
	prefs := &fakePrefStore{}
	res := resources.NewManager(resources.Limits{resources.ActiveDispatch: 10}, sink, logger)
	runner := circuit.NewRunner(circuit.Config{
		MaxFailures:  5,
		ResetTimeout: time.Minute,
		Retries:      2,
		BaseDelay:    time.Millisecond,
	}, circuit.NopMeter{}, logger)
	threatMeter := threat.NewMeter(threat.DefaultThresholds(), nil, nil, nil, sink, nil, logger)
	notifier := notify.NewFacade(sink, logger)

	o := NewOrchestrator(DefaultConfig(), res, runner,
		cache.NewAdaptive(cache.NewStore(), logger),
		spatial.NewIndex(0.01, 10*time.Minute, logger),
		source, &fakePerfStore{windows: map[string]models.PerformanceWindow{}},
		prefs, threatMeter, notifier, nil, logger)

	return &env{orchestrator: o, source: source, prefs: prefs, sink: sink, resources: res}
}

func nearbyDriver(id string, assignments int) models.Driver {
	return models.Driver{
		ID:                id,
		Location:          &models.Point{Lat: 40.711, Lon: -74.001},
		Active:            true,
		LastHeartbeat:     time.Now(),
		ActiveAssignments: assignments,
	}
}

func testOrder() models.Order {
	return models.Order{
		ID:             "o1",
		VendorID:       "v1",
		AuthorID:       "c1",
		VendorLocation: models.Point{Lat: 40.71, Lon: -74.0},
		Status:         models.OrderDriverPending,
	}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	dctx := models.DispatchContext{Weather: "clear", Traffic: "light", Hour: 12}

	t.Run("assigns the best nearby driver", func(t *testing.T) {
		e := newTestEnv(t, []models.Driver{
			nearbyDriver("busy", 2),
			nearbyDriver("idle", 0),
		})

		result, err := e.orchestrator.Dispatch(ctx, testOrder(), dctx)
		assert.NoError(t, err)
		assert.Equal(t, "idle", result.DriverID)
		assert.Equal(t, "o1", result.OrderID)
		assert.Equal(t, 2, result.Ranked)
		assert.Greater(t, result.Score, 80.0)
	})

	t.Run("no drivers in range yields NotFound without retries", func(t *testing.T) {
		e := newTestEnv(t, nil)

		_, err := e.orchestrator.Dispatch(ctx, testOrder(), dctx)
		assert.Error(t, err)
		assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&e.source.calls))
	})

	t.Run("blocked drivers lose to neutral ones", func(t *testing.T) {
		e := newTestEnv(t, []models.Driver{
			nearbyDriver("preferred-not", 0),
			nearbyDriver("neutral", 0),
		})
		e.prefs.prefs = models.Preferences{Blocked: []string{"preferred-not"}}

		result, err := e.orchestrator.Dispatch(ctx, testOrder(), dctx)
		assert.NoError(t, err)
		assert.Equal(t, "neutral", result.DriverID)
	})

	t.Run("candidate loads are cached within a round", func(t *testing.T) {
		e := newTestEnv(t, []models.Driver{nearbyDriver("d1", 0)})

		_, err := e.orchestrator.Dispatch(ctx, testOrder(), dctx)
		assert.NoError(t, err)
		_, err = e.orchestrator.Dispatch(ctx, testOrder(), dctx)
		assert.NoError(t, err)
		assert.LessOrEqual(t, atomic.LoadInt32(&e.source.calls), int32(1))
	})

	t.Run("source failures exhaust retries and surface", func(t *testing.T) {
		e := newTestEnv(t, nil)
		e.source.err = errors.New("driver db down")

		_, err := e.orchestrator.Dispatch(ctx, testOrder(), dctx)
		assert.Error(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&e.source.calls))
	})

	t.Run("every dispatch threat-scores the customer", func(t *testing.T) {
		e := newTestEnv(t, []models.Driver{nearbyDriver("d1", 0)})
		_, _ = e.orchestrator.Dispatch(ctx, testOrder(), dctx)
		assert.NotEmpty(t, e.sink.Records("security_logs"))
	})

	t.Run("suspended customers are refused", func(t *testing.T) {
		e := newTestEnv(t, []models.Driver{nearbyDriver("d1", 0)})
		hostile := dctx
		hostile.Threat = models.ThreatContext{
			MultipleDevices:       true,
			RapidLocationChanges:  true,
			UnusualUserAgent:      true,
			ExcessiveFailedLogins: true,
			TorDetected:           true,
		}

		// First request goes through and trips the suspension.
		_, err := e.orchestrator.Dispatch(ctx, testOrder(), hostile)
		assert.NoError(t, err)

		_, err = e.orchestrator.Dispatch(ctx, testOrder(), dctx)
		assert.Equal(t, errs.CodePermissionDenied, errs.CodeOf(err))
	})

	t.Run("dispatch admission is released after completion", func(t *testing.T) {
		e := newTestEnv(t, []models.Driver{nearbyDriver("d1", 0)})
		_, err := e.orchestrator.Dispatch(ctx, testOrder(), dctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), e.resources.Snapshot()[resources.ActiveDispatch].Current)
	})
}
