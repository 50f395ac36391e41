package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/internal/cache"
	"github.com/terminal-bench/courierdispatch/internal/matching"
	"github.com/terminal-bench/courierdispatch/internal/notify"
	"github.com/terminal-bench/courierdispatch/internal/resources"
	"github.com/terminal-bench/courierdispatch/internal/spatial"
	"github.com/terminal-bench/courierdispatch/internal/threat"
	"github.com/terminal-bench/courierdispatch/pkg/circuit"
	"github.com/terminal-bench/courierdispatch/pkg/errs"
	"github.com/terminal-bench/courierdispatch/pkg/geo"
	"github.com/terminal-bench/courierdispatch/pkg/models"
)

// DriverSource lists candidate drivers for an order.
type DriverSource interface {
	ListCandidates(ctx context.Context, order models.Order) ([]models.Driver, error)
}

// PerformanceStore serves per-driver delivery rollups.
type PerformanceStore interface {
	FetchWindow(ctx context.Context, driverID string, from time.Time) (models.PerformanceWindow, error)
}

// PreferenceStore serves customer allow/deny lists.
type PreferenceStore interface {
	Customer(ctx context.Context, uid string) (models.Preferences, error)
}

// RecipientResolver looks up a driver's notification addresses.
type RecipientResolver interface {
	Driver(ctx context.Context, driverID string) (models.Recipient, error)
}

// Result is the outcome of a successful dispatch.
type Result struct {
	OrderID  string  `json:"order_id"`
	DriverID string  `json:"driver_id"`
	Score    float64 `json:"score"`
	Ranked   int     `json:"ranked"`
}

// Config tunes the orchestrator.
type Config struct {
	SearchRadiusMiles float64
	CandidateTTL      time.Duration
	PerformanceWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		SearchRadiusMiles: 5,
		CandidateTTL:      2 * time.Minute,
		PerformanceWindow: 30 * 24 * time.Hour,
	}
}

// Orchestrator runs the dispatch pipeline: admission, circuit-protected
// candidate loading, spatial narrowing, weighted ranking, notification,
// and threat scoring of the requesting customer.
type Orchestrator struct {
	cfg       Config
	resources *resources.Manager
	runner    *circuit.Runner
	cache     *cache.Adaptive
	index     *spatial.Index
	drivers   DriverSource
	perf      PerformanceStore
	prefs     PreferenceStore
	threat    *threat.Meter
	notifier  *notify.Facade
	resolver  RecipientResolver
	logger    *zap.Logger
}

func NewOrchestrator(cfg Config, res *resources.Manager, runner *circuit.Runner,
	adaptive *cache.Adaptive, index *spatial.Index, drivers DriverSource,
	perf PerformanceStore, prefs PreferenceStore, threatMeter *threat.Meter,
	notifier *notify.Facade, resolver RecipientResolver, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		resources: res,
		runner:    runner,
		cache:     adaptive,
		index:     index,
		drivers:   drivers,
		perf:      perf,
		prefs:     prefs,
		threat:    threatMeter,
		notifier:  notifier,
		resolver:  resolver,
		logger:    logger,
	}
}

// Dispatch assigns the best available driver to the order. The requesting
// customer is threat-scored whether or not the dispatch succeeds.
func (o *Orchestrator) Dispatch(ctx context.Context, order models.Order, dctx models.DispatchContext) (Result, error) {
	if o.threat.Suspended(order.AuthorID) {
		o.threat.Score(ctx, order.AuthorID, "dispatch_order", dctx.Threat)
		return Result{}, errs.New(errs.CodePermissionDenied, "dispatch",
			"account suspended pending review")
	}

	var result Result
	err := o.resources.WithResources(ctx,
		[]resources.Request{{Type: resources.ActiveDispatch, N: 1}},
		func(ctx context.Context) error {
			return o.runner.Run(ctx, "dispatch", order.VendorID, func(ctx context.Context) error {
				r, err := o.assign(ctx, order, dctx)
				if err != nil {
					return err
				}
				result = r
				return nil
			})
		})

	o.threat.Score(ctx, order.AuthorID, "dispatch_order", dctx.Threat)

	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (o *Orchestrator) assign(ctx context.Context, order models.Order, dctx models.DispatchContext) (Result, error) {
	if err := o.refreshCandidates(ctx, order); err != nil {
		return Result{}, err
	}

	nearby := o.index.Near(order.VendorLocation.Lat, order.VendorLocation.Lon, o.cfg.SearchRadiusMiles)
	if len(nearby) == 0 {
		return Result{}, errs.New(errs.CodeNotFound, "dispatch",
			"no available drivers near vendor "+order.VendorID)
	}

	mctx := matching.Context{
		Weather:     dctx.Weather,
		Traffic:     dctx.Traffic,
		Hour:        dctx.Hour,
		Performance: o.loadPerformance(ctx, nearby),
	}
	if prefs, err := o.prefs.Customer(ctx, order.AuthorID); err != nil {
		o.logger.Warn("preference lookup failed, ranking without preferences",
			zap.String("customer", order.AuthorID), zap.Error(err))
	} else {
		mctx.Preferred = toSet(prefs.Preferred)
		mctx.Blocked = toSet(prefs.Blocked)
	}

	ranked := matching.Rank(order, nearby, mctx)
	best := ranked[0]

	o.notifyDriver(ctx, best.Driver, order)

	o.logger.Info("order dispatched",
		zap.String("order", order.ID),
		zap.String("driver", best.ID),
		zap.Float64("score", best.Score),
		zap.Int("candidates", len(ranked)))

	return Result{
		OrderID:  order.ID,
		DriverID: best.ID,
		Score:    best.Score,
		Ranked:   len(ranked),
	}, nil
}

// refreshCandidates loads the vendor's candidate pool into the spatial
// index through the adaptive cache. The key carries the vendor, its grid
// zone and a two-minute round so hot vendors share loads inside a round
// and roll over cleanly to the next.
func (o *Orchestrator) refreshCandidates(ctx context.Context, order models.Order) error {
	zone := geo.GridKey(order.VendorLocation.Lat, order.VendorLocation.Lon, 0.1)
	round := time.Now().Unix() / int64(o.cfg.CandidateTTL.Seconds())
	key := fmt.Sprintf("drivers:%s:%s:%d", order.VendorID, zone, round)

	_, err := o.cache.GetOrLoad(ctx, key, func(ctx context.Context) (interface{}, error) {
		drivers, err := o.drivers.ListCandidates(ctx, order)
		if err != nil {
			return nil, err
		}
		o.index.Upsert(drivers)
		return drivers, nil
	}, o.cfg.CandidateTTL)
	return err
}

func (o *Orchestrator) loadPerformance(ctx context.Context, drivers []models.Driver) map[string]models.PerformanceWindow {
	from := time.Now().Add(-o.cfg.PerformanceWindow)
	out := make(map[string]models.PerformanceWindow, len(drivers))
	for _, d := range drivers {
		win, err := o.perf.FetchWindow(ctx, d.ID, from)
		if err != nil {
			o.logger.Warn("performance window lookup failed, scoring with defaults",
				zap.String("driver", d.ID), zap.Error(err))
			continue
		}
		out[d.ID] = win
	}
	return out
}

// notifyDriver offers the order to the chosen driver. Delivery problems
// are logged; the assignment stands either way.
func (o *Orchestrator) notifyDriver(ctx context.Context, driver models.Driver, order models.Order) {
	if o.resolver == nil {
		return
	}
	recipient, err := o.resolver.Driver(ctx, driver.ID)
	if err != nil {
		o.logger.Warn("driver contact lookup failed",
			zap.String("driver", driver.ID), zap.Error(err))
		return
	}
	msg := notify.Message{
		Title:    "New delivery assignment",
		Body:     "Order " + order.ID + " from vendor " + order.VendorID + " (total " + order.Total.StringFixed(2) + ")",
		Severity: notify.SeverityUrgent,
	}
	o.notifier.Send(ctx, recipient, msg, notify.OptimalChannels(recipient, msg.Severity))
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
