package cache

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	accessLogCap  = 200
	accessLogTrim = 100

	minTTLMinutes = 1
	maxTTLMinutes = 120
)

// Loader produces the value for a key on a cache miss.
type Loader func(ctx context.Context) (interface{}, error)

// PreloadSpec names a critical key and how to populate it.
type PreloadSpec struct {
	Key     string
	Load    Loader
	BaseTTL time.Duration
}

// KeyStats is the per-key telemetry snapshot.
type KeyStats struct {
	Hits    int     `json:"hits"`
	Total   int     `json:"total"`
	HitRate float64 `json:"hit_rate"`
}

// Adaptive layers access-pattern telemetry over a base Store and adjusts
// TTLs from recent frequency and hit rate. Composition, not inheritance:
// the base store stays usable on its own.
type Adaptive struct {
	store  *Store
	logger *zap.Logger

	mu     sync.Mutex
	access map[string][]time.Time
	hits   map[string]int
	total  map[string]int
}

func NewAdaptive(store *Store, logger *zap.Logger) *Adaptive {
	return &Adaptive{
		store:  store,
		logger: logger,
		access: make(map[string][]time.Time),
		hits:   make(map[string]int),
		total:  make(map[string]int),
	}
}

// Store exposes the underlying base cache.
func (a *Adaptive) Store() *Store {
	return a.store
}

// GetOrLoad records the access, serves a hit from the base store, and on a
// miss runs the loader and stores the result under the computed optimal TTL.
func (a *Adaptive) GetOrLoad(ctx context.Context, key string, load Loader, baseTTL time.Duration) (interface{}, error) {
	a.recordAccess(key)

	if v, ok := a.store.Get(key); ok {
		a.recordOutcome(key, true)
		return v, nil
	}
	a.recordOutcome(key, false)

	v, err := load(ctx)
	if err != nil {
		return nil, err
	}

	a.store.Set(key, v, a.OptimalTTL(key, baseTTL))
	return v, nil
}

// OptimalTTL computes the TTL for a key from its recent access frequency
// and hit rate. Keys with fewer than five recorded accesses keep the base
// TTL.
func (a *Adaptive) OptimalTTL(key string, baseTTL time.Duration) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := a.access[key]
	if len(log) < 5 {
		return baseTTL
	}

	cutoff := time.Now().Add(-time.Hour)
	recent := 0
	for _, at := range log {
		if at.After(cutoff) {
			recent++
		}
	}

	multiplier := 1.0
	switch {
	case recent > 50:
		multiplier = 3.0
	case recent > 20:
		multiplier = 2.0
	case recent < 5:
		multiplier = 0.5
	}

	total := a.total[key]
	if total > 10 {
		hitRate := float64(a.hits[key]) / float64(total)
		if hitRate > 0.9 {
			multiplier *= 1.2
		} else if hitRate < 0.3 {
			multiplier *= 0.8
		}
	}

	minutes := math.Floor(baseTTL.Minutes() * multiplier)
	if minutes < minTTLMinutes {
		minutes = minTTLMinutes
	}
	if minutes > maxTTLMinutes {
		minutes = maxTTLMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Preload warms the given critical keys concurrently. Individual failures
// are isolated and logged; the warmup never fails as a whole.
func (a *Adaptive) Preload(ctx context.Context, specs []PreloadSpec) {
	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			if _, err := a.GetOrLoad(ctx, spec.Key, spec.Load, spec.BaseTTL); err != nil {
				a.logger.Warn("cache preload failed",
					zap.String("key", spec.Key),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Clear drops the base store and all telemetry. Emergency cleanup path.
func (a *Adaptive) Clear() {
	a.store.Clear()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.access = make(map[string][]time.Time)
	a.hits = make(map[string]int)
	a.total = make(map[string]int)
}

// Snapshot returns per-key telemetry for the operator surface.
func (a *Adaptive) Snapshot() map[string]KeyStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]KeyStats, len(a.total))
	for key, total := range a.total {
		ks := KeyStats{Hits: a.hits[key], Total: total}
		if total > 0 {
			ks.HitRate = float64(ks.Hits) / float64(total)
		}
		out[key] = ks
	}
	return out
}

func (a *Adaptive) recordAccess(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	log := append(a.access[key], time.Now())
	if len(log) > accessLogCap {
		log = append([]time.Time(nil), log[len(log)-accessLogTrim:]...)
	}
	a.access[key] = log
}

func (a *Adaptive) recordOutcome(key string, hit bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total[key]++
	if hit {
		a.hits[key]++
	}
}

// seedTelemetry primes telemetry counters; test helper.
func (a *Adaptive) seedTelemetry(key string, accesses []time.Time, hits, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.access[key] = append([]time.Time(nil), accesses...)
	a.hits[key] = hits
	a.total[key] = total
}
