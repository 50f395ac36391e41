package resources

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/terminal-bench/courierdispatch/internal/storage"
	"github.com/terminal-bench/courierdispatch/pkg/errs"
)

// Type identifies a counted resource.
type Type string

const (
	ActiveDispatch Type = "activeDispatch"
	HeapBytes      Type = "heapBytes"
	CPUPercent     Type = "cpuPct"
	DBConns        Type = "dbConns"
)

// Limits maps resource types to their admission ceilings.
type Limits map[Type]int64

// DefaultLimits mirrors the documented defaults.
func DefaultLimits() Limits {
	return Limits{
		ActiveDispatch: 100,
		HeapBytes:      512 * 1024 * 1024,
		CPUPercent:     80,
		DBConns:        50,
	}
}

// Request names one acquisition. WithResources takes an ordered slice so
// acquisition order is the declaration order, not map iteration order.
type Request struct {
	Type Type
	N    int64
}

// Counter is the operator snapshot of one resource.
type Counter struct {
	Current int64 `json:"current"`
	Limit   int64 `json:"limit"`
}

// Probes supply externally sourced gauge readings for the sampler. Heap is
// always read from the runtime; the rest default to zero when absent.
type Probes struct {
	CPUPercent func() int64
	DBConns    func() int64
}

// Manager is a set of counted semaphores with deterministic rejection:
// an acquisition beyond the limit fails immediately rather than blocking.
type Manager struct {
	limits Limits
	sems   map[Type]*semaphore.Weighted
	sink   storage.Sink
	logger *zap.Logger
	probes Probes

	mu      sync.Mutex
	current map[Type]int64
	gauges  map[Type]int64

	onDispatchExhausted func()
	onEmergency         []func()
}

func NewManager(limits Limits, sink storage.Sink, logger *zap.Logger) *Manager {
	m := &Manager{
		limits:  limits,
		sems:    make(map[Type]*semaphore.Weighted, len(limits)),
		sink:    sink,
		logger:  logger,
		current: make(map[Type]int64, len(limits)),
		gauges:  make(map[Type]int64, len(limits)),
	}
	for typ, limit := range limits {
		m.sems[typ] = semaphore.NewWeighted(limit)
	}
	return m
}

// SetProbes wires the sampler's external gauge sources.
func (m *Manager) SetProbes(p Probes) {
	m.probes = p
}

// OnDispatchExhausted registers the prioritize-pending-orders signal fired
// when active dispatch capacity runs out.
func (m *Manager) OnDispatchExhausted(fn func()) {
	m.onDispatchExhausted = fn
}

// OnEmergency registers a cleanup hook run when heap usage exceeds its
// limit.
func (m *Manager) OnEmergency(fn func()) {
	m.onEmergency = append(m.onEmergency, fn)
}

// Handle releases an acquisition. Release is idempotent.
type Handle struct {
	release func()
	once    sync.Once
}

func (h *Handle) Release() {
	h.once.Do(h.release)
}

// Acquire takes n units of a resource or fails with ResourceExhausted.
func (m *Manager) Acquire(ctx context.Context, typ Type, n int64) (*Handle, error) {
	sem, ok := m.sems[typ]
	if !ok {
		return nil, errs.New(errs.CodeInvalidArgument, "resources.acquire", "unknown resource type "+string(typ))
	}

	if !sem.TryAcquire(n) {
		m.exhausted(ctx, typ, n)
		return nil, errs.New(errs.CodeResourceExhausted, "resources.acquire",
			"resource "+string(typ)+" exhausted").
			WithPayload(map[string]interface{}{"type": string(typ), "requested": n})
	}

	m.mu.Lock()
	m.current[typ] += n
	m.mu.Unlock()

	return &Handle{release: func() {
		sem.Release(n)
		m.mu.Lock()
		m.current[typ] -= n
		m.mu.Unlock()
	}}, nil
}

// WithResources acquires every request in declaration order, runs fn, and
// releases in reverse order on every exit path, panics included.
func (m *Manager) WithResources(ctx context.Context, reqs []Request, fn func(context.Context) error) error {
	handles := make([]*Handle, 0, len(reqs))
	defer func() {
		for i := len(handles) - 1; i >= 0; i-- {
			handles[i].Release()
		}
	}()

	for _, req := range reqs {
		h, err := m.Acquire(ctx, req.Type, req.N)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	return fn(ctx)
}

func (m *Manager) exhausted(ctx context.Context, typ Type, requested int64) {
	m.mu.Lock()
	current := m.current[typ]
	m.mu.Unlock()

	m.logger.Error("resource exhausted",
		zap.String("type", string(typ)),
		zap.Int64("current", current),
		zap.Int64("limit", m.limits[typ]),
		zap.Int64("requested", requested))

	if err := m.sink.AppendAudit(ctx, "resource_alerts", map[string]interface{}{
		"type":         "resource_exhausted",
		"resourceType": string(typ),
		"current":      current,
		"limit":        m.limits[typ],
		"requested":    requested,
		"at":           time.Now(),
	}); err != nil {
		m.logger.Warn("failed to persist resource alert", zap.Error(err))
	}

	if typ == ActiveDispatch && m.onDispatchExhausted != nil {
		m.onDispatchExhausted()
	}
}

// Sample refreshes the heap, cpu and db gauges and triggers emergency
// cleanup when heap usage exceeds its limit. Runs as a scheduled job.
func (m *Manager) Sample(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	heap := int64(mem.HeapAlloc)

	m.mu.Lock()
	m.gauges[HeapBytes] = heap
	if m.probes.CPUPercent != nil {
		m.gauges[CPUPercent] = m.probes.CPUPercent()
	}
	if m.probes.DBConns != nil {
		m.gauges[DBConns] = m.probes.DBConns()
	}
	m.mu.Unlock()

	if limit, ok := m.limits[HeapBytes]; ok && heap > limit {
		m.logger.Error("heap over limit, running emergency cleanup",
			zap.Int64("heap", heap), zap.Int64("limit", limit))
		if err := m.sink.AppendAudit(ctx, "resource_alerts", map[string]interface{}{
			"type":         "emergency_cleanup",
			"resourceType": string(HeapBytes),
			"current":      heap,
			"limit":        limit,
			"at":           time.Now(),
		}); err != nil {
			m.logger.Warn("failed to persist resource alert", zap.Error(err))
		}
		for _, fn := range m.onEmergency {
			fn()
		}
	}
	return nil
}

// Snapshot reports every resource. Counted types report live acquisition
// counts; gauge types report the sampler's last reading.
func (m *Manager) Snapshot() map[Type]Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Type]Counter, len(m.limits))
	for typ, limit := range m.limits {
		current := m.current[typ]
		if g, ok := m.gauges[typ]; ok && g > current {
			current = g
		}
		out[typ] = Counter{Current: current, Limit: limit}
	}
	return out
}
