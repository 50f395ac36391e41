package spatial

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/pkg/geo"
	"github.com/terminal-bench/courierdispatch/pkg/models"
)

const milesPerDegreeLat = 69.0

// Index buckets live drivers into fixed-size grid cells so a radius query
// only touches the cells overlapping the search box instead of the whole
// population. Upsert replaces the cell map wholesale: readers observe
// either the pre- or post-upsert map, never a partial merge.
type Index struct {
	grid     float64
	liveness time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	cells map[string][]models.Driver
}

// Stats is the operator snapshot of index shape.
type Stats struct {
	Cells       int     `json:"cells"`
	Drivers     int     `json:"drivers"`
	MeanPerCell float64 `json:"mean_per_cell"`
}

func NewIndex(gridDegrees float64, liveness time.Duration, logger *zap.Logger) *Index {
	return &Index{
		grid:     gridDegrees,
		liveness: liveness,
		logger:   logger,
		cells:    make(map[string][]models.Driver),
	}
}

// Upsert rebuilds the cell map from scratch out of the given driver
// records, keeping only drivers with a position that pass the liveness
// predicate, then swaps it in atomically and garbage-collects stale
// entries.
func (ix *Index) Upsert(drivers []models.Driver) {
	now := time.Now()
	fresh := make(map[string][]models.Driver)
	for _, d := range drivers {
		if d.Location == nil || !ix.live(d, now) {
			continue
		}
		key := geo.GridKey(d.Location.Lat, d.Location.Lon, ix.grid)
		fresh[key] = append(fresh[key], d)
	}

	ix.mu.Lock()
	ix.cells = fresh
	ix.mu.Unlock()

	ix.GCStale()
}

// GCStale drops drivers whose heartbeat has aged out of the liveness
// window and deletes cells left empty. Returns the number of evictions.
func (ix *Index) GCStale() int {
	now := time.Now()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := 0
	for key, bucket := range ix.cells {
		kept := bucket[:0]
		for _, d := range bucket {
			if ix.live(d, now) {
				kept = append(kept, d)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(ix.cells, key)
		} else {
			ix.cells[key] = kept
		}
	}
	if removed > 0 {
		ix.logger.Debug("spatial gc evicted stale drivers", zap.Int("removed", removed))
	}
	return removed
}

// Near returns the live drivers within radiusMiles of the query point,
// deduplicated by id and sorted by ascending distance. A zero radius
// matches only drivers exactly at the query position.
func (ix *Index) Near(lat, lon, radiusMiles float64) []models.Driver {
	latDelta := radiusMiles / milesPerDegreeLat
	lonScale := milesPerDegreeLat * math.Cos(lat*math.Pi/180)
	lonDelta := radiusMiles
	if lonScale > 1e-9 {
		lonDelta = radiusMiles / lonScale
	}

	iMin := geo.CellIndex(lat-latDelta, ix.grid)
	iMax := geo.CellIndex(lat+latDelta, ix.grid)
	jMin := geo.CellIndex(lon-lonDelta, ix.grid)
	jMax := geo.CellIndex(lon+lonDelta, ix.grid)

	type hit struct {
		driver models.Driver
		dist   float64
	}

	ix.mu.RLock()
	seen := make(map[string]struct{})
	var hits []hit
	for i := iMin; i <= iMax; i++ {
		for j := jMin; j <= jMax; j++ {
			bucket, ok := ix.cells[geo.CellKey(i, j, ix.grid)]
			if !ok {
				continue
			}
			for _, d := range bucket {
				if _, dup := seen[d.ID]; dup {
					continue
				}
				dist := geo.DistanceMiles(lat, lon, d.Location.Lat, d.Location.Lon)
				if dist <= radiusMiles {
					seen[d.ID] = struct{}{}
					hits = append(hits, hit{driver: d, dist: dist})
				}
			}
		}
	}
	ix.mu.RUnlock()

	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].dist < hits[b].dist
	})

	out := make([]models.Driver, len(hits))
	for i, h := range hits {
		out[i] = h.driver
	}
	return out
}

// Clear empties the index. Emergency cleanup path.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.cells = make(map[string][]models.Driver)
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st := Stats{Cells: len(ix.cells)}
	for _, bucket := range ix.cells {
		st.Drivers += len(bucket)
	}
	if st.Cells > 0 {
		st.MeanPerCell = float64(st.Drivers) / float64(st.Cells)
	}
	return st
}

func (ix *Index) live(d models.Driver, now time.Time) bool {
	return d.Active && now.Sub(d.LastHeartbeat) <= ix.liveness
}
