package matching

import (
	"math"
	"sort"
	"time"

	"github.com/terminal-bench/courierdispatch/pkg/geo"
	"github.com/terminal-bench/courierdispatch/pkg/models"
)

// Factor weights, blended in this fixed order.
const (
	weightDistance     = 0.30
	weightPerformance  = 0.25
	weightAvailability = 0.20
	weightPreference   = 0.15
	weightRealtime     = 0.10
)

// Context is the snapshot the matcher ranks against. All historical data
// is loaded before ranking begins; scoring itself performs no I/O.
type Context struct {
	Weather string
	Traffic string
	Hour    int

	Performance map[string]models.PerformanceWindow
	Preferred   map[string]bool
	Blocked     map[string]bool

	// HeartbeatStale is the age past which availability starts decaying.
	HeartbeatStale time.Duration
	Now            time.Time
}

// Scored pairs a candidate with its match score.
type Scored struct {
	models.Driver
	Score float64 `json:"match_score"`
}

// Rank scores every candidate against the order and returns them sorted by
// descending score. Ties preserve input order.
func Rank(order models.Order, candidates []models.Driver, ctx Context) []Scored {
	if ctx.Now.IsZero() {
		ctx.Now = time.Now()
	}
	if ctx.HeartbeatStale == 0 {
		ctx.HeartbeatStale = 5 * time.Minute
	}

	scored := make([]Scored, len(candidates))
	for i, d := range candidates {
		scored[i] = Scored{Driver: d, Score: score(order, d, ctx)}
	}

	sort.SliceStable(scored, func(a, b int) bool {
		return scored[a].Score > scored[b].Score
	})
	return scored
}

func score(order models.Order, d models.Driver, ctx Context) float64 {
	s := 100.0
	s = blend(s, distanceScore(order, d), weightDistance)
	s = blend(s, performanceScore(ctx.Performance[d.ID]), weightPerformance)
	s = blend(s, availabilityScore(d, ctx), weightAvailability)
	s = blend(s, preferenceScore(order, d, ctx), weightPreference)
	s = blend(s, realtimeScore(ctx), weightRealtime)
	return math.Round(s*100) / 100
}

func blend(score, sub, weight float64) float64 {
	return score*(1-weight) + sub*weight
}

func distanceScore(order models.Order, d models.Driver) float64 {
	if d.Location == nil {
		return 50
	}
	miles := geo.DistanceMiles(d.Location.Lat, d.Location.Lon,
		order.VendorLocation.Lat, order.VendorLocation.Lon)
	if miles <= 5 {
		return 100
	}
	return math.Max(0, 100-10*(miles-5))
}

func performanceScore(win models.PerformanceWindow) float64 {
	if win.TotalCount == 0 {
		return 75
	}

	successRate := float64(win.SuccessCount) / float64(win.TotalCount) * 100

	rating := 4.5
	if win.RatingCount > 0 {
		rating = win.RatingSum / float64(win.RatingCount)
	}

	avgMinutes := 30.0
	if win.DeliveryMinuteCount > 0 {
		avgMinutes = win.DeliveryMinuteSum / float64(win.DeliveryMinuteCount)
	}

	s := successRate*0.4 +
		rating/5*100*0.3 +
		math.Max(0, 100-2*(avgMinutes-20))*0.3
	return clamp(s, 0, 100)
}

func availabilityScore(d models.Driver, ctx Context) float64 {
	if !d.Active {
		return 0
	}
	s := 100.0 - 30*float64(d.ActiveAssignments)
	if s < 0 {
		s = 0
	}
	age := ctx.Now.Sub(d.LastHeartbeat)
	if age > ctx.HeartbeatStale {
		staleMinutes := age.Minutes()
		s -= 5 * (staleMinutes - ctx.HeartbeatStale.Minutes())
	}
	if s < 0 {
		s = 0
	}
	return s
}

func preferenceScore(order models.Order, d models.Driver, ctx Context) float64 {
	if ctx.Preferred[d.ID] {
		return 100
	}
	if ctx.Blocked[d.ID] {
		return 0
	}
	if d.PrefersVendor(order.VendorID) {
		return 90
	}
	return 80
}

func realtimeScore(ctx Context) float64 {
	s := 100.0
	if ctx.Weather == "rain" || ctx.Weather == "snow" {
		s -= 10
	}
	if ctx.Traffic == "heavy" {
		s -= 15
	}
	if (ctx.Hour >= 11 && ctx.Hour <= 14) || (ctx.Hour >= 17 && ctx.Hour <= 21) {
		s += 10
	}
	if s < 0 {
		s = 0
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
