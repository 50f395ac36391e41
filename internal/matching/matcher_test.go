package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/terminal-bench/courierdispatch/pkg/models"
)

func vendorOrder() models.Order {
	return models.Order{
		ID:             "o1",
		VendorID:       "v1",
		AuthorID:       "c1",
		VendorLocation: models.Point{Lat: 40.71, Lon: -74.0},
	}
}

func availableDriver(id string, assignments int) models.Driver {
	return models.Driver{
		ID:                id,
		Location:          &models.Point{Lat: 40.71, Lon: -74.0},
		Active:            true,
		LastHeartbeat:     time.Now(),
		ActiveAssignments: assignments,
	}
}

func TestRank(t *testing.T) {
	t.Run("less loaded driver wins under good conditions", func(t *testing.T) {
		idle := availableDriver("idle", 0)
		busy := availableDriver("busy", 2)

		ranked := Rank(vendorOrder(), []models.Driver{busy, idle}, Context{
			Weather: "clear",
			Traffic: "light",
			Hour:    12,
		})

		assert.Equal(t, "idle", ranked[0].ID)
		assert.Equal(t, "busy", ranked[1].ID)
		assert.Greater(t, ranked[0].Score, 80.0)
		assert.Greater(t, ranked[1].Score, 80.0)
	})

	t.Run("ties preserve input order", func(t *testing.T) {
		a := availableDriver("a", 0)
		b := availableDriver("b", 0)
		ranked := Rank(vendorOrder(), []models.Driver{a, b}, Context{Hour: 12})
		assert.Equal(t, "a", ranked[0].ID)
		assert.Equal(t, "b", ranked[1].ID)
	})

	t.Run("blocked driver ranks below neutral", func(t *testing.T) {
		blocked := availableDriver("blocked", 0)
		neutral := availableDriver("neutral", 0)

		ranked := Rank(vendorOrder(), []models.Driver{blocked, neutral}, Context{
			Hour:    12,
			Blocked: map[string]bool{"blocked": true},
		})
		assert.Equal(t, "neutral", ranked[0].ID)
	})

	t.Run("preferred driver outranks vendor regular", func(t *testing.T) {
		regular := availableDriver("regular", 0)
		regular.PreferredVendors = []string{"v1"}
		preferred := availableDriver("preferred", 0)

		ranked := Rank(vendorOrder(), []models.Driver{regular, preferred}, Context{
			Hour:      12,
			Preferred: map[string]bool{"preferred": true},
		})
		assert.Equal(t, "preferred", ranked[0].ID)
	})

	t.Run("empty candidates yield empty ranking", func(t *testing.T) {
		assert.Empty(t, Rank(vendorOrder(), nil, Context{}))
	})
}

func TestDistanceScore(t *testing.T) {
	t.Run("within five miles is full score", func(t *testing.T) {
		d := availableDriver("d", 0)
		assert.Equal(t, 100.0, distanceScore(vendorOrder(), d))
	})

	t.Run("decays past five miles", func(t *testing.T) {
		d := availableDriver("d", 0)
		d.Location = &models.Point{Lat: 40.81, Lon: -74.0} // ~6.9 miles
		s := distanceScore(vendorOrder(), d)
		assert.Less(t, s, 100.0)
		assert.Greater(t, s, 0.0)
	})

	t.Run("missing position scores neutral", func(t *testing.T) {
		d := availableDriver("d", 0)
		d.Location = nil
		assert.Equal(t, 50.0, distanceScore(vendorOrder(), d))
	})
}

func TestPerformanceScore(t *testing.T) {
	t.Run("no history scores 75", func(t *testing.T) {
		assert.Equal(t, 75.0, performanceScore(models.PerformanceWindow{}))
	})

	t.Run("strong record scores high", func(t *testing.T) {
		s := performanceScore(models.PerformanceWindow{
			SuccessCount:        98,
			TotalCount:          100,
			RatingSum:           480,
			RatingCount:         100,
			DeliveryMinuteSum:   2000,
			DeliveryMinuteCount: 100,
		})
		assert.Greater(t, s, 90.0)
	})

	t.Run("slow unreliable record scores low", func(t *testing.T) {
		s := performanceScore(models.PerformanceWindow{
			SuccessCount:        40,
			TotalCount:          100,
			RatingSum:           200,
			RatingCount:         100,
			DeliveryMinuteSum:   9000,
			DeliveryMinuteCount: 100,
		})
		assert.Less(t, s, 50.0)
	})
}

func TestAvailabilityScore(t *testing.T) {
	now := time.Now()
	ctx := Context{Now: now, HeartbeatStale: 5 * time.Minute}

	t.Run("inactive driver scores zero", func(t *testing.T) {
		d := availableDriver("d", 0)
		d.Active = false
		assert.Equal(t, 0.0, availabilityScore(d, ctx))
	})

	t.Run("each assignment costs thirty points", func(t *testing.T) {
		assert.Equal(t, 100.0, availabilityScore(availableDriver("d", 0), ctx))
		assert.Equal(t, 70.0, availabilityScore(availableDriver("d", 1), ctx))
		assert.Equal(t, 10.0, availabilityScore(availableDriver("d", 3), ctx))
		assert.Equal(t, 0.0, availabilityScore(availableDriver("d", 4), ctx))
	})

	t.Run("stale heartbeat decays the score", func(t *testing.T) {
		d := availableDriver("d", 0)
		d.LastHeartbeat = now.Add(-9 * time.Minute)
		// 4 minutes past the 5-minute threshold at 5 points per minute.
		assert.InDelta(t, 80.0, availabilityScore(d, ctx), 0.01)
	})
}

func TestRealtimeScore(t *testing.T) {
	t.Run("bad weather and traffic subtract", func(t *testing.T) {
		assert.Equal(t, 75.0, realtimeScore(Context{Weather: "rain", Traffic: "heavy", Hour: 3}))
	})

	t.Run("peak hours add", func(t *testing.T) {
		assert.Equal(t, 110.0, realtimeScore(Context{Hour: 12}))
		assert.Equal(t, 110.0, realtimeScore(Context{Hour: 19}))
		assert.Equal(t, 100.0, realtimeScore(Context{Hour: 3}))
	})

	t.Run("snow during peak nets even", func(t *testing.T) {
		assert.Equal(t, 100.0, realtimeScore(Context{Weather: "snow", Hour: 12}))
	})
}
