package threat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/internal/storage"
	"github.com/terminal-bench/courierdispatch/pkg/models"
)

const (
	windowCap  = 200
	windowTrim = 100
)

// Level classifies a scored subject.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH_THREAT"
)

// Thresholds are the action boundaries for a computed score.
type Thresholds struct {
	Low     int
	Medium  int
	High    int
	Suspend int
}

// DefaultThresholds mirrors the documented 30/50/75/95 defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 30, Medium: 50, High: 75, Suspend: 95}
}

// IPReputation answers whether an address is locally suspicious or on the
// external blacklist.
type IPReputation interface {
	IsSuspicious(ctx context.Context, ip string) (bool, error)
	IsBlacklisted(ctx context.Context, ip string) (bool, error)
}

// DeviceStore lists a subject's recent device sightings.
type DeviceStore interface {
	Recent(ctx context.Context, subject string) ([]models.Device, error)
}

// ActivityStore lists a subject's recent historical actions.
type ActivityStore interface {
	Recent(ctx context.Context, subject string, from time.Time) ([]models.ActivityRecord, error)
}

// OpsNotifier delivers threat notifications.
type OpsNotifier interface {
	NotifyOps(ctx context.Context, title, body, severity string, channels []string) error
}

type activity struct {
	tag string
	at  time.Time
}

// Metrics is the operator snapshot of threat activity.
type Metrics struct {
	Subjects  int `json:"subjects"`
	LowCount  int `json:"low_count"`
	MedCount  int `json:"medium_count"`
	HighCount int `json:"high_count"`
	Suspended int `json:"suspended"`
}

// Meter scores subject activity against session, network, temporal and
// behavioral signals and applies the threshold actions.
type Meter struct {
	thresholds Thresholds
	ipRep      IPReputation
	devices    DeviceStore
	history    ActivityStore
	sink       storage.Sink
	notifier   OpsNotifier
	logger     *zap.Logger

	mu        sync.Mutex
	windows   map[string][]activity
	levels    map[string]Level
	suspended map[string]bool
	lowCount  int
	medCount  int
	highCount int
}

func NewMeter(thresholds Thresholds, ipRep IPReputation, devices DeviceStore, history ActivityStore,
	sink storage.Sink, notifier OpsNotifier, logger *zap.Logger) *Meter {
	return &Meter{
		thresholds: thresholds,
		ipRep:      ipRep,
		devices:    devices,
		history:    history,
		sink:       sink,
		notifier:   notifier,
		logger:     logger,
		windows:    make(map[string][]activity),
		levels:     make(map[string]Level),
		suspended:  make(map[string]bool),
	}
}

// Score records the activity, runs the four analyses, persists the audit
// record and applies threshold actions. The returned score is clamped to
// 0..100.
func (m *Meter) Score(ctx context.Context, subject, tag string, tctx models.ThreatContext) int {
	now := time.Now()
	m.recordActivity(subject, tag, now)

	score := m.sessionScore(tctx) +
		m.networkScore(ctx, tctx) +
		m.temporalScore(subject, tag, now) +
		m.behavioralScore(ctx, subject, tctx, now)
	if score > 100 {
		score = 100
	}

	if err := m.sink.AppendAudit(ctx, "security_logs", map[string]interface{}{
		"subject": subject,
		"action":  tag,
		"metadata": map[string]interface{}{
			"score":     score,
			"client_ip": tctx.ClientIP,
		},
		"at": now,
	}); err != nil {
		m.logger.Warn("failed to persist security log", zap.Error(err))
	}

	m.applyThresholds(ctx, subject, tag, score, tctx)
	return score
}

func (m *Meter) applyThresholds(ctx context.Context, subject, tag string, score int, tctx models.ThreatContext) {
	t := m.thresholds
	switch {
	case score >= t.High:
		autoActions := []string{"mark_high_threat"}
		m.mu.Lock()
		m.levels[subject] = LevelHigh
		m.highCount++
		if score >= t.Suspend {
			m.suspended[subject] = true
			autoActions = append(autoActions, "suspend")
		}
		m.mu.Unlock()
		m.incident(ctx, subject, tag, score, "HIGH", tctx, autoActions)
		m.notify(ctx, subject, score, "critical")
	case score >= t.Medium:
		m.mu.Lock()
		m.levels[subject] = LevelMedium
		m.medCount++
		m.mu.Unlock()
		m.incident(ctx, subject, tag, score, "MEDIUM", tctx, nil)
		m.notify(ctx, subject, score, "urgent")
	case score >= t.Low:
		m.mu.Lock()
		m.levels[subject] = LevelLow
		m.lowCount++
		m.mu.Unlock()
	}
}

func (m *Meter) incident(ctx context.Context, subject, tag string, score int, severity string,
	tctx models.ThreatContext, autoActions []string) {
	m.logger.Warn("security incident",
		zap.String("subject", subject),
		zap.String("activity", tag),
		zap.Int("score", score),
		zap.String("severity", severity))

	if err := m.sink.AppendAudit(ctx, "security_incidents", map[string]interface{}{
		"id":          uuid.New().String(),
		"subject":     subject,
		"activity":    tag,
		"threatScore": score,
		"severity":    severity,
		"context": map[string]interface{}{
			"client_ip":   tctx.ClientIP,
			"user_agent":  tctx.UserAgent,
			"fingerprint": tctx.DeviceFingerprint,
		},
		"autoActions": autoActions,
		"at":          time.Now(),
	}); err != nil {
		m.logger.Warn("failed to persist security incident", zap.Error(err))
	}
}

func (m *Meter) notify(ctx context.Context, subject string, score int, severity string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyOps(ctx, "Threat detected",
		"subject "+subject+" scored above threshold", severity,
		[]string{"email", "chat"}); err != nil {
		m.logger.Warn("failed to deliver threat notification", zap.Error(err))
	}
}

// Suspended reports whether a subject has been auto-suspended.
func (m *Meter) Suspended(subject string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended[subject]
}

// LevelOf returns the recorded level for a subject.
func (m *Meter) LevelOf(subject string) (Level, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lvl, ok := m.levels[subject]
	return lvl, ok
}

// Snapshot returns aggregate threat metrics.
func (m *Meter) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		Subjects:  len(m.windows),
		LowCount:  m.lowCount,
		MedCount:  m.medCount,
		HighCount: m.highCount,
		Suspended: len(m.suspended),
	}
}

// PersistReport writes aggregate metrics to the audit sink. Runs as a
// scheduled job.
func (m *Meter) PersistReport(ctx context.Context) error {
	snap := m.Snapshot()
	return m.sink.AppendAudit(ctx, "security_incidents", map[string]interface{}{
		"type":      "threat_report",
		"subjects":  snap.Subjects,
		"low":       snap.LowCount,
		"medium":    snap.MedCount,
		"high":      snap.HighCount,
		"suspended": snap.Suspended,
		"at":        time.Now(),
	})
}

func (m *Meter) recordActivity(subject, tag string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	window := append(m.windows[subject], activity{tag: tag, at: now})
	if len(window) > windowCap {
		window = append([]activity(nil), window[len(window)-windowTrim:]...)
	}
	m.windows[subject] = window
}
