package threat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/pkg/models"
)

// sessionScore weighs the caller-supplied session signals.
func (m *Meter) sessionScore(tctx models.ThreatContext) int {
	score := 0
	if tctx.MultipleDevices {
		score += 20
	}
	if tctx.RapidLocationChanges {
		score += 30
	}
	if tctx.UnusualUserAgent {
		score += 15
	}
	if tctx.ExcessiveFailedLogins {
		score += 25
	}
	return score
}

// networkScore checks the client address against the reputation store.
// Lookup failures are tolerated: a degraded store must not block scoring.
func (m *Meter) networkScore(ctx context.Context, tctx models.ThreatContext) int {
	score := 0
	if tctx.ClientIP != "" && m.ipRep != nil {
		if suspicious, err := m.ipRep.IsSuspicious(ctx, tctx.ClientIP); err != nil {
			m.logger.Warn("ip reputation lookup failed", zap.Error(err))
		} else if suspicious {
			score += 40
		}
		if blacklisted, err := m.ipRep.IsBlacklisted(ctx, tctx.ClientIP); err != nil {
			m.logger.Warn("ip blacklist lookup failed", zap.Error(err))
		} else if blacklisted {
			score += 60
		}
	}
	if tctx.VPNDetected {
		score += 10
	}
	if tctx.TorDetected {
		score += 35
	}
	return score
}

// temporalScore flags off-hours activity and short-window bursts. The
// burst check counts entries in the subject's in-memory window from the
// last minute: more than 5 of the same tag, or more than 15 total, reads
// as automation.
func (m *Meter) temporalScore(subject, tag string, now time.Time) int {
	score := 0
	if h := now.Hour(); h >= 0 && h < 6 {
		score += 15
	}

	m.mu.Lock()
	window := m.windows[subject]
	cutoff := now.Add(-time.Minute)
	var total, same int
	for _, a := range window {
		if a.at.Before(cutoff) {
			continue
		}
		total++
		if a.tag == tag {
			same++
		}
	}
	m.mu.Unlock()

	if same > 5 || total > 15 {
		score += 25
	}
	return score
}

// behavioralScore combines the caller's behavioral flags with the
// historical fraud analysis, which contributes at reduced weight.
func (m *Meter) behavioralScore(ctx context.Context, subject string, tctx models.ThreatContext, now time.Time) int {
	score := 0
	if tctx.AutomatedBehaviorDetected {
		score += 40
	}
	if tctx.UnusualTransactionPattern {
		score += 30
	}
	score += int(float64(m.fraudScore(ctx, subject, tctx, now)) * 0.8)
	return score
}

// fraudScore inspects persisted history: action velocity, variety, device
// novelty and coarse location/time anomalies. Persisted to its own audit
// topic so the signal can be tuned offline.
func (m *Meter) fraudScore(ctx context.Context, subject string, tctx models.ThreatContext, now time.Time) int {
	score := 0

	if m.history != nil {
		records, err := m.history.Recent(ctx, subject, now.Add(-5*time.Minute))
		if err != nil {
			m.logger.Warn("activity history lookup failed", zap.Error(err))
		} else {
			kinds := make(map[string]struct{}, len(records))
			for _, r := range records {
				kinds[r.Action] = struct{}{}
			}
			switch {
			case len(records) > 10:
				score += 40
			case len(records) > 5:
				score += 20
			}
			if len(kinds) > 8 {
				score += 30
			}
		}
	}

	if m.devices != nil {
		devices, err := m.devices.Recent(ctx, subject)
		if err != nil {
			m.logger.Warn("device history lookup failed", zap.Error(err))
		} else if len(devices) > 0 {
			knownIP, knownUA, knownFP := false, false, false
			for _, d := range devices {
				if d.IP == tctx.ClientIP {
					knownIP = true
				}
				if d.UserAgent == tctx.UserAgent {
					knownUA = true
				}
				if d.Fingerprint == tctx.DeviceFingerprint {
					knownFP = true
				}
			}
			if tctx.ClientIP != "" && !knownIP {
				score += 20
			}
			if tctx.UserAgent != "" && !knownUA {
				score += 15
			}
			if tctx.DeviceFingerprint != "" && !knownFP {
				score += 25
			}
		}
	}

	if h := now.Hour(); h >= 2 && h < 5 {
		score += 10
	}
	if tctx.RapidLocationChanges {
		score += 15
	}

	if err := m.sink.AppendAudit(ctx, "fraud_scores", map[string]interface{}{
		"subject": subject,
		"score":   score,
		"at":      now,
	}); err != nil {
		m.logger.Warn("failed to persist fraud score", zap.Error(err))
	}
	return score
}
