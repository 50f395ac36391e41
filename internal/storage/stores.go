package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/courierdispatch/pkg/models"
)

// SQLDriverSource reads candidate drivers from the external driver table.
type SQLDriverSource struct {
	db *sql.DB
}

func NewSQLDriverSource(db *sql.DB) *SQLDriverSource {
	return &SQLDriverSource{db: db}
}

// ListCandidates returns active drivers with a recent heartbeat. The
// spatial index applies the strict liveness predicate afterwards; this
// query is only a coarse pre-filter.
func (s *SQLDriverSource) ListCandidates(ctx context.Context, order models.Order) ([]models.Driver, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lat, lon, active, last_heartbeat, active_assignments, preferred_vendors
		FROM drivers
		WHERE active = true AND last_heartbeat > $1`,
		time.Now().Add(-15*time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate drivers: %w", err)
	}
	defer rows.Close()

	var drivers []models.Driver
	for rows.Next() {
		var d models.Driver
		var lat, lon sql.NullFloat64
		var vendors pq.StringArray
		if err := rows.Scan(&d.ID, &lat, &lon, &d.Active, &d.LastHeartbeat,
			&d.ActiveAssignments, &vendors); err != nil {
			continue
		}
		if lat.Valid && lon.Valid {
			d.Location = &models.Point{Lat: lat.Float64, Lon: lon.Float64}
		}
		d.PreferredVendors = vendors
		drivers = append(drivers, d)
	}
	return drivers, rows.Err()
}

// SQLPerformanceStore serves 30-day delivery rollups.
type SQLPerformanceStore struct {
	db *sql.DB
}

func NewSQLPerformanceStore(db *sql.DB) *SQLPerformanceStore {
	return &SQLPerformanceStore{db: db}
}

func (s *SQLPerformanceStore) FetchWindow(ctx context.Context, driverID string, from time.Time) (models.PerformanceWindow, error) {
	var win models.PerformanceWindow
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'DELIVERED'),
			COUNT(*),
			COALESCE(SUM(rating), 0),
			COUNT(rating),
			COALESCE(SUM(delivery_minutes), 0),
			COUNT(delivery_minutes)
		FROM deliveries
		WHERE driver_id = $1 AND created_at >= $2`,
		driverID, from,
	).Scan(&win.SuccessCount, &win.TotalCount, &win.RatingSum, &win.RatingCount,
		&win.DeliveryMinuteSum, &win.DeliveryMinuteCount)
	if err != nil {
		return models.PerformanceWindow{}, fmt.Errorf("failed to fetch performance window: %w", err)
	}
	return win, nil
}

// SQLPreferenceStore serves customer driver allow/deny lists.
type SQLPreferenceStore struct {
	db *sql.DB
}

func NewSQLPreferenceStore(db *sql.DB) *SQLPreferenceStore {
	return &SQLPreferenceStore{db: db}
}

func (s *SQLPreferenceStore) Customer(ctx context.Context, uid string) (models.Preferences, error) {
	var prefs models.Preferences
	var preferred, blocked pq.StringArray
	err := s.db.QueryRowContext(ctx,
		"SELECT preferred_drivers, blocked_drivers FROM customer_preferences WHERE customer_id = $1",
		uid,
	).Scan(&preferred, &blocked)
	if err == sql.ErrNoRows {
		return models.Preferences{}, nil
	}
	if err != nil {
		return models.Preferences{}, fmt.Errorf("failed to fetch customer preferences: %w", err)
	}
	prefs.Preferred = preferred
	prefs.Blocked = blocked
	return prefs, nil
}

// SQLDeviceStore serves recent device sightings for threat scoring.
type SQLDeviceStore struct {
	db *sql.DB
}

func NewSQLDeviceStore(db *sql.DB) *SQLDeviceStore {
	return &SQLDeviceStore{db: db}
}

func (s *SQLDeviceStore) Recent(ctx context.Context, subject string) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, user_agent, fingerprint, last_seen
		FROM devices
		WHERE subject = $1
		ORDER BY last_seen DESC
		LIMIT 50`,
		subject,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.IP, &d.UserAgent, &d.Fingerprint, &d.LastSeen); err != nil {
			continue
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SQLActivityStore serves a subject's recent actions for velocity checks.
type SQLActivityStore struct {
	db *sql.DB
}

func NewSQLActivityStore(db *sql.DB) *SQLActivityStore {
	return &SQLActivityStore{db: db}
}

func (s *SQLActivityStore) Recent(ctx context.Context, subject string, from time.Time) ([]models.ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, created_at
		FROM activity_log
		WHERE subject = $1 AND created_at >= $2
		ORDER BY created_at DESC`,
		subject, from,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent activity: %w", err)
	}
	defer rows.Close()

	var records []models.ActivityRecord
	for rows.Next() {
		var r models.ActivityRecord
		if err := rows.Scan(&r.Action, &r.At); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SQLRecipientStore resolves notification addresses for drivers.
type SQLRecipientStore struct {
	db *sql.DB
}

func NewSQLRecipientStore(db *sql.DB) *SQLRecipientStore {
	return &SQLRecipientStore{db: db}
}

func (s *SQLRecipientStore) Driver(ctx context.Context, driverID string) (models.Recipient, error) {
	var r models.Recipient
	var pushToken, phone, email, webhook, chat sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, push_token, phone, email, webhook_url, chat_handle
		FROM contacts
		WHERE id = $1`,
		driverID,
	).Scan(&r.ID, &r.Role, &pushToken, &phone, &email, &webhook, &chat)
	if err != nil {
		return models.Recipient{}, fmt.Errorf("failed to resolve driver contact: %w", err)
	}
	r.PushToken = pushToken.String
	r.Phone = phone.String
	r.Email = email.String
	r.WebhookURL = webhook.String
	r.ChatHandle = chat.String
	return r, nil
}

// RedisIPReputation answers membership checks against the local suspicious
// set and the externally maintained blacklist.
type RedisIPReputation struct {
	client *redis.Client
}

const (
	suspiciousSetKey = "threat:suspicious_ips"
	blacklistSetKey  = "threat:ip_blacklist"
)

func NewRedisIPReputation(client *redis.Client) *RedisIPReputation {
	return &RedisIPReputation{client: client}
}

func (r *RedisIPReputation) IsSuspicious(ctx context.Context, ip string) (bool, error) {
	return r.client.SIsMember(ctx, suspiciousSetKey, ip).Result()
}

func (r *RedisIPReputation) IsBlacklisted(ctx context.Context, ip string) (bool, error) {
	return r.client.SIsMember(ctx, blacklistSetKey, ip).Result()
}

// MarkSuspicious adds an IP to the local suspicious set.
func (r *RedisIPReputation) MarkSuspicious(ctx context.Context, ip string) error {
	return r.client.SAdd(ctx, suspiciousSetKey, ip).Err()
}
