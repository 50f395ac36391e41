package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Point is a geographic position.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Driver is a courier record as ingested from the driver source. Records
// held inside the spatial index are copies, never aliases into the source.
type Driver struct {
	ID                string    `json:"id"`
	Location          *Point    `json:"location,omitempty"`
	Active            bool      `json:"active"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	ActiveAssignments int       `json:"active_assignments"`
	PreferredVendors  []string  `json:"preferred_vendors,omitempty"`
}

// PrefersVendor reports whether the driver has opted into the vendor.
func (d Driver) PrefersVendor(vendorID string) bool {
	for _, v := range d.PreferredVendors {
		if v == vendorID {
			return true
		}
	}
	return false
}

// PerformanceWindow is a 30-day rollup of a driver's delivery history.
type PerformanceWindow struct {
	SuccessCount        int     `json:"success_count"`
	TotalCount          int     `json:"total_count"`
	RatingSum           float64 `json:"rating_sum"`
	RatingCount         int     `json:"rating_count"`
	DeliveryMinuteSum   float64 `json:"delivery_minute_sum"`
	DeliveryMinuteCount int     `json:"delivery_minute_count"`
}

// OrderStatus is the order lifecycle state. Persistence is external; the
// dispatch core only reads these.
type OrderStatus string

const (
	OrderPlaced        OrderStatus = "PLACED"
	OrderAccepted      OrderStatus = "ACCEPTED"
	OrderDriverPending OrderStatus = "DRIVER_PENDING"
	OrderDispatched    OrderStatus = "DISPATCHED"
)

// Order is the unit of dispatch.
type Order struct {
	ID             string          `json:"id"`
	VendorID       string          `json:"vendor_id"`
	VendorLocation Point           `json:"vendor_location"`
	AuthorID       string          `json:"author_id"`
	Total          decimal.Decimal `json:"total"`
	Status         OrderStatus     `json:"status"`
}

// Preferences is a customer's driver allow/deny lists.
type Preferences struct {
	Preferred []string `json:"preferred"`
	Blocked   []string `json:"blocked"`
}

// Device is a device sighting for a subject, used for novelty checks.
type Device struct {
	IP          string    `json:"ip"`
	UserAgent   string    `json:"user_agent"`
	Fingerprint string    `json:"fingerprint"`
	LastSeen    time.Time `json:"last_seen"`
}

// ActivityRecord is one historical action of a subject.
type ActivityRecord struct {
	Action string    `json:"action"`
	At     time.Time `json:"at"`
}

// Recipient carries the per-channel addresses a notification can target.
type Recipient struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	PushToken  string `json:"push_token,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
	ChatHandle string `json:"chat_handle,omitempty"`
}

// DispatchContext carries the real-time conditions a dispatch request was
// made under. Weather and traffic feed the matcher; the rest feeds threat
// scoring.
type DispatchContext struct {
	Weather string `json:"weather,omitempty"`
	Traffic string `json:"traffic,omitempty"`
	Hour    int    `json:"hour"`

	Threat ThreatContext `json:"threat,omitempty"`
}

// ThreatContext is the enumerated record of threat-relevant request facts.
// No runtime key introspection: every field the analyzers read is named.
type ThreatContext struct {
	MultipleDevices           bool   `json:"multiple_devices,omitempty"`
	RapidLocationChanges      bool   `json:"rapid_location_changes,omitempty"`
	UnusualUserAgent          bool   `json:"unusual_user_agent,omitempty"`
	ExcessiveFailedLogins     bool   `json:"excessive_failed_logins,omitempty"`
	VPNDetected               bool   `json:"vpn_detected,omitempty"`
	TorDetected               bool   `json:"tor_detected,omitempty"`
	AutomatedBehaviorDetected bool   `json:"automated_behavior_detected,omitempty"`
	UnusualTransactionPattern bool   `json:"unusual_transaction_pattern,omitempty"`
	ClientIP                  string `json:"client_ip,omitempty"`
	UserAgent                 string `json:"user_agent,omitempty"`
	DeviceFingerprint         string `json:"device_fingerprint,omitempty"`
}
