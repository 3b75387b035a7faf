// Package domain contains the core domain models for KeyGate.
// These types serve as the Single Source of Truth (SSOT) for all layers of the application.
package domain

import (
	"time"
)

// LicenseKey represents one sellable/assignable activation credential.
// BoundHardwareID is single-slot: MaxActivations counts admitted machines
// but only the most recent fingerprint is remembered.
type LicenseKey struct {
	ID                 string        `json:"id" db:"id" validate:"required,uuid"`
	Key                string        `json:"key" db:"license_key" validate:"required,min=10"`
	Status             LicenseStatus `json:"status" db:"status" validate:"required"`
	AssignedTo         string        `json:"assigned_to,omitempty" db:"assigned_to"`
	AssignedEmail      string        `json:"assigned_email,omitempty" db:"assigned_email" validate:"omitempty,email"`
	MaxActivations     int           `json:"max_activations" db:"max_activations" validate:"min=1"`
	CurrentActivations int           `json:"current_activations" db:"current_activations" validate:"min=0"`
	BoundHardwareID    string        `json:"bound_hardware_id,omitempty" db:"bound_hwid"`
	BoundIP            string        `json:"bound_ip,omitempty" db:"bound_ip"`
	LastActivatedAt    *time.Time    `json:"last_activated_at,omitempty" db:"last_activated_at"`
	ExpiresAt          *time.Time    `json:"expires_at,omitempty" db:"expires_at"`
	Notes              string        `json:"notes,omitempty" db:"notes"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
}

// LicenseStatus represents the lifecycle state of a license key.
type LicenseStatus string

const (
	LicenseStatusPending LicenseStatus = "pending"
	LicenseStatusActive  LicenseStatus = "active"
	LicenseStatusExpired LicenseStatus = "expired"
	LicenseStatusRevoked LicenseStatus = "revoked"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s LicenseStatus) Valid() bool {
	switch s {
	case LicenseStatusPending, LicenseStatusActive, LicenseStatusExpired, LicenseStatusRevoked:
		return true
	}
	return false
}

// Terminal reports whether no activation can ever succeed from this state
// without an explicit administrative re-issuance.
func (s LicenseStatus) Terminal() bool {
	return s == LicenseStatusExpired || s == LicenseStatusRevoked
}

// IsExpiredAt reports whether the key carries an expiry date that has passed.
// A nil ExpiresAt means the key never expires.
func (k *LicenseKey) IsExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// ActivationAttempt is an immutable append-only audit record of one validation call.
// LicenseKeyID is empty when the presented key did not resolve to any record.
type ActivationAttempt struct {
	ID            string        `json:"id" db:"id"`
	LicenseKeyID  string        `json:"license_key_id,omitempty" db:"license_key_id"`
	IPAddress     string        `json:"ip_address,omitempty" db:"ip_address"`
	HardwareID    string        `json:"hardware_id,omitempty" db:"hwid"`
	MachineName   string        `json:"machine_name,omitempty" db:"machine_name"`
	OSVersion     string        `json:"os_version,omitempty" db:"os_version"`
	AppVersion    string        `json:"app_version,omitempty" db:"app_version"`
	Success       bool          `json:"success" db:"success"`
	FailureCode   FailureReason `json:"failure_code,omitempty" db:"failure_code"`
	FailureReason string        `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// FailureReason is the classified outcome of a rejected activation attempt.
// Free-text context lives next to it; nothing pattern-matches on the text.
type FailureReason string

const (
	FailureInvalidKey     FailureReason = "invalid_key"
	FailureRevoked        FailureReason = "revoked"
	FailureExpired        FailureReason = "expired"
	FailureNotActivated   FailureReason = "not_activated"
	FailureMaxActivations FailureReason = "max_activations"
)

// SecurityEvent is a classified abuse signal raised by the abuse detector.
type SecurityEvent struct {
	ID           string            `json:"id" db:"id"`
	EventType    SecurityEventType `json:"event_type" db:"event_type" validate:"required"`
	Severity     EventSeverity     `json:"severity" db:"severity" validate:"required"`
	IPAddress    string            `json:"ip_address,omitempty" db:"ip_address"`
	LicenseKeyID string            `json:"license_key_id,omitempty" db:"license_key_id"`
	AttemptedKey string            `json:"attempted_key,omitempty" db:"attempted_key"`
	Details      string            `json:"details,omitempty" db:"details"`
	Resolved     bool              `json:"resolved" db:"resolved"`
	ResolvedBy   string            `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
}

// SecurityEventType classifies an abuse signal.
type SecurityEventType string

const (
	EventBruteForce        SecurityEventType = "brute_force"
	EventInvalidKey        SecurityEventType = "invalid_key"
	EventExpiredKeyAttempt SecurityEventType = "expired_key_attempt"
	EventRevokedKeyAttempt SecurityEventType = "revoked_key_attempt"
	EventHWIDMismatch      SecurityEventType = "hwid_mismatch"
	EventOverflow          SecurityEventType = "multi_activation_overflow"
)

// EventSeverity grades a security event for triage.
type EventSeverity string

const (
	SeverityLow      EventSeverity = "low"
	SeverityMedium   EventSeverity = "medium"
	SeverityHigh     EventSeverity = "high"
	SeverityCritical EventSeverity = "critical"
)

// StatusReport is a pass-through audit record reported by a running client.
type StatusReport struct {
	ID            string       `json:"id" db:"id"`
	LicenseKeyID  string       `json:"license_key_id" db:"license_key_id"`
	IPAddress     string       `json:"ip_address,omitempty" db:"ip_address"`
	HardwareID    string       `json:"hardware_id,omitempty" db:"hwid"`
	AppVersion    string       `json:"app_version,omitempty" db:"app_version"`
	OSVersion     string       `json:"os_version,omitempty" db:"os_version"`
	Status        ClientStatus `json:"status" db:"status"`
	ErrorMessage  string       `json:"error_message,omitempty" db:"error_message"`
	UptimeSeconds int64        `json:"uptime_seconds,omitempty" db:"uptime_seconds"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// ClientStatus is the self-reported state of a desktop client.
type ClientStatus string

const (
	ClientStatusRunning ClientStatus = "running"
	ClientStatusIdle    ClientStatus = "idle"
	ClientStatusError   ClientStatus = "error"
)

// Notification is an admin-facing message produced by the abuse detector
// or the expiration sweeper.
type Notification struct {
	ID             string           `json:"id" db:"id"`
	Type           NotificationType `json:"type" db:"type"`
	Title          string           `json:"title" db:"title"`
	Message        string           `json:"message" db:"message"`
	Read           bool             `json:"read" db:"read"`
	RelatedEventID string           `json:"related_event_id,omitempty" db:"related_event_id"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// NotificationType categorizes an admin notification.
type NotificationType string

const (
	NotificationSecurity NotificationType = "security"
	NotificationLicense  NotificationType = "license"
	NotificationSystem   NotificationType = "system"
	NotificationInfo     NotificationType = "info"
)

// Download records one download of the desktop application installer.
type Download struct {
	ID         string    `json:"id" db:"id"`
	IPAddress  string    `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  string    `json:"user_agent,omitempty" db:"user_agent"`
	Referrer   string    `json:"referrer,omitempty" db:"referrer"`
	AppVersion string    `json:"app_version,omitempty" db:"app_version"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// LicenseStats summarizes license counts per lifecycle state.
type LicenseStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Pending int `json:"pending"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
}

// SecurityStats summarizes the security event backlog.
type SecurityStats struct {
	Total      int `json:"total"`
	Unresolved int `json:"unresolved"`
	Critical   int `json:"critical"`
	Last24h    int `json:"last_24h"`
}

// DownloadStats summarizes installer download volume.
type DownloadStats struct {
	Total    int `json:"total"`
	Today    int `json:"today"`
	ThisWeek int `json:"this_week"`
}

// DashboardStats aggregates the admin dashboard counters.
type DashboardStats struct {
	Licenses  LicenseStats  `json:"licenses"`
	Security  SecurityStats `json:"security"`
	Downloads DownloadStats `json:"downloads"`
}
