package domain

import (
	"time"
)

// ValidateRequest is the payload a desktop client sends to validate and
// activate its license key.
type ValidateRequest struct {
	LicenseKey  string `json:"license_key" validate:"required,min=10,max=64"`
	HardwareID  string `json:"hardware_id,omitempty" validate:"omitempty,max=128"`
	MachineName string `json:"machine_name,omitempty" validate:"omitempty,max=255"`
	OSVersion   string `json:"os_version,omitempty" validate:"omitempty,max=128"`
	AppVersion  string `json:"app_version,omitempty" validate:"omitempty,max=32"`
}

// ValidateResponse is returned when an activation attempt is admitted.
type ValidateResponse struct {
	Valid      bool       `json:"valid"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	AssignedTo string     `json:"assigned_to,omitempty"`
}

// IssueRequest creates a new license key. Administrative, not abuse-checked.
type IssueRequest struct {
	AssignedTo     string        `json:"assigned_to,omitempty" validate:"omitempty,max=255"`
	AssignedEmail  string        `json:"assigned_email,omitempty" validate:"omitempty,email"`
	MaxActivations int           `json:"max_activations,omitempty" validate:"omitempty,min=1"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	Status         LicenseStatus `json:"status,omitempty" validate:"omitempty,oneof=pending active"`
}

// UpdateLicenseRequest edits license metadata. Nil pointers leave the field
// untouched. Status changes go through the state-machine guard in the store;
// a revoked key never leaves revoked through this path.
type UpdateLicenseRequest struct {
	AssignedTo     *string        `json:"assigned_to,omitempty"`
	AssignedEmail  *string        `json:"assigned_email,omitempty" validate:"omitempty"`
	MaxActivations *int           `json:"max_activations,omitempty" validate:"omitempty,min=1"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	ClearExpiresAt bool           `json:"clear_expires_at,omitempty"`
	Notes          *string        `json:"notes,omitempty"`
	Status         *LicenseStatus `json:"status,omitempty"`
}

// StatusReportRequest is the self-reported state of a running client.
// It is consumed identically regardless of license validity.
type StatusReportRequest struct {
	LicenseKey    string       `json:"license_key" validate:"required,min=10,max=64"`
	HardwareID    string       `json:"hardware_id,omitempty" validate:"omitempty,max=128"`
	AppVersion    string       `json:"app_version,omitempty" validate:"omitempty,max=32"`
	OSVersion     string       `json:"os_version,omitempty" validate:"omitempty,max=128"`
	Status        ClientStatus `json:"status" validate:"required,oneof=running idle error"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds,omitempty" validate:"omitempty,min=0"`
}

// TrackDownloadRequest records one installer download.
type TrackDownloadRequest struct {
	AppVersion string `json:"app_version,omitempty" validate:"omitempty,max=32"`
}

// ResolveEventRequest marks a security event as handled by a human.
type ResolveEventRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"required,max=255"`
}

// PurgeRequest overrides the retention window for a manual purge run.
type PurgeRequest struct {
	RetentionDays int `json:"retention_days,omitempty" validate:"omitempty,min=1"`
}
