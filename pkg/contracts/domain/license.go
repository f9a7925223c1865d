// Package domain contains the core domain models for the FathomOS trust core.
// These types serve as the Single Source of Truth (SSOT) for the wire formats
// shared between the desktop clients and the admin server.
package domain

import (
	"time"
)

// LicenseDocument is the signed body of a license. It is immutable once
// signed: the signature covers the canonical serialization of this struct,
// so any mutation invalidates it.
type LicenseDocument struct {
	LicenseID            string    `json:"license_id" validate:"required,min=8"`
	Product              string    `json:"product" validate:"required"`
	Edition              string    `json:"edition" validate:"required"`
	CustomerName         string    `json:"customerName" validate:"required,min=2,max=200"`
	Features             []string  `json:"features"`
	Modules              []string  `json:"modules"`
	ExpiresAt            time.Time `json:"expiresAt" validate:"required"`
	HardwareFingerprints []string  `json:"hardwareFingerprints" validate:"max=8"`
	IssuedAt             time.Time `json:"issuedAt"`
}

// SignedLicense is the on-disk and on-wire license format. The Signature
// field carries a base64 Ed25519 signature over the canonical serialization
// of the License field.
type SignedLicense struct {
	License   LicenseDocument `json:"License"`
	Signature string          `json:"Signature"`
}

// LicenseState enumerates the validator's derived states. Only Valid and
// GracePeriod permit privileged functionality.
type LicenseState string

const (
	StateValid            LicenseState = "Valid"
	StateGracePeriod      LicenseState = "GracePeriod"
	StateExpired          LicenseState = "Expired"
	StateInvalidSignature LicenseState = "InvalidSignature"
	StateHardwareMismatch LicenseState = "HardwareMismatch"
	StateCorrupted        LicenseState = "Corrupted"
)

// Usable reports whether the state grants access to privileged features.
func (s LicenseState) Usable() bool {
	return s == StateValid || s == StateGracePeriod
}

// LicenseStatus is the derived validation outcome. It is never persisted;
// it is recomputed on demand from the signed license and the host state.
type LicenseStatus struct {
	State              LicenseState `json:"state"`
	Reason             string       `json:"reason,omitempty"`
	Message            string       `json:"message"`
	DaysRemaining      int          `json:"days_remaining"`
	GraceDaysRemaining int          `json:"grace_days_remaining"`
	CheckedAt          time.Time    `json:"checked_at"`
}

// HasModule reports whether the license enables the named product module.
func (d *LicenseDocument) HasModule(name string) bool {
	for _, m := range d.Modules {
		if m == name {
			return true
		}
	}
	return false
}

// HasFeature reports whether the license enables the named feature flag.
func (d *LicenseDocument) HasFeature(name string) bool {
	for _, f := range d.Features {
		if f == name {
			return true
		}
	}
	return false
}

// License reason codes carried in LicenseStatus.Reason and API error bodies.
const (
	ReasonCorrupted        = "CORRUPTED"
	ReasonInvalidSignature = "INVALID_SIGNATURE"
	ReasonWrongProduct     = "WRONG_PRODUCT"
	ReasonHardwareMismatch = "HARDWARE_MISMATCH"
	ReasonExpired          = "EXPIRED"
	ReasonGracePeriod      = "GRACE_PERIOD"
)
