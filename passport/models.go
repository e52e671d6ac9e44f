package passport

import (
	"math"
	"slices"
	"strings"
	"time"
)

type EntityType string

const (
	EntityCarrier           EntityType = "CARRIER"
	EntityShipper           EntityType = "SHIPPER"
	EntityWarehouse         EntityType = "WAREHOUSE"
	EntityDriver            EntityType = "DRIVER"
	EntityDispatcher        EntityType = "DISPATCHER"
	EntityCustomsAgent      EntityType = "CUSTOMS_AGENT"
	EntityInsuranceProvider EntityType = "INSURANCE_PROVIDER"
	EntityAuditor           EntityType = "AUDITOR"
)

func (e EntityType) Valid() bool {
	switch e {
	case EntityCarrier, EntityShipper, EntityWarehouse, EntityDriver, EntityDispatcher,
		EntityCustomsAgent, EntityInsuranceProvider, EntityAuditor:
		return true
	}
	return false
}

type Status string

const (
	StatusPending     Status = "PENDING"
	StatusVerified    Status = "VERIFIED"
	StatusSuspended   Status = "SUSPENDED"
	StatusBlacklisted Status = "BLACKLISTED"
	StatusExpired     Status = "EXPIRED"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusRestricted  Status = "RESTRICTED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusSuspended, StatusBlacklisted,
		StatusExpired, StatusUnderReview, StatusRestricted:
		return true
	}
	return false
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// DefaultTrustScore is assigned on onboarding.
const DefaultTrustScore = 50.0

// License is one credential held by the principal, e.g. ADR, ITAR or EAR.
type License struct {
	Type      string     `json:"type"`
	Number    string     `json:"number,omitempty"`
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// VerificationData is the typed form of the passport's attribute bag.
// A nil allow-list means "no restriction"; an empty one allows nothing.
type VerificationData struct {
	Licenses         []License         `json:"licenses"`
	AllowedCountries []string          `json:"allowed_countries"`
	AllowedLocations []string          `json:"allowed_locations"`
	SecurityLevels   map[string]bool   `json:"security_levels"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

// HasLicense reports whether any of types is held and currently valid.
func (v VerificationData) HasLicense(now time.Time, types ...string) bool {
	for _, l := range v.Licenses {
		if !l.Valid || (l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)) {
			continue
		}
		for _, t := range types {
			if strings.EqualFold(l.Type, t) {
				return true
			}
		}
	}
	return false
}

func (v VerificationData) IsCountryAllowed(country string) bool {
	return allowed(v.AllowedCountries, country)
}

func (v VerificationData) IsLocationAllowed(location string) bool {
	return allowed(v.AllowedLocations, location)
}

func (v VerificationData) HasSecurityLevel(level string) bool {
	for k, ok := range v.SecurityLevels {
		if ok && strings.EqualFold(k, level) {
			return true
		}
	}
	return false
}

func allowed(list []string, value string) bool {
	if list == nil {
		return true
	}
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, value) })
}

// Passport is the compliance record of one principal. It is never deleted.
type Passport struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	EntityType        EntityType       `json:"entity_type"`
	TrustScore        float64          `json:"trust_score"`
	Status            Status           `json:"compliance_status"`
	BiometricsEnabled bool             `json:"biometrics_enabled"`
	Verification      VerificationData `json:"verification_data"`
	ExpiresAt         *time.Time       `json:"expires_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	Version           int64            `json:"version"`
}

func (p Passport) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}

func (p Passport) IsActive(now time.Time) bool {
	return p.Status == StatusVerified && !p.IsExpired(now)
}

func (p Passport) RiskLevel() RiskLevel {
	switch {
	case p.TrustScore >= 80:
		return RiskLow
	case p.TrustScore >= 50:
		return RiskMedium
	case p.TrustScore >= 30:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// ClampScore bounds a trust score to [0,100] with two decimals.
func ClampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(0, math.Min(100, v))
	return math.Round(v*100) / 100
}
