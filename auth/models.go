package auth

import "time"

type Role string

const (
	RoleAdmin             Role = "admin"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleArbitrator        Role = "arbitrator"
	RoleCarrier           Role = "carrier"
	RoleShipper           Role = "shipper"
	RoleDriver            Role = "driver"
)

// CanReviewAppeals reports whether the role may approve or reject appeals.
func (r Role) CanReviewAppeals() bool {
	return r == RoleAdmin || r == RoleComplianceOfficer
}

// CanArbitrate reports whether the role may rule on disputed contracts.
func (r Role) CanArbitrate() bool {
	return r == RoleAdmin || r == RoleArbitrator
}

// CanManagePassports covers onboarding, status and license changes.
func (r Role) CanManagePassports() bool {
	return r == RoleAdmin || r == RoleComplianceOfficer
}

// User is an account that can sign in. Marketplace participants and back
// office staff share the table; the role tells them apart.
// It should not include JSON annotations so it can be reused by different
// presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	Country      string
	Organization string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	FullName     string `json:"full_name"`
	Role         Role   `json:"role"`
	Country      string `json:"country"`
	Organization string `json:"organization"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
