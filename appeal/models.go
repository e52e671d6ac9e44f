package appeal

import "time"

// Status represents the lifecycle of an appeal.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Decision reports whether s is a terminal review outcome.
func (s Status) Decision() bool {
	return s == StatusApproved || s == StatusRejected
}

// Appeal contests one YELLOW or RED validation record.
type Appeal struct {
	ID            string     `json:"id"`
	RecordHash    string     `json:"record_hash"`
	OrderRef      string     `json:"order_ref"`
	UserID        string     `json:"user_id"`
	Verdict       string     `json:"verdict"`
	Justification string     `json:"justification"`
	EvidenceURL   string     `json:"evidence_url"`
	Status        Status     `json:"status"`
	Reviewer      string     `json:"reviewer,omitempty"`
	ReviewNotes   string     `json:"review_notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
}
