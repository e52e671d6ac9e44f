package arbitration

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Decision is the arbitrator's ruling on a disputed contract.
type Decision string

const (
	PayCarrier    Decision = "PAY_CARRIER"
	RefundShipper Decision = "REFUND_SHIPPER"
)

func (d Decision) Valid() bool {
	return d == PayCarrier || d == RefundShipper
}

// Record mirrors the disputes table. There is at most one per contract.
type Record struct {
	ID          string     `json:"id"`
	ContractID  string     `json:"contract_id"`
	OpenedBy    string     `json:"opened_by"`
	Reason      string     `json:"reason"`
	Status      Status     `json:"status"`
	Decision    Decision   `json:"decision,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	DataAltered bool       `json:"data_altered"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Integrity is the evidence check shown to the arbitrator.
type Integrity struct {
	Checked     bool      `json:"checked"`
	Valid       bool      `json:"valid"`
	DataAltered bool      `json:"data_altered"`
	Message     string    `json:"message"`
	StoredHash  string    `json:"stored_hash,omitempty"`
	CurrentHash string    `json:"current_hash,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}
