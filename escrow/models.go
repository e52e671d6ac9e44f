package escrow

import "time"

type Status string

const (
	StatusPendingFunds Status = "PENDING_FUNDS"
	StatusFunded       Status = "FUNDED"
	StatusInTransit    Status = "IN_TRANSIT"
	StatusReleased     Status = "RELEASED"
	StatusDisputed     Status = "DISPUTED"
)

// Contract holds the funds locked for one accepted bid. EvidenceHash carries
// the proof-of-delivery hash on release, the dispute reason while disputed and
// the arbitration note once settled. SnapshotHash is the deal snapshot digest
// used for integrity checks.
type Contract struct {
	ID           string     `json:"id"`
	BidID        string     `json:"bid_id"`
	OrderID      string     `json:"order_id"`
	CarrierID    string     `json:"carrier_id"`
	ShipperID    string     `json:"shipper_id,omitempty"`
	Amount       float64    `json:"amount"`
	Status       Status     `json:"status"`
	EvidenceHash string     `json:"evidence_hash,omitempty"`
	SnapshotHash string     `json:"snapshot_hash,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
	Version      int64      `json:"version"`
}

// Message is an event written alongside a contract change.
type Message struct {
	Topic   string
	Key     string
	Payload map[string]any
}

// Bid is the subset of an accepted bid needed to lock funds.
type Bid struct {
	ID        string
	OrderID   string
	CarrierID string
	ShipperID string
	Amount    float64
}
