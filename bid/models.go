package bid

import (
	"time"

	"trustgate/geo"
	"trustgate/scoring"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

type OrderStatus string

const (
	OrderOpen    OrderStatus = "OPEN"
	OrderAwarded OrderStatus = "AWARDED"
	OrderClosed  OrderStatus = "CLOSED"
)

// Order is a freight order open for bidding.
type Order struct {
	ID                   string      `json:"id"`
	ShipperID            string      `json:"shipper_id"`
	CargoType            string      `json:"cargo_type,omitempty"`
	Category             string      `json:"category,omitempty"`
	Region               string      `json:"region,omitempty"`
	MaxBidAmount         float64     `json:"max_bid_amount"`
	Pickup               geo.Point   `json:"pickup"`
	Delivery             geo.Point   `json:"delivery"`
	RequiredDeliveryDate *time.Time  `json:"required_delivery_date,omitempty"`
	Status               OrderStatus `json:"status"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

func (o Order) scoringOrder() scoring.Order {
	return scoring.Order{
		ID:                   o.ID,
		MaxBidAmount:         o.MaxBidAmount,
		Pickup:               o.Pickup,
		Delivery:             o.Delivery,
		RequiredDeliveryDate: o.RequiredDeliveryDate,
	}
}

// ComplianceSnapshot freezes the carrier's compliance position at the moment
// the bid was accepted by the policy engine.
type ComplianceSnapshot struct {
	PassportID       string    `json:"passport_id"`
	EntityType       string    `json:"entity_type"`
	ComplianceStatus string    `json:"compliance_status"`
	TrustScore       float64   `json:"trust_score"`
	RiskLevel        string    `json:"risk_level"`
	DecisionID       string    `json:"decision_id"`
	DecisionHash     string    `json:"decision_hash"`
	PriceVerdict     string    `json:"price_verdict,omitempty"`
	ValidationHash   string    `json:"validation_hash,omitempty"`
	TakenAt          time.Time `json:"taken_at"`
}

// Bid is one carrier offer on an order. Score is on a 0-100 scale.
type Bid struct {
	ID                   string             `json:"id"`
	OrderID              string             `json:"order_id"`
	CarrierID            string             `json:"carrier_id"`
	Amount               float64            `json:"amount"`
	ProposedDeliveryDate *time.Time         `json:"proposed_delivery_date,omitempty"`
	Notes                string             `json:"notes,omitempty"`
	Location             *geo.Point         `json:"location,omitempty"`
	Status               Status             `json:"status"`
	Score                float64            `json:"score"`
	Breakdown            scoring.Breakdown  `json:"score_breakdown"`
	Compliance           ComplianceSnapshot `json:"compliance"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

func (b Bid) candidate() scoring.Candidate {
	return scoring.Candidate{
		BidID:                b.ID,
		CarrierID:            b.CarrierID,
		Amount:               b.Amount,
		ProposedDeliveryDate: b.ProposedDeliveryDate,
		Location:             b.Location,
	}
}
