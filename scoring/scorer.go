// Package scoring ranks carrier bids by price, reputation, proximity and
// delivery-date fit.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"trustgate/carrier"
	"trustgate/config"
	"trustgate/geo"
)

// Neutral is used for a component that has nothing to measure.
const Neutral = 0.5

// Order is the shipment a bid competes for.
type Order struct {
	ID                   string     `json:"id"`
	MaxBidAmount         float64    `json:"max_bid_amount"`
	Pickup               geo.Point  `json:"pickup"`
	Delivery             geo.Point  `json:"delivery"`
	RequiredDeliveryDate *time.Time `json:"required_delivery_date,omitempty"`
}

// Candidate is one bid to be scored. Location overrides the carrier's last
// reported position.
type Candidate struct {
	BidID                string     `json:"bid_id"`
	CarrierID            string     `json:"carrier_id"`
	Amount               float64    `json:"amount"`
	ProposedDeliveryDate *time.Time `json:"proposed_delivery_date,omitempty"`
	Location             *geo.Point `json:"location,omitempty"`
}

// Breakdown holds each normalized component and the weighted total.
type Breakdown struct {
	Price      float64 `json:"price"`
	Reputation float64 `json:"reputation"`
	Proximity  float64 `json:"proximity"`
	Delivery   float64 `json:"delivery"`
	Total      float64 `json:"total"`
}

type Scored struct {
	Candidate
	Breakdown Breakdown `json:"breakdown"`
}

// Profiles is satisfied by *carrier.Service.
type Profiles interface {
	GetByID(ctx context.Context, id string) (carrier.Profile, error)
}

type Scorer struct {
	cfg      config.ScoringConfig
	profiles Profiles
}

func NewScorer(cfg config.ScoringConfig, profiles Profiles) *Scorer {
	def := config.Default().Scoring
	if cfg.Weights == (config.ScoringWeights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.MaxPickupKm <= 0 {
		cfg.MaxPickupKm = def.MaxPickupKm
	}
	if cfg.MaxDeliveryKm <= 0 {
		cfg.MaxDeliveryKm = def.MaxDeliveryKm
	}
	if cfg.MaxDeliveryDays <= 0 {
		cfg.MaxDeliveryDays = def.MaxDeliveryDays
	}
	return &Scorer{cfg: cfg, profiles: profiles}
}

func (s *Scorer) AutoAwardThreshold() float64 { return s.cfg.AutoAwardThreshold }

func (s *Scorer) Score(ctx context.Context, o Order, c Candidate) (Breakdown, error) {
	var profile *carrier.Profile
	if s.profiles != nil && c.CarrierID != "" {
		p, err := s.profiles.GetByID(ctx, c.CarrierID)
		switch {
		case err == nil:
			profile = &p
		case !errors.Is(err, carrier.ErrNotFound):
			return Breakdown{}, fmt.Errorf("scoring: load carrier %s: %w", c.CarrierID, err)
		}
	}

	loc := c.Location
	if loc == nil && profile != nil {
		loc = profile.Location
	}

	b := Breakdown{
		Price:      PriceScore(c.Amount, o.MaxBidAmount),
		Reputation: ReputationScore(profile),
		Proximity:  s.proximity(o, loc),
		Delivery:   s.delivery(o.RequiredDeliveryDate, c.ProposedDeliveryDate),
	}
	w := s.cfg.Weights
	b.Total = clamp01(b.Price*w.Price + b.Reputation*w.Reputation + b.Proximity*w.Proximity + b.Delivery*w.Delivery)
	return b, nil
}

// Rank scores every candidate and sorts them best first. Ties keep input order.
func (s *Scorer) Rank(ctx context.Context, o Order, cands []Candidate) ([]Scored, error) {
	out := make([]Scored, 0, len(cands))
	for _, c := range cands {
		b, err := s.Score(ctx, o, c)
		if err != nil {
			return nil, err
		}
		out = append(out, Scored{Candidate: c, Breakdown: b})
	}
	slices.SortStableFunc(out, func(a, b Scored) int {
		switch {
		case a.Breakdown.Total > b.Breakdown.Total:
			return -1
		case a.Breakdown.Total < b.Breakdown.Total:
			return 1
		}
		return 0
	})
	return out, nil
}

// AutoAward returns the best candidate when its score reaches the configured
// threshold, and nil when the order needs manual review.
func (s *Scorer) AutoAward(ctx context.Context, o Order, cands []Candidate) (*Scored, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	ranked, err := s.Rank(ctx, o, cands)
	if err != nil {
		return nil, err
	}
	if best := ranked[0]; best.Breakdown.Total >= s.cfg.AutoAwardThreshold {
		return &best, nil
	}
	return nil, nil
}

// PriceScore is 1 - amount/max, so cheaper bids under the order ceiling
// score higher.
func PriceScore(amount, maxBid float64) float64 {
	if maxBid <= 0 {
		return 0
	}
	return clamp01(1 - amount/maxBid)
}

// ReputationScore blends the 1-5 rating (60%) and completion rate (40%).
// Carriers without history score Neutral.
func ReputationScore(p *carrier.Profile) float64 {
	if p == nil || p.TotalOrders == 0 {
		return Neutral
	}
	rating := math.Min(5, math.Max(1, p.Rating))
	return clamp01(rating/5*0.6 + p.CompletionRate()*0.4)
}

func (s *Scorer) proximity(o Order, loc *geo.Point) float64 {
	if loc == nil {
		return Neutral
	}
	pickup := math.Max(0, 1-geo.DistanceKm(*loc, o.Pickup)/s.cfg.MaxPickupKm)
	delivery := math.Max(0, 1-geo.DistanceKm(*loc, o.Delivery)/s.cfg.MaxDeliveryKm)
	return (pickup + delivery) / 2
}

func (s *Scorer) delivery(required, proposed *time.Time) float64 {
	if required == nil || proposed == nil {
		return Neutral
	}
	diff := proposed.Sub(*required)
	if diff < 0 {
		diff = -diff
	}
	days := math.Floor(diff.Hours() / 24)
	return math.Max(0, 1-days/s.cfg.MaxDeliveryDays)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
