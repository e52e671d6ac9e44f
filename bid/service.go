// Package bid owns freight orders and the bids placed on them. A bid is
// stored only after the policy engine allows it and it is scored on
// placement.
package bid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"trustgate/escrow"
	"trustgate/events"
	"trustgate/geo"
	"trustgate/logging"
	"trustgate/passport"
	"trustgate/policy"
	"trustgate/scoring"
)

var (
	ErrInvalidOrder = errors.New("bid: invalid order")
	ErrInvalidBid   = errors.New("bid: invalid bid")
	// ErrManualReview is returned by Award when no bid clears the
	// auto-award threshold.
	ErrManualReview = errors.New("bid: no bid meets the auto-award threshold, manual review required")
	ErrNotAccepted  = errors.New("bid: bid has not been accepted")
)

// RejectedError carries the policy decision that refused a bid.
type RejectedError struct {
	Decision policy.Decision
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("bid: placement denied: %s", e.Decision.Reason)
}

// Gate is satisfied by *policy.Engine.
type Gate interface {
	EvaluateAccess(ctx context.Context, req policy.Request) (policy.Decision, error)
}

// Passports is satisfied by *passport.Service.
type Passports interface {
	Get(ctx context.Context, userID string) (passport.Passport, error)
}

// Escrow is satisfied by *escrow.Service.
type Escrow interface {
	LockFunds(ctx context.Context, bidID string) (escrow.Contract, error)
	GetByBid(ctx context.Context, bidID string) (escrow.Contract, error)
}

// DealRecorder fixes the deal snapshot of a locked contract and returns its
// digest. Satisfied by *evidence.Collector.
type DealRecorder interface {
	RecordDeal(ctx context.Context, contractID string) (string, error)
}

type Service struct {
	repo      Repository
	gate      Gate
	passports Passports
	scorer    *scoring.Scorer
	escrow    Escrow
	deals     DealRecorder
	publisher events.Publisher
	serviceID string
	now       func() time.Time
	log       logrus.FieldLogger
}

func NewService(repo Repository, gate Gate, passports Passports, scorer *scoring.Scorer, escrow Escrow, publisher events.Publisher, log logrus.FieldLogger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		repo:      repo,
		gate:      gate,
		passports: passports,
		scorer:    scorer,
		escrow:    escrow,
		publisher: publisher,
		serviceID: "freight-marketplace",
		now:       time.Now,
		log:       logging.OrDiscard(log),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithDealRecorder snapshots every awarded deal. The recorder usually reads
// bids back through this service, hence the setter.
func (s *Service) WithDealRecorder(r DealRecorder) *Service {
	s.deals = r
	return s
}

type OrderParams struct {
	ID                   string
	ShipperID            string
	CargoType            string
	Category             string
	Region               string
	MaxBidAmount         float64
	Pickup               geo.Point
	Delivery             geo.Point
	RequiredDeliveryDate *time.Time
}

func (s *Service) CreateOrder(ctx context.Context, params OrderParams) (Order, error) {
	switch {
	case strings.TrimSpace(params.ShipperID) == "":
		return Order{}, fmt.Errorf("%w: shipper id required", ErrInvalidOrder)
	case !(params.MaxBidAmount > 0) || math.IsInf(params.MaxBidAmount, 0):
		return Order{}, fmt.Errorf("%w: max bid amount must be positive", ErrInvalidOrder)
	case !params.Pickup.Valid() || !params.Delivery.Valid():
		return Order{}, fmt.Errorf("%w: pickup and delivery must be valid coordinates", ErrInvalidOrder)
	}
	return s.repo.CreateOrder(ctx, Order{
		ID:                   params.ID,
		ShipperID:            params.ShipperID,
		CargoType:            params.CargoType,
		Category:             params.Category,
		Region:               params.Region,
		MaxBidAmount:         params.MaxBidAmount,
		Pickup:               params.Pickup,
		Delivery:             params.Delivery,
		RequiredDeliveryDate: params.RequiredDeliveryDate,
		Status:               OrderOpen,
	})
}

func (s *Service) GetOrder(ctx context.Context, id string) (Order, error) {
	return s.repo.GetOrder(ctx, id)
}

type PlaceParams struct {
	OrderID              string
	CarrierID            string
	Amount               float64
	ProposedDeliveryDate *time.Time
	Notes                string
	Location             *geo.Point
	// MaterialCost and LaborCost, when both set, are checked against the
	// market by the policy engine.
	MaterialCost *float64
	LaborCost    *float64
}

// PlaceBid runs the place_bid policy for the carrier, freezes its compliance
// position, scores the bid and stores it.
func (s *Service) PlaceBid(ctx context.Context, params PlaceParams) (Bid, error) {
	switch {
	case strings.TrimSpace(params.OrderID) == "":
		return Bid{}, fmt.Errorf("%w: order id required", ErrInvalidBid)
	case strings.TrimSpace(params.CarrierID) == "":
		return Bid{}, fmt.Errorf("%w: carrier id required", ErrInvalidBid)
	case !(params.Amount > 0) || math.IsInf(params.Amount, 0):
		return Bid{}, fmt.Errorf("%w: amount must be positive", ErrInvalidBid)
	case params.Location != nil && !params.Location.Valid():
		return Bid{}, fmt.Errorf("%w: invalid location", ErrInvalidBid)
	}

	order, err := s.repo.GetOrder(ctx, params.OrderID)
	if err != nil {
		return Bid{}, err
	}
	if order.Status != OrderOpen {
		return Bid{}, ErrOrderClosed
	}

	decision, err := s.gate.EvaluateAccess(ctx, policy.Request{
		UserID:    params.CarrierID,
		ServiceID: s.serviceID,
		Action:    policy.ActionPlaceBid,
		Context:   placementContext(order, params),
	})
	if err != nil {
		return Bid{}, fmt.Errorf("bid: evaluate placement: %w", err)
	}
	if !decision.Allowed {
		s.log.WithFields(logrus.Fields{
			"order_id":    order.ID,
			"carrier_id":  params.CarrierID,
			"decision_id": decision.DecisionID,
			"reason":      decision.Reason,
		}).Info("bid: placement denied")
		return Bid{}, &RejectedError{Decision: decision}
	}

	p, err := s.passports.Get(ctx, params.CarrierID)
	if err != nil {
		return Bid{}, fmt.Errorf("bid: snapshot passport: %w", err)
	}

	b := Bid{
		ID:                   uuid.NewString(),
		OrderID:              order.ID,
		CarrierID:            params.CarrierID,
		Amount:               params.Amount,
		ProposedDeliveryDate: params.ProposedDeliveryDate,
		Notes:                params.Notes,
		Location:             params.Location,
		Status:               StatusPending,
		Compliance:           snapshot(p, decision, s.now()),
	}
	breakdown, err := s.scorer.Score(ctx, order.scoringOrder(), b.candidate())
	if err != nil {
		return Bid{}, fmt.Errorf("bid: score: %w", err)
	}
	b.Breakdown = breakdown
	b.Score = toPercent(breakdown.Total)

	created, err := s.repo.Create(ctx, b)
	if err != nil {
		return Bid{}, err
	}
	s.publishScored(ctx, created)
	return created, nil
}

// Ranked returns the bids on an order, best first.
func (s *Service) Ranked(ctx context.Context, orderID string) ([]Bid, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListByOrder(ctx, orderID)
}

// Rescore recomputes every pending bid on an order against current carrier
// reputation and returns the new ranking.
func (s *Service) Rescore(ctx context.Context, orderID string) ([]Bid, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	bids, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, b := range bids {
		if b.Status != StatusPending {
			continue
		}
		breakdown, err := s.scorer.Score(ctx, order.scoringOrder(), b.candidate())
		if err != nil {
			return nil, fmt.Errorf("bid: rescore %s: %w", b.ID, err)
		}
		if err := s.repo.UpdateScore(ctx, b.ID, toPercent(breakdown.Total), breakdown); err != nil {
			return nil, err
		}
		b.Score, b.Breakdown = toPercent(breakdown.Total), breakdown
		s.publishScored(ctx, b)
	}
	return s.repo.ListByOrder(ctx, orderID)
}

// Award accepts bidID on the order and locks escrow funds for it. With an
// empty bidID the top pending bid is chosen if it clears the auto-award
// threshold; otherwise ErrManualReview is returned. Repeating the award of an
// accepted bid resumes it: escrow is locked and the deal recorded if missing.
func (s *Service) Award(ctx context.Context, orderID, bidID string) (Bid, escrow.Contract, error) {
	if bidID == "" {
		chosen, err := s.autoAward(ctx, orderID)
		if err != nil {
			return Bid{}, escrow.Contract{}, err
		}
		bidID = chosen
	}

	accepted, err := s.repo.Accept(ctx, orderID, bidID)
	if err != nil {
		// an award cut off after acceptance is completed by repeating it
		won, getErr := s.repo.Get(ctx, bidID)
		if getErr != nil || won.OrderID != orderID || won.Status != StatusAccepted {
			return Bid{}, escrow.Contract{}, err
		}
		accepted = won
	}
	contract, err := s.lockFunds(ctx, accepted.ID)
	if err != nil {
		return accepted, escrow.Contract{}, fmt.Errorf("bid: lock funds for %s: %w", accepted.ID, err)
	}
	if s.deals != nil && contract.SnapshotHash == "" {
		if hash, err := s.deals.RecordDeal(ctx, contract.ID); err != nil {
			s.log.WithError(err).WithField("contract_id", contract.ID).Warn("bid: deal snapshot not recorded")
		} else {
			contract.SnapshotHash = hash
		}
	}
	s.log.WithFields(logrus.Fields{
		"order_id":    orderID,
		"bid_id":      accepted.ID,
		"contract_id": contract.ID,
		"score":       accepted.Score,
	}).Info("bid: order awarded")
	return accepted, contract, nil
}

func (s *Service) lockFunds(ctx context.Context, bidID string) (escrow.Contract, error) {
	contract, err := s.escrow.LockFunds(ctx, bidID)
	if errors.Is(err, escrow.ErrAlreadyLocked) {
		return s.escrow.GetByBid(ctx, bidID)
	}
	return contract, err
}

func (s *Service) autoAward(ctx context.Context, orderID string) (string, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	bids, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	cands := make([]scoring.Candidate, 0, len(bids))
	for _, b := range bids {
		if b.Status == StatusPending {
			cands = append(cands, b.candidate())
		}
	}
	top, err := s.scorer.AutoAward(ctx, order.scoringOrder(), cands)
	if err != nil {
		return "", fmt.Errorf("bid: auto award: %w", err)
	}
	if top == nil {
		return "", ErrManualReview
	}
	return top.BidID, nil
}

func (s *Service) Get(ctx context.Context, id string) (Bid, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) publishScored(ctx context.Context, b Bid) {
	if err := s.publisher.Publish(ctx, events.TopicBidScored, b.ID, map[string]any{
		"bid_id":     b.ID,
		"order_id":   b.OrderID,
		"carrier_id": b.CarrierID,
		"score":      b.Score,
		"price":      b.Breakdown.Price,
		"reputation": b.Breakdown.Reputation,
		"proximity":  b.Breakdown.Proximity,
		"delivery":   b.Breakdown.Delivery,
	}); err != nil {
		s.log.WithError(err).WithField("bid_id", b.ID).Warn("bid: publish score failed")
	}
}

// EscrowSource adapts a Repository to escrow.BidSource. Only accepted bids
// can back a contract.
type EscrowSource struct {
	repo Repository
}

func NewEscrowSource(repo Repository) *EscrowSource {
	return &EscrowSource{repo: repo}
}

func (e *EscrowSource) EscrowBid(ctx context.Context, bidID string) (escrow.Bid, error) {
	b, err := e.repo.Get(ctx, bidID)
	if err != nil {
		return escrow.Bid{}, err
	}
	if b.Status != StatusAccepted {
		return escrow.Bid{}, ErrNotAccepted
	}
	o, err := e.repo.GetOrder(ctx, b.OrderID)
	if err != nil {
		return escrow.Bid{}, err
	}
	return escrow.Bid{ID: b.ID, OrderID: b.OrderID, CarrierID: b.CarrierID, ShipperID: o.ShipperID, Amount: b.Amount}, nil
}

func placementContext(o Order, params PlaceParams) map[string]any {
	ctx := map[string]any{policy.KeyOrderID: o.ID}
	if o.CargoType != "" {
		ctx[policy.KeyCargoType] = o.CargoType
	}
	if o.Category != "" {
		ctx[policy.KeyCategory] = o.Category
	}
	if o.Region != "" {
		ctx[policy.KeyRegion] = o.Region
	}
	if params.MaterialCost != nil {
		ctx[policy.KeyMaterialsCost] = *params.MaterialCost
	}
	if params.LaborCost != nil {
		ctx[policy.KeyLaborCost] = *params.LaborCost
	}
	return ctx
}

func snapshot(p passport.Passport, d policy.Decision, now time.Time) ComplianceSnapshot {
	snap := ComplianceSnapshot{
		PassportID:       p.ID,
		EntityType:       string(p.EntityType),
		ComplianceStatus: string(p.Status),
		TrustScore:       p.TrustScore,
		RiskLevel:        string(p.RiskLevel()),
		DecisionID:       d.DecisionID,
		DecisionHash:     d.RecordHash,
		TakenAt:          now.UTC().Truncate(time.Millisecond),
	}
	if d.Validation != nil {
		snap.PriceVerdict = string(d.Validation.Status)
		snap.ValidationHash = d.Validation.RecordHash
	}
	return snap
}

func toPercent(total float64) float64 {
	return math.Round(total*10000) / 100
}
