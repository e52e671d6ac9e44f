// Package escrow implements the contract funds state machine:
// PENDING_FUNDS -> FUNDED -> IN_TRANSIT -> RELEASED, with DISPUTED reachable
// from every state before RELEASED.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"trustgate/events"
	"trustgate/logging"
	"trustgate/metrics"
)

var ErrMissingReason = errors.New("escrow: dispute reason cannot be empty")

// BidSource resolves the accepted bid a contract is created from.
type BidSource interface {
	EscrowBid(ctx context.Context, bidID string) (Bid, error)
}

type Service struct {
	repo Repository
	bids BidSource
	now  func() time.Time
	log  logrus.FieldLogger
}

func NewService(repo Repository, bids BidSource, log logrus.FieldLogger) *Service {
	return &Service{repo: repo, bids: bids, now: time.Now, log: logging.OrDiscard(log)}
}

// LockFunds opens the PENDING_FUNDS contract for a bid.
func (s *Service) LockFunds(ctx context.Context, bidID string) (Contract, error) {
	if strings.TrimSpace(bidID) == "" {
		return Contract{}, fmt.Errorf("escrow: missing bid id")
	}
	if _, err := s.repo.GetByBid(ctx, bidID); err == nil {
		return Contract{}, &AlreadyLockedError{BidID: bidID}
	} else if !errors.Is(err, ErrNotFound) {
		return Contract{}, err
	}

	bid, err := s.bids.EscrowBid(ctx, bidID)
	if err != nil {
		return Contract{}, fmt.Errorf("escrow: load bid %s: %w", bidID, err)
	}
	if bid.Amount <= 0 {
		return Contract{}, ErrInvalidAmount
	}

	c := Contract{
		ID:        uuid.NewString(),
		BidID:     bid.ID,
		OrderID:   bid.OrderID,
		CarrierID: bid.CarrierID,
		ShipperID: bid.ShipperID,
		Amount:    bid.Amount,
		Status:    StatusPendingFunds,
	}
	created, err := s.repo.Create(ctx, c, Message{
		Topic: events.TopicEscrowLocked,
		Key:   c.ID,
		Payload: map[string]any{
			"contract_id": c.ID,
			"bid_id":      c.BidID,
			"order_id":    c.OrderID,
			"carrier_id":  c.CarrierID,
			"amount":      c.Amount,
			"status":      string(c.Status),
		},
	})
	if err != nil {
		return Contract{}, err
	}
	metrics.ObserveEscrowTransition("", string(StatusPendingFunds))
	s.log.WithFields(logrus.Fields{"contract_id": created.ID, "bid_id": bidID, "amount": created.Amount}).Info("escrow: funds locked")
	return created, nil
}

func (s *Service) ConfirmFunding(ctx context.Context, id string) (Contract, error) {
	return s.apply(ctx, id, func(c *Contract) error {
		if err := expect(c, "confirm funding", StatusPendingFunds); err != nil {
			return err
		}
		c.Status = StatusFunded
		return nil
	})
}

func (s *Service) MarkInTransit(ctx context.Context, id string) (Contract, error) {
	return s.apply(ctx, id, func(c *Contract) error {
		if err := expect(c, "mark as in transit", StatusFunded); err != nil {
			return err
		}
		c.Status = StatusInTransit
		return nil
	})
}

// ReleaseFunds pays out an in-transit contract and stores the proof-of-delivery
// hash.
func (s *Service) ReleaseFunds(ctx context.Context, id, evidenceHash string) (Contract, error) {
	return s.apply(ctx, id, func(c *Contract) error {
		if err := expect(c, "release funds", StatusInTransit); err != nil {
			return err
		}
		s.release(c, evidenceHash)
		return nil
	})
}

// MarkAsDisputed freezes a contract. The reason is kept in EvidenceHash.
func (s *Service) MarkAsDisputed(ctx context.Context, id, reason string) (Contract, error) {
	if strings.TrimSpace(reason) == "" {
		return Contract{}, ErrMissingReason
	}
	return s.apply(ctx, id, func(c *Contract) error {
		switch c.Status {
		case StatusReleased:
			return &StateError{ContractID: c.ID, Op: "mark as disputed", Current: c.Status, Reason: "funds already released"}
		case StatusDisputed:
			return &StateError{ContractID: c.ID, Op: "mark as disputed", Current: c.Status, Reason: "contract already disputed"}
		}
		c.Status = StatusDisputed
		c.EvidenceHash = reason
		return nil
	})
}

// ResumeFromDispute returns a disputed contract to IN_TRANSIT so it can be
// released to the carrier.
func (s *Service) ResumeFromDispute(ctx context.Context, id, note string) (Contract, error) {
	return s.apply(ctx, id, func(c *Contract) error {
		if err := expect(c, "resume from dispute", StatusDisputed); err != nil {
			return err
		}
		c.Status = StatusInTransit
		c.EvidenceHash = note
		return nil
	})
}

// SettleRefund closes a disputed contract in the shipper's favour.
func (s *Service) SettleRefund(ctx context.Context, id, note string) (Contract, error) {
	return s.apply(ctx, id, func(c *Contract) error {
		if err := expect(c, "settle refund", StatusDisputed); err != nil {
			return err
		}
		s.release(c, note)
		return nil
	})
}

// AttachSnapshotHash stores the deal snapshot digest without changing status.
func (s *Service) AttachSnapshotHash(ctx context.Context, id, hash string) (Contract, error) {
	return s.apply(ctx, id, func(c *Contract) error {
		c.SnapshotHash = hash
		return nil
	})
}

func (s *Service) Get(ctx context.Context, id string) (Contract, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByBid(ctx context.Context, bidID string) (Contract, error) {
	return s.repo.GetByBid(ctx, bidID)
}

func (s *Service) List(ctx context.Context, status Status) ([]Contract, error) {
	return s.repo.List(ctx, status)
}

func (s *Service) release(c *Contract, evidence string) {
	at := s.now().UTC()
	c.Status = StatusReleased
	c.EvidenceHash = evidence
	c.ReleasedAt = &at
}

func expect(c *Contract, op string, want Status) error {
	if c.Status != want {
		return &StateError{ContractID: c.ID, Op: op, Current: c.Status, Expected: want}
	}
	return nil
}

func (s *Service) apply(ctx context.Context, id string, change func(c *Contract) error) (Contract, error) {
	var from Status
	out, err := s.repo.Update(ctx, id, func(c *Contract) ([]Message, error) {
		from = c.Status
		if err := change(c); err != nil {
			return nil, err
		}
		if c.Status == from {
			return nil, nil
		}
		msgs := []Message{statusChanged(c, from)}
		if c.Status == StatusReleased {
			msgs = append(msgs, released(c, from == StatusDisputed))
		}
		return msgs, nil
	})
	if err != nil {
		return Contract{}, s.rejected(id, err)
	}
	if from != out.Status {
		s.observe(out.ID, from, out.Status)
	}
	return out, nil
}

// PayCarrier settles a dispute in the carrier's favour: the contract resumes
// and is released within one transaction, so no caller ever sees it parked in
// IN_TRANSIT with a ruling attached.
func (s *Service) PayCarrier(ctx context.Context, id, note string) (Contract, error) {
	out, err := s.repo.Update(ctx, id, func(c *Contract) ([]Message, error) {
		if err := expect(c, "pay carrier", StatusDisputed); err != nil {
			return nil, err
		}
		c.Status = StatusInTransit
		resumed := statusChanged(c, StatusDisputed)
		s.release(c, note)
		return []Message{resumed, statusChanged(c, StatusInTransit), released(c, false)}, nil
	})
	if err != nil {
		return Contract{}, s.rejected(id, err)
	}
	s.observe(out.ID, StatusDisputed, StatusInTransit)
	s.observe(out.ID, StatusInTransit, StatusReleased)
	return out, nil
}

func (s *Service) rejected(id string, err error) error {
	var stateErr *StateError
	if errors.As(err, &stateErr) {
		s.log.WithFields(logrus.Fields{"contract_id": id, "op": stateErr.Op, "status": stateErr.Current}).Warn("escrow: transition rejected")
	}
	return err
}

func (s *Service) observe(id string, from, to Status) {
	metrics.ObserveEscrowTransition(string(from), string(to))
	s.log.WithFields(logrus.Fields{"contract_id": id, "from": from, "to": to}).Info("escrow: status changed")
}

func statusChanged(c *Contract, from Status) Message {
	return Message{
		Topic: events.TopicEscrowStatusChanged,
		Key:   c.ID,
		Payload: map[string]any{
			"contract_id": c.ID,
			"bid_id":      c.BidID,
			"order_id":    c.OrderID,
			"previous":    string(from),
			"next":        string(c.Status),
		},
	}
}

func released(c *Contract, refunded bool) Message {
	return Message{
		Topic: events.TopicEscrowReleased,
		Key:   c.ID,
		Payload: map[string]any{
			"contract_id":   c.ID,
			"bid_id":        c.BidID,
			"order_id":      c.OrderID,
			"carrier_id":    c.CarrierID,
			"amount":        c.Amount,
			"status":        string(c.Status),
			"evidence_hash": c.EvidenceHash,
			"refunded":      refunded,
		},
	}
}
