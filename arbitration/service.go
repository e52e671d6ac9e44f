// Package arbitration opens and resolves disputes on escrow contracts. Every
// ruling is preceded by an evidence integrity check whose outcome is shown to
// the arbitrator and recorded with the decision.
package arbitration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"trustgate/escrow"
	"trustgate/events"
	"trustgate/evidence"
	"trustgate/logging"
)

const (
	MessageVerified   = "data verified"
	MessageAltered    = "WARNING: hash mismatch, data has been altered"
	MessageNoSnapshot = "no evidence snapshot collected for contract"
)

var (
	ErrAlreadyDisputed = errors.New("arbitration: dispute already opened for contract")
	ErrNotDisputed     = errors.New("arbitration: contract is not in dispute")
	ErrInvalidDecision = errors.New("arbitration: decision must be PAY_CARRIER or REFUND_SHIPPER")
	ErrMissingReason   = errors.New("arbitration: dispute reason required")
)

// Contracts is satisfied by *escrow.Service.
type Contracts interface {
	Get(ctx context.Context, id string) (escrow.Contract, error)
	List(ctx context.Context, status escrow.Status) ([]escrow.Contract, error)
	MarkAsDisputed(ctx context.Context, id, reason string) (escrow.Contract, error)
	PayCarrier(ctx context.Context, id, note string) (escrow.Contract, error)
	SettleRefund(ctx context.Context, id, note string) (escrow.Contract, error)
}

// Evidence is satisfied by *evidence.Collector.
type Evidence interface {
	Verify(ctx context.Context, contractID string) (evidence.Verification, error)
	Document(ctx context.Context, contractID string) (evidence.Snapshot, error)
}

type Service struct {
	repo      Repository
	contracts Contracts
	evidence  Evidence
	publisher events.Publisher
	now       func() time.Time
	log       logrus.FieldLogger
}

func NewService(repo Repository, contracts Contracts, ev Evidence, publisher events.Publisher, log logrus.FieldLogger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{repo: repo, contracts: contracts, evidence: ev, publisher: publisher, now: time.Now, log: logging.OrDiscard(log)}
}

// OpenDispute moves the contract to DISPUTED and records who raised it.
func (s *Service) OpenDispute(ctx context.Context, contractID, openedBy, reason string) (escrow.Contract, Record, error) {
	if strings.TrimSpace(reason) == "" {
		return escrow.Contract{}, Record{}, ErrMissingReason
	}
	current, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return escrow.Contract{}, Record{}, err
	}
	if current.Status == escrow.StatusDisputed {
		return escrow.Contract{}, Record{}, ErrAlreadyDisputed
	}

	c, err := s.contracts.MarkAsDisputed(ctx, contractID, reason)
	if err != nil {
		var se *escrow.StateError
		if errors.As(err, &se) && se.Current == escrow.StatusDisputed {
			return escrow.Contract{}, Record{}, ErrAlreadyDisputed
		}
		return escrow.Contract{}, Record{}, err
	}
	rec, err := s.repo.Create(ctx, Record{ContractID: c.ID, OpenedBy: openedBy, Reason: reason})
	if err != nil {
		return c, Record{}, fmt.Errorf("arbitration: record dispute: %w", err)
	}
	s.log.WithFields(logrus.Fields{"contract_id": c.ID, "opened_by": openedBy}).Info("arbitration: dispute opened")
	return c, rec, nil
}

// CheckIntegrity recomputes the deal evidence hash for a contract.
func (s *Service) CheckIntegrity(ctx context.Context, contractID string) (Integrity, error) {
	v, err := s.evidence.Verify(ctx, contractID)
	if errors.Is(err, evidence.ErrNoSnapshot) {
		return Integrity{Message: MessageNoSnapshot, CheckedAt: s.now().UTC()}, nil
	}
	if err != nil {
		return Integrity{}, fmt.Errorf("arbitration: verify evidence: %w", err)
	}
	out := Integrity{
		Checked:     true,
		Valid:       v.Valid,
		DataAltered: v.DataAltered,
		Message:     MessageVerified,
		StoredHash:  v.StoredHash,
		CurrentHash: v.CurrentHash,
		CheckedAt:   v.CheckedAt,
	}
	if v.DataAltered {
		out.Message = MessageAltered
	}
	return out, nil
}

// Details is what an arbitrator sees before ruling.
type Details struct {
	Contract  escrow.Contract    `json:"contract"`
	Dispute   *Record            `json:"dispute,omitempty"`
	Reason    string             `json:"dispute_reason"`
	Integrity Integrity          `json:"integrity_check"`
	Evidence  *evidence.Snapshot `json:"evidence,omitempty"`
}

func (s *Service) Details(ctx context.Context, contractID string) (Details, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return Details{}, err
	}
	if c.Status != escrow.StatusDisputed {
		return Details{}, ErrNotDisputed
	}
	integrity, err := s.CheckIntegrity(ctx, contractID)
	if err != nil {
		return Details{}, err
	}
	d := Details{Contract: c, Reason: c.EvidenceHash, Integrity: integrity}
	if rec, err := s.repo.GetByContract(ctx, contractID); err == nil {
		d.Dispute = &rec
		d.Reason = rec.Reason
	} else if !errors.Is(err, ErrNotFound) {
		return Details{}, err
	}
	if doc, err := s.evidence.Document(ctx, contractID); err == nil {
		d.Evidence = &doc
	} else {
		s.log.WithError(err).WithField("contract_id", contractID).Warn("arbitration: evidence document unavailable")
	}
	return d, nil
}

// Resolution is the outcome of a ruling.
type Resolution struct {
	Contract  escrow.Contract `json:"contract"`
	Decision  Decision        `json:"decision"`
	Integrity Integrity       `json:"integrity_check"`
	Dispute   *Record         `json:"dispute,omitempty"`
}

// Resolve rules on a disputed contract. PAY_CARRIER releases funds to the
// carrier and REFUND_SHIPPER settles to the shipper, each in one escrow write.
func (s *Service) Resolve(ctx context.Context, contractID string, decision Decision, resolvedBy string) (Resolution, error) {
	if !decision.Valid() {
		return Resolution{}, ErrInvalidDecision
	}
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return Resolution{}, err
	}
	if c.Status != escrow.StatusDisputed {
		return Resolution{}, &escrow.StateError{ContractID: c.ID, Op: "resolve dispute", Current: c.Status, Expected: escrow.StatusDisputed}
	}

	integrity, err := s.CheckIntegrity(ctx, contractID)
	if err != nil {
		return Resolution{}, err
	}

	note := "Arbitration decision: " + string(decision)
	switch decision {
	case PayCarrier:
		c, err = s.contracts.PayCarrier(ctx, contractID, note)
	case RefundShipper:
		c, err = s.contracts.SettleRefund(ctx, contractID, note)
	}
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{Contract: c, Decision: decision, Integrity: integrity}
	rec, err := s.repo.Resolve(ctx, contractID, decision, resolvedBy, integrity.DataAltered)
	switch {
	case err == nil:
		res.Dispute = &rec
	case errors.Is(err, ErrNotFound):
	default:
		s.log.WithError(err).WithField("contract_id", contractID).Warn("arbitration: dispute record not updated")
	}

	if err := s.publisher.Publish(ctx, events.TopicArbitrationResolved, contractID, map[string]any{
		"contract_id":  contractID,
		"decision":     string(decision),
		"resolved_by":  resolvedBy,
		"data_altered": integrity.DataAltered,
		"carrier_id":   c.CarrierID,
		"shipper_id":   c.ShipperID,
	}); err != nil {
		s.log.WithError(err).Warn("arbitration: publish resolution failed")
	}
	s.log.WithFields(logrus.Fields{
		"contract_id":  contractID,
		"decision":     decision,
		"data_altered": integrity.DataAltered,
	}).Info("arbitration: dispute resolved")
	return res, nil
}

func (s *Service) ListDisputed(ctx context.Context) ([]escrow.Contract, error) {
	return s.contracts.List(ctx, escrow.StatusDisputed)
}

func (s *Service) Disputes(ctx context.Context, status Status) ([]Record, error) {
	return s.repo.List(ctx, status)
}
