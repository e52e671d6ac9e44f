// Package evidence snapshots the data behind a deal into a canonical JSON
// document and keeps its SHA-256 digest on the escrow contract, so the deal
// can later be checked for tampering.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"trustgate/bid"
	"trustgate/escrow"
	"trustgate/logging"
	"trustgate/metrics"
	"trustgate/scoring"
)

// Version identifies the document layout. It is part of the hashed data.
const Version = "1"

var (
	ErrAlreadyCollected = errors.New("evidence: snapshot already collected for contract")
	ErrNoSnapshot       = errors.New("evidence: contract has no snapshot hash")
)

// Bids is satisfied by *bid.Service.
type Bids interface {
	Get(ctx context.Context, id string) (bid.Bid, error)
}

// Contracts is satisfied by *escrow.Service.
type Contracts interface {
	Get(ctx context.Context, id string) (escrow.Contract, error)
	AttachSnapshotHash(ctx context.Context, id, hash string) (escrow.Contract, error)
}

// Document is the hashed deal snapshot. Only fields that must not change
// after award are included.
type Document struct {
	Bid        BidFacts               `json:"bid"`
	Compliance bid.ComplianceSnapshot `json:"compliance_snapshot"`
	FinalScore float64                `json:"final_score"`
	Breakdown  scoring.Breakdown      `json:"score_breakdown"`
	Metadata   Metadata               `json:"metadata"`
}

type BidFacts struct {
	ID                   string     `json:"id"`
	OrderID              string     `json:"order_id"`
	CarrierID            string     `json:"carrier_id"`
	Amount               float64    `json:"amount"`
	ProposedDeliveryDate *time.Time `json:"proposed_delivery_date,omitempty"`
	Notes                string     `json:"notes,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

type Metadata struct {
	ContractID string  `json:"contract_id"`
	ShipperID  string  `json:"shipper_id,omitempty"`
	Amount     float64 `json:"contract_amount"`
	Version    string  `json:"version"`
}

// Snapshot is a collected document with its digest.
type Snapshot struct {
	ContractID  string          `json:"contract_id"`
	Document    json.RawMessage `json:"document"`
	Hash        string          `json:"hash"`
	CollectedAt time.Time       `json:"collected_at"`
}

// Verification compares the stored digest against the current data.
type Verification struct {
	ContractID  string    `json:"contract_id"`
	StoredHash  string    `json:"stored_hash"`
	CurrentHash string    `json:"current_hash"`
	Valid       bool      `json:"valid"`
	DataAltered bool      `json:"data_altered"`
	CheckedAt   time.Time `json:"checked_at"`
}

type Collector struct {
	bids      Bids
	contracts Contracts
	now       func() time.Time
	log       logrus.FieldLogger
}

func NewCollector(bids Bids, contracts Contracts, log logrus.FieldLogger) *Collector {
	return &Collector{bids: bids, contracts: contracts, now: time.Now, log: logging.OrDiscard(log)}
}

// Collect builds the deal document for a contract and stores its hash on the
// contract. A contract is snapshotted once.
func (c *Collector) Collect(ctx context.Context, contractID string) (Snapshot, error) {
	contract, err := c.contracts.Get(ctx, contractID)
	if err != nil {
		return Snapshot{}, err
	}
	if contract.SnapshotHash != "" {
		return Snapshot{}, ErrAlreadyCollected
	}
	doc, hash, err := c.build(ctx, contract)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := c.contracts.AttachSnapshotHash(ctx, contract.ID, hash); err != nil {
		return Snapshot{}, fmt.Errorf("evidence: store hash: %w", err)
	}
	c.log.WithFields(logrus.Fields{"contract_id": contract.ID, "bid_id": contract.BidID, "hash": hash}).Info("evidence: deal snapshot collected")
	return Snapshot{ContractID: contract.ID, Document: doc, Hash: hash, CollectedAt: c.now().UTC()}, nil
}

// RecordDeal collects the snapshot for a freshly awarded contract and returns
// its digest.
func (c *Collector) RecordDeal(ctx context.Context, contractID string) (string, error) {
	snap, err := c.Collect(ctx, contractID)
	if err != nil {
		return "", err
	}
	return snap.Hash, nil
}

// Document rebuilds the current deal document without touching the contract.
func (c *Collector) Document(ctx context.Context, contractID string) (Snapshot, error) {
	contract, err := c.contracts.Get(ctx, contractID)
	if err != nil {
		return Snapshot{}, err
	}
	doc, hash, err := c.build(ctx, contract)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{ContractID: contract.ID, Document: doc, Hash: hash, CollectedAt: c.now().UTC()}, nil
}

// Verify recomputes the document from current data and compares digests.
func (c *Collector) Verify(ctx context.Context, contractID string) (Verification, error) {
	contract, err := c.contracts.Get(ctx, contractID)
	if err != nil {
		return Verification{}, err
	}
	if contract.SnapshotHash == "" {
		return Verification{}, ErrNoSnapshot
	}
	_, hash, err := c.build(ctx, contract)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{
		ContractID:  contract.ID,
		StoredHash:  contract.SnapshotHash,
		CurrentHash: hash,
		Valid:       hash == contract.SnapshotHash,
		CheckedAt:   c.now().UTC(),
	}
	v.DataAltered = !v.Valid
	if v.DataAltered {
		metrics.ObserveIntegrityFailure("evidence")
		c.log.WithFields(logrus.Fields{
			"contract_id":  contract.ID,
			"stored_hash":  v.StoredHash,
			"current_hash": v.CurrentHash,
			"data_altered": true,
		}).Error("evidence: deal snapshot hash mismatch")
	}
	return v, nil
}

func (c *Collector) build(ctx context.Context, contract escrow.Contract) (json.RawMessage, string, error) {
	b, err := c.bids.Get(ctx, contract.BidID)
	if err != nil {
		return nil, "", fmt.Errorf("evidence: load bid %s: %w", contract.BidID, err)
	}
	doc := Document{
		Bid: BidFacts{
			ID:                   b.ID,
			OrderID:              b.OrderID,
			CarrierID:            b.CarrierID,
			Amount:               b.Amount,
			ProposedDeliveryDate: utc(b.ProposedDeliveryDate),
			Notes:                b.Notes,
			CreatedAt:            b.CreatedAt.UTC(),
		},
		Compliance: b.Compliance,
		FinalScore: b.Score,
		Breakdown:  b.Breakdown,
		Metadata: Metadata{
			ContractID: contract.ID,
			ShipperID:  contract.ShipperID,
			Amount:     contract.Amount,
			Version:    Version,
		},
	}
	doc.Compliance.TakenAt = doc.Compliance.TakenAt.UTC()

	canonical, err := Canonical(doc)
	if err != nil {
		return nil, "", err
	}
	return canonical, Hash(canonical), nil
}

// Canonical serializes v as compact JSON with object keys in sorted order at
// every level.
func Canonical(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("evidence: encode: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("evidence: normalize: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("evidence: encode canonical: %w", err)
	}
	return out, nil
}

func Hash(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
