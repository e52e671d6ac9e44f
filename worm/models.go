package worm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrIntegrityViolation marks a chain whose stored hashes no longer match
	// the recorded data. It must always reach the caller.
	ErrIntegrityViolation = errors.New("worm: DATA ALTERED")
	// ErrNotFound is returned when no record carries the requested hash.
	ErrNotFound = errors.New("worm: record not found")
	// ErrUnknownChain rejects appends to chains the log does not manage.
	ErrUnknownChain = errors.New("worm: unknown chain")
)

// Chain names an independent hash chain. Appends are serialized per chain.
type Chain string

const (
	ChainValidation Chain = "validation"
	ChainAccess     Chain = "access"
	ChainGeofence   Chain = "geofence"
	ChainAppeal     Chain = "appeal"
)

// Chains lists every chain in a stable order.
var Chains = []Chain{ChainValidation, ChainAccess, ChainGeofence, ChainAppeal}

func (c Chain) Valid() bool {
	for _, known := range Chains {
		if c == known {
			return true
		}
	}
	return false
}

// GenesisHash is the previous hash of the first record in every chain.
var GenesisHash = strings.Repeat("0", 64)

// Record is one immutable entry. AppealStatus is the only field that may change
// after insertion and it is excluded from the hash.
type Record struct {
	ID           string          `json:"id"`
	Chain        Chain           `json:"chain"`
	Seq          int64           `json:"seq"`
	UserID       string          `json:"user_id"`
	Subject      string          `json:"subject"`
	Payload      json.RawMessage `json:"payload"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
	AppealStatus string          `json:"appeal_status,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Head is the tip of a chain.
type Head struct {
	Seq  int64
	Hash string
}

func genesis() Head { return Head{Seq: 0, Hash: GenesisHash} }

type hashedHeader struct {
	Chain     Chain  `json:"chain"`
	Seq       int64  `json:"seq"`
	UserID    string `json:"user_id"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"created_at"`
}

// ComputeHash returns hex(SHA-256(header ++ payload ++ previousHash)). The
// payload is hashed byte for byte as stored.
func ComputeHash(rec Record, previousHash string) (string, error) {
	header, err := json.Marshal(hashedHeader{
		Chain:     rec.Chain,
		Seq:       rec.Seq,
		UserID:    rec.UserID,
		Subject:   rec.Subject,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("worm: serialize record: %w", err)
	}
	h := sha256.New()
	h.Write(header)
	h.Write(rec.Payload)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// seal links rec to head and fills Seq, PreviousHash and Hash.
func seal(rec *Record, head Head) error {
	rec.Seq = head.Seq + 1
	rec.PreviousHash = head.Hash
	hash, err := ComputeHash(*rec, head.Hash)
	if err != nil {
		return err
	}
	rec.Hash = hash
	return nil
}

// Appeal side-channel states carried on validation records.
const (
	AppealPendingReview = "PENDING_REVIEW"
	AppealApproved      = "APPROVED"
	AppealRejected      = "REJECTED"
)

// ValidationEntry is the payload of the validation chain.
type ValidationEntry struct {
	OrderRef     string  `json:"order_ref"`
	UserID       string  `json:"user_id"`
	Category     string  `json:"category"`
	Region       string  `json:"region"`
	MaterialCost float64 `json:"material_cost"`
	LaborCost    float64 `json:"labor_cost"`
	TotalInput   float64 `json:"total_input"`
	Median       float64 `json:"median"`
	Deviation    float64 `json:"deviation"`
	AnomalyScore float64 `json:"anomaly_score"`
	RiskScore    float64 `json:"risk_score"`
	Status       string  `json:"status"`
	Offline      bool    `json:"offline"`
}

// AccessEntry is the payload of the access chain.
type AccessEntry struct {
	DecisionID         string            `json:"decision_id"`
	UserID             string            `json:"user_id"`
	ServiceID          string            `json:"service_id"`
	Action             string            `json:"action"`
	OrderID            string            `json:"order_id,omitempty"`
	Allowed            bool              `json:"allowed"`
	Reason             string            `json:"reason"`
	RequiresAppeal     bool              `json:"requires_appeal"`
	RequiresBiometrics bool              `json:"requires_biometrics"`
	Context            map[string]string `json:"context,omitempty"`
}

// GeofenceEntry is the payload of the geofence chain.
type GeofenceEntry struct {
	UserID     string  `json:"user_id"`
	OrderID    string  `json:"order_id,omitempty"`
	Zone       string  `json:"zone"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	DistanceKm float64 `json:"distance_km"`
	Violation  bool    `json:"violation"`
}

// AppealEntry is the payload of the appeal chain.
type AppealEntry struct {
	AppealID      string `json:"appeal_id"`
	RecordHash    string `json:"record_hash"`
	OrderRef      string `json:"order_ref"`
	UserID        string `json:"user_id"`
	Status        string `json:"status"`
	Justification string `json:"justification,omitempty"`
	EvidenceURL   string `json:"evidence_url,omitempty"`
	Reviewer      string `json:"reviewer,omitempty"`
	Comment       string `json:"comment,omitempty"`
}

// Entry pairs a decoded payload with the record that stores it.
type Entry[T any] struct {
	Record Record
	Data   T
}

func decode[T any](rec Record) (Entry[T], error) {
	var data T
	if err := json.Unmarshal(rec.Payload, &data); err != nil {
		return Entry[T]{}, fmt.Errorf("worm: decode %s record %d: %w", rec.Chain, rec.Seq, err)
	}
	return Entry[T]{Record: rec, Data: data}, nil
}

// History is everything recorded about one user, oldest first per chain.
type History struct {
	UserID      string
	Validations []Entry[ValidationEntry]
	Accesses    []Entry[AccessEntry]
	Geofences   []Entry[GeofenceEntry]
	Appeals     []Entry[AppealEntry]
}

// FirstSeen is the timestamp of the oldest record, zero when there is none.
func (h History) FirstSeen() time.Time {
	var first time.Time
	consider := func(t time.Time) {
		if first.IsZero() || t.Before(first) {
			first = t
		}
	}
	for _, e := range h.Validations {
		consider(e.Record.CreatedAt)
	}
	for _, e := range h.Accesses {
		consider(e.Record.CreatedAt)
	}
	for _, e := range h.Geofences {
		consider(e.Record.CreatedAt)
	}
	for _, e := range h.Appeals {
		consider(e.Record.CreatedAt)
	}
	return first
}
