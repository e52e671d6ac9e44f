package worm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"trustgate/logging"
	"trustgate/metrics"
)

const packageKeyInfo = "trustgate/worm evidence package v1"

// Log is the audit subsystem's write and verification API over a Store.
type Log struct {
	store  Store
	key    []byte
	now    func() time.Time
	logger logrus.FieldLogger
}

// NewLog builds a Log. signingSecret seeds the HKDF-derived key used to sign
// evidence packages; packages stay unsigned when it is empty.
func NewLog(store Store, signingSecret []byte, logger logrus.FieldLogger) (*Log, error) {
	l := &Log{store: store, now: time.Now, logger: logging.OrDiscard(logger)}
	if len(signingSecret) > 0 {
		key := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, signingSecret, nil, []byte(packageKeyInfo)), key); err != nil {
			return nil, fmt.Errorf("worm: derive signing key: %w", err)
		}
		l.key = key
	}
	return l, nil
}

func (l *Log) append(ctx context.Context, chain Chain, userID, subject string, payload any) (Record, error) {
	if !chain.Valid() {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("worm: marshal %s payload: %w", chain, err)
	}
	rec, err := l.store.Append(ctx, chain, Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		Subject:   subject,
		Payload:   body,
		CreatedAt: l.now().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return Record{}, err
	}
	metrics.ObserveWormAppend(string(chain))
	l.logger.WithFields(logrus.Fields{"chain": chain, "seq": rec.Seq, "hash": rec.Hash}).Debug("worm: record appended")
	return rec, nil
}

func (l *Log) SaveValidation(ctx context.Context, e ValidationEntry) (Record, error) {
	return l.append(ctx, ChainValidation, e.UserID, e.OrderRef, e)
}

func (l *Log) SaveAccessCheck(ctx context.Context, e AccessEntry) (Record, error) {
	subject := e.OrderID
	if subject == "" {
		subject = e.DecisionID
	}
	return l.append(ctx, ChainAccess, e.UserID, subject, e)
}

func (l *Log) SaveGeofenceCheck(ctx context.Context, e GeofenceEntry) (Record, error) {
	return l.append(ctx, ChainGeofence, e.UserID, e.OrderID, e)
}

func (l *Log) SaveAppeal(ctx context.Context, e AppealEntry) (Record, error) {
	return l.append(ctx, ChainAppeal, e.UserID, e.OrderRef, e)
}

// FindValidation loads a validation record by its hash.
func (l *Log) FindValidation(ctx context.Context, hash string) (Entry[ValidationEntry], error) {
	rec, err := l.store.FindByHash(ctx, hash)
	if err != nil {
		return Entry[ValidationEntry]{}, err
	}
	if rec.Chain != ChainValidation {
		return Entry[ValidationEntry]{}, fmt.Errorf("%w: %s is a %s record", ErrNotFound, hash, rec.Chain)
	}
	return decode[ValidationEntry](rec)
}

func (l *Log) SetAppealStatus(ctx context.Context, hash, status string) error {
	return l.store.SetAppealStatus(ctx, hash, status)
}

// ChainReport is the outcome of replaying one chain.
type ChainReport struct {
	Chain    Chain  `json:"chain"`
	Records  int    `json:"records"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (r ChainReport) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: chain %s broken at seq %d: %s", ErrIntegrityViolation, r.Chain, r.BrokenAt, r.Reason)
}

type IntegrityReport struct {
	Valid      bool          `json:"valid"`
	VerifiedAt time.Time     `json:"verified_at"`
	Chains     []ChainReport `json:"chains"`
}

func (r IntegrityReport) Err() error {
	var errs []error
	for _, c := range r.Chains {
		if err := c.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errStopScan = errors.New("stop")

// VerifyChain replays chain in insertion order, recomputing each hash from
// the stored fields and the preceding hash.
func (l *Log) VerifyChain(ctx context.Context, chain Chain) (ChainReport, error) {
	report := ChainReport{Chain: chain, Valid: true}
	prev := GenesisHash
	var expectSeq int64 = 1

	err := l.store.Scan(ctx, chain, func(rec Record) error {
		report.Records++
		reason := ""
		switch {
		case rec.Seq != expectSeq:
			reason = fmt.Sprintf("sequence gap: expected %d", expectSeq)
		case rec.PreviousHash != prev:
			reason = "previous hash does not match predecessor"
		default:
			want, err := ComputeHash(rec, prev)
			if err != nil {
				reason = err.Error()
			} else if want != rec.Hash {
				reason = "recomputed hash differs from stored hash"
			}
		}
		if reason != "" {
			report.Valid = false
			report.BrokenAt = rec.Seq
			report.Reason = reason
			return errStopScan
		}
		prev = rec.Hash
		expectSeq++
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return ChainReport{}, fmt.Errorf("worm: verify %s: %w", chain, err)
	}
	if !report.Valid {
		metrics.ObserveIntegrityFailure("worm")
		l.logger.WithFields(logrus.Fields{
			"chain":        chain,
			"seq":          report.BrokenAt,
			"reason":       report.Reason,
			"data_altered": true,
		}).Error("worm: integrity violation")
	}
	return report, nil
}

// VerifyIntegrity replays every chain.
func (l *Log) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{Valid: true, VerifiedAt: l.now().UTC()}
	for _, chain := range Chains {
		cr, err := l.VerifyChain(ctx, chain)
		if err != nil {
			return IntegrityReport{}, err
		}
		report.Chains = append(report.Chains, cr)
		report.Valid = report.Valid && cr.Valid
	}
	return report, nil
}

// UserHistory gathers every record about userID across chains.
func (l *Log) UserHistory(ctx context.Context, userID string) (History, error) {
	recs, err := l.store.ListByUser(ctx, userID)
	if err != nil {
		return History{}, err
	}
	h := History{UserID: userID}
	for _, rec := range recs {
		switch rec.Chain {
		case ChainValidation:
			e, err := decode[ValidationEntry](rec)
			if err != nil {
				return History{}, err
			}
			h.Validations = append(h.Validations, e)
		case ChainAccess:
			e, err := decode[AccessEntry](rec)
			if err != nil {
				return History{}, err
			}
			h.Accesses = append(h.Accesses, e)
		case ChainGeofence:
			e, err := decode[GeofenceEntry](rec)
			if err != nil {
				return History{}, err
			}
			h.Geofences = append(h.Geofences, e)
		case ChainAppeal:
			e, err := decode[AppealEntry](rec)
			if err != nil {
				return History{}, err
			}
			h.Appeals = append(h.Appeals, e)
		}
	}
	return h, nil
}

// Package bundles every record about one order for legal review.
type Package struct {
	OrderID     string    `json:"order_id"`
	Records     []Record  `json:"records"`
	RootHash    string    `json:"root_hash"`
	Signature   string    `json:"signature,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// EvidencePackage collects the order's records sorted by time, hashes the
// concatenation of their hashes into a root and signs it.
func (l *Log) EvidencePackage(ctx context.Context, orderID string) (Package, error) {
	recs, err := l.store.ListBySubject(ctx, orderID)
	if err != nil {
		return Package{}, err
	}
	if len(recs) == 0 {
		return Package{}, fmt.Errorf("%w: no records for order %s", ErrNotFound, orderID)
	}
	sortRecords(recs)
	pkg := Package{
		OrderID:     orderID,
		Records:     recs,
		RootHash:    rootHash(recs),
		GeneratedAt: l.now().UTC(),
	}
	if l.key != nil {
		pkg.Signature = l.sign(pkg.OrderID, pkg.RootHash)
	}
	return pkg, nil
}

// VerifyPackage checks the root hash against the records and, when the log has
// a signing key, the signature.
func (l *Log) VerifyPackage(pkg Package) bool {
	if rootHash(pkg.Records) != pkg.RootHash {
		return false
	}
	if l.key == nil {
		return true
	}
	want := l.sign(pkg.OrderID, pkg.RootHash)
	return hmac.Equal([]byte(want), []byte(pkg.Signature))
}

func rootHash(recs []Record) string {
	h := sha256.New()
	for _, r := range recs {
		h.Write([]byte(r.Hash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (l *Log) sign(orderID, root string) string {
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte(orderID))
	mac.Write([]byte{0})
	mac.Write([]byte(root))
	return hex.EncodeToString(mac.Sum(nil))
}

// Export writes chain as JSON lines in sequence order.
func (l *Log) Export(ctx context.Context, chain Chain, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	err := l.store.Scan(ctx, chain, func(rec Record) error {
		if err := enc.Encode(rec); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("worm: export %s: %w", chain, err)
	}
	return n, nil
}
