// Package policy evaluates attribute based access decisions against the
// caller's compliance passport and, for bids, the price oracle.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"trustgate/events"
	"trustgate/logging"
	"trustgate/metrics"
	"trustgate/oracle"
	"trustgate/passport"
	"trustgate/worm"
)

// Actions with dedicated rules. Anything else falls through to the default
// policy.
const (
	ActionPlaceBid            = "place_bid"
	ActionViewITARCargo       = "view_itar_cargo"
	ActionAccessSensitiveData = "access_sensitive_data"
)

// Context keys read by the rules.
const (
	KeyCargoType             = "cargo_type"
	KeyMaterialsCost         = "materials_cost"
	KeyLaborCost             = "labor_cost"
	KeyOrderID               = "order_id"
	KeyCategory              = "category"
	KeyRegion                = "region"
	KeyUserCountry           = "user_country"
	KeyRequiredSecurityLevel = "required_security_level"
	KeyUserLocation          = "user_location"
)

const (
	CargoHazardous       = "ADR"
	DefaultSecurityLevel = "CONFIDENTIAL"
	DefaultMinTrustScore = 50.0
)

// ErrInvalidRequest is matched by every *ValidationError.
var ErrInvalidRequest = errors.New("policy: invalid request")

// ValidationError rejects a request whose inputs cannot be evaluated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidRequest }

// Request is one access check.
type Request struct {
	UserID    string         `json:"user_id"`
	ServiceID string         `json:"service_id"`
	Action    string         `json:"action"`
	Context   map[string]any `json:"context"`
}

// Decision is the outcome of EvaluateAccess. Every decision is recorded in the
// access chain before it is returned.
type Decision struct {
	DecisionID         string         `json:"decision_id"`
	UserID             string         `json:"user_id"`
	ServiceID          string         `json:"service_id"`
	Action             string         `json:"action"`
	Allowed            bool           `json:"allowed"`
	Reason             string         `json:"reason"`
	RequiresAppeal     bool           `json:"requires_appeal"`
	RequiresBiometrics bool           `json:"requires_biometrics"`
	Validation         *oracle.Result `json:"validation,omitempty"`
	RecordHash         string         `json:"record_hash"`
	Timestamp          time.Time      `json:"timestamp"`
}

// PassportReader is satisfied by *passport.Service.
type PassportReader interface {
	Get(ctx context.Context, userID string) (passport.Passport, error)
}

// PriceValidator is satisfied by *oracle.Oracle.
type PriceValidator interface {
	ValidateManualInput(ctx context.Context, s oracle.Submission) (oracle.Result, error)
}

// Audit is satisfied by *worm.Log.
type Audit interface {
	SaveAccessCheck(ctx context.Context, e worm.AccessEntry) (worm.Record, error)
	SaveGeofenceCheck(ctx context.Context, e worm.GeofenceEntry) (worm.Record, error)
}

type Engine struct {
	passports     PassportReader
	prices        PriceValidator
	audit         Audit
	publisher     events.Publisher
	minTrustScore float64
	zones         []Zone
	now           func() time.Time
	log           logrus.FieldLogger
}

type Option func(*Engine)

func WithMinTrustScore(v float64) Option { return func(e *Engine) { e.minTrustScore = v } }

func WithZones(zones []Zone) Option { return func(e *Engine) { e.zones = zones } }

func NewEngine(passports PassportReader, prices PriceValidator, audit Audit, publisher events.Publisher, log logrus.FieldLogger, opts ...Option) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	e := &Engine{
		passports:     passports,
		prices:        prices,
		audit:         audit,
		publisher:     publisher,
		minTrustScore: DefaultMinTrustScore,
		now:           time.Now,
		log:           logging.OrDiscard(log),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateAccess runs the passport gate followed by the action rule.
func (e *Engine) EvaluateAccess(ctx context.Context, req Request) (Decision, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return Decision{}, &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.Action) == "" {
		return Decision{}, &ValidationError{Field: "action", Reason: "must not be empty"}
	}

	now := e.now().UTC()
	d := Decision{
		DecisionID: newDecisionID(now),
		UserID:     req.UserID,
		ServiceID:  req.ServiceID,
		Action:     req.Action,
		Timestamp:  now,
	}

	p, err := e.passports.Get(ctx, req.UserID)
	switch {
	case errors.Is(err, passport.ErrNotFound):
		d.Reason = "User compliance passport not found"
	case err != nil:
		return Decision{}, fmt.Errorf("policy: load passport: %w", err)
	case p.Status != passport.StatusVerified:
		d.Reason = fmt.Sprintf("User compliance status: %s", p.Status)
	case p.IsExpired(now):
		d.Reason = "Compliance passport expired"
	case p.TrustScore < e.minTrustScore:
		d.Reason = fmt.Sprintf("Trust score too low: %.2f", p.TrustScore)
	default:
		if err := e.applyRule(ctx, &d, p, req); err != nil {
			return Decision{}, err
		}
	}

	rec, err := e.audit.SaveAccessCheck(ctx, worm.AccessEntry{
		DecisionID:         d.DecisionID,
		UserID:             d.UserID,
		ServiceID:          d.ServiceID,
		Action:             d.Action,
		OrderID:            stringField(req.Context, KeyOrderID),
		Allowed:            d.Allowed,
		Reason:             d.Reason,
		RequiresAppeal:     d.RequiresAppeal,
		RequiresBiometrics: d.RequiresBiometrics,
		Context:            flatten(req.Context),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("policy: record decision: %w", err)
	}
	d.RecordHash = rec.Hash

	metrics.ObserveDecision(d.Action, d.Allowed)
	fields := logrus.Fields{"decision_id": d.DecisionID, "user_id": d.UserID, "action": d.Action, "allowed": d.Allowed}
	if !d.Allowed {
		e.log.WithFields(fields).WithField("reason", d.Reason).Warn("policy: access denied")
		if err := e.publisher.Publish(ctx, events.TopicSecurityAccessDenied, d.UserID, map[string]any{
			"decision_id":         d.DecisionID,
			"user_id":             d.UserID,
			"service_id":          d.ServiceID,
			"action":              d.Action,
			"reason":              d.Reason,
			"requires_appeal":     d.RequiresAppeal,
			"requires_biometrics": d.RequiresBiometrics,
		}); err != nil {
			e.log.WithError(err).Warn("policy: publish access denied failed")
		}
	} else {
		e.log.WithFields(fields).Debug("policy: access allowed")
	}
	return d, nil
}

func (e *Engine) applyRule(ctx context.Context, d *Decision, p passport.Passport, req Request) error {
	now := e.now()
	v := p.Verification

	switch req.Action {
	case ActionPlaceBid:
		if strings.EqualFold(stringField(req.Context, KeyCargoType), CargoHazardous) && !v.HasLicense(now, "ADR") {
			d.Reason = "ADR license required for hazardous cargo"
			return nil
		}
		sub, ok, err := submissionFrom(req)
		if err != nil {
			return err
		}
		if !ok {
			d.Allowed = true
			d.Reason = "Bid placement allowed"
			return nil
		}
		res, err := e.prices.ValidateManualInput(ctx, sub)
		if err != nil {
			return fmt.Errorf("policy: price validation: %w", err)
		}
		d.Validation = &res
		d.RequiresAppeal = res.RequiresAppeal
		d.RequiresBiometrics = res.RequiresBiometrics
		switch res.Status {
		case oracle.StatusGreen:
			d.Allowed = true
			d.Reason = "Price validation passed"
		case oracle.StatusYellow:
			d.Reason = "Price deviation detected, requires appeal"
		default:
			d.Reason = "Significant price deviation, requires biometrics"
			d.RequiresAppeal = true
			d.RequiresBiometrics = true
		}

	case ActionViewITARCargo:
		d.RequiresBiometrics = true
		country := stringField(req.Context, KeyUserCountry)
		switch {
		case !v.HasLicense(now, "ITAR", "EAR"):
			d.Reason = "ITAR/EAR license required"
		case country != "" && !v.IsCountryAllowed(country):
			d.Reason = fmt.Sprintf("User country not allowed for ITAR cargo: %s", country)
		default:
			d.Allowed = true
			d.Reason = "ITAR access allowed"
		}

	case ActionAccessSensitiveData:
		level := stringField(req.Context, KeyRequiredSecurityLevel)
		if level == "" {
			level = DefaultSecurityLevel
		}
		location := stringField(req.Context, KeyUserLocation)
		switch {
		case !v.HasSecurityLevel(level):
			d.Reason = fmt.Sprintf("Insufficient security level. Required: %s", level)
		case location != "" && !v.IsLocationAllowed(location):
			d.Reason = fmt.Sprintf("Access denied from location: %s", location)
		default:
			d.Allowed = true
			d.Reason = "Sensitive data access allowed"
		}

	default:
		d.Allowed = true
		d.Reason = "Action allowed by default policy"
	}
	return nil
}

// submissionFrom builds the oracle submission for a bid. ok is false when the
// request carries no cost breakdown at all.
func submissionFrom(req Request) (oracle.Submission, bool, error) {
	materials, hasMaterials, err := numberField(req.Context, KeyMaterialsCost)
	if err != nil {
		return oracle.Submission{}, false, err
	}
	labor, hasLabor, err := numberField(req.Context, KeyLaborCost)
	if err != nil {
		return oracle.Submission{}, false, err
	}
	if !hasMaterials && !hasLabor {
		return oracle.Submission{}, false, nil
	}
	if !hasMaterials {
		return oracle.Submission{}, false, &ValidationError{Field: KeyMaterialsCost, Reason: "required together with labor_cost"}
	}
	if !hasLabor {
		return oracle.Submission{}, false, &ValidationError{Field: KeyLaborCost, Reason: "required together with materials_cost"}
	}
	return oracle.Submission{
		UserID:       req.UserID,
		OrderRef:     stringField(req.Context, KeyOrderID),
		MaterialCost: materials,
		LaborCost:    labor,
		Category:     stringField(req.Context, KeyCategory),
		Region:       stringField(req.Context, KeyRegion),
		Context:      req.Context,
	}, true, nil
}

func numberField(ctx map[string]any, key string) (float64, bool, error) {
	raw, ok := ctx[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	var (
		v   float64
		err error
	)
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		v, err = n.Float64()
	case string:
		if strings.TrimSpace(n) == "" {
			return 0, false, nil
		}
		v, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		err = fmt.Errorf("unsupported type %T", raw)
	}
	if err != nil {
		return 0, false, &ValidationError{Field: key, Reason: "not a number"}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false, &ValidationError{Field: key, Reason: "must be a non-negative number"}
	}
	return v, true, nil
}

func stringField(ctx map[string]any, key string) string {
	switch v := ctx[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return fmt.Sprint(v)
	}
}

func flatten(ctx map[string]any) map[string]string {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]string, len(ctx))
	for k, v := range ctx {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func newDecisionID(now time.Time) string {
	return fmt.Sprintf("DEC-%d-%d", now.UnixMilli(), 1000+rand.IntN(9000))
}
