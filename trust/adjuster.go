package trust

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"trustgate/events"
	"trustgate/logging"
	"trustgate/passport"
)

// EventKind names a behaviour that moves a trust score.
type EventKind string

const (
	EventValidationGreen   EventKind = "VALIDATION_GREEN"
	EventValidationYellow  EventKind = "VALIDATION_YELLOW"
	EventValidationRed     EventKind = "VALIDATION_RED"
	EventGeofenceViolation EventKind = "GEOFENCE_VIOLATION"
	EventSanctionFailure   EventKind = "SANCTION_FAILURE"
	EventBiometricsFailure EventKind = "BIOMETRICS_FAILURE"
	EventAppealApproved    EventKind = "APPEAL_APPROVED"
)

// Adjustments maps each event to its trust delta.
var Adjustments = map[EventKind]float64{
	EventValidationGreen:   2,
	EventValidationYellow:  -1,
	EventValidationRed:     -5,
	EventGeofenceViolation: -3,
	EventSanctionFailure:   -10,
	EventBiometricsFailure: -2,
	EventAppealApproved:    2,
}

// PassportUpdater is satisfied by *passport.Service.
type PassportUpdater interface {
	AdjustTrust(ctx context.Context, userID string, delta float64, reason string) (passport.Passport, error)
}

// Adjuster applies trust deltas to passports, either directly or in reaction
// to events on the bus.
type Adjuster struct {
	passports PassportUpdater
	publisher events.Publisher
	log       logrus.FieldLogger
}

func NewAdjuster(passports PassportUpdater, publisher events.Publisher, log logrus.FieldLogger) *Adjuster {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Adjuster{passports: passports, publisher: publisher, log: logging.OrDiscard(log)}
}

func (a *Adjuster) Apply(ctx context.Context, userID string, kind EventKind) (passport.Passport, error) {
	delta, ok := Adjustments[kind]
	if !ok {
		return passport.Passport{}, fmt.Errorf("trust: unknown event kind %q", kind)
	}
	p, err := a.passports.AdjustTrust(ctx, userID, delta, string(kind))
	if err != nil {
		return passport.Passport{}, fmt.Errorf("trust: adjust %s: %w", userID, err)
	}
	if err := a.publisher.Publish(ctx, events.TopicTrustScoreAdjusted, userID, map[string]any{
		"user_id":     userID,
		"event":       string(kind),
		"delta":       delta,
		"trust_score": p.TrustScore,
	}); err != nil {
		a.log.WithError(err).Warn("trust: publish adjustment failed")
	}
	return p, nil
}

// Subscribe wires the adjuster to the topics that carry trust-relevant outcomes.
func (a *Adjuster) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.TopicOracleValidated, a.HandleEvent)
	bus.Subscribe(events.TopicSecurityGeofenceViolation, a.HandleEvent)
	bus.Subscribe(events.TopicAppealReviewed, a.HandleEvent)
}

// HandleEvent is an events.Handler.
func (a *Adjuster) HandleEvent(ctx context.Context, evt events.Event) {
	kind, userID, ok := kindFor(evt)
	if !ok || userID == "" {
		return
	}
	if _, err := a.Apply(ctx, userID, kind); err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{"topic": evt.Topic, "user_id": userID}).Warn("trust: event not applied")
	}
}

func kindFor(evt events.Event) (EventKind, string, bool) {
	userID, _ := evt.Payload["user_id"].(string)
	switch evt.Topic {
	case events.TopicOracleValidated:
		if offline, _ := evt.Payload["offline"].(bool); offline {
			return "", "", false
		}
		switch evt.Payload["status"] {
		case "GREEN":
			return EventValidationGreen, userID, true
		case "YELLOW":
			return EventValidationYellow, userID, true
		case "RED":
			return EventValidationRed, userID, true
		}
	case events.TopicSecurityGeofenceViolation:
		return EventGeofenceViolation, userID, true
	case events.TopicAppealReviewed:
		if evt.Payload["status"] == "APPROVED" {
			return EventAppealApproved, userID, true
		}
	}
	return "", "", false
}
