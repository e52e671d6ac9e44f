package carrier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"trustgate/events"
	"trustgate/geo"
	"trustgate/logging"
)

var ErrInvalidProfile = errors.New("carrier: invalid profile")

// Service exposes business-level carrier operations.
type Service struct {
	repo Repository
	log  logrus.FieldLogger
}

// NewService builds a Service using the provided repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, log: logging.OrDiscard(nil)}
}

func (s *Service) WithLogger(log logrus.FieldLogger) *Service {
	s.log = logging.OrDiscard(log)
	return s
}

// GetByID returns the carrier profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit carrier profiles.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// Register creates or replaces a profile. Ratings live on a 1 to 5 scale;
// zero means unrated.
func (s *Service) Register(ctx context.Context, p Profile) (Profile, error) {
	p.ID = strings.TrimSpace(p.ID)
	switch {
	case p.ID == "":
		return Profile{}, fmt.Errorf("%w: missing id", ErrInvalidProfile)
	case p.Rating != 0 && (p.Rating < 1 || p.Rating > 5):
		return Profile{}, fmt.Errorf("%w: rating %.2f outside [1,5]", ErrInvalidProfile, p.Rating)
	case p.TotalOrders < 0 || p.CompletedOrders < 0 || p.CompletedOrders > p.TotalOrders:
		return Profile{}, fmt.Errorf("%w: completed orders exceed total", ErrInvalidProfile)
	case p.Location != nil && !p.Location.Valid():
		return Profile{}, fmt.Errorf("%w: location out of range", ErrInvalidProfile)
	}
	return s.repo.Upsert(ctx, p)
}

func (s *Service) ReportLocation(ctx context.Context, id string, loc geo.Point) error {
	if !loc.Valid() {
		return fmt.Errorf("%w: location out of range", ErrInvalidProfile)
	}
	return s.repo.UpdateLocation(ctx, id, loc)
}

// RecordDelivery updates the completion track record after a contract ends.
func (s *Service) RecordDelivery(ctx context.Context, id string, completed bool) (Profile, error) {
	return s.repo.RecordDelivery(ctx, id, completed)
}

// Subscribe keeps the track record in step with settled contracts. A refund
// counts as an order that was not completed.
func (s *Service) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.TopicEscrowReleased, s.HandleEscrowReleased)
}

func (s *Service) HandleEscrowReleased(ctx context.Context, evt events.Event) {
	id, _ := evt.Payload["carrier_id"].(string)
	if id == "" {
		return
	}
	refunded, _ := evt.Payload["refunded"].(bool)
	if _, err := s.RecordDelivery(ctx, id, !refunded); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"carrier_id": id, "contract_id": evt.Key}).Warn("carrier: delivery not recorded")
	}
}
