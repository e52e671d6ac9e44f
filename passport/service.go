package passport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"trustgate/logging"
)

var (
	ErrInvalidEntityType = errors.New("passport: invalid entity type")
	ErrInvalidStatus     = errors.New("passport: invalid compliance status")
)

// Identity is what the identity provider knows about a principal.
type Identity struct {
	ID         string
	Roles      []string
	Attributes map[string]string
}

// IdentityProvider is a read-only user directory.
type IdentityProvider interface {
	GetUser(ctx context.Context, id string) (Identity, error)
}

// Service applies passport mutations with optimistic versioning, retrying a
// bounded number of times when a concurrent writer wins.
type Service struct {
	repo       Repository
	idp        IdentityProvider
	maxRetries int
	now        func() time.Time
	log        logrus.FieldLogger
}

func NewService(repo Repository, idp IdentityProvider, log logrus.FieldLogger) *Service {
	return &Service{repo: repo, idp: idp, maxRetries: 5, now: time.Now, log: logging.OrDiscard(log)}
}

type OnboardParams struct {
	UserID       string
	EntityType   EntityType
	Status       Status
	Verification VerificationData
	ExpiresAt    *time.Time
}

// Onboard creates the passport for a principal. When an identity provider is
// configured the principal must exist there; its attributes are copied in and
// its first matching role supplies the entity type if none was given.
func (s *Service) Onboard(ctx context.Context, params OnboardParams) (Passport, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return Passport{}, fmt.Errorf("passport: missing user id")
	}
	if s.idp != nil {
		ident, err := s.idp.GetUser(ctx, params.UserID)
		if err != nil {
			return Passport{}, fmt.Errorf("passport: identity lookup: %w", err)
		}
		if params.EntityType == "" {
			for _, role := range ident.Roles {
				if et := EntityType(strings.ToUpper(role)); et.Valid() {
					params.EntityType = et
					break
				}
			}
		}
		if len(ident.Attributes) > 0 {
			if params.Verification.Attributes == nil {
				params.Verification.Attributes = make(map[string]string, len(ident.Attributes))
			}
			for k, v := range ident.Attributes {
				if _, set := params.Verification.Attributes[k]; !set {
					params.Verification.Attributes[k] = v
				}
			}
		}
	}
	if !params.EntityType.Valid() {
		return Passport{}, fmt.Errorf("%w: %q", ErrInvalidEntityType, params.EntityType)
	}
	if params.Status == "" {
		params.Status = StatusPending
	}
	if !params.Status.Valid() {
		return Passport{}, fmt.Errorf("%w: %q", ErrInvalidStatus, params.Status)
	}

	now := s.now().UTC()
	p, err := s.repo.Create(ctx, Passport{
		ID:           uuid.NewString(),
		UserID:       params.UserID,
		EntityType:   params.EntityType,
		TrustScore:   DefaultTrustScore,
		Status:       params.Status,
		Verification: params.Verification,
		ExpiresAt:    params.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return Passport{}, err
	}
	s.log.WithFields(logrus.Fields{"user_id": p.UserID, "entity_type": p.EntityType, "status": p.Status}).Info("passport: onboarded")
	return p, nil
}

func (s *Service) Get(ctx context.Context, userID string) (Passport, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// Modify re-reads the passport and applies fn until the versioned update
// succeeds or retries run out.
func (s *Service) Modify(ctx context.Context, userID string, fn func(*Passport) error) (Passport, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		p, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			return Passport{}, err
		}
		if err := fn(&p); err != nil {
			return Passport{}, err
		}
		p.TrustScore = ClampScore(p.TrustScore)
		p.UpdatedAt = s.now().UTC()

		updated, err := s.repo.Update(ctx, p)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Passport{}, err
		}
		lastErr = err
		if err := ctx.Err(); err != nil {
			return Passport{}, err
		}
	}
	s.log.WithField("user_id", userID).Warn("passport: giving up after repeated version conflicts")
	return Passport{}, lastErr
}

// AdjustTrust adds delta to the trust score, clamped to [0,100].
func (s *Service) AdjustTrust(ctx context.Context, userID string, delta float64, reason string) (Passport, error) {
	var before float64
	p, err := s.Modify(ctx, userID, func(p *Passport) error {
		before = p.TrustScore
		p.TrustScore += delta
		return nil
	})
	if err != nil {
		return Passport{}, err
	}
	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"from":    before,
		"to":      p.TrustScore,
		"reason":  reason,
	}).Info("passport: trust score adjusted")
	return p, nil
}

// SetTrust replaces the trust score.
func (s *Service) SetTrust(ctx context.Context, userID string, score float64) (Passport, error) {
	return s.Modify(ctx, userID, func(p *Passport) error {
		p.TrustScore = score
		return nil
	})
}

func (s *Service) SetStatus(ctx context.Context, userID string, status Status) (Passport, error) {
	if !status.Valid() {
		return Passport{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.Modify(ctx, userID, func(p *Passport) error {
		p.Status = status
		return nil
	})
}

func (s *Service) UpdateLicenses(ctx context.Context, userID string, licenses []License) (Passport, error) {
	return s.Modify(ctx, userID, func(p *Passport) error {
		p.Verification.Licenses = licenses
		return nil
	})
}

func (s *Service) UpdateVerification(ctx context.Context, userID string, fn func(*VerificationData)) (Passport, error) {
	return s.Modify(ctx, userID, func(p *Passport) error {
		fn(&p.Verification)
		return nil
	})
}

// EnableBiometrics turns biometrics on and rewards it with five trust points.
// Enabling twice does not add points again.
func (s *Service) EnableBiometrics(ctx context.Context, userID string) (Passport, error) {
	return s.Modify(ctx, userID, func(p *Passport) error {
		if p.BiometricsEnabled {
			return nil
		}
		p.BiometricsEnabled = true
		p.TrustScore += 5
		return nil
	})
}

func (s *Service) RiskLevel(ctx context.Context, userID string) (RiskLevel, error) {
	p, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.RiskLevel(), nil
}
