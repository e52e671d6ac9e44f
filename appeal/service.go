// Package appeal lets a user contest a YELLOW or RED price verdict and lets a
// reviewer decide it. Every step is chained into the appeal audit log and the
// contested validation record's side-channel status follows the appeal.
package appeal

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
	"trustgate/worm"
)

var (
	ErrMissingRecordHash    = errors.New("appeal: record hash cannot be empty")
	ErrMissingJustification = errors.New("appeal: justification cannot be empty")
	ErrMissingEvidence      = errors.New("appeal: evidence URL cannot be empty")
	ErrMissingReviewer      = errors.New("appeal: reviewer cannot be empty")
	ErrInvalidDecision      = errors.New("appeal: status must be either APPROVED or REJECTED")
	ErrNotAppealable        = errors.New("appeal: only YELLOW or RED verdicts can be appealed")
	ErrForbidden            = errors.New("appeal: validation record belongs to another user")
)

// Ledger is satisfied by *worm.Log.
type Ledger interface {
	FindValidation(ctx context.Context, hash string) (worm.Entry[worm.ValidationEntry], error)
	SetAppealStatus(ctx context.Context, hash, status string) error
	SaveAppeal(ctx context.Context, e worm.AppealEntry) (worm.Record, error)
}

type Service struct {
	repo      Repository
	ledger    Ledger
	publisher events.Publisher
	now       func() time.Time
	log       logrus.FieldLogger
}

func NewService(repo Repository, ledger Ledger, publisher events.Publisher, log logrus.FieldLogger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{repo: repo, ledger: ledger, publisher: publisher, now: time.Now, log: logging.OrDiscard(log)}
}

type SubmitParams struct {
	RecordHash    string `json:"record_hash"`
	UserID        string `json:"user_id"`
	Justification string `json:"justification"`
	EvidenceURL   string `json:"evidence_url"`
}

// Submit opens an appeal against a validation record and flips the record to
// PENDING_REVIEW.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (Appeal, error) {
	p.RecordHash = strings.TrimSpace(p.RecordHash)
	switch {
	case p.RecordHash == "":
		return Appeal{}, ErrMissingRecordHash
	case strings.TrimSpace(p.Justification) == "":
		return Appeal{}, ErrMissingJustification
	case strings.TrimSpace(p.EvidenceURL) == "":
		return Appeal{}, ErrMissingEvidence
	}

	entry, err := s.ledger.FindValidation(ctx, p.RecordHash)
	if err != nil {
		return Appeal{}, fmt.Errorf("appeal: load validation %s: %w", p.RecordHash, err)
	}
	v := entry.Data
	if v.Status != "YELLOW" && v.Status != "RED" {
		return Appeal{}, fmt.Errorf("%w: record %s is %s", ErrNotAppealable, p.RecordHash, v.Status)
	}
	if p.UserID != "" && v.UserID != "" && p.UserID != v.UserID {
		return Appeal{}, ErrForbidden
	}
	userID := v.UserID
	if userID == "" {
		userID = p.UserID
	}

	if _, err := s.repo.GetByRecordHash(ctx, p.RecordHash); err == nil {
		return Appeal{}, ErrAlreadyAppealed
	} else if !errors.Is(err, ErrNotFound) {
		return Appeal{}, err
	}

	// Flag first; a failed flag must not leave an appeal behind.
	if err := s.ledger.SetAppealStatus(ctx, p.RecordHash, worm.AppealPendingReview); err != nil {
		return Appeal{}, fmt.Errorf("appeal: mark record pending review: %w", err)
	}
	a, err := s.repo.Create(ctx, Appeal{
		ID:            uuid.NewString(),
		RecordHash:    p.RecordHash,
		OrderRef:      v.OrderRef,
		UserID:        userID,
		Verdict:       v.Status,
		Justification: p.Justification,
		EvidenceURL:   p.EvidenceURL,
		Status:        StatusPending,
	})
	if err != nil {
		// A concurrent submit won the record; its flag stays.
		if !errors.Is(err, ErrAlreadyAppealed) {
			s.restoreFlag(ctx, p.RecordHash, entry.Record.AppealStatus)
		}
		return Appeal{}, err
	}

	if err := s.chain(ctx, a, ""); err != nil {
		return Appeal{}, err
	}

	s.log.WithFields(logrus.Fields{"appeal_id": a.ID, "record_hash": a.RecordHash, "user_id": a.UserID}).Info("appeal: submitted")
	s.publish(ctx, events.TopicAppealSubmitted, a)
	return a, nil
}

func (s *Service) restoreFlag(ctx context.Context, hash, status string) {
	if err := s.ledger.SetAppealStatus(ctx, hash, status); err != nil {
		s.log.WithError(err).WithField("record_hash", hash).Warn("appeal: restore record status")
	}
}

type ReviewParams struct {
	Status   Status `json:"status"`
	Reviewer string `json:"reviewer"`
	Comment  string `json:"comment"`
}

// Review decides a pending appeal. The validation record's side-channel status
// is set to the decision.
func (s *Service) Review(ctx context.Context, id string, p ReviewParams) (Appeal, error) {
	if !p.Status.Decision() {
		return Appeal{}, ErrInvalidDecision
	}
	if strings.TrimSpace(p.Reviewer) == "" {
		return Appeal{}, ErrMissingReviewer
	}

	a, err := s.repo.Review(ctx, id, Review{
		Status:     p.Status,
		Reviewer:   p.Reviewer,
		Notes:      p.Comment,
		ReviewedAt: s.now().UTC(),
	})
	if err != nil {
		return Appeal{}, err
	}

	if err := s.ledger.SetAppealStatus(ctx, a.RecordHash, string(a.Status)); err != nil {
		return Appeal{}, fmt.Errorf("appeal: mark record %s: %w", a.Status, err)
	}
	if err := s.chain(ctx, a, p.Comment); err != nil {
		return Appeal{}, err
	}

	s.log.WithFields(logrus.Fields{"appeal_id": a.ID, "status": a.Status, "reviewer": a.Reviewer}).Info("appeal: reviewed")
	s.publish(ctx, events.TopicAppealReviewed, a)
	return a, nil
}

func (s *Service) Get(ctx context.Context, id string) (Appeal, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByRecordHash(ctx context.Context, hash string) (Appeal, error) {
	if strings.TrimSpace(hash) == "" {
		return Appeal{}, ErrMissingRecordHash
	}
	return s.repo.GetByRecordHash(ctx, hash)
}

func (s *Service) List(ctx context.Context, status Status) ([]Appeal, error) {
	return s.repo.List(ctx, status)
}

func (s *Service) chain(ctx context.Context, a Appeal, comment string) error {
	_, err := s.ledger.SaveAppeal(ctx, worm.AppealEntry{
		AppealID:      a.ID,
		RecordHash:    a.RecordHash,
		OrderRef:      a.OrderRef,
		UserID:        a.UserID,
		Status:        string(a.Status),
		Justification: a.Justification,
		EvidenceURL:   a.EvidenceURL,
		Reviewer:      a.Reviewer,
		Comment:       comment,
	})
	if err != nil {
		return fmt.Errorf("appeal: chain audit entry: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, topic string, a Appeal) {
	if err := s.publisher.Publish(ctx, topic, a.ID, map[string]any{
		"appeal_id":   a.ID,
		"record_hash": a.RecordHash,
		"order_ref":   a.OrderRef,
		"user_id":     a.UserID,
		"verdict":     a.Verdict,
		"status":      string(a.Status),
	}); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("appeal: publish failed")
	}
}
