package appeal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/events"
	"trustgate/worm"
)

type capturePublisher struct {
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, topic, key string, payload map[string]any) error {
	c.events = append(c.events, events.Event{Topic: topic, Key: key, Payload: payload})
	return nil
}

func setup(t *testing.T) (*Service, *worm.Log, *capturePublisher) {
	t.Helper()
	log, err := worm.NewLog(worm.NewMemoryStore(), []byte("secret"), nil)
	require.NoError(t, err)
	pub := &capturePublisher{}
	return NewService(NewMemoryRepository(), log, pub, nil), log, pub
}

func saveVerdict(t *testing.T, log *worm.Log, status string) string {
	t.Helper()
	rec, err := log.SaveValidation(context.Background(), worm.ValidationEntry{
		OrderRef: "ORD-7", UserID: "carrier-1", MaterialCost: 200, LaborCost: 50, Status: status,
	})
	require.NoError(t, err)
	return rec.Hash
}

func TestSubmitAndApprove(t *testing.T) {
	svc, log, pub := setup(t)
	ctx := context.Background()
	hash := saveVerdict(t, log, "YELLOW")

	a, err := svc.Submit(ctx, SubmitParams{RecordHash: hash, Justification: "steel surcharge", EvidenceURL: "https://docs/invoice.pdf"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, "carrier-1", a.UserID)
	assert.Equal(t, "ORD-7", a.OrderRef)
	assert.Equal(t, "YELLOW", a.Verdict)

	entry, err := log.FindValidation(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, worm.AppealPendingReview, entry.Record.AppealStatus)

	reviewed, err := svc.Review(ctx, a.ID, ReviewParams{Status: StatusApproved, Reviewer: "ops-1", Comment: "invoice checks out"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, reviewed.Status)
	require.NotNil(t, reviewed.ReviewedAt)

	entry, err = log.FindValidation(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, worm.AppealApproved, entry.Record.AppealStatus)

	h, err := log.UserHistory(ctx, "carrier-1")
	require.NoError(t, err)
	require.Len(t, h.Appeals, 2)
	assert.Equal(t, "PENDING", h.Appeals[0].Data.Status)
	assert.Equal(t, "APPROVED", h.Appeals[1].Data.Status)
	assert.Equal(t, "ops-1", h.Appeals[1].Data.Reviewer)

	require.Len(t, pub.events, 2)
	assert.Equal(t, events.TopicAppealSubmitted, pub.events[0].Topic)
	assert.Equal(t, events.TopicAppealReviewed, pub.events[1].Topic)
	assert.Equal(t, "APPROVED", pub.events[1].Payload["status"])
	assert.Equal(t, "carrier-1", pub.events[1].Payload["user_id"])

	report, err := log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid, "appeal status changes must not break the chain")

	_, err = svc.Review(ctx, a.ID, ReviewParams{Status: StatusRejected, Reviewer: "ops-2"})
	assert.ErrorIs(t, err, ErrAlreadyReviewed)
}

func TestSubmitRejectsGreenVerdict(t *testing.T) {
	svc, log, _ := setup(t)
	hash := saveVerdict(t, log, "GREEN")

	_, err := svc.Submit(context.Background(), SubmitParams{RecordHash: hash, Justification: "x", EvidenceURL: "y"})
	assert.ErrorIs(t, err, ErrNotAppealable)
}

func TestSubmitOncePerRecord(t *testing.T) {
	svc, log, _ := setup(t)
	hash := saveVerdict(t, log, "RED")
	params := SubmitParams{RecordHash: hash, Justification: "x", EvidenceURL: "y"}

	_, err := svc.Submit(context.Background(), params)
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), params)
	assert.ErrorIs(t, err, ErrAlreadyAppealed)
}

type flakyLedger struct {
	*worm.Log
	flagFailures int
}

func (l *flakyLedger) SetAppealStatus(ctx context.Context, hash, status string) error {
	if l.flagFailures > 0 {
		l.flagFailures--
		return errors.New("ledger unavailable")
	}
	return l.Log.SetAppealStatus(ctx, hash, status)
}

type flakyRepo struct {
	*MemoryRepository
	createFailures int
}

func (r *flakyRepo) Create(ctx context.Context, a Appeal) (Appeal, error) {
	if r.createFailures > 0 {
		r.createFailures--
		return Appeal{}, errors.New("insert failed")
	}
	return r.MemoryRepository.Create(ctx, a)
}

func TestSubmitRetriesAfterFlagFailure(t *testing.T) {
	ctx := context.Background()
	log, err := worm.NewLog(worm.NewMemoryStore(), []byte("secret"), nil)
	require.NoError(t, err)
	repo := NewMemoryRepository()
	svc := NewService(repo, &flakyLedger{Log: log, flagFailures: 1}, nil, nil)
	hash := saveVerdict(t, log, "YELLOW")
	params := SubmitParams{RecordHash: hash, Justification: "x", EvidenceURL: "y"}

	_, err = svc.Submit(ctx, params)
	require.Error(t, err)
	_, err = repo.GetByRecordHash(ctx, hash)
	require.ErrorIs(t, err, ErrNotFound)

	a, err := svc.Submit(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	entry, err := log.FindValidation(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, worm.AppealPendingReview, entry.Record.AppealStatus)
}

func TestSubmitRestoresFlagWhenCreateFails(t *testing.T) {
	ctx := context.Background()
	log, err := worm.NewLog(worm.NewMemoryStore(), []byte("secret"), nil)
	require.NoError(t, err)
	repo := &flakyRepo{MemoryRepository: NewMemoryRepository(), createFailures: 1}
	svc := NewService(repo, log, nil, nil)
	hash := saveVerdict(t, log, "RED")
	params := SubmitParams{RecordHash: hash, Justification: "x", EvidenceURL: "y"}

	_, err = svc.Submit(ctx, params)
	require.Error(t, err)
	entry, err := log.FindValidation(ctx, hash)
	require.NoError(t, err)
	assert.Empty(t, entry.Record.AppealStatus)

	_, err = svc.Submit(ctx, params)
	require.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	svc, log, _ := setup(t)
	hash := saveVerdict(t, log, "RED")
	ctx := context.Background()

	cases := map[error]SubmitParams{
		ErrMissingRecordHash:    {Justification: "x", EvidenceURL: "y"},
		ErrMissingJustification: {RecordHash: hash, EvidenceURL: "y"},
		ErrMissingEvidence:      {RecordHash: hash, Justification: "x"},
		ErrForbidden:            {RecordHash: hash, UserID: "intruder", Justification: "x", EvidenceURL: "y"},
	}
	for want, p := range cases {
		_, err := svc.Submit(ctx, p)
		assert.ErrorIs(t, err, want)
	}

	_, err := svc.Submit(ctx, SubmitParams{RecordHash: "deadbeef", Justification: "x", EvidenceURL: "y"})
	assert.ErrorIs(t, err, worm.ErrNotFound)
}

func TestReviewValidation(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	_, err := svc.Review(ctx, "a1", ReviewParams{Status: StatusPending, Reviewer: "ops"})
	assert.ErrorIs(t, err, ErrInvalidDecision)
	_, err = svc.Review(ctx, "a1", ReviewParams{Status: StatusApproved})
	assert.ErrorIs(t, err, ErrMissingReviewer)
	_, err = svc.Review(ctx, "a1", ReviewParams{Status: StatusApproved, Reviewer: "ops"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersByStatus(t *testing.T) {
	svc, log, _ := setup(t)
	ctx := context.Background()
	first, err := svc.Submit(ctx, SubmitParams{RecordHash: saveVerdict(t, log, "RED"), Justification: "x", EvidenceURL: "y"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, SubmitParams{RecordHash: saveVerdict(t, log, "YELLOW"), Justification: "x", EvidenceURL: "y"})
	require.NoError(t, err)
	_, err = svc.Review(ctx, first.ID, ReviewParams{Status: StatusRejected, Reviewer: "ops"})
	require.NoError(t, err)

	pending, err := svc.List(ctx, StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byHash, err := svc.GetByRecordHash(ctx, first.RecordHash)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, byHash.Status)
}
