package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/events"
	"trustgate/passport"
	"trustgate/worm"
)

func rec(at time.Time) worm.Record { return worm.Record{CreatedAt: at} }

func TestCompute_NoHistoryIsNeutral(t *testing.T) {
	s := Compute(worm.History{UserID: "u"}, time.Now())
	// 50*(0.30+0.25+0.20+0.15) + 0*0.10
	assert.Equal(t, 45.0, s.Score)
	assert.Equal(t, LevelLow, s.Level)
	assert.True(t, s.Requirements.RequiresAppeal)
	assert.True(t, s.Requirements.RequiresBiometrics)
	assert.False(t, s.Requirements.RequiresManualReview)
	assert.Equal(t, []string{"view_itar_cargo", "access_sensitive_data"}, s.RestrictedActions)
}

func TestCompute_WeightsComponents(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	start := now.Add(-300 * 24 * time.Hour)
	h := worm.History{
		UserID: "u",
		Validations: []worm.Entry[worm.ValidationEntry]{
			{Record: rec(start), Data: worm.ValidationEntry{Status: "GREEN"}},
			{Record: rec(now), Data: worm.ValidationEntry{Status: "GREEN"}},
			{Record: rec(now), Data: worm.ValidationEntry{Status: "GREEN"}},
			{Record: rec(now), Data: worm.ValidationEntry{Status: "RED"}},
		},
		Appeals: []worm.Entry[worm.AppealEntry]{
			{Record: rec(now), Data: worm.AppealEntry{Status: "PENDING"}},
			{Record: rec(now), Data: worm.AppealEntry{Status: worm.AppealApproved}},
		},
		Accesses: []worm.Entry[worm.AccessEntry]{
			{Record: rec(now), Data: worm.AccessEntry{RequiresBiometrics: true, Allowed: true}},
			{Record: rec(now), Data: worm.AccessEntry{RequiresBiometrics: true, Allowed: false}},
			{Record: rec(now), Data: worm.AccessEntry{Allowed: false}},
		},
		Geofences: []worm.Entry[worm.GeofenceEntry]{
			{Record: rec(now), Data: worm.GeofenceEntry{}},
		},
	}

	s := Compute(h, now)
	assert.Equal(t, 75.0, s.Components.PriceAccuracy)
	assert.Equal(t, 100.0, s.Components.AppealSuccess)
	assert.Equal(t, 50.0, s.Components.Biometrics)
	assert.Equal(t, 100.0, s.Components.Geographic)
	assert.Equal(t, 10.0, s.Components.TimeFactor)
	// 22.5 + 25 + 10 + 15 + 1
	assert.Equal(t, 73.5, s.Score)
	assert.Equal(t, LevelMedium, s.Level)
	assert.Equal(t, []string{"access_sensitive_data"}, s.RestrictedActions)
}

func TestTimeFactorCapsAtFifty(t *testing.T) {
	now := time.Now()
	h := worm.History{Geofences: []worm.Entry[worm.GeofenceEntry]{{Record: rec(now.AddDate(-10, 0, 0))}}}
	assert.Equal(t, 50.0, timeFactor(h, now))
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, LevelCritical, LevelFor(24.99))
	assert.Equal(t, LevelLow, LevelFor(25))
	assert.Equal(t, LevelMedium, LevelFor(50))
	assert.Equal(t, LevelHigh, LevelFor(75))
	assert.Len(t, RestrictedActions(LevelCritical), 4)
	assert.Empty(t, RestrictedActions(LevelHigh))
}

func TestCalculator_ReadsAuditHistory(t *testing.T) {
	log, err := worm.NewLog(worm.NewMemoryStore(), nil, nil)
	require.NoError(t, err)
	_, err = log.SaveValidation(context.Background(), worm.ValidationEntry{UserID: "u", Status: "RED"})
	require.NoError(t, err)

	s, err := NewCalculator(log).Calculate(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Components.PriceAccuracy)
	assert.Equal(t, "u", s.UserID)
}

type recordingPublisher struct{ topics []string }

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, _ map[string]any) error {
	p.topics = append(p.topics, topic)
	return nil
}

func newAdjuster(t *testing.T) (*Adjuster, *passport.Service, *recordingPublisher) {
	t.Helper()
	svc := passport.NewService(passport.NewMemoryRepository(), nil, nil)
	_, err := svc.Onboard(context.Background(), passport.OnboardParams{UserID: "carrier-1", EntityType: passport.EntityCarrier, Status: passport.StatusVerified})
	require.NoError(t, err)
	pub := &recordingPublisher{}
	return NewAdjuster(svc, pub, nil), svc, pub
}

func TestAdjuster_AppliesDeltas(t *testing.T) {
	a, _, pub := newAdjuster(t)
	ctx := context.Background()

	p, err := a.Apply(ctx, "carrier-1", EventValidationRed)
	require.NoError(t, err)
	assert.Equal(t, 45.0, p.TrustScore)

	p, err = a.Apply(ctx, "carrier-1", EventSanctionFailure)
	require.NoError(t, err)
	assert.Equal(t, 35.0, p.TrustScore)

	_, err = a.Apply(ctx, "carrier-1", "NOPE")
	assert.Error(t, err)
	assert.Equal(t, []string{events.TopicTrustScoreAdjusted, events.TopicTrustScoreAdjusted}, pub.topics)
}

func TestAdjuster_HandlesBusEvents(t *testing.T) {
	a, svc, _ := newAdjuster(t)
	ctx := context.Background()

	a.HandleEvent(ctx, events.Event{Topic: events.TopicOracleValidated, Payload: map[string]any{"user_id": "carrier-1", "status": "GREEN"}})
	a.HandleEvent(ctx, events.Event{Topic: events.TopicOracleValidated, Payload: map[string]any{"user_id": "carrier-1", "status": "RED", "offline": true}})
	a.HandleEvent(ctx, events.Event{Topic: events.TopicSecurityGeofenceViolation, Payload: map[string]any{"user_id": "carrier-1"}})
	a.HandleEvent(ctx, events.Event{Topic: events.TopicAppealReviewed, Payload: map[string]any{"user_id": "carrier-1", "status": "REJECTED"}})

	p, err := svc.Get(ctx, "carrier-1")
	require.NoError(t, err)
	// 50 + 2 - 3; offline verdicts and rejected appeals do not count
	assert.Equal(t, 49.0, p.TrustScore)
}
