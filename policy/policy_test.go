package policy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/events"
	"trustgate/geo"
	"trustgate/oracle"
	"trustgate/passport"
	"trustgate/worm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	last   map[string]any
}

func (r *recordingPublisher) Publish(_ context.Context, topic, _ string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.last = payload
	return nil
}

type stubPrices struct {
	result oracle.Result
	err    error
	calls  []oracle.Submission
}

func (s *stubPrices) ValidateManualInput(_ context.Context, sub oracle.Submission) (oracle.Result, error) {
	s.calls = append(s.calls, sub)
	return s.result, s.err
}

type fixture struct {
	engine    *Engine
	passports *passport.Service
	prices    *stubPrices
	log       *worm.Log
	pub       *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := worm.NewLog(worm.NewMemoryStore(), []byte("test-secret"), nil)
	require.NoError(t, err)
	f := &fixture{
		passports: passport.NewService(passport.NewMemoryRepository(), nil, nil),
		prices:    &stubPrices{result: oracle.Result{Status: oracle.StatusGreen}},
		log:       log,
		pub:       &recordingPublisher{},
	}
	f.engine = NewEngine(f.passports, f.prices, log, f.pub, nil,
		WithZones([]Zone{{Name: "berlin", Center: geo.Point{Lat: 52.52, Lon: 13.405}, RadiusKm: 50}}))
	return f
}

func (f *fixture) onboard(t *testing.T, userID string, status passport.Status, v passport.VerificationData) {
	t.Helper()
	_, err := f.passports.Onboard(context.Background(), passport.OnboardParams{
		UserID:       userID,
		EntityType:   passport.EntityCarrier,
		Status:       status,
		Verification: v,
	})
	require.NoError(t, err)
}

func TestEvaluateAccess_PassportGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "suspended", passport.StatusSuspended, passport.VerificationData{})
	f.onboard(t, "low-trust", passport.StatusVerified, passport.VerificationData{})
	_, err := f.passports.SetTrust(ctx, "low-trust", 20)
	require.NoError(t, err)

	cases := []struct {
		user   string
		reason string
	}{
		{"ghost", "User compliance passport not found"},
		{"suspended", "User compliance status: SUSPENDED"},
		{"low-trust", "Trust score too low: 20.00"},
	}
	for _, tc := range cases {
		t.Run(tc.user, func(t *testing.T) {
			d, err := f.engine.EvaluateAccess(ctx, Request{UserID: tc.user, Action: "read_orders"})
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, tc.reason, d.Reason)
			assert.NotEmpty(t, d.RecordHash)
		})
	}
	assert.Contains(t, f.pub.topics, events.TopicSecurityAccessDenied)
}

func TestEvaluateAccess_TrustFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		trust   float64
		allowed bool
	}{
		{30, false},
		{40, false},
		{49.99, false},
		{50, true},
		{75, true},
	}
	for i, tc := range cases {
		user := fmt.Sprintf("trust-%d", i)
		f.onboard(t, user, passport.StatusVerified, passport.VerificationData{})
		_, err := f.passports.SetTrust(ctx, user, tc.trust)
		require.NoError(t, err)

		d, err := f.engine.EvaluateAccess(ctx, Request{UserID: user, Action: "read_orders"})
		require.NoError(t, err)
		assert.Equal(t, tc.allowed, d.Allowed, "trust %v: %s", tc.trust, d.Reason)
		if !tc.allowed {
			assert.Equal(t, fmt.Sprintf("Trust score too low: %.2f", tc.trust), d.Reason)
		}
	}
}

func TestEvaluateAccess_ExpiredPassport(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Hour)
	_, err := f.passports.Onboard(context.Background(), passport.OnboardParams{
		UserID: "expired", EntityType: passport.EntityDriver, Status: passport.StatusVerified, ExpiresAt: &past,
	})
	require.NoError(t, err)

	d, err := f.engine.EvaluateAccess(context.Background(), Request{UserID: "expired", Action: "read_orders"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Compliance passport expired", d.Reason)
}

func TestEvaluateAccess_DefaultPolicyAndDecisionID(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, "u1", passport.StatusVerified, passport.VerificationData{})

	d, err := f.engine.EvaluateAccess(context.Background(), Request{UserID: "u1", ServiceID: "svc", Action: "read_orders"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "Action allowed by default policy", d.Reason)
	assert.Regexp(t, regexp.MustCompile(`^DEC-\d+-\d{4}$`), d.DecisionID)
	assert.Empty(t, f.pub.topics)

	h, err := f.log.UserHistory(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, h.Accesses, 1)
	assert.Equal(t, d.DecisionID, h.Accesses[0].Data.DecisionID)
	assert.True(t, h.Accesses[0].Data.Allowed)
}

func TestEvaluateAccess_PlaceBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "carrier", passport.StatusVerified, passport.VerificationData{})

	t.Run("hazardous cargo needs ADR", func(t *testing.T) {
		d, err := f.engine.EvaluateAccess(ctx, Request{UserID: "carrier", Action: ActionPlaceBid, Context: map[string]any{KeyCargoType: "ADR"}})
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, "ADR license required for hazardous cargo", d.Reason)
	})

	t.Run("no costs", func(t *testing.T) {
		d, err := f.engine.EvaluateAccess(ctx, Request{UserID: "carrier", Action: ActionPlaceBid})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, "Bid placement allowed", d.Reason)
		assert.Nil(t, d.Validation)
	})

	verdicts := []struct {
		status  oracle.Status
		allowed bool
		reason  string
	}{
		{oracle.StatusGreen, true, "Price validation passed"},
		{oracle.StatusYellow, false, "Price deviation detected, requires appeal"},
		{oracle.StatusRed, false, "Significant price deviation, requires biometrics"},
	}
	for _, v := range verdicts {
		t.Run(string(v.status), func(t *testing.T) {
			f.prices.result = oracle.Result{Status: v.status, RequiresAppeal: v.status != oracle.StatusGreen}
			d, err := f.engine.EvaluateAccess(ctx, Request{
				UserID: "carrier",
				Action: ActionPlaceBid,
				Context: map[string]any{
					KeyMaterialsCost: 800.0,
					KeyLaborCost:     "200",
					KeyOrderID:       "ORD-1",
					KeyCategory:      "steel",
				},
			})
			require.NoError(t, err)
			assert.Equal(t, v.allowed, d.Allowed)
			assert.Equal(t, v.reason, d.Reason)
			require.NotNil(t, d.Validation)
			assert.Equal(t, v.status != oracle.StatusGreen, d.RequiresAppeal)
			assert.Equal(t, v.status == oracle.StatusRed, d.RequiresBiometrics)
		})
	}

	last := f.prices.calls[len(f.prices.calls)-1]
	assert.Equal(t, 800.0, last.MaterialCost)
	assert.Equal(t, 200.0, last.LaborCost)
	assert.Equal(t, "ORD-1", last.OrderRef)
	assert.Equal(t, "steel", last.Category)
}

func TestEvaluateAccess_PlaceBidRejectsMalformedCosts(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, "carrier", passport.StatusVerified, passport.VerificationData{})

	_, err := f.engine.EvaluateAccess(context.Background(), Request{
		UserID: "carrier", Action: ActionPlaceBid,
		Context: map[string]any{KeyMaterialsCost: "lots", KeyLaborCost: 10.0},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KeyMaterialsCost, verr.Field)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.engine.EvaluateAccess(context.Background(), Request{
		UserID: "carrier", Action: ActionPlaceBid,
		Context: map[string]any{KeyMaterialsCost: 10.0},
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KeyLaborCost, verr.Field)
	assert.Empty(t, f.prices.calls)
}

func TestEvaluateAccess_PriceValidationFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, "carrier", passport.StatusVerified, passport.VerificationData{})
	f.prices.err = errors.New("market offline")

	_, err := f.engine.EvaluateAccess(context.Background(), Request{
		UserID: "carrier", Action: ActionPlaceBid,
		Context: map[string]any{KeyMaterialsCost: 1.0, KeyLaborCost: 1.0},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market offline")
}

func TestEvaluateAccess_ITAR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "plain", passport.StatusVerified, passport.VerificationData{})
	f.onboard(t, "licensed", passport.StatusVerified, passport.VerificationData{
		Licenses:         []passport.License{{Type: "ITAR", Valid: true}},
		AllowedCountries: []string{"US", "CA"},
	})

	d, err := f.engine.EvaluateAccess(ctx, Request{UserID: "plain", Action: ActionViewITARCargo})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "ITAR/EAR license required", d.Reason)
	assert.True(t, d.RequiresBiometrics)

	d, err = f.engine.EvaluateAccess(ctx, Request{UserID: "licensed", Action: ActionViewITARCargo, Context: map[string]any{KeyUserCountry: "RU"}})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "User country not allowed for ITAR cargo: RU", d.Reason)

	d, err = f.engine.EvaluateAccess(ctx, Request{UserID: "licensed", Action: ActionViewITARCargo, Context: map[string]any{KeyUserCountry: "us"}})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "ITAR access allowed", d.Reason)
	assert.True(t, d.RequiresBiometrics)
}

func TestEvaluateAccess_SensitiveData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboard(t, "analyst", passport.StatusVerified, passport.VerificationData{
		SecurityLevels:   map[string]bool{"CONFIDENTIAL": true, "SECRET": false},
		AllowedLocations: []string{"HQ"},
	})

	d, err := f.engine.EvaluateAccess(ctx, Request{UserID: "analyst", Action: ActionAccessSensitiveData})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "Sensitive data access allowed", d.Reason)

	d, err = f.engine.EvaluateAccess(ctx, Request{UserID: "analyst", Action: ActionAccessSensitiveData, Context: map[string]any{KeyRequiredSecurityLevel: "SECRET"}})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Insufficient security level. Required: SECRET", d.Reason)

	d, err = f.engine.EvaluateAccess(ctx, Request{UserID: "analyst", Action: ActionAccessSensitiveData, Context: map[string]any{KeyUserLocation: "cafe"}})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Access denied from location: cafe", d.Reason)
}

func TestEvaluateAccess_RequiresUserAndAction(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.EvaluateAccess(context.Background(), Request{Action: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.engine.EvaluateAccess(context.Background(), Request{UserID: "u"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCheckGeofence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.CheckGeofence(ctx, GeofenceCheck{UserID: "driver", OrderID: "ORD-1", Zone: "berlin", Location: geo.Point{Lat: 52.50, Lon: 13.40}})
	require.NoError(t, err)
	assert.True(t, res.Inside)
	assert.Empty(t, f.pub.topics)

	res, err = f.engine.CheckGeofence(ctx, GeofenceCheck{UserID: "driver", OrderID: "ORD-1", Zone: "Berlin", Location: geo.Point{Lat: 48.8566, Lon: 2.3522}})
	require.NoError(t, err)
	assert.False(t, res.Inside)
	assert.Greater(t, res.DistanceKm, 800.0)
	assert.Equal(t, []string{events.TopicSecurityGeofenceViolation}, f.pub.topics)
	assert.Equal(t, "driver", f.pub.last["user_id"])

	h, err := f.log.UserHistory(ctx, "driver")
	require.NoError(t, err)
	require.Len(t, h.Geofences, 2)
	assert.True(t, h.Geofences[1].Data.Violation)

	_, err = f.engine.CheckGeofence(ctx, GeofenceCheck{UserID: "driver", Zone: "mars", Location: geo.Point{}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
