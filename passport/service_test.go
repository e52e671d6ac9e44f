package passport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdentity map[string]Identity

func (f fakeIdentity) GetUser(_ context.Context, id string) (Identity, error) {
	ident, ok := f[id]
	if !ok {
		return Identity{}, errors.New("unknown user")
	}
	return ident, nil
}

func onboard(t *testing.T, svc *Service, userID string) Passport {
	t.Helper()
	p, err := svc.Onboard(context.Background(), OnboardParams{UserID: userID, EntityType: EntityCarrier, Status: StatusVerified})
	require.NoError(t, err)
	return p
}

func TestOnboard_Defaults(t *testing.T) {
	svc := NewService(NewMemoryRepository(), nil, nil)
	p := onboard(t, svc, "carrier-1")

	assert.Equal(t, DefaultTrustScore, p.TrustScore)
	assert.Equal(t, StatusVerified, p.Status)
	assert.Equal(t, int64(0), p.Version)
	assert.True(t, p.IsActive(time.Now()))

	_, err := svc.Onboard(context.Background(), OnboardParams{UserID: "carrier-1", EntityType: EntityCarrier})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestOnboard_HydratesFromIdentityProvider(t *testing.T) {
	idp := fakeIdentity{"u-7": {ID: "u-7", Roles: []string{"admin", "driver"}, Attributes: map[string]string{"company": "ACME"}}}
	svc := NewService(NewMemoryRepository(), idp, nil)

	p, err := svc.Onboard(context.Background(), OnboardParams{UserID: "u-7"})
	require.NoError(t, err)
	assert.Equal(t, EntityDriver, p.EntityType)
	assert.Equal(t, "ACME", p.Verification.Attributes["company"])
	assert.Equal(t, StatusPending, p.Status)

	_, err = svc.Onboard(context.Background(), OnboardParams{UserID: "ghost"})
	assert.Error(t, err)
}

func TestOnboard_RejectsUnknownEntityType(t *testing.T) {
	svc := NewService(NewMemoryRepository(), nil, nil)
	_, err := svc.Onboard(context.Background(), OnboardParams{UserID: "x", EntityType: "PIRATE"})
	assert.ErrorIs(t, err, ErrInvalidEntityType)
}

func TestAdjustTrust_ClampsToRange(t *testing.T) {
	svc := NewService(NewMemoryRepository(), nil, nil)
	onboard(t, svc, "c")

	p, err := svc.AdjustTrust(context.Background(), "c", 80, "test")
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.TrustScore)

	p, err = svc.AdjustTrust(context.Background(), "c", -250, "test")
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.TrustScore)

	p, err = svc.SetTrust(context.Background(), "c", 42.3456)
	require.NoError(t, err)
	assert.Equal(t, 42.35, p.TrustScore)
}

func TestAdjustTrust_ConcurrentUpdatesAreNotLost(t *testing.T) {
	svc := NewService(NewMemoryRepository(), nil, nil)
	svc.maxRetries = 1000
	onboard(t, svc, "c")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AdjustTrust(context.Background(), "c", 1, "event")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := svc.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, 70.0, p.TrustScore)
	assert.Equal(t, int64(20), p.Version)
}

func TestMemoryRepository_StaleVersionConflicts(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, nil, nil)
	p := onboard(t, svc, "c")

	_, err := repo.Update(context.Background(), p)
	require.NoError(t, err)
	_, err = repo.Update(context.Background(), p)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestEnableBiometrics_RewardsOnce(t *testing.T) {
	svc := NewService(NewMemoryRepository(), nil, nil)
	onboard(t, svc, "c")

	p, err := svc.EnableBiometrics(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, p.BiometricsEnabled)
	assert.Equal(t, 55.0, p.TrustScore)

	p, err = svc.EnableBiometrics(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, 55.0, p.TrustScore)
}

func TestSetStatus_And_Expiry(t *testing.T) {
	svc := NewService(NewMemoryRepository(), nil, nil)
	onboard(t, svc, "c")

	p, err := svc.SetStatus(context.Background(), "c", StatusSuspended)
	require.NoError(t, err)
	assert.False(t, p.IsActive(time.Now()))

	_, err = svc.SetStatus(context.Background(), "c", "BOGUS")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	past := time.Now().Add(-time.Hour)
	expired := Passport{Status: StatusVerified, ExpiresAt: &past}
	assert.True(t, expired.IsExpired(time.Now()))
	assert.False(t, expired.IsActive(time.Now()))
}

func TestRiskLevel(t *testing.T) {
	cases := map[float64]RiskLevel{95: RiskLow, 80: RiskLow, 60: RiskMedium, 30: RiskHigh, 29.99: RiskCritical}
	for score, want := range cases {
		assert.Equal(t, want, Passport{TrustScore: score}.RiskLevel(), "score %v", score)
	}
}

func TestVerificationData_Accessors(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	v := VerificationData{
		Licenses: []License{
			{Type: "ADR", Valid: true},
			{Type: "ITAR", Valid: false},
			{Type: "EAR", Valid: true, ExpiresAt: &past},
		},
		AllowedCountries: []string{"US", "CA"},
		AllowedLocations: []string{},
		SecurityLevels:   map[string]bool{"CONFIDENTIAL": true, "SECRET": false},
	}

	assert.True(t, v.HasLicense(now, "adr"))
	assert.False(t, v.HasLicense(now, "ITAR", "EAR"), "invalid and expired licenses do not count")
	assert.True(t, v.IsCountryAllowed("us"))
	assert.False(t, v.IsCountryAllowed("RU"))
	assert.False(t, v.IsLocationAllowed("warehouse-1"), "empty allow-list allows nothing")
	assert.True(t, VerificationData{}.IsLocationAllowed("anywhere"), "nil allow-list allows everything")
	assert.True(t, v.HasSecurityLevel("CONFIDENTIAL"))
	assert.False(t, v.HasSecurityLevel("SECRET"))
	assert.False(t, VerificationData{}.HasSecurityLevel("CONFIDENTIAL"))
}

func TestUpdateLicenses(t *testing.T) {
	svc := NewService(NewMemoryRepository(), nil, nil)
	onboard(t, svc, "c")

	p, err := svc.UpdateLicenses(context.Background(), "c", []License{{Type: "ADR", Valid: true}})
	require.NoError(t, err)
	assert.True(t, p.Verification.HasLicense(time.Now(), "ADR"))

	_, err = svc.UpdateLicenses(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
