package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/config"
)

type stubProvider struct {
	name      string
	rate      float64
	err       error
	weight    float64
	available bool
	calls     int32
}

func (s *stubProvider) Name() string               { return s.name }
func (s *stubProvider) Weight() float64            { return s.weight }
func (s *stubProvider) ProviderType() ProviderType { return TypeMock }
func (s *stubProvider) IsAvailable() bool          { return s.available }
func (s *stubProvider) FetchCurrentRate(context.Context, Query) (float64, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.rate, s.err
}

func testBreaker() config.BreakerConfig {
	return config.BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute, CallTimeout: time.Second}
}

func TestRegistry_PriorityUsesLowestAvailable(t *testing.T) {
	r := NewRegistry(testBreaker(), nil)
	down := &stubProvider{name: "primary", err: errors.New("down"), weight: 1, available: true}
	offline := &stubProvider{name: "offline", rate: 5, weight: 1, available: false}
	backup := &stubProvider{name: "backup", rate: 140, weight: 1, available: true}
	require.NoError(t, r.Register(down, 1, true, false))
	require.NoError(t, r.Register(offline, 2, true, false))
	require.NoError(t, r.Register(backup, 3, true, false))

	q, err := r.Quote(context.Background(), Query{Category: "steel", Region: "EU"})
	require.NoError(t, err)
	assert.Equal(t, ModePriority, q.Mode)
	assert.Equal(t, 140.0, q.Rate)
	assert.Zero(t, atomic.LoadInt32(&offline.calls))
}

func TestRegistry_DisabledProvidersAreSkipped(t *testing.T) {
	r := NewRegistry(testBreaker(), nil)
	a := &stubProvider{name: "a", rate: 10, weight: 1, available: true}
	b := &stubProvider{name: "b", rate: 20, weight: 1, available: true}
	require.NoError(t, r.Register(a, 1, true, false))
	require.NoError(t, r.Register(b, 2, true, false))

	require.NoError(t, r.Toggle("a", false))
	q, err := r.Quote(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, 20.0, q.Rate)

	require.NoError(t, r.Toggle("a", true))
	require.NoError(t, r.SetPriority("a", 5))
	q, err = r.Quote(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, 20.0, q.Rate)

	assert.ErrorIs(t, r.Toggle("missing", true), ErrUnknownProvider)
}

func TestRegistry_ConsensusWeightedAverage(t *testing.T) {
	r := NewRegistry(testBreaker(), nil)
	require.NoError(t, r.Register(&stubProvider{name: "a", rate: 100, weight: 0.6, available: true}, 1, true, true))
	require.NoError(t, r.Register(&stubProvider{name: "b", rate: 200, weight: 0.2, available: true}, 2, true, true))
	require.NoError(t, r.Register(&stubProvider{name: "c", err: errors.New("x"), weight: 0.2, available: true}, 3, true, true))
	require.True(t, r.ConsensusMode())

	q, err := r.Quote(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, ModeConsensus, q.Mode)
	assert.InDelta(t, 125.0, q.Rate, 1e-9)
	assert.Len(t, q.Sources, 2)
}

func TestRegistry_SingleConsensusProviderIsPriorityMode(t *testing.T) {
	r := NewRegistry(testBreaker(), nil)
	require.NoError(t, r.Register(&stubProvider{name: "a", rate: 100, weight: 1, available: true}, 1, true, true))
	require.NoError(t, r.Register(&stubProvider{name: "b", rate: 200, weight: 1, available: true}, 2, true, false))
	assert.False(t, r.ConsensusMode())

	require.NoError(t, r.SetConsensus("b", true))
	assert.True(t, r.ConsensusMode())
}

func TestRegistry_NoProviders(t *testing.T) {
	r := NewRegistry(testBreaker(), nil)
	require.NoError(t, r.Register(&stubProvider{name: "a", err: errors.New("down"), weight: 1, available: true}, 1, true, false))

	_, err := r.Quote(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestRegistry_BreakerOpensAndSkipsProvider(t *testing.T) {
	r := NewRegistry(testBreaker(), nil)
	flaky := &stubProvider{name: "flaky", err: errors.New("down"), weight: 1, available: true}
	require.NoError(t, r.Register(flaky, 1, true, false))
	require.NoError(t, r.Register(&stubProvider{name: "mock", rate: 99, weight: 1, available: true}, 2, true, false))

	for i := 0; i < 4; i++ {
		q, err := r.Quote(context.Background(), Query{})
		require.NoError(t, err)
		assert.Equal(t, 99.0, q.Rate)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&flaky.calls), "open breaker must fail fast")

	stats := r.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, "open", stats.Providers[0].Breaker)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry(testBreaker(), nil)
	require.NoError(t, r.Register(NewMockProvider("m", 1, 0, 1), 1, true, false))
	assert.ErrorIs(t, r.Register(NewMockProvider("m", 1, 0, 1), 2, true, false), ErrDuplicateProvider)
}

func TestHTTPProvider_FetchesRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		assert.Equal(t, "steel", req.URL.Query().Get("category"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 1234.5}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("api", srv.URL, "secret", 1, srv.Client())
	rate, err := p.FetchCurrentRate(context.Background(), Query{Category: "steel", Region: "EU"})
	require.NoError(t, err)
	assert.Equal(t, 1234.5, rate)
}

func TestHTTPProvider_RejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPProvider("api", srv.URL, "", 1, srv.Client()).FetchCurrentRate(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRegistry_RetriesTransientHTTPFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"price": 880}`))
	}))
	defer srv.Close()

	cfg := testBreaker()
	cfg.RetryAttempts, cfg.RetryBackoff = 2, time.Millisecond
	r := NewRegistry(cfg, nil)
	require.NoError(t, r.Register(NewHTTPProvider("api", srv.URL, "", 1, srv.Client()), 1, true, false))

	q, err := r.Quote(context.Background(), Query{Category: "steel"})
	require.NoError(t, err)
	assert.Equal(t, 880.0, q.Rate)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
	assert.Equal(t, "closed", r.entries["api"].breaker.State().String())
}

func TestRegistry_DoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := testBreaker()
	cfg.RetryAttempts, cfg.RetryBackoff = 3, time.Millisecond
	r := NewRegistry(cfg, nil)
	require.NoError(t, r.Register(NewHTTPProvider("api", srv.URL, "", 1, srv.Client()), 1, true, false))

	_, err := r.Quote(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrNoProviders)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestFileProvider_LookupWithWildcards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"EU": {"steel": {"price": 900}, "*": {"price": 500}},
		"*": {"*": {"price": 100}}
	}`), 0o600))

	p := NewFileProvider("file", path, 0.6)
	require.True(t, p.IsAvailable())

	rate, err := p.FetchCurrentRate(context.Background(), Query{Category: "Steel", Region: "eu"})
	require.NoError(t, err)
	assert.Equal(t, 900.0, rate)

	rate, err = p.FetchCurrentRate(context.Background(), Query{Category: "wood", Region: "EU"})
	require.NoError(t, err)
	assert.Equal(t, 500.0, rate)

	rate, err = p.FetchCurrentRate(context.Background(), Query{Category: "wood", Region: "US"})
	require.NoError(t, err)
	assert.Equal(t, 100.0, rate)

	assert.False(t, NewFileProvider("missing", filepath.Join(t.TempDir(), "nope.json"), 1).IsAvailable())
}

func TestMockProvider_StaysWithinVariation(t *testing.T) {
	p := NewMockProvider("mock", 1000, 0.02, 0.3).WithSeed(7)
	for i := 0; i < 50; i++ {
		rate, err := p.FetchCurrentRate(context.Background(), Query{})
		require.NoError(t, err)
		assert.InDelta(t, 1000, rate, 20)
	}
}

func TestNewRegistryFromConfig(t *testing.T) {
	cfgs := []config.ProviderConfig{
		{Name: "mock", Type: "mock", BasePrice: 10, Weight: 0.3, Priority: 3, Enabled: true},
		{Name: "json", Type: "REGIONAL_JSON", FilePath: "/nonexistent.json", Weight: 0.6, Priority: 2, Enabled: true},
	}
	r, err := NewRegistryFromConfig(cfgs, testBreaker(), nil, nil)
	require.NoError(t, err)

	q, err := r.Quote(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, 10.0, q.Rate)
	assert.Equal(t, "mock", q.Sources[0].Provider)

	_, err = NewRegistryFromConfig([]config.ProviderConfig{{Name: "x", Type: "ftp"}}, testBreaker(), nil, nil)
	assert.Error(t, err)
}
