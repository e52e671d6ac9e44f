package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/carrier"
	"trustgate/config"
	"trustgate/geo"
)

var berlin = geo.Point{Lat: 52.52, Lon: 13.405}

func newScorer(t *testing.T, threshold float64) *Scorer {
	t.Helper()
	repo := carrier.NewMemoryRepository()
	_, err := repo.Upsert(context.Background(), carrier.Profile{ID: "reliable", Rating: 5, TotalOrders: 10, CompletedOrders: 10, Location: &berlin})
	require.NoError(t, err)
	_, err = repo.Upsert(context.Background(), carrier.Profile{ID: "newcomer", Rating: 5})
	require.NoError(t, err)

	cfg := config.Default().Scoring
	cfg.AutoAwardThreshold = threshold
	return NewScorer(cfg, carrier.NewService(repo))
}

func order() Order {
	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Order{ID: "ORD-1", MaxBidAmount: 1000, Pickup: berlin, Delivery: berlin, RequiredDeliveryDate: &due}
}

func TestScore_Components(t *testing.T) {
	s := newScorer(t, 0.8)
	o := order()

	b, err := s.Score(context.Background(), o, Candidate{BidID: "b1", CarrierID: "reliable", Amount: 600, ProposedDeliveryDate: o.RequiredDeliveryDate})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, b.Price, 1e-9)
	assert.InDelta(t, 1.0, b.Reputation, 1e-9)
	assert.InDelta(t, 1.0, b.Proximity, 1e-9)
	assert.InDelta(t, 1.0, b.Delivery, 1e-9)
	assert.InDelta(t, 0.76, b.Total, 1e-9)
}

func TestScore_NeutralDefaults(t *testing.T) {
	s := newScorer(t, 0.8)
	o := order()
	o.RequiredDeliveryDate = nil

	for _, id := range []string{"unknown", "newcomer"} {
		b, err := s.Score(context.Background(), o, Candidate{CarrierID: id, Amount: 900})
		require.NoError(t, err)
		assert.InDelta(t, 0.1, b.Price, 1e-9)
		assert.Equal(t, Neutral, b.Reputation, id)
		assert.Equal(t, Neutral, b.Proximity, id)
		assert.Equal(t, Neutral, b.Delivery, id)
		assert.InDelta(t, 0.34, b.Total, 1e-9)
	}
}

func TestScore_DeliveryAndPriceEdges(t *testing.T) {
	s := newScorer(t, 0.8)
	o := order()
	late := o.RequiredDeliveryDate.Add(84 * time.Hour)

	b, err := s.Score(context.Background(), o, Candidate{CarrierID: "unknown", Amount: 1500, ProposedDeliveryDate: &late})
	require.NoError(t, err)
	assert.InDelta(t, 1-3.0/7, b.Delivery, 1e-9)
	assert.Zero(t, b.Price, "bids above the ceiling clamp to zero")

	assert.Zero(t, PriceScore(10, 0))
}

func TestRankAndAutoAward(t *testing.T) {
	o := order()
	cands := []Candidate{
		{BidID: "weak", CarrierID: "unknown", Amount: 900},
		{BidID: "strong", CarrierID: "reliable", Amount: 600, ProposedDeliveryDate: o.RequiredDeliveryDate},
	}

	ranked, err := newScorer(t, 0.8).Rank(context.Background(), o, cands)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "strong", ranked[0].BidID)
	assert.GreaterOrEqual(t, ranked[0].Breakdown.Total, ranked[1].Breakdown.Total)

	best, err := newScorer(t, 0.8).AutoAward(context.Background(), o, cands)
	require.NoError(t, err)
	assert.Nil(t, best, "0.76 is below the threshold and needs manual review")

	best, err = newScorer(t, 0.7).AutoAward(context.Background(), o, cands)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "strong", best.BidID)

	best, err = newScorer(t, 0.1).AutoAward(context.Background(), o, nil)
	require.NoError(t, err)
	assert.Nil(t, best)
}

type failingProfiles struct{}

func (failingProfiles) GetByID(context.Context, string) (carrier.Profile, error) {
	return carrier.Profile{}, errors.New("db down")
}

func TestScore_ProfileErrorPropagates(t *testing.T) {
	s := NewScorer(config.ScoringConfig{}, failingProfiles{})
	_, err := s.Score(context.Background(), order(), Candidate{CarrierID: "x", Amount: 1})
	assert.Error(t, err)
}
