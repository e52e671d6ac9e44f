package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/pricefeed"
)

type scriptedQuoter struct {
	rates []float64
	err   error
	calls int
}

func (q *scriptedQuoter) Quote(context.Context, pricefeed.Query) (pricefeed.Quote, error) {
	q.calls++
	if q.err != nil {
		return pricefeed.Quote{}, q.err
	}
	rate := q.rates[0]
	if len(q.rates) > 1 {
		q.rates = q.rates[1:]
	}
	return pricefeed.Quote{Rate: rate, Mode: pricefeed.ModePriority}, nil
}

func TestFeedMarketData_CachesMedian(t *testing.T) {
	quoter := &scriptedQuoter{rates: []float64{140}}
	m := NewFeedMarketData(quoter, NewMemoryCache(), NewMemoryWindows(), time.Minute, 30, nil)
	q := pricefeed.Query{Category: "steel", Region: "EU"}

	for i := 0; i < 3; i++ {
		median, offline, err := m.Median(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, 140.0, median)
		assert.False(t, offline)
	}
	assert.Equal(t, 1, quoter.calls)
}

func TestFeedMarketData_FallsBackToLastGood(t *testing.T) {
	quoter := &scriptedQuoter{rates: []float64{140}}
	m := NewFeedMarketData(quoter, NewMemoryCache(), NewMemoryWindows(), 0, 30, nil)
	q := pricefeed.Query{Category: "steel", Region: "EU"}

	_, _, err := m.Median(context.Background(), q)
	require.NoError(t, err)

	quoter.err = pricefeed.ErrNoProviders
	median, offline, err := m.Median(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, offline)
	assert.Equal(t, 140.0, median)

	_, _, err = m.Median(context.Background(), pricefeed.Query{Category: "other"})
	assert.True(t, errors.Is(err, ErrNoMarketData))
	assert.True(t, errors.Is(err, pricefeed.ErrNoProviders))
}

func TestFeedMarketData_IntervalAndTrendFromHistory(t *testing.T) {
	quoter := &scriptedQuoter{rates: []float64{100, 100, 100, 120}}
	m := NewFeedMarketData(quoter, NewMemoryCache(), NewMemoryWindows(), 0, 30, nil)
	q := pricefeed.Query{Category: "fuel", Region: "US"}
	ctx := context.Background()

	ci, err := m.ConfidenceInterval(ctx, q)
	require.NoError(t, err)
	assert.Nil(t, ci)

	for i := 0; i < 4; i++ {
		_, _, err := m.Median(ctx, q)
		require.NoError(t, err)
	}

	ci, err = m.ConfidenceInterval(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, ci)
	assert.Less(t, ci.Low, 105.0)
	assert.Greater(t, ci.High, 105.0)

	trend, err := m.Trend(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, TrendUpward, trend)
}
