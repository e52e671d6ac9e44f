package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trustgate/logging"
	"trustgate/pricefeed"
)

// ErrNoMarketData means no provider answered and no earlier median is known.
var ErrNoMarketData = errors.New("oracle: no market data")

type Trend string

const (
	TrendUpward   Trend = "UPWARD"
	TrendDownward Trend = "DOWNWARD"
	TrendStable   Trend = "STABLE"
	TrendVolatile Trend = "VOLATILE"
)

type Interval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// MarketData supplies the reference figures for one segment. The three calls
// are independent so the oracle can issue them concurrently.
type MarketData interface {
	// Median returns the segment median. offline is true when it is a stale
	// value served because every provider failed.
	Median(ctx context.Context, q pricefeed.Query) (median float64, offline bool, err error)
	// ConfidenceInterval may return nil when there is not enough history.
	ConfidenceInterval(ctx context.Context, q pricefeed.Query) (*Interval, error)
	Trend(ctx context.Context, q pricefeed.Query) (Trend, error)
}

// Quoter is satisfied by *pricefeed.Registry.
type Quoter interface {
	Quote(ctx context.Context, q pricefeed.Query) (pricefeed.Quote, error)
}

// FeedMarketData derives market data from the provider registry, caching
// medians and keeping a rolling history of them for interval and trend.
type FeedMarketData struct {
	quoter      Quoter
	cache       Cache
	history     WindowStore
	cacheTTL    time.Duration
	historySize int

	mu       sync.RWMutex
	lastGood map[string]float64

	log logrus.FieldLogger
}

func NewFeedMarketData(quoter Quoter, cache Cache, history WindowStore, cacheTTL time.Duration, historySize int, log logrus.FieldLogger) *FeedMarketData {
	if historySize <= 0 {
		historySize = 30
	}
	return &FeedMarketData{
		quoter:      quoter,
		cache:       cache,
		history:     history,
		cacheTTL:    cacheTTL,
		historySize: historySize,
		lastGood:    make(map[string]float64),
		log:         logging.OrDiscard(log),
	}
}

func medianKey(q pricefeed.Query) string  { return "median:" + q.Key() }
func historyKey(q pricefeed.Query) string { return "median-history:" + q.Key() }

func (m *FeedMarketData) Median(ctx context.Context, q pricefeed.Query) (float64, bool, error) {
	caching := m.cache != nil && m.cacheTTL > 0
	if caching {
		if v, ok, err := m.cache.Get(ctx, medianKey(q)); err != nil {
			m.log.WithError(err).Warn("oracle: median cache read failed")
		} else if ok {
			return v, false, nil
		}
	}

	quote, err := m.quoter.Quote(ctx, q)
	if err != nil {
		m.mu.RLock()
		last, ok := m.lastGood[q.Key()]
		m.mu.RUnlock()
		if ok {
			m.log.WithError(err).WithField("segment", q.Key()).Warn("oracle: providers down, serving last known median")
			return last, true, nil
		}
		return 0, true, fmt.Errorf("%w for %s: %w", ErrNoMarketData, q.Key(), err)
	}

	m.mu.Lock()
	m.lastGood[q.Key()] = quote.Rate
	m.mu.Unlock()

	if caching {
		if err := m.cache.Set(ctx, medianKey(q), quote.Rate, m.cacheTTL); err != nil {
			m.log.WithError(err).Warn("oracle: median cache write failed")
		}
	}
	if _, err := m.history.Append(ctx, historyKey(q), quote.Rate, m.historySize); err != nil {
		m.log.WithError(err).Warn("oracle: median history write failed")
	}
	return quote.Rate, false, nil
}

// ConfidenceInterval is mean ± 1.96σ of the recorded medians, floored at 0.
func (m *FeedMarketData) ConfidenceInterval(ctx context.Context, q pricefeed.Query) (*Interval, error) {
	values, err := m.history.Values(ctx, historyKey(q))
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, nil
	}
	mean, variance := MeanVariance(values)
	spread := 1.96 * math.Sqrt(variance)
	return &Interval{Low: math.Max(0, mean-spread), High: mean + spread}, nil
}

func (m *FeedMarketData) Trend(ctx context.Context, q pricefeed.Query) (Trend, error) {
	values, err := m.history.Values(ctx, historyKey(q))
	if err != nil {
		return TrendStable, err
	}
	return ClassifyTrend(values), nil
}

// ClassifyTrend labels a median history: VOLATILE when the coefficient of
// variation exceeds 0.2, UPWARD or DOWNWARD when the latest value is more than
// 5% away from the mean of the earlier ones, STABLE otherwise.
func ClassifyTrend(values []float64) Trend {
	if len(values) < 3 {
		return TrendStable
	}
	mean, variance := MeanVariance(values)
	if mean > 0 && math.Sqrt(variance)/mean > 0.2 {
		return TrendVolatile
	}
	prior, _ := MeanVariance(values[:len(values)-1])
	if prior <= 0 {
		return TrendStable
	}
	change := (values[len(values)-1] - prior) / prior
	switch {
	case change > 0.05:
		return TrendUpward
	case change < -0.05:
		return TrendDownward
	default:
		return TrendStable
	}
}
