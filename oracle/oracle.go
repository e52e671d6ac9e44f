package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"trustgate/config"
	"trustgate/events"
	"trustgate/logging"
	"trustgate/metrics"
	"trustgate/pricefeed"
	"trustgate/worm"
)

// ErrInvalidSubmission rejects cost submissions that cannot be scored.
var ErrInvalidSubmission = errors.New("oracle: invalid submission")

type Status string

const (
	StatusGreen  Status = "GREEN"
	StatusYellow Status = "YELLOW"
	StatusRed    Status = "RED"
)

// Submission is a manually entered cost to be checked against the market.
type Submission struct {
	UserID       string
	OrderRef     string
	MaterialCost float64
	LaborCost    float64
	Category     string
	Region       string
	Context      map[string]any
}

func (s Submission) sensitive() bool {
	switch v := s.Context["sensitive"].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func (s Submission) validate() error {
	for name, v := range map[string]float64{"material_cost": s.MaterialCost, "labor_cost": s.LaborCost} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidSubmission, name)
		}
	}
	return nil
}

// Result is the verdict for one submission.
type Result struct {
	Status             Status    `json:"status"`
	RiskScore          float64   `json:"risk_score"`
	Deviation          float64   `json:"deviation"`
	AnomalyScore       float64   `json:"anomaly_score"`
	RequiresAppeal     bool      `json:"requires_appeal"`
	RequiresBiometrics bool      `json:"requires_biometrics"`
	SuggestedMedian    float64   `json:"suggested_median"`
	ConfidenceInterval *Interval `json:"confidence_interval,omitempty"`
	MarketTrend        Trend     `json:"market_trend"`
	Offline            bool      `json:"offline"`
	RecordHash         string    `json:"record_hash"`
	Timestamp          time.Time `json:"timestamp"`
}

// AuditSink persists verdicts; *worm.Log implements it.
type AuditSink interface {
	SaveValidation(ctx context.Context, e worm.ValidationEntry) (worm.Record, error)
}

type Options struct {
	Thresholds     config.Thresholds
	OfflinePolicy  string
	ConfidenceBand float64
}

func OptionsFromConfig(cfg config.OracleConfig) Options {
	return Options{Thresholds: cfg.Thresholds, OfflinePolicy: cfg.OfflinePolicy, ConfidenceBand: cfg.ConfidenceBand}
}

// Oracle classifies cost submissions against the market median.
type Oracle struct {
	market    MarketData
	tracker   *DeviationTracker
	audit     AuditSink
	publisher events.Publisher
	opts      Options
	log       logrus.FieldLogger
}

func New(market MarketData, tracker *DeviationTracker, audit AuditSink, publisher events.Publisher, opts Options, log logrus.FieldLogger) *Oracle {
	if opts.Thresholds == (config.Thresholds{}) {
		opts.Thresholds = config.DefaultThresholds()
	}
	if opts.OfflinePolicy == "" {
		opts.OfflinePolicy = config.OfflineDeny
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Oracle{market: market, tracker: tracker, audit: audit, publisher: publisher, opts: opts, log: logging.OrDiscard(log)}
}

func (o *Oracle) Thresholds() config.Thresholds { return o.opts.Thresholds }

// ValidateManualInput scores a submission. The verdict is written to the audit
// log before it is returned; a failed write fails the call.
func (o *Oracle) ValidateManualInput(ctx context.Context, s Submission) (Result, error) {
	if err := s.validate(); err != nil {
		return Result{}, err
	}
	q := pricefeed.Query{Category: s.Category, Region: s.Region}
	total := s.MaterialCost + s.LaborCost

	var (
		median    float64
		offline   bool
		medianErr error
		interval  *Interval
	)
	trend := TrendStable
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		median, offline, medianErr = o.market.Median(gctx, q)
		return nil
	})
	g.Go(func() error {
		ci, err := o.market.ConfidenceInterval(gctx, q)
		if err != nil {
			o.log.WithError(err).Warn("oracle: confidence interval unavailable")
			return nil
		}
		interval = ci
		return nil
	})
	g.Go(func() error {
		t, err := o.market.Trend(gctx, q)
		if err != nil {
			o.log.WithError(err).Warn("oracle: trend unavailable")
			return nil
		}
		trend = t
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var res Result
	if medianErr != nil {
		o.log.WithError(medianErr).WithFields(logrus.Fields{"segment": q.Key(), "policy": o.opts.OfflinePolicy}).Warn("oracle: applying offline policy")
		res = o.offlineResult()
	} else {
		deviation := Deviation(total, median)
		anomaly, err := o.tracker.Observe(ctx, s.Category, s.Region, deviation)
		if err != nil {
			return Result{}, fmt.Errorf("oracle: track deviation: %w", err)
		}
		status, appeal, bio := Classify(deviation, anomaly, o.opts.Thresholds, s.sensitive())
		res = Result{
			Status:             status,
			RiskScore:          round4(anomaly),
			Deviation:          deviation,
			AnomalyScore:       anomaly,
			RequiresAppeal:     appeal,
			RequiresBiometrics: bio,
			SuggestedMedian:    median,
			Offline:            offline,
		}
		if interval == nil && median > 0 && o.opts.ConfidenceBand > 0 {
			interval = &Interval{Low: median * (1 - o.opts.ConfidenceBand), High: median * (1 + o.opts.ConfidenceBand)}
		}
		res.ConfidenceInterval = interval
	}
	res.MarketTrend = trend

	rec, err := o.audit.SaveValidation(ctx, worm.ValidationEntry{
		OrderRef:     s.OrderRef,
		UserID:       s.UserID,
		Category:     s.Category,
		Region:       s.Region,
		MaterialCost: s.MaterialCost,
		LaborCost:    s.LaborCost,
		TotalInput:   total,
		Median:       res.SuggestedMedian,
		Deviation:    res.Deviation,
		AnomalyScore: res.AnomalyScore,
		RiskScore:    res.RiskScore,
		Status:       string(res.Status),
		Offline:      res.Offline,
	})
	if err != nil {
		return Result{}, fmt.Errorf("oracle: persist verdict: %w", err)
	}
	res.RecordHash = rec.Hash
	res.Timestamp = rec.CreatedAt

	metrics.ObserveVerdict(string(res.Status), res.Offline)
	o.log.WithFields(logrus.Fields{
		"order_ref": s.OrderRef,
		"user_id":   s.UserID,
		"status":    res.Status,
		"deviation": res.Deviation,
		"risk":      res.RiskScore,
		"offline":   res.Offline,
	}).Info("oracle: submission validated")

	if err := o.publisher.Publish(ctx, events.TopicOracleValidated, s.UserID, map[string]any{
		"user_id":     s.UserID,
		"order_ref":   s.OrderRef,
		"status":      string(res.Status),
		"risk_score":  res.RiskScore,
		"offline":     res.Offline,
		"record_hash": res.RecordHash,
	}); err != nil {
		o.log.WithError(err).Warn("oracle: publish verdict failed")
	}
	return res, nil
}

func (o *Oracle) offlineResult() Result {
	if o.opts.OfflinePolicy == config.OfflineAllow {
		return Result{Status: StatusGreen, Offline: true}
	}
	return Result{
		Status:             StatusRed,
		RiskScore:          1,
		Deviation:          1,
		AnomalyScore:       1,
		RequiresAppeal:     true,
		RequiresBiometrics: true,
		Offline:            true,
	}
}

// Deviation is |total-median|/median capped at 1; a non-positive median is
// treated as maximal deviation.
func Deviation(total, median float64) float64 {
	if median <= 0 {
		return 1
	}
	return math.Min(math.Abs(total-median)/median, 1)
}

// Classify maps scores to a verdict. GREEN needs both scores within the green
// threshold. Either score inside (green, yellow] makes it YELLOW; otherwise RED.
func Classify(deviation, anomaly float64, t config.Thresholds, sensitive bool) (status Status, requiresAppeal, requiresBiometrics bool) {
	inYellow := func(v float64) bool { return v > t.Green && v <= t.Yellow }
	switch {
	case deviation <= t.Green && anomaly <= t.Green:
		return StatusGreen, false, false
	case inYellow(deviation) || inYellow(anomaly):
		return StatusYellow, true, sensitive
	default:
		return StatusRed, true, true
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
