package trust

import (
	"context"
	"math"
	"time"

	"trustgate/worm"
)

type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
)

// Component weights of the trust score.
const (
	WeightPriceAccuracy = 0.30
	WeightAppealSuccess = 0.25
	WeightBiometrics    = 0.20
	WeightGeographic    = 0.15
	WeightTimeFactor    = 0.10
)

const neutralComponent = 50.0

type Components struct {
	PriceAccuracy float64 `json:"price_accuracy"`
	AppealSuccess float64 `json:"appeal_success"`
	Biometrics    float64 `json:"biometrics_compliance"`
	Geographic    float64 `json:"geographic_compliance"`
	TimeFactor    float64 `json:"time_factor"`
}

type Requirements struct {
	RequiresBiometrics   bool `json:"requires_biometrics"`
	RequiresAppeal       bool `json:"requires_appeal"`
	RequiresManualReview bool `json:"requires_manual_review"`
}

type Score struct {
	UserID            string       `json:"user_id"`
	Score             float64      `json:"trust_score"`
	Level             Level        `json:"trust_level"`
	Components        Components   `json:"components"`
	Requirements      Requirements `json:"security_requirements"`
	RestrictedActions []string     `json:"restricted_actions"`
	CalculatedAt      time.Time    `json:"calculated_at"`
}

// HistorySource is satisfied by *worm.Log.
type HistorySource interface {
	UserHistory(ctx context.Context, userID string) (worm.History, error)
}

// Calculator derives a trust score from a user's audit history.
type Calculator struct {
	history HistorySource
	now     func() time.Time
}

func NewCalculator(history HistorySource) *Calculator {
	return &Calculator{history: history, now: time.Now}
}

func (c *Calculator) Calculate(ctx context.Context, userID string) (Score, error) {
	h, err := c.history.UserHistory(ctx, userID)
	if err != nil {
		return Score{}, err
	}
	return Compute(h, c.now().UTC()), nil
}

// Compute scores a history as of now.
func Compute(h worm.History, now time.Time) Score {
	comp := Components{
		PriceAccuracy: priceAccuracy(h),
		AppealSuccess: appealSuccess(h),
		Biometrics:    biometricsCompliance(h),
		Geographic:    geographicCompliance(h),
		TimeFactor:    timeFactor(h, now),
	}
	total := comp.PriceAccuracy*WeightPriceAccuracy +
		comp.AppealSuccess*WeightAppealSuccess +
		comp.Biometrics*WeightBiometrics +
		comp.Geographic*WeightGeographic +
		comp.TimeFactor*WeightTimeFactor
	total = math.Round(total*100) / 100

	level := LevelFor(total)
	return Score{
		UserID:     h.UserID,
		Score:      total,
		Level:      level,
		Components: comp,
		Requirements: Requirements{
			RequiresBiometrics:   total < 75,
			RequiresAppeal:       total < 50,
			RequiresManualReview: total < 25,
		},
		RestrictedActions: RestrictedActions(level),
		CalculatedAt:      now,
	}
}

func LevelFor(score float64) Level {
	switch {
	case score < 25:
		return LevelCritical
	case score < 50:
		return LevelLow
	case score < 75:
		return LevelMedium
	default:
		return LevelHigh
	}
}

func RestrictedActions(level Level) []string {
	switch level {
	case LevelCritical:
		return []string{"place_bid", "view_itar_cargo", "access_sensitive_data", "modify_order"}
	case LevelLow:
		return []string{"view_itar_cargo", "access_sensitive_data"}
	case LevelMedium:
		return []string{"access_sensitive_data"}
	default:
		return []string{}
	}
}

func ratio(hits, total int) float64 {
	if total == 0 {
		return neutralComponent
	}
	return float64(hits) / float64(total) * 100
}

func priceAccuracy(h worm.History) float64 {
	green := 0
	for _, v := range h.Validations {
		if v.Data.Status == "GREEN" {
			green++
		}
	}
	return ratio(green, len(h.Validations))
}

// appealSuccess counts reviewed appeals only; submissions are still pending.
func appealSuccess(h worm.History) float64 {
	approved, decided := 0, 0
	for _, a := range h.Appeals {
		switch a.Data.Status {
		case worm.AppealApproved:
			approved++
			decided++
		case worm.AppealRejected:
			decided++
		}
	}
	return ratio(approved, decided)
}

func biometricsCompliance(h worm.History) float64 {
	passed, total := 0, 0
	for _, a := range h.Accesses {
		if !a.Data.RequiresBiometrics {
			continue
		}
		total++
		if a.Data.Allowed {
			passed++
		}
	}
	return ratio(passed, total)
}

func geographicCompliance(h worm.History) float64 {
	inside := 0
	for _, g := range h.Geofences {
		if !g.Data.Violation {
			inside++
		}
	}
	return ratio(inside, len(h.Geofences))
}

// timeFactor awards one point per 30 days since the first record, up to 50.
func timeFactor(h worm.History, now time.Time) float64 {
	first := h.FirstSeen()
	if first.IsZero() {
		return 0
	}
	days := now.Sub(first).Hours() / 24
	return math.Max(0, math.Min(50, days/30))
}
