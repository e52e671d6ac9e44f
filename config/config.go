package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("config: invalid")

// Offline policies applied when no market data can be obtained.
const (
	OfflineAllow = "allow"
	OfflineDeny  = "deny"
)

// Thresholds are the GREEN/YELLOW cut-offs shared by the market oracle and the
// policy engine. A score above Yellow is RED.
type Thresholds struct {
	Green  float64 `yaml:"green"`
	Yellow float64 `yaml:"yellow"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Green: 0.15, Yellow: 0.40}
}

type OracleConfig struct {
	Thresholds     Thresholds    `yaml:"thresholds"`
	OfflinePolicy  string        `yaml:"offline_policy"`
	WindowSize     int           `yaml:"window_size"`
	MinSamples     int           `yaml:"min_samples"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	HistorySize    int           `yaml:"history_size"`
	ConfidenceBand float64       `yaml:"confidence_band"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	// RetryAttempts bounds retries of transient upstream failures per call.
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// ProviderConfig declares one price feed in the registry.
type ProviderConfig struct {
	Name      string  `yaml:"name"`
	Type      string  `yaml:"type"`
	URL       string  `yaml:"url"`
	APIKey    string  `yaml:"api_key"`
	FilePath  string  `yaml:"file_path"`
	Weight    float64 `yaml:"weight"`
	Priority  int     `yaml:"priority"`
	Enabled   bool    `yaml:"enabled"`
	Consensus bool    `yaml:"consensus"`
	BasePrice float64 `yaml:"base_price"`
	Variation float64 `yaml:"variation"`
}

type ScoringWeights struct {
	Price      float64 `yaml:"price"`
	Reputation float64 `yaml:"reputation"`
	Proximity  float64 `yaml:"proximity"`
	Delivery   float64 `yaml:"delivery"`
}

type ScoringConfig struct {
	Weights            ScoringWeights `yaml:"weights"`
	MaxPickupKm        float64        `yaml:"max_pickup_km"`
	MaxDeliveryKm      float64        `yaml:"max_delivery_km"`
	MaxDeliveryDays    float64        `yaml:"max_delivery_days"`
	AutoAwardThreshold float64        `yaml:"auto_award_threshold"`
}

type GeofenceZone struct {
	Name     string  `yaml:"name"`
	Lat      float64 `yaml:"lat"`
	Lon      float64 `yaml:"lon"`
	RadiusKm float64 `yaml:"radius_km"`
}

type Config struct {
	HTTPAddr           string  `yaml:"http_addr"`
	DatabaseURL        string  `yaml:"-"`
	RedisURL           string  `yaml:"-"`
	JWTSecret          string  `yaml:"-"`
	EvidenceSigningKey string  `yaml:"-"`
	LogLevel           string  `yaml:"log_level"`
	LogFormat          string  `yaml:"log_format"`
	RateLimitRPS       float64 `yaml:"rate_limit_rps"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
	MinTrustScore      float64 `yaml:"min_trust_score"`

	Oracle    OracleConfig     `yaml:"oracle"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Providers []ProviderConfig `yaml:"providers"`
	Scoring   ScoringConfig    `yaml:"scoring"`
	Geofences []GeofenceZone   `yaml:"geofences"`
}

// Default returns the configuration used when neither env nor file override a value.
func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		LogLevel:       "info",
		LogFormat:      "json",
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		MinTrustScore:  50,
		Oracle: OracleConfig{
			Thresholds:     DefaultThresholds(),
			OfflinePolicy:  OfflineDeny,
			WindowSize:     100,
			MinSamples:     10,
			CacheTTL:       5 * time.Minute,
			HistorySize:    30,
			ConfidenceBand: 0.10,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      30 * time.Second,
			CallTimeout:      3 * time.Second,
			RetryAttempts:    2,
			RetryBackoff:     200 * time.Millisecond,
		},
		Providers: []ProviderConfig{
			{Name: "mock", Type: "MOCK", Weight: 0.3, Priority: 3, Enabled: true, Consensus: false, BasePrice: 1000, Variation: 0.02},
		},
		Scoring: ScoringConfig{
			Weights:            ScoringWeights{Price: 0.4, Reputation: 0.3, Proximity: 0.2, Delivery: 0.1},
			MaxPickupKm:        100,
			MaxDeliveryKm:      200,
			MaxDeliveryDays:    7,
			AutoAwardThreshold: 0.8,
		},
	}
}

// Load resolves configuration from an optional .env file, the process
// environment and an optional YAML file. path falls back to CONFIG_FILE.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = getenv("JWT_SECRET", cfg.JWTSecret)
	cfg.EvidenceSigningKey = getenv("EVIDENCE_SIGNING_KEY", cfg.EvidenceSigningKey)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	cfg.RateLimitRPS = getenvFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getenvInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.Oracle.OfflinePolicy = strings.ToLower(getenv("ORACLE_OFFLINE_POLICY", cfg.Oracle.OfflinePolicy))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c Config) Validate() error {
	t := c.Oracle.Thresholds
	if t.Green <= 0 || t.Yellow <= t.Green || t.Yellow > 1 {
		return fmt.Errorf("%w: thresholds must satisfy 0 < green < yellow <= 1 (got %.2f/%.2f)", ErrInvalid, t.Green, t.Yellow)
	}
	switch c.Oracle.OfflinePolicy {
	case OfflineAllow, OfflineDeny:
	default:
		return fmt.Errorf("%w: offline policy %q", ErrInvalid, c.Oracle.OfflinePolicy)
	}
	if c.Oracle.WindowSize <= 0 || c.Oracle.MinSamples <= 0 {
		return fmt.Errorf("%w: oracle window and min samples must be positive", ErrInvalid)
	}
	w := c.Scoring.Weights
	if sum := w.Price + w.Reputation + w.Proximity + w.Delivery; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: scoring weights sum to %.4f", ErrInvalid, sum)
	}
	if c.Scoring.AutoAwardThreshold < 0 || c.Scoring.AutoAwardThreshold > 1 {
		return fmt.Errorf("%w: auto award threshold out of range", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("%w: provider without name", ErrInvalid)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: duplicate provider %q", ErrInvalid, p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Weight < 0 {
			return fmt.Errorf("%w: provider %q has negative weight", ErrInvalid, p.Name)
		}
	}
	return nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
