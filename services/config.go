package services

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"affiliate-engine/models"

	"github.com/shopspring/decimal"
)

// RankPolicy holds the reconsumption constants for one package rank.
// Threshold is the commission-received level that opens a new repurchase
// cycle; RequiredRatio is the fraction of the threshold that must be
// repurchased per cycle to stay eligible.
type RankPolicy struct {
	Threshold     decimal.Decimal
	RequiredRatio decimal.Decimal
}

// EngineConfig is the full tunable surface of the commission engine.
// Loaded once at boot; validation failures are fatal before the service
// accepts traffic.
type EngineConfig struct {
	DirectRate         decimal.Decimal // flat % of order value to the sponsor
	GroupRate          decimal.Decimal // % of matched binary volume
	ManagementRate     decimal.Decimal // flat % to senior-rank ancestors
	ManagementCap      decimal.Decimal // max management payout per order
	ManagementMinDepth int             // ancestors deeper than this qualify

	MatchThreshold decimal.Decimal // min matched volume before a group payout fires

	RankPolicies map[models.PackageRank]RankPolicy

	SettlementInterval time.Duration
	SweepInterval      time.Duration
	SweepGracePeriod   time.Duration
}

var defaultRankPolicies = map[models.PackageRank]RankPolicy{
	models.RankTier1: {
		Threshold:     decimal.NewFromInt(100),
		RequiredRatio: decimal.NewFromFloat(0.1),
	},
	models.RankTier2: {
		Threshold:     decimal.NewFromInt(500),
		RequiredRatio: decimal.NewFromFloat(0.1),
	},
}

// LoadEngineConfig reads the engine tunables from the environment, applying
// defaults where unset, and validates them. Any validation error here must
// abort startup; the reconsumption gate and commission math assume sane
// constants and never re-check them per evaluation.
func LoadEngineConfig() (*EngineConfig, error) {
	env := &envReader{}
	cfg := &EngineConfig{
		DirectRate:         env.decimal("COMMISSION_DIRECT_RATE", "0.10"),
		GroupRate:          env.decimal("COMMISSION_GROUP_RATE", "0.08"),
		ManagementRate:     env.decimal("COMMISSION_MANAGEMENT_RATE", "0.02"),
		ManagementCap:      env.decimal("COMMISSION_MANAGEMENT_CAP", "200"),
		ManagementMinDepth: env.integer("COMMISSION_MANAGEMENT_MIN_DEPTH", 3),
		MatchThreshold:     env.decimal("BINARY_MATCH_THRESHOLD", "50"),
		SettlementInterval: env.duration("SETTLEMENT_INTERVAL", 15*time.Minute),
		SweepInterval:      env.duration("SETTLEMENT_SWEEP_INTERVAL", 5*time.Minute),
		SweepGracePeriod:   env.duration("SETTLEMENT_SWEEP_GRACE", 2*time.Minute),
		RankPolicies:       map[models.PackageRank]RankPolicy{},
	}

	for rank, def := range defaultRankPolicies {
		upper := "TIER1"
		if rank == models.RankTier2 {
			upper = "TIER2"
		}
		cfg.RankPolicies[rank] = RankPolicy{
			Threshold:     env.decimal("RECONSUMPTION_"+upper+"_THRESHOLD", def.Threshold.String()),
			RequiredRatio: env.decimal("RECONSUMPTION_"+upper+"_RATIO", def.RequiredRatio.String()),
		}
	}

	if env.err != nil {
		return nil, env.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants: rates in [0,1], positive
// thresholds, a usable scheduler interval.
func (c *EngineConfig) Validate() error {
	one := decimal.NewFromInt(1)
	for name, rate := range map[string]decimal.Decimal{
		"direct rate":     c.DirectRate,
		"group rate":      c.GroupRate,
		"management rate": c.ManagementRate,
	} {
		if rate.IsNegative() || rate.GreaterThan(one) {
			return fmt.Errorf("config: %s %s out of range [0,1]", name, rate)
		}
	}
	if c.ManagementCap.IsNegative() {
		return fmt.Errorf("config: management cap %s is negative", c.ManagementCap)
	}
	if c.ManagementMinDepth < 1 {
		return fmt.Errorf("config: management min depth %d must be >= 1", c.ManagementMinDepth)
	}
	if !c.MatchThreshold.IsPositive() {
		return fmt.Errorf("config: binary match threshold %s must be positive", c.MatchThreshold)
	}
	for rank, p := range c.RankPolicies {
		if !p.Threshold.IsPositive() {
			return fmt.Errorf("config: reconsumption threshold %s for rank %s must be positive", p.Threshold, rank)
		}
		if p.RequiredRatio.IsNegative() || p.RequiredRatio.GreaterThan(one) {
			return fmt.Errorf("config: reconsumption ratio %s for rank %s out of range [0,1]", p.RequiredRatio, rank)
		}
	}
	if c.SettlementInterval <= 0 {
		return fmt.Errorf("config: settlement interval must be positive")
	}
	return nil
}

// envReader reads typed tunables and records the first malformed value, so
// a typo in any env var refuses boot instead of silently falling back.
type envReader struct {
	err error
}

func (r *envReader) fail(key, raw string) {
	if r.err == nil {
		r.err = fmt.Errorf("config: %s=%q is not a valid value", key, raw)
	}
}

func (r *envReader) decimal(key, fallback string) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		raw = fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		r.fail(key, raw)
		return decimal.Zero
	}
	return d
}

func (r *envReader) integer(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, raw)
		return fallback
	}
	return n
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, raw)
		return fallback
	}
	return d
}
