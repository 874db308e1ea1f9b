package autopilot

import (
	"fmt"
	"time"
)

// Config holds control loop configuration
type Config struct {
	DryRun                  bool          `json:"dry_run" yaml:"dry_run"`
	ExtendedHoursMonitoring bool          `json:"extended_hours_monitoring" yaml:"extended_hours_monitoring"`
	ExtendedHoursInterval   time.Duration `json:"extended_hours_interval" yaml:"extended_hours_interval"`
	MarketPollInterval      time.Duration `json:"market_poll_interval" yaml:"market_poll_interval"`

	HighVolatilityPct float64       `json:"high_volatility_pct" yaml:"high_volatility_pct"` // largest |change today| that flips the regime
	HighVolFloor      time.Duration `json:"high_vol_floor" yaml:"high_vol_floor"`
	HighVolTarget     time.Duration `json:"high_vol_target" yaml:"high_vol_target"`
	NormalFloor       time.Duration `json:"normal_floor" yaml:"normal_floor"`
	NormalTarget      time.Duration `json:"normal_target" yaml:"normal_target"`
	SleepChunk        time.Duration `json:"sleep_chunk" yaml:"sleep_chunk"`

	AgingEvery  int `json:"aging_every" yaml:"aging_every"`
	VerifyEvery int `json:"verify_every" yaml:"verify_every"`

	AdvisorMinConfidence float64 `json:"advisor_min_confidence" yaml:"advisor_min_confidence"`
	AdvisorTightenPct    float64 `json:"advisor_tighten_pct" yaml:"advisor_tighten_pct"`
	EnableScaleIn        bool    `json:"enable_scale_in" yaml:"enable_scale_in"`
	BarsLookback         int     `json:"bars_lookback" yaml:"bars_lookback"`
}

// DefaultConfig returns production cadences
func DefaultConfig() Config {
	return Config{
		ExtendedHoursMonitoring: true,
		ExtendedHoursInterval:   5 * time.Minute,
		MarketPollInterval:      time.Minute,
		HighVolatilityPct:       3,
		HighVolFloor:            30 * time.Second,
		HighVolTarget:           60 * time.Second,
		NormalFloor:             60 * time.Second,
		NormalTarget:            120 * time.Second,
		SleepChunk:              5 * time.Second,
		AgingEvery:              3,
		VerifyEvery:             5,
		AdvisorMinConfidence:    0.7,
		AdvisorTightenPct:       0.02,
		EnableScaleIn:           true,
		BarsLookback:            21,
	}
}

// Validate rejects impossible cadences
func (c Config) Validate() error {
	if c.SleepChunk <= 0 || c.SleepChunk > 5*time.Second {
		return fmt.Errorf("sleep_chunk must be in (0, 5s], got %v", c.SleepChunk)
	}
	if c.HighVolFloor <= 0 || c.HighVolTarget < c.HighVolFloor {
		return fmt.Errorf("high volatility cadence must satisfy 0 < floor <= target")
	}
	if c.NormalFloor <= 0 || c.NormalTarget < c.NormalFloor {
		return fmt.Errorf("normal cadence must satisfy 0 < floor <= target")
	}
	if c.AgingEvery <= 0 || c.VerifyEvery <= 0 {
		return fmt.Errorf("aging_every and verify_every must be positive")
	}
	if c.ExtendedHoursInterval <= 0 || c.MarketPollInterval <= 0 {
		return fmt.Errorf("extended_hours_interval and market_poll_interval must be positive")
	}
	if c.AdvisorMinConfidence < 0 || c.AdvisorMinConfidence > 1 {
		return fmt.Errorf("advisor_min_confidence must be in [0, 1]")
	}
	if c.AdvisorTightenPct <= 0 || c.AdvisorTightenPct >= 1 {
		return fmt.Errorf("advisor_tighten_pct must be in (0, 1)")
	}
	return nil
}
