package policy

import (
	"errors"
	"fmt"
	"time"
)

// ProfitLevel is one rung of the profit ladder
type ProfitLevel struct {
	GainPct      float64 `json:"gain_pct" yaml:"gain_pct"`           // unrealized % that arms the rung
	SellFraction float64 `json:"sell_fraction" yaml:"sell_fraction"` // fraction of the position to sell
}

// Config holds position policy thresholds. Percentages are in percent units
// (-4 means -4%), concentrations and fractions are ratios.
type Config struct {
	ConcentrationLimit            float64 `json:"concentration_limit" yaml:"concentration_limit"`
	ConcentrationTargetFactor     float64 `json:"concentration_target_factor" yaml:"concentration_target_factor"`
	SingleShareConcentrationLimit float64 `json:"single_share_concentration_limit" yaml:"single_share_concentration_limit"`

	MaxPositionLossPct      float64 `json:"max_position_loss_pct" yaml:"max_position_loss_pct"`
	ProactiveLossPct        float64 `json:"proactive_loss_pct" yaml:"proactive_loss_pct"`
	SevereLossPct           float64 `json:"severe_loss_pct" yaml:"severe_loss_pct"`
	ProactiveReduceFraction float64 `json:"proactive_reduce_fraction" yaml:"proactive_reduce_fraction"`
	SevereReduceFraction    float64 `json:"severe_reduce_fraction" yaml:"severe_reduce_fraction"`

	ProfitLevels []ProfitLevel `json:"profit_levels" yaml:"profit_levels"`

	MaxPositionAgeDays       int     `json:"max_position_age_days" yaml:"max_position_age_days"`
	AgingMinConcentration    float64 `json:"aging_min_concentration" yaml:"aging_min_concentration"`
	AgingFlatBandPct         float64 `json:"aging_flat_band_pct" yaml:"aging_flat_band_pct"`
	AgingReduceFraction      float64 `json:"aging_reduce_fraction" yaml:"aging_reduce_fraction"`
	AgingProfitPct           float64 `json:"aging_profit_pct" yaml:"aging_profit_pct"`
	AgingProfitConcentration float64 `json:"aging_profit_concentration" yaml:"aging_profit_concentration"`
	AgingProfitFraction      float64 `json:"aging_profit_fraction" yaml:"aging_profit_fraction"`

	ScaleInMinPct           float64 `json:"scale_in_min_pct" yaml:"scale_in_min_pct"`
	ScaleInMaxPct           float64 `json:"scale_in_max_pct" yaml:"scale_in_max_pct"`
	ScaleInMaxConcentration float64 `json:"scale_in_max_concentration" yaml:"scale_in_max_concentration"`
	ScaleInFraction         float64 `json:"scale_in_fraction" yaml:"scale_in_fraction"`
	ScaleInMinTrend         float64 `json:"scale_in_min_trend" yaml:"scale_in_min_trend"`
	ScaleInMinRelVolume     float64 `json:"scale_in_min_rel_volume" yaml:"scale_in_min_rel_volume"`

	MinHoldingPeriodHours float64 `json:"min_holding_period_hours" yaml:"min_holding_period_hours"`
}

// DefaultConfig returns the production policy
func DefaultConfig() Config {
	return Config{
		ConcentrationLimit:            0.10,
		ConcentrationTargetFactor:     0.80,
		SingleShareConcentrationLimit: 0.15,

		MaxPositionLossPct:      -4,
		ProactiveLossPct:        -3,
		SevereLossPct:           -5,
		ProactiveReduceFraction: 0.50,
		SevereReduceFraction:    0.75,

		ProfitLevels: []ProfitLevel{
			{GainPct: 5, SellFraction: 0.15},
			{GainPct: 10, SellFraction: 0.35},
			{GainPct: 15, SellFraction: 0.50},
		},

		MaxPositionAgeDays:       10,
		AgingMinConcentration:    0.05,
		AgingFlatBandPct:         2,
		AgingReduceFraction:      1.0 / 3.0,
		AgingProfitPct:           8,
		AgingProfitConcentration: 0.06,
		AgingProfitFraction:      0.40,

		ScaleInMinPct:           5,
		ScaleInMaxPct:           8,
		ScaleInMaxConcentration: 0.08,
		ScaleInFraction:         0.25,
		ScaleInMinTrend:         0.6,
		ScaleInMinRelVolume:     1.5,

		MinHoldingPeriodHours: 24,
	}
}

// MinHoldingPeriod as a duration
func (c Config) MinHoldingPeriod() time.Duration {
	return time.Duration(c.MinHoldingPeriodHours * float64(time.Hour))
}

// MaxPositionAge as a duration
func (c Config) MaxPositionAge() time.Duration {
	return time.Duration(c.MaxPositionAgeDays) * 24 * time.Hour
}

// Validate rejects inconsistent thresholds
func (c Config) Validate() error {
	if c.ConcentrationLimit <= 0 || c.ConcentrationLimit > 1 {
		return fmt.Errorf("concentration_limit must be in (0,1], got %v", c.ConcentrationLimit)
	}
	if c.MaxPositionLossPct >= 0 || c.ProactiveLossPct >= 0 || c.SevereLossPct >= 0 {
		return errors.New("loss thresholds must be negative percentages")
	}
	if c.SevereLossPct > c.ProactiveLossPct {
		return errors.New("severe_loss_pct must be at or below proactive_loss_pct")
	}
	for _, f := range []float64{c.ProactiveReduceFraction, c.SevereReduceFraction, c.AgingReduceFraction, c.AgingProfitFraction, c.ScaleInFraction} {
		if f < 0 || f > 1 {
			return fmt.Errorf("fractions must be in [0,1], got %v", f)
		}
	}
	for i, l := range c.ProfitLevels {
		if l.SellFraction <= 0 || l.SellFraction > 1 {
			return fmt.Errorf("profit level %d: sell_fraction must be in (0,1]", i)
		}
		if i > 0 && l.GainPct <= c.ProfitLevels[i-1].GainPct {
			return errors.New("profit levels must be strictly ascending")
		}
	}
	if c.ScaleInMinPct > c.ScaleInMaxPct {
		return errors.New("scale_in_min_pct must not exceed scale_in_max_pct")
	}
	return nil
}
