package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

var testNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

// position builds a long position worth qty*price with the given unrealized %
func position(symbol string, qty, price, pnlPct float64) broker.Position {
	entry := price / (1 + pnlPct/100)
	return broker.Position{
		Symbol:          symbol,
		Qty:             qty,
		AvgEntryPrice:   entry,
		CurrentPrice:    price,
		MarketValue:     qty * price,
		UnrealizedPLPct: pnlPct,
	}
}

func snap() Snapshot {
	return Snapshot{Now: testNow, ProfitLevelsTaken: map[int]bool{}, LossStepsTaken: map[int]bool{}}
}

func TestDecide_ScenarioLossReduction(t *testing.T) {
	// 5 shares at -4.5% with no adequate stop
	pos := position("TSLA", 5, 100, -4.5)
	in := Decide(pos, snap(), 100000, DefaultConfig())

	require.NotNil(t, in)
	assert.Equal(t, KindReduceForLoss, in.Kind)
	assert.Equal(t, UrgencyHigh, in.Urgency)
	assert.Equal(t, 3.0, in.Qty)
	assert.Equal(t, broker.SideSell, in.Side)
	assert.Equal(t, LossStepProactive, in.Level)
	assert.False(t, in.FullExit)
}

func TestDecide_HardLossCutAfterReduction(t *testing.T) {
	pos := position("TSLA", 2, 100, -4.5)
	s := snap()
	s.LossStepsTaken[LossStepProactive] = true

	in := Decide(pos, s, 100000, DefaultConfig())
	require.NotNil(t, in)
	assert.Equal(t, RuleHardLossCut, in.Rule)
	assert.Equal(t, UrgencyCritical, in.Urgency)
	assert.Equal(t, 2.0, in.Qty)
	assert.True(t, in.FullExit)
}

func TestDecide_HardLossCutIgnoresHoldingPeriod(t *testing.T) {
	pos := position("TSLA", 10, 100, -4.2)
	pos.EntryTime = testNow.Add(-time.Hour)

	in := Decide(pos, snap(), 100000, DefaultConfig())
	require.NotNil(t, in)
	assert.Equal(t, RuleHardLossCut, in.Rule)
	assert.Equal(t, 10.0, in.Qty)
}

func TestDecide_SevereLoss(t *testing.T) {
	pos := position("AMD", 8, 50, -6)
	in := Decide(pos, snap(), 100000, DefaultConfig())

	require.NotNil(t, in)
	assert.Equal(t, UrgencyCritical, in.Urgency)
	assert.Equal(t, LossStepSevere, in.Level)
	assert.Equal(t, 6.0, in.Qty)
}

func TestDecide_AdequateStopSuppressesLossRules(t *testing.T) {
	pos := position("TSLA", 5, 100, -4.5)
	s := snap()
	s.Orders = []broker.Order{{
		ID: "s", Symbol: "TSLA", Side: broker.SideSell, Type: broker.OrderStop,
		StopPrice: pos.AvgEntryPrice * 0.965, Status: broker.StatusOpen,
	}}
	assert.Nil(t, Decide(pos, s, 100000, DefaultConfig()))

	// A catastrophic 8% stop does not cap the loss at 4%
	s.Orders[0].StopPrice = pos.AvgEntryPrice * 0.92
	assert.NotNil(t, Decide(pos, s, 100000, DefaultConfig()))
}

func TestDecide_SingleShare(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name     string
		pos      broker.Position
		equity   float64
		wantKind Kind
		wantRule string
	}{
		{"profit at top rung sells the share", position("NVDA", 1, 116, 16), 100000, KindTakeProfit, RuleProfitLadder},
		{"profit at lower rung skipped", position("NVDA", 1, 106, 6), 100000, "", ""},
		{"non emergency loss skipped, hard cut exits", position("NVDA", 1, 95.5, -4.5), 100000, KindReduceForLoss, RuleHardLossCut},
		{"mild loss skipped", position("NVDA", 1, 96.5, -3.5), 100000, "", ""},
		{"severe loss liquidates", position("NVDA", 1, 90, -10), 100000, KindReduceForLoss, RuleProactiveLoss},
		{"concentration above 15% liquidates", position("NVDA", 1, 400, 0.5), 2000, KindReduceForConcentration, RuleConcentration},
		{"concentration between limits skipped", position("NVDA", 1, 240, 0.5), 2000, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Decide(tt.pos, snap(), tt.equity, cfg)
			if tt.wantKind == "" {
				assert.Nil(t, in)
				return
			}
			require.NotNil(t, in)
			assert.Equal(t, tt.wantKind, in.Kind)
			assert.Equal(t, tt.wantRule, in.Rule)
			assert.Equal(t, 1.0, in.Qty)
		})
	}
}

func TestDecide_Concentration(t *testing.T) {
	// 50 shares at $100 = $5000 of $20000 equity = 25%
	pos := position("AAPL", 50, 100, 1)
	pos.EntryTime = testNow.Add(-time.Hour)

	in := Decide(pos, snap(), 20000, DefaultConfig())
	require.NotNil(t, in)
	assert.Equal(t, KindReduceForConcentration, in.Kind)
	// target 8% of 20000 = 1600 = 16 shares kept
	assert.Equal(t, 34.0, in.Qty)
}

func TestDecide_ConcentrationBeatsLoss(t *testing.T) {
	pos := position("AAPL", 50, 100, -6)
	in := Decide(pos, snap(), 20000, DefaultConfig())
	require.NotNil(t, in)
	assert.Equal(t, KindReduceForConcentration, in.Kind)
}

func TestDecide_ProfitLadderIsOneShot(t *testing.T) {
	cfg := DefaultConfig()
	pos := position("MSFT", 20, 100, 5.5)
	s := snap()

	in := Decide(pos, s, 100000, cfg)
	require.NotNil(t, in)
	assert.Equal(t, KindTakeProfit, in.Kind)
	assert.Equal(t, 0, in.Level)
	assert.Equal(t, 3.0, in.Qty)
	s.ProfitLevelsTaken[in.Level] = true

	// Oscillating around the rung never refires it
	for _, pnl := range []float64{4.9, 5.2, 4.1, 6.0, 5.01} {
		pos.UnrealizedPLPct = pnl
		in := Decide(pos, s, 100000, cfg)
		if in != nil {
			assert.NotEqual(t, KindTakeProfit, in.Kind, "pnl %.2f", pnl)
		}
	}

	pos.UnrealizedPLPct = 11
	in = Decide(pos, s, 100000, cfg)
	require.NotNil(t, in)
	assert.Equal(t, 1, in.Level)
	assert.Equal(t, 7.0, in.Qty)
}

func TestDecide_HoldingPeriodBlocksNonRiskRules(t *testing.T) {
	pos := position("MSFT", 20, 100, 12)
	pos.EntryTime = testNow.Add(-2 * time.Hour)
	assert.Nil(t, Decide(pos, snap(), 100000, DefaultConfig()))

	pos.EntryTime = testNow.Add(-48 * time.Hour)
	assert.NotNil(t, Decide(pos, snap(), 100000, DefaultConfig()))
}

func TestDecide_Aging(t *testing.T) {
	cfg := DefaultConfig()
	s := snap()
	s.AgingPass = true

	flat := position("KO", 60, 100, 0.5) // 6000/100000 = 6%
	flat.EntryTime = testNow.Add(-15 * 24 * time.Hour)
	in := Decide(flat, s, 100000, cfg)
	require.NotNil(t, in)
	assert.Equal(t, RuleAgingFlat, in.Rule)
	assert.Equal(t, UrgencyLow, in.Urgency)
	assert.Equal(t, 20.0, in.Qty)

	s.ProfitLevelsTaken = map[int]bool{0: true}
	winner := position("KO", 70, 100, 9) // 7%
	winner.EntryTime = testNow.Add(-15 * 24 * time.Hour)
	in = Decide(winner, s, 100000, cfg)
	require.NotNil(t, in)
	assert.Equal(t, RuleAgingProfit, in.Rule)
	assert.Equal(t, UrgencyMedium, in.Urgency)
	assert.Equal(t, 28.0, in.Qty)

	// Not an aging cycle
	s.AgingPass = false
	assert.Nil(t, Decide(flat, s, 100000, cfg))

	// Unknown age never counts as aged
	s.AgingPass = true
	flat.EntryTime = time.Time{}
	assert.Nil(t, Decide(flat, s, 100000, cfg))
}

func TestDecide_ScaleIn(t *testing.T) {
	cfg := DefaultConfig()
	s := snap()
	s.ProfitLevelsTaken = map[int]bool{0: true}
	s.TrendStrength = 0.8
	s.RelativeVolume = 2

	pos := position("AAPL", 40, 100, 6) // 4000/100000 = 4%
	in := Decide(pos, s, 100000, cfg)
	require.NotNil(t, in)
	assert.Equal(t, KindScaleIn, in.Kind)
	assert.Equal(t, broker.SideBuy, in.Side)
	assert.Equal(t, 10.0, in.Qty)
	assert.False(t, in.FullExit)

	// Headroom caps the add below the 8% ceiling: 75 shares = 7.5%, 4 more would hit 7.9%
	pos = position("AAPL", 75, 100, 6)
	in = Decide(pos, s, 100000, cfg)
	require.NotNil(t, in)
	assert.Equal(t, 4.0, in.Qty)

	s.RelativeVolume = 1
	assert.Nil(t, Decide(position("AAPL", 40, 100, 6), s, 100000, cfg))
}

func TestRoundShares(t *testing.T) {
	tests := []struct {
		qty, fraction float64
		halfUp        bool
		want          float64
	}{
		{5, 0.5, true, 3},
		{5, 0.5, false, 2},
		{10, 0.15, false, 1},
		{3, 0.25, false, 1},
		{1, 0.25, false, 0},
		{2, 0.75, true, 2},
		{4, 1.0 / 3.0, false, 1},
		{100, 0.35, false, 35},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundShares(tt.qty, tt.fraction, tt.halfUp), "%v x %v", tt.qty, tt.fraction)
	}
}

func TestMarketSignals(t *testing.T) {
	var bars []broker.Bar
	price := 100.0
	for i := 0; i < 11; i++ {
		price += 1
		bars = append(bars, broker.Bar{Close: price, Volume: 1000})
	}
	bars[len(bars)-1].Volume = 3000

	trend, rel := MarketSignals(bars, broker.Long)
	assert.Equal(t, 1.0, trend)
	assert.Equal(t, 3.0, rel)

	trend, _ = MarketSignals(bars, broker.Short)
	assert.Equal(t, 0.0, trend)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ProfitLevels = []ProfitLevel{{GainPct: 10, SellFraction: 0.3}, {GainPct: 5, SellFraction: 0.3}}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxPositionLossPct = 4
	assert.Error(t, cfg.Validate())
}
