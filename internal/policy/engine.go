package policy

import (
	"fmt"
	"math"
	"time"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

// Snapshot is the per-cycle market and bookkeeping view of one position
type Snapshot struct {
	Now            time.Time
	Orders         []broker.Order // open orders on the position's symbol
	TrendStrength  float64        // 0..1 share of recent sessions moving in the position's favor
	RelativeVolume float64        // latest volume / trailing average
	AgingPass      bool           // aging rules only run on aging cycles

	ProfitLevelsTaken map[int]bool
	LossStepsTaken    map[int]bool
}

// Decide returns the first matching remedial action for a position, or nil.
// Rules are evaluated in strict priority order: concentration, hard loss
// cut, proactive loss, profit ladder, aging, scale-in.
func Decide(pos broker.Position, snap Snapshot, equity float64, cfg Config) *Intent {
	if pos.Qty == 0 || equity <= 0 {
		return nil
	}
	if snap.Now.IsZero() {
		snap.Now = time.Now()
	}

	d := decision{pos: pos, snap: snap, equity: equity, cfg: cfg}
	d.qty = pos.AbsQty()
	d.oneShare = d.qty <= 1
	d.conc = pos.Concentration(equity)
	d.pnl = pos.UnrealizedPLPct
	d.holdingOK = HoldingPeriodElapsed(pos.EntryTime, snap.Now, cfg.MinHoldingPeriod())

	if in := d.concentration(); in != nil {
		return in
	}
	if in := d.loss(); in != nil {
		return in
	}
	if !d.holdingOK {
		return nil
	}
	if in := d.profitLadder(); in != nil {
		return in
	}
	if snap.AgingPass {
		if in := d.aging(); in != nil {
			return in
		}
	}
	return d.scaleIn()
}

// HoldingPeriodElapsed reports whether the minimum holding period has passed.
// An unknown entry time counts as elapsed.
func HoldingPeriodElapsed(entry, now time.Time, min time.Duration) bool {
	if entry.IsZero() {
		return true
	}
	return now.Sub(entry) >= min
}

// AdequateStop reports whether a resting closing-side stop already caps the
// loss at or above thresholdPct (a negative percent).
func AdequateStop(pos broker.Position, orders []broker.Order, thresholdPct float64) bool {
	if pos.AvgEntryPrice <= 0 {
		return false
	}
	for _, o := range orders {
		if !o.IsOpen() || o.Symbol != pos.Symbol || o.Side != pos.ClosingSide() || o.StopPrice <= 0 {
			continue
		}
		var impliedPct float64
		if pos.Side() == broker.Long {
			impliedPct = (o.StopPrice - pos.AvgEntryPrice) / pos.AvgEntryPrice * 100
		} else {
			impliedPct = (pos.AvgEntryPrice - o.StopPrice) / pos.AvgEntryPrice * 100
		}
		if impliedPct >= thresholdPct {
			return true
		}
	}
	return false
}

type decision struct {
	pos       broker.Position
	snap      Snapshot
	equity    float64
	cfg       Config
	qty       float64
	oneShare  bool
	conc      float64
	pnl       float64
	holdingOK bool
}

func (d decision) intent(kind Kind, rule string, qty float64, urgency Urgency, reason string) *Intent {
	side := d.pos.ClosingSide()
	if kind == KindScaleIn {
		side = d.pos.OpeningSide()
	}
	return &Intent{
		Symbol:   d.pos.Symbol,
		Kind:     kind,
		Rule:     rule,
		Side:     side,
		Qty:      qty,
		FullExit: kind != KindScaleIn && qty >= d.qty,
		Urgency:  urgency,
		Reason:   reason,
	}
}

func (d decision) concentration() *Intent {
	if d.conc <= d.cfg.ConcentrationLimit {
		return nil
	}
	if d.oneShare {
		if d.conc > d.cfg.SingleShareConcentrationLimit {
			return d.intent(KindReduceForConcentration, RuleConcentration, d.qty, UrgencyHigh,
				fmt.Sprintf("single share is %.1f%% of equity (limit %.1f%%)", d.conc*100, d.cfg.SingleShareConcentrationLimit*100))
		}
		return nil
	}

	price := math.Abs(d.pos.MarketValue) / d.qty
	if price <= 0 {
		return nil
	}
	targetValue := d.cfg.ConcentrationLimit * d.cfg.ConcentrationTargetFactor * d.equity
	keep := math.Floor(targetValue / price)
	reduce := d.qty - keep
	if reduce < 1 {
		return nil
	}
	return d.intent(KindReduceForConcentration, RuleConcentration, reduce, UrgencyHigh,
		fmt.Sprintf("concentration %.1f%% exceeds %.1f%%, trimming to %.1f%%",
			d.conc*100, d.cfg.ConcentrationLimit*100, d.cfg.ConcentrationLimit*d.cfg.ConcentrationTargetFactor*100))
}

// loss covers the hard cut and the proactive reduction steps. The proactive
// step wins while it can still act; the hard cut exits what remains once it
// cannot.
func (d decision) loss() *Intent {
	if d.pnl > d.cfg.ProactiveLossPct && d.pnl > d.cfg.MaxPositionLossPct {
		return nil
	}
	if AdequateStop(d.pos, d.snap.Orders, d.cfg.MaxPositionLossPct) {
		return nil
	}

	proactive := d.proactiveLoss()
	if d.pnl <= d.cfg.MaxPositionLossPct && proactive == nil {
		return d.intent(KindReduceForLoss, RuleHardLossCut, d.qty, UrgencyCritical,
			fmt.Sprintf("unrealized %.2f%% breached hard loss cut %.2f%%", d.pnl, d.cfg.MaxPositionLossPct))
	}
	return proactive
}

func (d decision) proactiveLoss() *Intent {
	if d.pnl > d.cfg.ProactiveLossPct || !d.holdingOK {
		return nil
	}

	step, fraction, urgency := LossStepProactive, d.cfg.ProactiveReduceFraction, UrgencyHigh
	if d.pnl <= d.cfg.SevereLossPct {
		step, fraction, urgency = LossStepSevere, d.cfg.SevereReduceFraction, UrgencyCritical
	}
	if d.snap.LossStepsTaken[step] {
		return nil
	}

	var qty float64
	switch {
	case d.oneShare && urgency == UrgencyCritical:
		qty = d.qty
	case d.oneShare:
		return nil
	default:
		qty = RoundShares(d.qty, fraction, true)
	}
	if qty < 1 {
		return nil
	}

	in := d.intent(KindReduceForLoss, RuleProactiveLoss, qty, urgency,
		fmt.Sprintf("unrealized %.2f%%, reducing %.0f%%", d.pnl, fraction*100))
	in.Level = step
	return in
}

func (d decision) profitLadder() *Intent {
	levels := d.cfg.ProfitLevels
	top := -1
	for i, l := range levels {
		if d.pnl >= l.GainPct && !d.snap.ProfitLevelsTaken[i] {
			top = i
		}
	}
	if top < 0 {
		return nil
	}

	var qty float64
	if d.oneShare {
		// A single share only exits at the final rung
		if top != len(levels)-1 {
			return nil
		}
		qty = d.qty
	} else {
		qty = RoundShares(d.qty, levels[top].SellFraction, false)
	}
	if qty < 1 {
		return nil
	}

	in := d.intent(KindTakeProfit, RuleProfitLadder, qty, UrgencyMedium,
		fmt.Sprintf("unrealized %.2f%% crossed +%.0f%% level, selling %.0f%%", d.pnl, levels[top].GainPct, levels[top].SellFraction*100))
	in.Level = top
	return in
}

func (d decision) aging() *Intent {
	if d.oneShare || d.pos.EntryTime.IsZero() {
		return nil
	}
	age := d.snap.Now.Sub(d.pos.EntryTime)
	if age <= d.cfg.MaxPositionAge() {
		return nil
	}
	days := age.Hours() / 24

	if d.conc > d.cfg.AgingMinConcentration && math.Abs(d.pnl) < d.cfg.AgingFlatBandPct {
		qty := RoundShares(d.qty, d.cfg.AgingReduceFraction, false)
		if qty >= 1 {
			return d.intent(KindReduceForAge, RuleAgingFlat, qty, UrgencyLow,
				fmt.Sprintf("held %.1f days with %.2f%% movement at %.1f%% concentration", days, d.pnl, d.conc*100))
		}
	}
	if d.pnl >= d.cfg.AgingProfitPct && d.conc > d.cfg.AgingProfitConcentration {
		qty := RoundShares(d.qty, d.cfg.AgingProfitFraction, false)
		if qty >= 1 {
			return d.intent(KindReduceForAge, RuleAgingProfit, qty, UrgencyMedium,
				fmt.Sprintf("held %.1f days at +%.2f%%, %.1f%% concentration: taking profit", days, d.pnl, d.conc*100))
		}
	}
	return nil
}

func (d decision) scaleIn() *Intent {
	if d.oneShare {
		return nil
	}
	if d.pnl < d.cfg.ScaleInMinPct || d.pnl > d.cfg.ScaleInMaxPct {
		return nil
	}
	if d.conc >= d.cfg.ScaleInMaxConcentration {
		return nil
	}
	if d.snap.TrendStrength < d.cfg.ScaleInMinTrend || d.snap.RelativeVolume < d.cfg.ScaleInMinRelVolume {
		return nil
	}

	price := math.Abs(d.pos.MarketValue) / d.qty
	if price <= 0 {
		return nil
	}
	// Stay strictly below the concentration ceiling after the add
	headroom := math.Ceil((d.cfg.ScaleInMaxConcentration*d.equity-math.Abs(d.pos.MarketValue))/price) - 1
	qty := math.Min(RoundShares(d.qty, d.cfg.ScaleInFraction, false), headroom)
	if qty < 1 {
		return nil
	}
	return d.intent(KindScaleIn, RuleScaleIn, qty, UrgencyLow,
		fmt.Sprintf("unrealized +%.2f%% with trend %.2f and relative volume %.1fx", d.pnl, d.snap.TrendStrength, d.snap.RelativeVolume))
}
