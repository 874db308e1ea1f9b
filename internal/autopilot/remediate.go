package autopilot

import (
	"context"
	"fmt"
	"strings"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/database"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/metrics"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/policy"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/protection"
)

// stepRemediation protects unprotected positions, escalating to liquidation
// when every stop fails, then runs the policy engine over the rest.
func (c *Controller) stepRemediation(ctx context.Context, cs *cycleState, res *cycleResult) error {
	if n := c.applyPendingStops(ctx, cs); n > 0 {
		c.refreshOrders(ctx, cs)
		cs.results = protection.Evaluate(cs.positions, cs.orders)
	}

	unprotected := protection.UnprotectedPositions(cs.positions, cs.results)
	if len(unprotected) > 0 {
		liquidated, err := c.protectAll(ctx, cs, unprotected)
		if err != nil {
			res.fatal = err
			return err
		}
		if liquidated {
			// The book is being flattened; policy has nothing left to act on.
			return nil
		}
		c.refreshOrders(ctx, cs)
	}

	c.applyPolicy(ctx, cs, false)
	return nil
}

// stepAging runs the aging rules over positions that got no other action
func (c *Controller) stepAging(ctx context.Context, cs *cycleState) error {
	c.applyPolicy(ctx, cs, true)
	return nil
}

func (c *Controller) refreshOrders(ctx context.Context, cs *cycleState) {
	orders, err := c.broker.GetOpenOrders(ctx, broker.QueryOpen)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Order refresh failed, using cycle snapshot")
		return
	}
	cs.orders = orders
}

// protectAll attempts a stop for each position. When every attempt FAILED
// while the market is open it liquidates them; it returns
// ErrLiquidationFailed when that fails for every position too.
func (c *Controller) protectAll(ctx context.Context, cs *cycleState, positions []broker.Position) (bool, error) {
	var failed []broker.Position
	for _, p := range positions {
		out := c.placer.Protect(ctx, protection.Request{
			Symbol:       p.Symbol,
			Qty:          p.AbsQty(),
			Side:         p.Side(),
			EntryPrice:   p.AvgEntryPrice,
			CurrentPrice: p.CurrentPrice,
		})
		metrics.ProtectionOutcomes.WithLabelValues(string(out.Status)).Inc()
		c.bus.PublishProtection(p.Symbol, string(out.Status), out.Reason, out.StopPrice, out.Attempts)

		switch out.Status {
		case protection.OutcomeProtected:
			cs.summary.Protected++
		case protection.OutcomeSkipped:
			cs.summary.Skipped++
		case protection.OutcomeFailed:
			cs.summary.Failed++
			failed = append(failed, p)
		}
	}

	if len(failed) == 0 {
		return false, nil
	}
	if len(failed) < len(positions) || !cs.clock.IsOpen {
		c.alert("Protection failed", fmt.Sprintf("%d of %d positions left unprotected: %s",
			len(failed), len(positions), symbolsOf(failed)))
		return false, nil
	}

	c.alert("CRITICAL: all protective stops failed",
		fmt.Sprintf("liquidating %d positions: %s", len(failed), symbolsOf(failed)))
	results, allFailed := c.placer.LiquidateAll(ctx, failed)
	for _, r := range results {
		c.recordLiquidation(ctx, r)
	}
	if allFailed {
		return true, fmt.Errorf("%w: %d positions", ErrLiquidationFailed, len(results))
	}
	return true, nil
}

// recordLiquidation publishes and journals one emergency liquidation
func (c *Controller) recordLiquidation(ctx context.Context, r protection.LiquidationResult) {
	result := "success"
	if !r.Success {
		result = "failed"
	}
	metrics.Liquidations.WithLabelValues(result).Inc()
	c.bus.PublishLiquidation(r.Symbol, r.Qty, r.Success, r.Error)
	c.journalRemedy(ctx, database.RemedyRecord{
		Symbol:  r.Symbol,
		Kind:    string(policy.KindEmergencyLiquidate),
		Rule:    "emergency",
		Qty:     r.Qty,
		Urgency: string(policy.UrgencyCritical),
		Success: r.Success,
		OrderID: r.OrderID,
		Reason:  "emergency liquidation",
		Error:   r.Error,
	})
}

// applyPolicy evaluates each position once. On aging passes only aging
// intents are acted on, and symbols already handled this cycle are skipped.
func (c *Controller) applyPolicy(ctx context.Context, cs *cycleState, aging bool) {
	now := c.now()
	for _, pos := range cs.positions {
		if pos.Qty == 0 || cs.acted[pos.Symbol] {
			continue
		}
		snap := policy.Snapshot{
			Now:               now,
			Orders:            broker.OrdersForSymbol(cs.orders, pos.Symbol),
			AgingPass:         aging,
			ProfitLevelsTaken: c.flags.Levels(pos.Symbol, FlagProfitLevel),
			LossStepsTaken:    c.flags.Levels(pos.Symbol, FlagLossStep),
		}
		if !aging && c.config.EnableScaleIn && c.inScaleInRange(pos) {
			snap.TrendStrength, snap.RelativeVolume = c.marketSignals(ctx, pos)
		}

		in := policy.Decide(pos, snap, cs.account.Equity, c.policyCfg)
		if in == nil {
			continue
		}
		if aging && in.Rule != policy.RuleAgingFlat && in.Rule != policy.RuleAgingProfit {
			continue
		}
		if in.Kind == policy.KindScaleIn && !c.config.EnableScaleIn {
			continue
		}
		c.execute(ctx, cs, pos, *in)
	}
}

func (c *Controller) inScaleInRange(pos broker.Position) bool {
	return pos.UnrealizedPLPct >= c.policyCfg.ScaleInMinPct && pos.UnrealizedPLPct <= c.policyCfg.ScaleInMaxPct
}

// marketSignals fetches daily bars when the broker serves them; without bars
// the scale-in rule never fires.
func (c *Controller) marketSignals(ctx context.Context, pos broker.Position) (float64, float64) {
	md, ok := c.broker.(broker.MarketData)
	if !ok {
		return 0, 0
	}
	bars, err := md.GetDailyBars(ctx, pos.Symbol, c.config.BarsLookback)
	if err != nil {
		c.logger.Debug().Err(err).Str("symbol", pos.Symbol).Msg("Bars unavailable for scale-in check")
		return 0, 0
	}
	return policy.MarketSignals(bars, pos.Side())
}

// execute carries out one intent. Full exits go through the liquidation
// path; partial reductions and scale-ins are plain market orders.
func (c *Controller) execute(ctx context.Context, cs *cycleState, pos broker.Position, in policy.Intent) {
	cs.acted[pos.Symbol] = true
	log := c.logger.With().
		Str("symbol", in.Symbol).
		Str("kind", string(in.Kind)).
		Str("rule", in.Rule).
		Str("urgency", string(in.Urgency)).
		Float64("qty", in.Qty).
		Logger()
	log.Info().Str("reason", in.Reason).Msg("Executing remedy")

	var (
		success bool
		orderID string
		errMsg  string
	)
	if in.FullExit {
		r := c.placer.Liquidate(ctx, pos)
		success, orderID, errMsg = r.Success, r.OrderID, r.Error
	} else {
		sub, err := c.submitMarket(ctx, in)
		if err != nil && broker.IsHeldForOrders(err) && in.Reduces() {
			n := c.placer.CancelSymbolOrders(ctx, in.Symbol)
			log.Info().Int("cancelled", n).Msg("Shares held by resting orders, retrying reduction once")
			sub, err = c.submitMarket(ctx, in)
		}
		if broker.IsPDTRejection(err) {
			c.flags.MarkPDTBlocked(in.Symbol)
		}
		success, orderID = err == nil, sub.OrderID
		if err != nil {
			errMsg = err.Error()
		}
	}

	result := "success"
	if success {
		cs.summary.Remedies++
		c.markIntentFlags(in)
		log.Info().Str("order_id", orderID).Msg("Remedy submitted")
	} else {
		result = "failed"
		log.Warn().Str("error", errMsg).Msg("Remedy failed")
	}

	metrics.Remedies.WithLabelValues(string(in.Kind), result).Inc()
	c.bus.PublishRemediation(in.Symbol, string(in.Kind), in.Rule, in.Qty, success)
	c.journalRemedy(ctx, database.RemedyRecord{
		CycleID: cs.id,
		Symbol:  in.Symbol,
		Kind:    string(in.Kind),
		Rule:    in.Rule,
		Side:    string(in.Side),
		Qty:     in.Qty,
		Urgency: string(in.Urgency),
		Success: success,
		OrderID: orderID,
		Reason:  in.Reason,
		Error:   errMsg,
	})
}

func (c *Controller) submitMarket(ctx context.Context, in policy.Intent) (broker.SubmitResult, error) {
	tag := "reduce"
	if in.Kind == policy.KindScaleIn {
		tag = "scale"
	}
	sub, err := c.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:        in.Symbol,
		Qty:           in.Qty,
		Side:          in.Side,
		Type:          broker.OrderMarket,
		TimeInForce:   broker.TIFDay,
		ClientOrderID: broker.NewClientOrderID(tag),
	})
	if err == nil && !sub.Success {
		err = sub.Err
		if err == nil {
			err = fmt.Errorf("order for %s not accepted", in.Symbol)
		}
	}
	return sub, err
}

// markIntentFlags records one-time effects so the rule cannot refire
func (c *Controller) markIntentFlags(in policy.Intent) {
	switch {
	case in.Kind == policy.KindTakeProfit:
		for level := 0; level <= in.Level; level++ {
			c.flags.Set(in.Symbol, FlagProfitLevel, level)
		}
	case in.Rule == policy.RuleProactiveLoss:
		c.flags.Set(in.Symbol, FlagLossStep, in.Level)
		if in.Level == policy.LossStepSevere {
			c.flags.Set(in.Symbol, FlagLossStep, policy.LossStepProactive)
		}
	}
}

// applyPendingStops places stops the advisor asked for while the market was
// closed. A pending stop replaces the symbol's resting orders only when it is
// tighter than every existing stop.
func (c *Controller) applyPendingStops(ctx context.Context, cs *cycleState) int {
	c.mu.Lock()
	pending := c.pendingStops
	c.pendingStops = make(map[string]float64)
	c.mu.Unlock()

	applied := 0
	for symbol, stop := range pending {
		pos, ok := findPosition(cs.positions, symbol)
		if !ok {
			continue
		}
		if !tighterThanExisting(pos, broker.OrdersForSymbol(cs.orders, symbol), stop) {
			c.logger.Info().Str("symbol", symbol).Float64("stop_price", stop).Msg("Existing stop already tighter, dropping advised stop")
			continue
		}
		c.placer.CancelSymbolOrders(ctx, symbol)
		out := c.placer.PlaceStop(ctx, protection.Request{
			Symbol:       pos.Symbol,
			Qty:          pos.AbsQty(),
			Side:         pos.Side(),
			EntryPrice:   pos.AvgEntryPrice,
			CurrentPrice: pos.CurrentPrice,
		}, stop)
		metrics.ProtectionOutcomes.WithLabelValues(string(out.Status)).Inc()
		c.bus.PublishProtection(symbol, string(out.Status), "advisor tightened stop", out.StopPrice, out.Attempts)
		applied++
	}
	return applied
}

func tighterThanExisting(pos broker.Position, orders []broker.Order, stop float64) bool {
	for _, o := range orders {
		if !o.IsOpen() || !o.HasStop() || o.StopPrice <= 0 || o.Side != pos.ClosingSide() {
			continue
		}
		if pos.Side() == broker.Long && o.StopPrice >= stop {
			return false
		}
		if pos.Side() == broker.Short && o.StopPrice <= stop {
			return false
		}
	}
	return true
}

func findPosition(positions []broker.Position, symbol string) (broker.Position, bool) {
	for _, p := range positions {
		if p.Symbol == symbol && p.Qty != 0 {
			return p, true
		}
	}
	return broker.Position{}, false
}

func (c *Controller) journalRemedy(ctx context.Context, r database.RemedyRecord) {
	if c.journal == nil {
		return
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now()
	}
	if err := c.journal.RecordRemedy(ctx, r); err != nil {
		c.logger.Warn().Err(err).Str("symbol", r.Symbol).Msg("Failed to journal remedy")
	}
}

func symbolsOf(positions []broker.Position) string {
	syms := make([]string, len(positions))
	for i, p := range positions {
		syms[i] = p.Symbol
	}
	return strings.Join(syms, ",")
}
