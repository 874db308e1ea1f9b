package autopilot

import (
	"context"
	"fmt"
	"time"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/advisor"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/database"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/gaprisk"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/metrics"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/policy"
)

// Rules carried by extended-hours exits
const (
	RuleExtendedLossCut = "extended_loss_cut"
	RuleAdvisorSell     = "advisor_sell"
)

// waitForMarket polls the clock once, runs the extended-hours pass when it is
// due, and sleeps one poll interval while the market stays closed.
func (c *Controller) waitForMarket(ctx context.Context) {
	clock, err := c.broker.GetClock(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Clock unavailable while waiting for market")
		c.sleepChunked(ctx, c.config.MarketPollInterval)
		return
	}
	if clock.IsOpen {
		_ = c.transition(StateRunning, "market open")
		return
	}

	now := c.now()
	session := gaprisk.SessionAt(now, c.loc, false)
	if c.config.ExtendedHoursMonitoring && session.Extended() && c.extendedDue(now) {
		c.extendedHoursPass(ctx, session, now)
	}
	c.sleepChunked(ctx, c.config.MarketPollInterval)
}

func (c *Controller) extendedDue(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastExtended.IsZero() && now.Sub(c.lastExtended) < c.config.ExtendedHoursInterval {
		return false
	}
	c.lastExtended = now
	return true
}

// extendedHoursPass checks every position for gaps against its reference
// close and cuts deep losses with extended-hours limit orders.
func (c *Controller) extendedHoursPass(ctx context.Context, session gaprisk.Session, now time.Time) {
	log := c.logger.With().Str("session", string(session)).Logger()

	if account, err := c.broker.GetAccount(ctx); err == nil {
		c.maybeRollover(now, account)
	}
	positions, err := c.broker.GetPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Extended-hours pass skipped: positions unavailable")
		return
	}
	positions = c.trackPositions(positions)
	log.Debug().Int("positions", len(positions)).Msg("Extended-hours pass")

	for _, p := range positions {
		if p.Qty == 0 {
			continue
		}
		q, err := c.broker.GetQuote(ctx, p.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Quote unavailable")
			continue
		}
		price := livePrice(q)
		if price <= 0 {
			continue
		}
		p = repricePosition(p, price)

		if ref, ok := c.gap.ReferenceClose(p); ok {
			if alert := c.gap.Check(p.Symbol, price, ref, session, now); alert != nil {
				c.handleGapAlert(ctx, p, q, *alert)
			}
		}
		if order := c.gap.LossCutOrder(p, q, session, now); order != nil {
			c.submitExtended(ctx, *order, RuleExtendedLossCut,
				fmt.Sprintf("unrealized %.2f%% in %s", p.UnrealizedPLPct, session))
		}
	}
}

func livePrice(q broker.Quote) float64 {
	if q.Last > 0 {
		return q.Last
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return 0
}

// repricePosition marks the position to the extended-hours price
func repricePosition(p broker.Position, price float64) broker.Position {
	p.CurrentPrice = price
	if p.AvgEntryPrice > 0 {
		pct := (price - p.AvgEntryPrice) / p.AvgEntryPrice * 100
		if p.Side() == broker.Short {
			pct = -pct
		}
		p.UnrealizedPLPct = pct
	}
	return p
}

func (c *Controller) handleGapAlert(ctx context.Context, p broker.Position, q broker.Quote, a gaprisk.Alert) {
	metrics.GapAlerts.WithLabelValues(string(a.Session)).Inc()
	c.bus.PublishGapAlert(a.Symbol, string(a.Session), a.MovePct, a.CurrentPrice, a.ReferenceClose)
	c.alert(fmt.Sprintf("Gap alert: %s %+.2f%%", a.Symbol, a.MovePct),
		fmt.Sprintf("%s price %.2f vs reference close %.2f, position %.0f shares at %.2f",
			a.Session, a.CurrentPrice, a.ReferenceClose, p.Qty, p.AvgEntryPrice))

	if c.advisor == nil {
		return
	}
	d, err := c.advisor.Consult(ctx, advisor.AlertContext{
		Symbol:          a.Symbol,
		Session:         string(a.Session),
		MovePct:         a.MovePct,
		CurrentPrice:    a.CurrentPrice,
		ReferenceClose:  a.ReferenceClose,
		Qty:             p.AbsQty(),
		Side:            string(p.Side()),
		AvgEntryPrice:   p.AvgEntryPrice,
		UnrealizedPLPct: p.UnrealizedPLPct,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", a.Symbol).Msg("Advisor unavailable")
		return
	}
	c.applyAdvice(ctx, p, q, a, d)
}

// applyAdvice maps a confident, actionable decision onto an existing
// primitive. Everything else is logged for manual review.
func (c *Controller) applyAdvice(ctx context.Context, p broker.Position, q broker.Quote, a gaprisk.Alert, d advisor.Decision) {
	log := c.logger.With().
		Str("symbol", a.Symbol).
		Str("decision", string(d.Action)).
		Float64("confidence", d.Confidence).
		Logger()

	if !d.Actionable() || d.Confidence < c.config.AdvisorMinConfidence {
		log.Info().Str("rationale", d.Rationale).Msg("Advisor decision logged for manual review")
		return
	}

	switch d.Action {
	case advisor.ActionSell:
		order := c.gap.ExitOrder(p, q)
		if order == nil {
			log.Warn().Msg("Advisor sell dropped: no usable quote")
			return
		}
		c.submitExtended(ctx, *order, RuleAdvisorSell, d.Rationale)

	case advisor.ActionTightenStop:
		pct := d.TightenPct
		if pct <= 0 {
			pct = c.config.AdvisorTightenPct
		}
		stop := a.CurrentPrice * (1 - pct)
		if p.Side() == broker.Short {
			stop = a.CurrentPrice * (1 + pct)
		}
		stop = broker.RoundPrice(stop)

		c.mu.Lock()
		c.pendingStops[a.Symbol] = stop
		c.mu.Unlock()
		log.Info().Float64("stop_price", stop).Msg("Tightened stop queued for the next open")
	}
}

// submitExtended sends an extended-hours limit exit and journals it
func (c *Controller) submitExtended(ctx context.Context, order broker.OrderRequest, rule, reason string) {
	log := c.logger.With().Str("symbol", order.Symbol).Str("rule", rule).Float64("limit_price", order.LimitPrice).Logger()

	sub, err := c.broker.SubmitOrder(ctx, order)
	if err == nil && !sub.Success {
		err = sub.Err
	}
	success := err == nil
	result := "success"
	errMsg := ""
	switch {
	case err == nil:
		log.Warn().Str("order_id", sub.OrderID).Float64("qty", order.Qty).Msg("Extended-hours exit submitted")
	case broker.IsHeldForOrders(err), broker.IsPDTRejection(err):
		// Resting orders or PDT rules own the shares; nothing for an operator to do.
		if broker.IsPDTRejection(err) {
			c.flags.MarkPDTBlocked(order.Symbol)
		}
		result = "skipped"
		errMsg = err.Error()
		log.Info().Err(err).Msg("Extended-hours exit skipped")
	default:
		result = "failed"
		errMsg = err.Error()
		log.Error().Err(err).Msg("Extended-hours exit failed")
		c.alert("Extended-hours exit failed", fmt.Sprintf("%s %s: %v", order.Symbol, rule, err))
	}

	metrics.Remedies.WithLabelValues(string(policy.KindEmergencyLiquidate), result).Inc()
	c.bus.PublishRemediation(order.Symbol, string(policy.KindEmergencyLiquidate), rule, order.Qty, success)
	c.journalRemedy(ctx, database.RemedyRecord{
		Symbol:  order.Symbol,
		Kind:    string(policy.KindEmergencyLiquidate),
		Rule:    rule,
		Side:    string(order.Side),
		Qty:     order.Qty,
		Urgency: string(policy.UrgencyCritical),
		Success: success,
		OrderID: sub.OrderID,
		Reason:  extendedReason(reason, result),
		Error:   errMsg,
	})
}

func extendedReason(reason, result string) string {
	if result == "skipped" {
		return "skipped: " + reason
	}
	return reason
}
