package autopilot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/database"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/events"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/gaprisk"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/metrics"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/protection"
)

type cycleResult struct {
	tripped      bool
	tripReason   string
	marketClosed bool
	fatal        error
	delay        time.Duration
}

// cycleState is the data shared by the steps of one cycle
type cycleState struct {
	id        string
	number    int64
	started   time.Time
	clock     broker.Clock
	account   broker.Account
	positions []broker.Position
	orders    []broker.Order
	results   map[string]protection.Result
	agingPass bool
	acted     map[string]bool // symbols that already got an action this cycle
	summary   CycleSummary
}

// runCycle executes one RUNNING cycle: protection evaluation, remediation,
// circuit breaker, then the aging pass and deep verification on their
// cadences. Each step is isolated by runStep.
func (c *Controller) runCycle(ctx context.Context) cycleResult {
	cs := &cycleState{id: uuid.NewString(), started: c.now(), acted: make(map[string]bool)}
	log := c.logger.With().Str("cycle_id", cs.id).Logger()

	clock, err := c.broker.GetClock(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Clock unavailable, assuming market open")
		clock = broker.Clock{Timestamp: cs.started, IsOpen: true}
	}
	cs.clock = clock
	if !clock.IsOpen {
		_ = c.transition(StateWaitingForMarket, "market closed")
		return cycleResult{marketClosed: true}
	}

	c.mu.Lock()
	c.cycle++
	cs.number = c.cycle
	c.mu.Unlock()
	cs.summary = CycleSummary{CycleID: cs.id, Cycle: cs.number, StartedAt: cs.started}
	cs.agingPass = cs.number%int64(c.config.AgingEvery) == 0 && clock.IsOpen

	var res cycleResult

	if err := c.loadSnapshot(ctx, cs); err != nil {
		// Without positions nothing downstream can run; the breaker still can.
		cs.summary.StepErrors = append(cs.summary.StepErrors, "snapshot: "+err.Error())
		log.Error().Err(err).Msg("Snapshot failed, running circuit breaker only")
		c.runStep(cs, "circuit_breaker", func() error { return c.stepCircuitBreaker(ctx, cs, &res) })
		return c.finishCycle(ctx, cs, res)
	}

	c.runStep(cs, "session", func() error { return c.stepSession(cs) })
	c.runStep(cs, "protection", func() error { return c.stepProtection(cs) })
	c.runStep(cs, "remediation", func() error { return c.stepRemediation(ctx, cs, &res) })
	c.runStep(cs, "circuit_breaker", func() error { return c.stepCircuitBreaker(ctx, cs, &res) })
	if res.tripped {
		return c.finishCycle(ctx, cs, res)
	}

	if cs.agingPass {
		cs.summary.AgingPass = true
		c.runStep(cs, "aging", func() error { return c.stepAging(ctx, cs) })
	}
	if cs.number%int64(c.config.VerifyEvery) == 0 {
		cs.summary.Verified = true
		c.runStep(cs, "deep_verification", func() error { return c.stepDeepVerification(ctx, cs, &res) })
	}
	c.runStep(cs, "record_closes", func() error {
		if n := c.gap.RecordCloses(cs.positions, c.now()); n > 0 {
			log.Debug().Int("symbols", n).Msg("Recorded reference closes")
		}
		return nil
	})

	return c.finishCycle(ctx, cs, res)
}

// runStep isolates one cycle step: errors and panics are logged and counted
// and never prevent the remaining steps from running.
func (c *Controller) runStep(cs *cycleState, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.StepPanics.WithLabelValues(name).Inc()
			msg := fmt.Sprintf("%s: panic: %v", name, r)
			cs.summary.StepErrors = append(cs.summary.StepErrors, msg)
			c.logger.Error().Str("step", name).Interface("panic", r).Str("cycle_id", cs.id).Msg("Cycle step panicked")
		}
	}()
	if err := fn(); err != nil {
		cs.summary.StepErrors = append(cs.summary.StepErrors, name+": "+err.Error())
		c.logger.Error().Err(err).Str("step", name).Str("cycle_id", cs.id).Msg("Cycle step failed")
	}
}

func (c *Controller) loadSnapshot(ctx context.Context, cs *cycleState) error {
	account, err := c.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account: %w", err)
	}
	positions, err := c.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	orders, err := c.broker.GetOpenOrders(ctx, broker.QueryOpen)
	if err != nil {
		return fmt.Errorf("orders: %w", err)
	}
	cs.account = account
	cs.positions = c.trackPositions(positions)
	cs.orders = orders
	cs.summary.Positions = len(positions)
	cs.summary.Equity = account.Equity
	return nil
}

func (c *Controller) stepSession(cs *cycleState) error {
	c.maybeRollover(cs.started, cs.account)
	return nil
}

// maybeRollover starts a new session when the trading day changes: day
// scoped flags and gap dedup are cleared and the breaker restarts from the
// previous close's equity.
func (c *Controller) maybeRollover(now time.Time, account broker.Account) {
	day := gaprisk.TradingDay(now, c.loc)
	c.mu.Lock()
	if c.sessionDay == day {
		c.mu.Unlock()
		return
	}
	prev := c.sessionDay
	c.sessionDay = day
	c.mu.Unlock()

	dropped := c.flags.SetDay(day)
	c.gap.ResetDay(day)
	start := account.LastEquity
	if start <= 0 {
		start = account.Equity
	}
	c.breaker.StartSession(day, start)

	c.logger.Info().
		Str("previous_day", prev).
		Str("day", day).
		Float64("start_equity", start).
		Int("flags_dropped", dropped).
		Msg("Trading session started")
}

// trackPositions stamps first-seen times and forgets state of positions that
// closed. Positions present when the process started keep an unknown entry
// time.
func (c *Controller) trackPositions(positions []broker.Position) []broker.Position {
	now := c.now()
	current := make(map[string]bool, len(positions))

	c.mu.Lock()
	for i := range positions {
		sym := positions[i].Symbol
		current[sym] = true
		seen, ok := c.firstSeen[sym]
		if !ok {
			if c.seeded {
				seen = now
			}
			c.firstSeen[sym] = seen
		}
		if positions[i].EntryTime.IsZero() {
			positions[i].EntryTime = seen
		}
	}
	c.seeded = true

	var closed []string
	for sym := range c.firstSeen {
		if !current[sym] {
			closed = append(closed, sym)
			delete(c.firstSeen, sym)
			delete(c.pendingStops, sym)
		}
	}
	c.mu.Unlock()

	for _, sym := range c.flags.Symbols() {
		if !current[sym] {
			closed = append(closed, sym)
		}
	}
	for _, sym := range closed {
		if n := c.flags.ClearSymbol(sym); n > 0 {
			c.logger.Info().Str("symbol", sym).Int("flags", n).Msg("Position closed, flags cleared")
		}
		c.gap.Forget(sym)
	}
	return positions
}

func (c *Controller) stepProtection(cs *cycleState) error {
	cs.results = protection.Evaluate(cs.positions, cs.orders)

	unprotected := 0
	for _, r := range cs.results {
		if r.Status == protection.Unprotected {
			unprotected++
		}
	}
	cs.summary.Unprotected = unprotected
	metrics.OpenPositions.Set(float64(len(cs.positions)))
	metrics.UnprotectedPositions.Set(float64(unprotected))

	c.mu.Lock()
	c.lastResults = cs.results
	c.mu.Unlock()

	if unprotected > 0 {
		c.logger.Warn().Int("unprotected", unprotected).Int("positions", len(cs.positions)).Msg("Unprotected positions found")
	}
	return nil
}

func (c *Controller) stepCircuitBreaker(ctx context.Context, cs *cycleState, res *cycleResult) error {
	equity := cs.account.Equity
	if account, err := c.broker.GetAccount(ctx); err == nil {
		equity = account.Equity
		cs.summary.Equity = equity
	} else if equity <= 0 {
		return fmt.Errorf("no equity reading: %w", err)
	}
	metrics.Equity.Set(equity)

	tripped, reason := c.breaker.Check(equity)
	if !tripped {
		return nil
	}
	metrics.BreakerTrips.Inc()
	c.bus.PublishCircuitBreakerTrip(reason, equity)
	c.logger.Error().Float64("equity", equity).Str("reason", reason).Msg("Circuit breaker tripped")
	res.tripped = true
	res.tripReason = reason
	return nil
}

// stepDeepVerification re-derives protection from a fresh positions read and
// the full order history, and checks it against what this cycle concluded:
// the cycle's own order view (refreshed after remediation) and the statuses
// it published as PROTECTED.
func (c *Controller) stepDeepVerification(ctx context.Context, cs *cycleState, res *cycleResult) error {
	positions, err := c.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	positions = c.trackPositions(positions)

	allOrders, err := c.broker.GetOpenOrders(ctx, broker.QueryAll)
	if err != nil {
		return fmt.Errorf("all orders: %w", err)
	}
	var stillOpen []broker.Order
	for _, o := range allOrders {
		if o.IsOpen() {
			stillOpen = append(stillOpen, o)
		}
	}

	cheap := protection.Evaluate(positions, cs.orders)
	deep := protection.Evaluate(positions, stillOpen)

	var mismatched []string
	for sym, d := range deep {
		if cheap[sym].Status != d.Status {
			mismatched = append(mismatched, fmt.Sprintf("%s(cheap=%s deep=%s)", sym, cheap[sym].Status, d.Status))
			continue
		}
		if r, ok := cs.results[sym]; ok && r.Status == protection.Protected && d.Status == protection.Unprotected {
			mismatched = append(mismatched, fmt.Sprintf("%s(cycle=%s deep=%s)", sym, r.Status, d.Status))
		}
	}
	sort.Strings(mismatched)
	if len(mismatched) == 0 {
		c.logger.Debug().Int("positions", len(positions)).Msg("Deep verification agrees")
		return nil
	}

	metrics.VerificationMismatches.Inc()
	c.bus.PublishVerificationFailed(mismatched)
	c.alert("Protection verification mismatch", fmt.Sprintf("cheap and deep evaluation disagree: %v", mismatched))

	unprotected := protection.UnprotectedPositions(positions, deep)
	if len(unprotected) > 0 {
		if _, err := c.protectAll(ctx, cs, unprotected); err != nil {
			res.fatal = err
		}
	}
	return nil
}

func (c *Controller) finishCycle(ctx context.Context, cs *cycleState, res cycleResult) cycleResult {
	elapsed := c.now().Sub(cs.started)
	highVol := HighVolatility(cs.positions, c.config.HighVolatilityPct)
	res.delay = CycleDelay(c.config, elapsed, highVol)

	cs.summary.Elapsed = elapsed
	cs.summary.HighVolatility = highVol
	cs.summary.NextDelay = res.delay

	c.mu.Lock()
	c.lastCycle = cs.summary
	c.mu.Unlock()

	metrics.CycleDuration.Observe(elapsed.Seconds())
	c.bus.PublishCycleCompleted(cs.number, cs.summary.Positions, cs.summary.Unprotected, elapsed)
	events.BroadcastSystemStatus(c.Status())

	if c.journal != nil {
		err := c.journal.RecordEquity(ctx, database.EquitySnapshot{
			CycleID:     cs.id,
			Equity:      cs.summary.Equity,
			DrawdownPct: drawdownOf(c.breaker.GetStats()),
			Positions:   cs.summary.Positions,
			Unprotected: cs.summary.Unprotected,
			State:       string(c.State()),
			CreatedAt:   cs.started,
		})
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to journal equity snapshot")
		}
	}

	c.logger.Info().
		Int64("cycle", cs.number).
		Int("positions", cs.summary.Positions).
		Int("unprotected", cs.summary.Unprotected).
		Int("remedies", cs.summary.Remedies).
		Dur("elapsed", elapsed).
		Dur("next_delay", res.delay).
		Bool("high_volatility", highVol).
		Msg("Cycle complete")
	return res
}

func drawdownOf(stats map[string]interface{}) float64 {
	if v, ok := stats["drawdown_pct"].(float64); ok {
		return v
	}
	return 0
}
