// Package autopilot owns the control loop: it schedules protection,
// remediation, circuit breaker checks and extended-hours gap monitoring, and
// holds the only cross-cycle state (policy flags, first-seen times, the
// trading day).
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/advisor"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/circuit"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/database"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/events"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/gaprisk"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/metrics"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/policy"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/protection"
)

var (
	ErrAlreadyRunning    = errors.New("controller already running")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrEmergencyShutdown = errors.New("emergency shutdown")
	ErrLiquidationFailed = errors.New("liquidation failed for every position")
)

// Alerter pages operators. Notify must not block.
type Alerter interface {
	Notify(title, details string)
}

// Advisor is consulted about gap alerts
type Advisor interface {
	Consult(ctx context.Context, alert advisor.AlertContext) (advisor.Decision, error)
}

// Journal records remediation history
type Journal interface {
	RecordRemedy(ctx context.Context, r database.RemedyRecord) error
	RecordAlert(ctx context.Context, a database.AlertRecord) error
	RecordEquity(ctx context.Context, s database.EquitySnapshot) error
}

// CycleSummary describes the last completed control cycle
type CycleSummary struct {
	CycleID        string        `json:"cycle_id"`
	Cycle          int64         `json:"cycle"`
	StartedAt      time.Time     `json:"started_at"`
	Elapsed        time.Duration `json:"elapsed"`
	Positions      int           `json:"positions"`
	Unprotected    int           `json:"unprotected"`
	Protected      int           `json:"protected"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	Remedies       int           `json:"remedies"`
	Equity         float64       `json:"equity"`
	HighVolatility bool          `json:"high_volatility"`
	AgingPass      bool          `json:"aging_pass"`
	Verified       bool          `json:"verified"`
	NextDelay      time.Duration `json:"next_delay"`
	StepErrors     []string      `json:"step_errors,omitempty"`
}

// Status is the operator view of the controller
type Status struct {
	State      State        `json:"state"`
	StateInfo  string       `json:"state_info"`
	Cycle      int64        `json:"cycle"`
	SessionDay string       `json:"session_day"`
	DryRun     bool         `json:"dry_run"`
	Tripped    bool         `json:"tripped"`
	TripReason string       `json:"trip_reason,omitempty"`
	LastCycle  CycleSummary `json:"last_cycle"`
}

var allStates = []string{
	string(StateWaitingForMarket), string(StateRunning), string(StateShuttingDown),
	string(StateEmergencyShutdown), string(StateStopped),
}

// Controller is the control loop scheduler
type Controller struct {
	config    Config
	policyCfg policy.Config
	broker    broker.Broker
	placer    *protection.Placer
	flags     *FlagTable
	gap       *gaprisk.Detector
	breaker   *circuit.CircuitBreaker

	alerter Alerter
	advisor Advisor
	journal Journal
	bus     *events.EventBus

	loc    *time.Location
	now    func() time.Time
	sleep  protection.Sleeper
	logger zerolog.Logger

	mu           sync.RWMutex
	state        State
	cycle        int64
	sessionDay   string
	lastCycle    CycleSummary
	lastResults  map[string]protection.Result
	firstSeen    map[string]time.Time
	seeded       bool
	pendingStops map[string]float64
	lastExtended time.Time
	running      bool
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewController creates a new control loop. The flag table must be the same
// PDTGuard the placer was built with.
func NewController(
	config Config,
	policyCfg policy.Config,
	b broker.Broker,
	placer *protection.Placer,
	flags *FlagTable,
	gap *gaprisk.Detector,
	breaker *circuit.CircuitBreaker,
	logger zerolog.Logger,
) *Controller {
	c := &Controller{
		config:       config,
		policyCfg:    policyCfg,
		broker:       b,
		placer:       placer,
		flags:        flags,
		gap:          gap,
		breaker:      breaker,
		loc:          gaprisk.ExchangeLocation(),
		now:          time.Now,
		sleep:        protection.SleepContext,
		logger:       logger.With().Str("component", "Scheduler").Logger(),
		state:        StateWaitingForMarket,
		lastResults:  make(map[string]protection.Result),
		firstSeen:    make(map[string]time.Time),
		pendingStops: make(map[string]float64),
		stopCh:       make(chan struct{}),
	}
	metrics.SetState(string(c.state), allStates)
	return c
}

// SetAlerter sets the operator pager
func (c *Controller) SetAlerter(a Alerter) {
	c.alerter = a
}

// SetAdvisor sets the gap advisor
func (c *Controller) SetAdvisor(a Advisor) {
	c.advisor = a
}

// SetJournal sets the remediation journal
func (c *Controller) SetJournal(j Journal) {
	c.journal = j
}

// SetEventBus sets the event bus
func (c *Controller) SetEventBus(bus *events.EventBus) {
	c.bus = bus
}

// SetClock overrides the time source and exchange location
func (c *Controller) SetClock(now func() time.Time, loc *time.Location) {
	c.now = now
	if loc != nil {
		c.loc = loc
	}
}

// SetSleeper replaces the wait function; tests use a recorder.
func (c *Controller) SetSleeper(s protection.Sleeper) {
	c.sleep = s
}

// Start runs the loop in the background and returns a channel that yields
// its exit error.
func (c *Controller) Start(ctx context.Context) (<-chan error, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- c.run(ctx)
	}()
	return done, nil
}

// Run executes the loop until it stops and returns why
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	return c.run(ctx)
}

// Stop requests a graceful shutdown. It returns immediately; the loop honors
// it within one sleep chunk.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stop requested")
		close(c.stopCh)
	})
}

func (c *Controller) stopRequested() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Controller) run(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if n := c.flags.Restore(ctx); n > 0 {
		c.logger.Info().Int("flags", n).Msg("Restored policy flags")
	}
	c.logger.Info().Bool("dry_run", c.config.DryRun).Msg("Control loop starting")

	for {
		if c.stopRequested() || ctx.Err() != nil {
			return c.shutdown("stop requested")
		}

		switch c.State() {
		case StateWaitingForMarket:
			if err := c.safely(func() { c.waitForMarket(ctx) }); err != nil {
				return c.emergencyShutdown(ctx, err.Error(), true)
			}

		case StateRunning:
			var res cycleResult
			if err := c.safely(func() { res = c.runCycle(ctx) }); err != nil {
				metrics.CyclesTotal.WithLabelValues("panic").Inc()
				return c.emergencyShutdown(ctx, err.Error(), true)
			}
			metrics.CyclesTotal.WithLabelValues("ok").Inc()

			switch {
			case res.tripped:
				return c.emergencyShutdown(ctx, "circuit breaker: "+res.tripReason, true)
			case res.fatal != nil:
				return c.failStop(res.fatal)
			case res.marketClosed:
				continue
			}
			c.sleepChunked(ctx, res.delay)

		default:
			return fmt.Errorf("%w: loop in state %s", ErrInvalidTransition, c.State())
		}
	}
}

// safely converts a panic escaping fn into an error
func (c *Controller) safely(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unhandled panic in cycle: %v", r)
			c.logger.Error().Interface("panic", r).Msg("Cycle aborted by panic")
		}
	}()
	fn()
	return nil
}

// transition moves the state machine, rejecting transitions not listed in
// ValidTransitions
func (c *Controller) transition(to State, reason string) error {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		c.logger.Error().Str("from", string(from)).Str("to", string(to)).Msg("Rejected state transition")
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("State changed")
	metrics.SetState(string(to), allStates)
	c.bus.PublishStateChanged(string(from), string(to), reason)
	events.BroadcastSystemStatus(c.Status())
	return nil
}

// shutdown is the graceful path: no liquidation, resting orders stay
func (c *Controller) shutdown(reason string) error {
	if err := c.transition(StateShuttingDown, reason); err != nil {
		return err
	}
	last := c.LastCycle()
	c.logger.Info().
		Int64("cycles", c.Cycles()).
		Int("positions", last.Positions).
		Int("unprotected", last.Unprotected).
		Msg("Final report")
	return c.transition(StateStopped, "shutdown complete")
}

// failStop halts after a systemic failure without touching resting orders
func (c *Controller) failStop(cause error) error {
	c.alert("CRITICAL: control loop halted", cause.Error()+"; operator intervention required")
	if err := c.transition(StateShuttingDown, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	_ = c.transition(StateStopped, "fail-stop")
	return cause
}

// emergencyShutdown cancels every order, optionally liquidates every
// position, and stops. It runs on a context detached from ctx so an external
// cancel cannot abort it half-way.
func (c *Controller) emergencyShutdown(ctx context.Context, reason string, liquidate bool) error {
	_ = c.transition(StateEmergencyShutdown, reason)
	c.alert("EMERGENCY SHUTDOWN", reason)

	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()

	if err := c.broker.CancelAllOrders(ectx); err != nil {
		c.logger.Error().Err(err).Msg("Cancel all orders failed during emergency shutdown")
	} else {
		c.logger.Warn().Msg("All open orders cancelled")
	}

	result := fmt.Errorf("%w: %s", ErrEmergencyShutdown, reason)
	if liquidate {
		positions, err := c.broker.GetPositions(ectx)
		if err != nil {
			c.logger.Error().Err(err).Msg("Cannot read positions for emergency liquidation")
			c.alert("CRITICAL: emergency liquidation impossible", err.Error())
			result = fmt.Errorf("%w: %s: %w", ErrEmergencyShutdown, reason, err)
		} else if len(positions) > 0 {
			results, allFailed := c.placer.LiquidateAll(ectx, positions)
			for _, r := range results {
				c.recordLiquidation(ectx, r)
			}
			if allFailed {
				c.alert("CRITICAL: emergency liquidation failed", fmt.Sprintf("%d positions remain open", len(results)))
				result = fmt.Errorf("%w: %s: %w", ErrEmergencyShutdown, reason, ErrLiquidationFailed)
			}
		}
	}

	_ = c.transition(StateStopped, "emergency shutdown complete")
	return result
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Cycles returns the number of completed running cycles
func (c *Controller) Cycles() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cycle
}

// LastCycle returns the summary of the last completed cycle
func (c *Controller) LastCycle() CycleSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCycle
}

// ProtectionResults returns the latest per-symbol protection status
func (c *Controller) ProtectionResults() map[string]protection.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]protection.Result, len(c.lastResults))
	for k, v := range c.lastResults {
		out[k] = v
	}
	return out
}

// Flags returns the flag table contents
func (c *Controller) Flags() []string {
	return c.flags.Snapshot()
}

// Status returns the operator view
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		State:      c.state,
		StateInfo:  StateInfo(c.state),
		Cycle:      c.cycle,
		SessionDay: c.sessionDay,
		DryRun:     c.config.DryRun,
		Tripped:    c.breaker.IsTripped(),
		TripReason: c.breaker.TripReason(),
		LastCycle:  c.lastCycle,
	}
}

// alert pages operators and journals the alert; it never fails the caller
func (c *Controller) alert(title, details string) {
	c.logger.Warn().Str("title", title).Str("details", details).Msg("Alert raised")
	if c.alerter != nil {
		c.alerter.Notify(title, details)
	}
	if c.journal != nil {
		if err := c.journal.RecordAlert(context.Background(), database.AlertRecord{Title: title, Details: details, CreatedAt: c.now()}); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to journal alert")
		}
	}
}
