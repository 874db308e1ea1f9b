package protection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

// OutcomeStatus is the definitive result of a protection attempt
type OutcomeStatus string

const (
	OutcomeProtected OutcomeStatus = "PROTECTED"
	OutcomeSkipped   OutcomeStatus = "SKIPPED"
	OutcomeFailed    OutcomeStatus = "FAILED"
)

// Skip reasons
const (
	ReasonMarketClosed     = "market closed"
	ReasonAlreadyProtected = "already protected/in-flight"
	ReasonPDTBlocked       = "PDT-blocked"
	ReasonHeldForOrders    = "shares held for orders"
)

// Outcome is returned by Protect
type Outcome struct {
	Symbol    string        `json:"symbol"`
	Status    OutcomeStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	OrderID   string        `json:"order_id,omitempty"`
	StopPrice float64       `json:"stop_price,omitempty"`
	Attempts  int           `json:"attempts"`
}

// Request describes the position to protect
type Request struct {
	Symbol       string
	Qty          float64 // unsigned share count
	Side         broker.PositionSide
	EntryPrice   float64
	CurrentPrice float64
}

// PDTGuard tracks symbols blocked by pattern-day-trading rules
type PDTGuard interface {
	IsPDTBlocked(symbol string) bool
	MarkPDTBlocked(symbol string)
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config holds placer tuning
type Config struct {
	StopLossPct         float64       `json:"stop_loss_pct" yaml:"stop_loss_pct"`               // 0.08 places long stops at entry*0.92
	MaxAttempts         int           `json:"max_attempts" yaml:"max_attempts"`                 // stop submissions with day TIF
	InitialBackoff      time.Duration `json:"initial_backoff" yaml:"initial_backoff"`           // doubles per failure
	LiquidationAttempts int           `json:"liquidation_attempts" yaml:"liquidation_attempts"` // market orders per symbol
	LiquidationBackoff  time.Duration `json:"liquidation_backoff" yaml:"liquidation_backoff"`   // doubles per failure
}

// DefaultConfig returns the production schedule: 5 attempts at 1,2,4,8,16s
// and 3 liquidation attempts at 2,4s.
func DefaultConfig() Config {
	return Config{
		StopLossPct:         0.08,
		MaxAttempts:         5,
		InitialBackoff:      time.Second,
		LiquidationAttempts: 3,
		LiquidationBackoff:  2 * time.Second,
	}
}

// Placer turns protection intents into broker orders with bounded retries
type Placer struct {
	broker broker.Broker
	cfg    Config
	pdt    PDTGuard
	sleep  Sleeper
	logger zerolog.Logger
}

// NewPlacer creates a new escalating order placer. pdt may be nil.
func NewPlacer(b broker.Broker, cfg Config, pdt PDTGuard, logger zerolog.Logger) *Placer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LiquidationAttempts <= 0 {
		cfg.LiquidationAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.LiquidationBackoff <= 0 {
		cfg.LiquidationBackoff = 2 * time.Second
	}
	if cfg.StopLossPct <= 0 {
		cfg.StopLossPct = 0.08
	}
	return &Placer{
		broker: b,
		cfg:    cfg,
		pdt:    pdt,
		sleep:  SleepContext,
		logger: logger.With().Str("component", "ProtectionPlacer").Logger(),
	}
}

// SetSleeper replaces the wait function; tests use a recorder.
func (p *Placer) SetSleeper(s Sleeper) {
	p.sleep = s
}

// StopPriceFor returns the protective stop for an entry price
func (p *Placer) StopPriceFor(side broker.PositionSide, entry float64) float64 {
	if side == broker.Long {
		return broker.RoundPrice(entry * (1 - p.cfg.StopLossPct))
	}
	return broker.RoundPrice(entry * (1 + p.cfg.StopLossPct))
}

// Protect places a protective stop for a position, retrying with backoff.
func (p *Placer) Protect(ctx context.Context, req Request) Outcome {
	return p.protectAt(ctx, req, p.StopPriceFor(req.Side, req.EntryPrice))
}

// PlaceStop submits a stop at an explicit price through the same skip checks
// and retry schedule as Protect.
func (p *Placer) PlaceStop(ctx context.Context, req Request, stopPrice float64) Outcome {
	return p.protectAt(ctx, req, broker.RoundPrice(stopPrice))
}

func (p *Placer) protectAt(ctx context.Context, req Request, stopPrice float64) Outcome {
	log := p.logger.With().Str("symbol", req.Symbol).Logger()
	out := Outcome{Symbol: req.Symbol, StopPrice: stopPrice}

	if skip := p.preflight(ctx, req); skip != "" {
		out.Status = OutcomeSkipped
		out.Reason = skip
		log.Info().Str("reason", skip).Msg("Protection skipped")
		return out
	}

	closing := broker.SideSell
	if req.Side == broker.Short {
		closing = broker.SideBuy
	}
	order := broker.OrderRequest{
		Symbol:      req.Symbol,
		Qty:         req.Qty,
		Side:        closing,
		Type:        broker.OrderStop,
		TimeInForce: broker.TIFDay,
		StopPrice:   stopPrice,
	}

	delays := newSchedule(p.cfg.InitialBackoff)
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, delays.NextBackOff()); err != nil {
				out.Status = OutcomeFailed
				out.Reason = "canceled: " + err.Error()
				return out
			}
		}

		out.Attempts++
		order.ClientOrderID = broker.NewClientOrderID("stop")
		res, err := p.broker.SubmitOrder(ctx, order)
		if err == nil && res.Success {
			out.Status = OutcomeProtected
			out.OrderID = res.OrderID
			log.Info().
				Float64("stop_price", stopPrice).
				Float64("qty", req.Qty).
				Int("attempt", attempt).
				Msg("Protective stop placed")
			return out
		}
		if err == nil {
			err = res.Err
		}
		lastErr = err

		if reason, skipped := p.classifyRejection(req.Symbol, err); skipped {
			out.Status = OutcomeSkipped
			out.Reason = reason
			log.Info().Str("reason", reason).Err(err).Msg("Protection skipped after rejection")
			return out
		}

		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", p.cfg.MaxAttempts).Msg("Stop submission failed")
		p.diagnose(ctx, req.Symbol)
	}

	// Final alternate tactic: same stop, good-till-canceled.
	if err := p.sleep(ctx, delays.NextBackOff()); err != nil {
		out.Status = OutcomeFailed
		out.Reason = "canceled: " + err.Error()
		return out
	}
	out.Attempts++
	order.TimeInForce = broker.TIFGTC
	order.ClientOrderID = broker.NewClientOrderID("stop")
	res, err := p.broker.SubmitOrder(ctx, order)
	if err == nil && res.Success {
		out.Status = OutcomeProtected
		out.OrderID = res.OrderID
		log.Info().Float64("stop_price", stopPrice).Msg("Protective stop placed with gtc after day attempts failed")
		return out
	}
	if err == nil {
		err = res.Err
	}
	if reason, skipped := p.classifyRejection(req.Symbol, err); skipped {
		out.Status = OutcomeSkipped
		out.Reason = reason
		return out
	}
	if err != nil {
		lastErr = err
	}

	out.Status = OutcomeFailed
	out.Reason = fmt.Sprintf("all %d attempts failed: %v", out.Attempts, lastErr)
	log.Error().Err(lastErr).Int("attempts", out.Attempts).Msg("Unable to protect position")
	return out
}

// preflight runs the skip checks cheapest first and returns a skip reason or ""
func (p *Placer) preflight(ctx context.Context, req Request) string {
	clock, err := p.broker.GetClock(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("Clock unavailable, attempting protection anyway")
	} else if !clock.IsOpen {
		return ReasonMarketClosed
	}

	orders, err := p.broker.GetOpenOrders(ctx, broker.QueryOpen)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("Open orders unavailable, attempting protection anyway")
	} else {
		pos := broker.Position{Symbol: req.Symbol, Qty: req.Qty}
		if req.Side == broker.Short {
			pos.Qty = -req.Qty
		}
		for _, o := range broker.OrdersForSymbol(orders, req.Symbol) {
			if _, ok := Classify(pos, o); ok {
				return ReasonAlreadyProtected
			}
		}
	}

	if p.pdt != nil && p.pdt.IsPDTBlocked(req.Symbol) {
		return ReasonPDTBlocked
	}
	return ""
}

func (p *Placer) classifyRejection(symbol string, err error) (string, bool) {
	switch {
	case broker.IsHeldForOrders(err):
		return ReasonHeldForOrders, true
	case broker.IsPDTRejection(err):
		if p.pdt != nil {
			p.pdt.MarkPDTBlocked(symbol)
		}
		return ReasonPDTBlocked, true
	case errors.Is(err, broker.ErrMarketClosed):
		return ReasonMarketClosed, true
	}
	return "", false
}

// newSchedule is a deterministic doubling schedule without jitter or cap on
// elapsed time; attempt ceilings are enforced by the callers.
func newSchedule(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = initial * 64
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
