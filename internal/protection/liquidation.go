package protection

import (
	"context"
	"fmt"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

// LiquidationResult is the per-symbol outcome of an emergency market exit
type LiquidationResult struct {
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"qty"`
	Success  bool    `json:"success"`
	OrderID  string  `json:"order_id,omitempty"`
	Attempts int     `json:"attempts"`
	Error    string  `json:"error,omitempty"`
}

// Liquidate closes one position with a market order, up to
// LiquidationAttempts tries with doubling backoff. Shares held by resting
// closing orders are released by cancelling those orders first.
func (p *Placer) Liquidate(ctx context.Context, pos broker.Position) LiquidationResult {
	res := LiquidationResult{Symbol: pos.Symbol, Qty: pos.AbsQty()}
	log := p.logger.With().Str("symbol", pos.Symbol).Float64("qty", res.Qty).Logger()

	order := broker.OrderRequest{
		Symbol:      pos.Symbol,
		Qty:         res.Qty,
		Side:        pos.ClosingSide(),
		Type:        broker.OrderMarket,
		TimeInForce: broker.TIFDay,
	}

	delays := newSchedule(p.cfg.LiquidationBackoff)
	for attempt := 1; attempt <= p.cfg.LiquidationAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, delays.NextBackOff()); err != nil {
				res.Error = "canceled: " + err.Error()
				return res
			}
		}

		res.Attempts++
		order.ClientOrderID = broker.NewClientOrderID("liq")
		sub, err := p.broker.SubmitOrder(ctx, order)
		if err == nil && sub.Success {
			res.Success = true
			res.OrderID = sub.OrderID
			res.Error = ""
			log.Warn().Int("attempt", attempt).Str("order_id", sub.OrderID).Msg("Emergency liquidation submitted")
			return res
		}
		if err == nil {
			err = sub.Err
		}
		res.Error = fmt.Sprint(err)
		log.Error().Err(err).Int("attempt", attempt).Msg("Emergency liquidation attempt failed")

		if broker.IsHeldForOrders(err) {
			if n := p.CancelSymbolOrders(ctx, pos.Symbol); n > 0 {
				log.Info().Int("cancelled", n).Msg("Released held shares for liquidation")
			}
		}
	}
	return res
}

// LiquidateAll liquidates every position in order and reports whether all of
// them failed.
func (p *Placer) LiquidateAll(ctx context.Context, positions []broker.Position) ([]LiquidationResult, bool) {
	results := make([]LiquidationResult, 0, len(positions))
	failed := 0
	for _, pos := range positions {
		if pos.Qty == 0 {
			continue
		}
		r := p.Liquidate(ctx, pos)
		if !r.Success {
			failed++
		}
		results = append(results, r)
	}
	return results, len(results) > 0 && failed == len(results)
}

// CancelSymbolOrders cancels every open order on a symbol and returns how many
// were cancelled.
func (p *Placer) CancelSymbolOrders(ctx context.Context, symbol string) int {
	orders, err := p.broker.GetOpenOrders(ctx, broker.QueryOpen)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Cannot list orders to cancel")
		return 0
	}
	cancelled := 0
	for _, o := range broker.OrdersForSymbol(orders, symbol) {
		if err := p.broker.CancelOrder(ctx, o.ID); err != nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Str("order_id", o.ID).Msg("Cancel failed")
			continue
		}
		cancelled++
	}
	return cancelled
}
