package gaprisk

import (
	"fmt"
	"math"
	"time"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

// LossCutOrder builds the extended-hours exit for a deeply losing position:
// a limit order priced through the quote, never a market order. It fires at
// most once per symbol and severity bucket per trading day and returns nil
// otherwise.
func (d *Detector) LossCutOrder(p broker.Position, q broker.Quote, session Session, now time.Time) *broker.OrderRequest {
	if !session.Extended() || p.Qty == 0 {
		return nil
	}
	if p.UnrealizedPLPct > d.cfg.ExtendedLossCutPct {
		return nil
	}

	order := d.ExitOrder(p, q)
	if order == nil {
		return nil
	}

	key := ActionKey(p.Symbol, p.UnrealizedPLPct)

	d.mu.Lock()
	d.rollLocked(now)
	if d.acted[key] {
		d.mu.Unlock()
		return nil
	}
	d.acted[key] = true
	d.mu.Unlock()

	d.logger.Warn().
		Str("symbol", p.Symbol).
		Float64("unrealized_pct", p.UnrealizedPLPct).
		Float64("limit_price", order.LimitPrice).
		Str("session", string(session)).
		Msg("Extended-hours loss cut triggered")

	return order
}

// ExitOrder builds an extended-hours limit exit for the whole position,
// priced LimitOffsetPct through the bid (long) or ask (short). It returns nil
// without a usable quote.
func (d *Detector) ExitOrder(p broker.Position, q broker.Quote) *broker.OrderRequest {
	if p.Qty == 0 {
		return nil
	}
	offset := d.cfg.LimitOffsetPct / 100
	var limit float64
	if p.Side() == broker.Long {
		if q.Bid <= 0 {
			return nil
		}
		limit = q.Bid * (1 - offset)
	} else {
		if q.Ask <= 0 {
			return nil
		}
		limit = q.Ask * (1 + offset)
	}

	return &broker.OrderRequest{
		Symbol:        p.Symbol,
		Qty:           p.AbsQty(),
		Side:          p.ClosingSide(),
		Type:          broker.OrderLimit,
		TimeInForce:   broker.TIFDay,
		LimitPrice:    broker.RoundPrice(limit),
		ExtendedHours: true,
		ClientOrderID: broker.NewClientOrderID("ext"),
	}
}

// ActionKey identifies an extended-hours action by symbol and loss bucket
func ActionKey(symbol string, unrealizedPct float64) string {
	return fmt.Sprintf("loss_cut:%s:%d", symbol, int(math.Floor(math.Abs(unrealizedPct))))
}
