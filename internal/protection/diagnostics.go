package protection

import (
	"context"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

// Diagnosis is the operator-facing snapshot gathered after a failed submit
type Diagnosis struct {
	Symbol        string   `json:"symbol"`
	MarketOpen    bool     `json:"market_open"`
	Cash          float64  `json:"cash"`
	BuyingPower   float64  `json:"buying_power"`
	AccountStatus string   `json:"account_status"`
	SymbolOrders  int      `json:"symbol_orders"`
	Errors        []string `json:"errors,omitempty"`
}

// Diagnose checks market, account and existing orders for a symbol. It never
// retries and never fails; read errors are recorded on the result.
func (p *Placer) Diagnose(ctx context.Context, symbol string) Diagnosis {
	d := Diagnosis{Symbol: symbol}

	if clock, err := p.broker.GetClock(ctx); err != nil {
		d.Errors = append(d.Errors, "clock: "+err.Error())
	} else {
		d.MarketOpen = clock.IsOpen
	}

	if acct, err := p.broker.GetAccount(ctx); err != nil {
		d.Errors = append(d.Errors, "account: "+err.Error())
	} else {
		d.Cash = acct.Cash
		d.BuyingPower = acct.BuyingPower
		d.AccountStatus = acct.Status
	}

	if orders, err := p.broker.GetOpenOrders(ctx, broker.QueryOpen); err != nil {
		d.Errors = append(d.Errors, "orders: "+err.Error())
	} else {
		d.SymbolOrders = len(broker.OrdersForSymbol(orders, symbol))
	}
	return d
}

func (p *Placer) diagnose(ctx context.Context, symbol string) {
	d := p.Diagnose(ctx, symbol)
	p.logger.Warn().
		Str("symbol", symbol).
		Bool("market_open", d.MarketOpen).
		Float64("cash", d.Cash).
		Float64("buying_power", d.BuyingPower).
		Str("account_status", d.AccountStatus).
		Int("symbol_orders", d.SymbolOrders).
		Strs("diagnostic_errors", d.Errors).
		Msg("Protection diagnostics")
}
