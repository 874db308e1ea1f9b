// Package broker defines the normalized brokerage facade consumed by the
// protection loop, plus a REST client and an in-memory paper broker.
//
// All broker-specific encodings are decoded once at this boundary into the
// fixed value types below; downstream packages never inspect raw payloads.
package broker

import (
	"context"
	"math"
	"strings"
	"time"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side for an opening side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is long or short, derived from the signed quantity
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// OrderType of an order
type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

// TimeInForce of an order
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
)

// OrderStatus is the normalized lifecycle state of an order
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
	StatusRejected OrderStatus = "rejected"
)

// OrderQueryStatus selects which orders GetOpenOrders returns
type OrderQueryStatus string

const (
	QueryOpen OrderQueryStatus = "open"
	QueryAll  OrderQueryStatus = "all"
)

// Position is a read snapshot of a broker-held position.
type Position struct {
	Symbol          string    `json:"symbol"`
	Qty             float64   `json:"qty"` // signed: negative is short
	AvgEntryPrice   float64   `json:"avg_entry_price"`
	CurrentPrice    float64   `json:"current_price"`
	MarketValue     float64   `json:"market_value"`
	UnrealizedPL    float64   `json:"unrealized_pl"`
	UnrealizedPLPct float64   `json:"unrealized_pl_pct"` // percent, -4.5 means -4.5%
	LastdayPrice    float64   `json:"lastday_price"`
	ChangeToday     float64   `json:"change_today"` // percent
	EntryTime       time.Time `json:"entry_time,omitempty"` // zero when unknown
}

// Side derives long/short from the signed quantity
func (p Position) Side() PositionSide {
	if p.Qty > 0 {
		return Long
	}
	return Short
}

// AbsQty returns the unsigned share count
func (p Position) AbsQty() float64 {
	return math.Abs(p.Qty)
}

// ClosingSide is the order side that reduces this position
func (p Position) ClosingSide() Side {
	if p.Side() == Long {
		return SideSell
	}
	return SideBuy
}

// OpeningSide is the order side that adds to this position
func (p Position) OpeningSide() Side {
	return p.ClosingSide().Opposite()
}

// Concentration is |market value| / equity
func (p Position) Concentration(equity float64) float64 {
	if equity <= 0 {
		return 0
	}
	return math.Abs(p.MarketValue) / equity
}

// Order is a normalized broker order. Orders are never mutated in place.
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Qty           float64     `json:"qty"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	LimitPrice    float64     `json:"limit_price,omitempty"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	Status        OrderStatus `json:"status"`
	ExtendedHours bool        `json:"extended_hours"`
	SubmittedAt   time.Time   `json:"submitted_at"`
}

// IsOpen reports whether the order is still resting
func (o Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// HasStop reports whether the order carries a stop trigger
func (o Order) HasStop() bool {
	return o.StopPrice > 0 || strings.Contains(string(o.Type), "stop")
}

// Account is a snapshot of account balances
type Account struct {
	Equity           float64 `json:"equity"`
	LastEquity       float64 `json:"last_equity"`
	Cash             float64 `json:"cash"`
	BuyingPower      float64 `json:"buying_power"`
	Status           string  `json:"status"`
	PatternDayTrader bool    `json:"pattern_day_trader"`
	DaytradeCount    int     `json:"daytrade_count"`
}

// Clock is the market clock
type Clock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// Quote is the latest bid/ask for a symbol
type Quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
}

// Bar is a daily OHLCV candle
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// OrderRequest describes a new order to submit
type OrderRequest struct {
	Symbol        string      `json:"symbol"`
	Qty           float64     `json:"qty"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	LimitPrice    float64     `json:"limit_price,omitempty"`
	ExtendedHours bool        `json:"extended_hours,omitempty"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
}

// SubmitResult is the definitive answer of a submit call
type SubmitResult struct {
	Success bool
	OrderID string
	Err     error
}

// Broker is the facade over the brokerage API. Implementations are expected
// to retry transient transport failures internally.
type Broker interface {
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context, status OrderQueryStatus) ([]Order, error)
	GetAccount(ctx context.Context) (Account, error)
	GetClock(ctx context.Context) (Clock, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (SubmitResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
}

// MarketData is implemented by brokers that can serve daily bars
type MarketData interface {
	GetDailyBars(ctx context.Context, symbol string, limit int) ([]Bar, error)
}

// OrdersForSymbol filters orders down to one symbol
func OrdersForSymbol(orders []Order, symbol string) []Order {
	var out []Order
	for _, o := range orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}
