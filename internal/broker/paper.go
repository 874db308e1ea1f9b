package broker

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperBroker is an in-memory broker used for dry runs and tests. Market
// orders fill immediately at the current price; every other order rests.
type PaperBroker struct {
	mu        sync.Mutex
	positions map[string]*Position
	orders    []Order
	account   Account
	clock     Clock
	quotes    map[string]Quote
	bars      map[string][]Bar

	// SubmitHook, when set, runs before every submit; a non-nil error rejects the order.
	SubmitHook func(req OrderRequest) error
	// Submitted records every accepted or rejected request in arrival order.
	Submitted []OrderRequest
	// CancelAllCalls counts CancelAllOrders invocations.
	CancelAllCalls int
	// FailReads makes every read call fail with this error.
	FailReads error
}

// NewPaperBroker creates an empty paper broker with an open market
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		positions: make(map[string]*Position),
		quotes:    make(map[string]Quote),
		bars:      make(map[string][]Bar),
		clock:     Clock{Timestamp: time.Now(), IsOpen: true},
		account:   Account{Status: "ACTIVE"},
	}
}

// SetPositions replaces all positions
func (b *PaperBroker) SetPositions(positions ...Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]*Position, len(positions))
	for i := range positions {
		p := positions[i]
		b.positions[p.Symbol] = &p
	}
}

// SetOrders replaces all orders
func (b *PaperBroker) SetOrders(orders ...Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append([]Order(nil), orders...)
}

// SetAccount replaces the account snapshot
func (b *PaperBroker) SetAccount(a Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account = a
}

// SetEquity updates only the account equity
func (b *PaperBroker) SetEquity(equity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account.Equity = equity
}

// SetClock replaces the market clock
func (b *PaperBroker) SetClock(c Clock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = c
}

// SetMarketOpen toggles the clock's open flag
func (b *PaperBroker) SetMarketOpen(open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock.IsOpen = open
}

// SetQuote sets the latest quote for a symbol
func (b *PaperBroker) SetQuote(q Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[q.Symbol] = q
}

// SetBars sets daily bars for a symbol
func (b *PaperBroker) SetBars(symbol string, bars []Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bars[symbol] = bars
}

// Orders returns a copy of all orders, resting or not
func (b *PaperBroker) Orders() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Order(nil), b.orders...)
}

// GetPositions returns all nonzero positions
func (b *PaperBroker) GetPositions(ctx context.Context) ([]Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailReads != nil {
		return nil, b.FailReads
	}
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Qty != 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetOpenOrders returns orders matching the query status
func (b *PaperBroker) GetOpenOrders(ctx context.Context, status OrderQueryStatus) ([]Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailReads != nil {
		return nil, b.FailReads
	}
	var out []Order
	for _, o := range b.orders {
		if status == QueryAll || o.IsOpen() {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetAccount returns the account snapshot
func (b *PaperBroker) GetAccount(ctx context.Context) (Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailReads != nil {
		return Account{}, b.FailReads
	}
	return b.account, nil
}

// GetClock returns the market clock
func (b *PaperBroker) GetClock(ctx context.Context) (Clock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailReads != nil {
		return Clock{}, b.FailReads
	}
	return b.clock, nil
}

// GetQuote returns the quote for a symbol, falling back to the position price
func (b *PaperBroker) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.quotes[symbol]; ok {
		return q, nil
	}
	if p, ok := b.positions[symbol]; ok {
		return Quote{Symbol: symbol, Bid: p.CurrentPrice, Ask: p.CurrentPrice, Last: p.CurrentPrice}, nil
	}
	return Quote{}, fmt.Errorf("no quote for %s", symbol)
}

// GetDailyBars returns the configured bars
func (b *PaperBroker) GetDailyBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bars := b.bars[symbol]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]Bar(nil), bars...), nil
}

// SubmitOrder accepts, rejects or fills an order
func (b *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (SubmitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Submitted = append(b.Submitted, req)

	if b.SubmitHook != nil {
		if err := b.SubmitHook(req); err != nil {
			return SubmitResult{Err: err}, err
		}
	}
	if req.Symbol == "" || req.Qty <= 0 {
		err := fmt.Errorf("%w: symbol=%q qty=%v", ErrInvalidRequest, req.Symbol, req.Qty)
		return SubmitResult{Err: err}, err
	}
	if err := b.checkHeld(req); err != nil {
		return SubmitResult{Err: err}, err
	}

	order := Order{
		ID:            uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		StopPrice:     req.StopPrice,
		LimitPrice:    req.LimitPrice,
		TimeInForce:   req.TimeInForce,
		Status:        StatusOpen,
		ExtendedHours: req.ExtendedHours,
		SubmittedAt:   time.Now(),
	}

	if req.Type == OrderMarket && b.clock.IsOpen {
		b.fill(req)
		order.Status = StatusFilled
	}
	b.orders = append(b.orders, order)
	return SubmitResult{Success: true, OrderID: order.ID}, nil
}

// CancelOrder cancels a resting order by id
func (b *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.orders {
		if b.orders[i].ID == orderID {
			if b.orders[i].IsOpen() {
				b.orders[i].Status = StatusCanceled
			}
			return nil
		}
	}
	return ErrOrderNotFound
}

// CancelAllOrders cancels every resting order
func (b *PaperBroker) CancelAllOrders(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CancelAllCalls++
	for i := range b.orders {
		if b.orders[i].IsOpen() {
			b.orders[i].Status = StatusCanceled
		}
	}
	return nil
}

// checkHeld rejects closing orders whose shares are already reserved
func (b *PaperBroker) checkHeld(req OrderRequest) error {
	p, ok := b.positions[req.Symbol]
	if !ok || p.Qty == 0 || req.Side != p.ClosingSide() {
		return nil
	}
	reserved := 0.0
	for _, o := range b.orders {
		if o.IsOpen() && o.Symbol == req.Symbol && o.Side == req.Side {
			reserved += o.Qty
		}
	}
	if reserved+req.Qty > p.AbsQty() {
		return &APIError{
			Status:  http.StatusForbidden,
			Code:    40310000,
			Message: fmt.Sprintf("insufficient qty available for order (requested: %v, available: %v), held for orders", req.Qty, p.AbsQty()-reserved),
		}
	}
	return nil
}

func (b *PaperBroker) fill(req OrderRequest) {
	p, ok := b.positions[req.Symbol]
	if !ok {
		price := 0.0
		if q, ok := b.quotes[req.Symbol]; ok {
			price = q.Last
		}
		p = &Position{Symbol: req.Symbol, AvgEntryPrice: price, CurrentPrice: price, EntryTime: time.Now()}
		b.positions[req.Symbol] = p
	}

	delta := req.Qty
	if req.Side == SideSell {
		delta = -delta
	}
	p.Qty += delta
	if math.Abs(p.Qty) < 1e-9 {
		p.Qty = 0
	}
	p.MarketValue = p.Qty * p.CurrentPrice
}
