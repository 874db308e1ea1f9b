package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// AlpacaConfig holds REST client configuration
type AlpacaConfig struct {
	BaseURL           string
	DataURL           string
	APIKey            string
	SecretKey         string
	RequestsPerMinute int
	RetryMax          int
	Timeout           time.Duration
}

// AlpacaClient talks to an Alpaca-compatible trading REST API.
// Transient failures (connection errors, 429, 5xx) are retried by the
// transport; callers see only definitive answers.
type AlpacaClient struct {
	cfg     AlpacaConfig
	http    *retryablehttp.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewAlpacaClient creates a new REST broker client
func NewAlpacaClient(cfg AlpacaConfig, logger zerolog.Logger) *AlpacaClient {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 180
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.DataURL == "" {
		cfg.DataURL = cfg.BaseURL
	}

	log := logger.With().Str("component", "AlpacaClient").Logger()

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 5 * time.Second
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.Logger = retryLogger{log}
	hc.CheckRetry = checkRetry
	// Surface the final response instead of a generic "giving up" error so the
	// body can be classified.
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	return &AlpacaClient{
		cfg:     cfg,
		http:    hc,
		limiter: rate.NewLimiter(perSecond, 5),
		logger:  log,
	}
}

type alpacaPosition struct {
	Symbol         string          `json:"symbol"`
	Qty            decimal.Decimal `json:"qty"`
	Side           string          `json:"side"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	MarketValue    decimal.Decimal `json:"market_value"`
	UnrealizedPL   decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPC decimal.Decimal `json:"unrealized_plpc"`
	LastdayPrice   decimal.Decimal `json:"lastday_price"`
	ChangeToday    decimal.Decimal `json:"change_today"`
}

type alpacaOrder struct {
	ID            string              `json:"id"`
	ClientOrderID string              `json:"client_order_id"`
	Symbol        string              `json:"symbol"`
	Side          string              `json:"side"`
	Type          string              `json:"type"`
	Qty           decimal.NullDecimal `json:"qty"`
	StopPrice     decimal.NullDecimal `json:"stop_price"`
	LimitPrice    decimal.NullDecimal `json:"limit_price"`
	TimeInForce   string              `json:"time_in_force"`
	Status        string              `json:"status"`
	ExtendedHours bool                `json:"extended_hours"`
	SubmittedAt   time.Time           `json:"submitted_at"`
}

type alpacaAccount struct {
	Equity           decimal.Decimal `json:"equity"`
	LastEquity       decimal.Decimal `json:"last_equity"`
	Cash             decimal.Decimal `json:"cash"`
	BuyingPower      decimal.Decimal `json:"buying_power"`
	Status           string          `json:"status"`
	PatternDayTrader bool            `json:"pattern_day_trader"`
	DaytradeCount    int             `json:"daytrade_count"`
}

type alpacaQuote struct {
	Symbol string `json:"symbol"`
	Quote  struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"quote"`
}

type alpacaBars struct {
	Bars []struct {
		Time   time.Time `json:"t"`
		Open   float64   `json:"o"`
		High   float64   `json:"h"`
		Low    float64   `json:"l"`
		Close  float64   `json:"c"`
		Volume float64   `json:"v"`
	} `json:"bars"`
}

// GetPositions returns all open positions
func (c *AlpacaClient) GetPositions(ctx context.Context) ([]Position, error) {
	var raw []alpacaPosition
	if err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/positions", nil, &raw); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		qty := toFloat(p.Qty)
		// Some payloads carry an unsigned qty with an explicit side
		if p.Side == "short" && qty > 0 {
			qty = -qty
		}
		positions = append(positions, Position{
			Symbol:          p.Symbol,
			Qty:             qty,
			AvgEntryPrice:   toFloat(p.AvgEntryPrice),
			CurrentPrice:    toFloat(p.CurrentPrice),
			MarketValue:     toFloat(p.MarketValue),
			UnrealizedPL:    toFloat(p.UnrealizedPL),
			UnrealizedPLPct: toFloat(p.UnrealizedPLPC.Mul(decimal.NewFromInt(100))),
			LastdayPrice:    toFloat(p.LastdayPrice),
			ChangeToday:     toFloat(p.ChangeToday.Mul(decimal.NewFromInt(100))),
		})
	}
	return positions, nil
}

// GetOpenOrders returns orders filtered by status
func (c *AlpacaClient) GetOpenOrders(ctx context.Context, status OrderQueryStatus) ([]Order, error) {
	q := url.Values{}
	q.Set("status", string(status))
	q.Set("limit", "500")

	var raw []alpacaOrder
	if err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/orders?"+q.Encode(), nil, &raw); err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}

	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, Order{
			ID:            o.ID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          Side(o.Side),
			Type:          OrderType(o.Type),
			Qty:           nullToFloat(o.Qty),
			StopPrice:     nullToFloat(o.StopPrice),
			LimitPrice:    nullToFloat(o.LimitPrice),
			TimeInForce:   TimeInForce(o.TimeInForce),
			Status:        normalizeStatus(o.Status),
			ExtendedHours: o.ExtendedHours,
			SubmittedAt:   o.SubmittedAt,
		})
	}
	return orders, nil
}

// GetAccount returns account balances
func (c *AlpacaClient) GetAccount(ctx context.Context) (Account, error) {
	var raw alpacaAccount
	if err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/account", nil, &raw); err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return Account{
		Equity:           toFloat(raw.Equity),
		LastEquity:       toFloat(raw.LastEquity),
		Cash:             toFloat(raw.Cash),
		BuyingPower:      toFloat(raw.BuyingPower),
		Status:           raw.Status,
		PatternDayTrader: raw.PatternDayTrader,
		DaytradeCount:    raw.DaytradeCount,
	}, nil
}

// GetClock returns the market clock
func (c *AlpacaClient) GetClock(ctx context.Context) (Clock, error) {
	var clock Clock
	if err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/clock", nil, &clock); err != nil {
		return Clock{}, fmt.Errorf("get clock: %w", err)
	}
	return clock, nil
}

// GetQuote returns the latest quote for a symbol
func (c *AlpacaClient) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	var raw alpacaQuote
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/quotes/latest", c.cfg.DataURL, url.PathEscape(symbol))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return Quote{}, fmt.Errorf("get quote %s: %w", symbol, err)
	}
	return Quote{
		Symbol: symbol,
		Bid:    raw.Quote.BidPrice,
		Ask:    raw.Quote.AskPrice,
		Last:   (raw.Quote.BidPrice + raw.Quote.AskPrice) / 2,
	}, nil
}

// GetDailyBars returns up to limit daily bars, oldest first
func (c *AlpacaClient) GetDailyBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	q := url.Values{}
	q.Set("timeframe", "1Day")
	q.Set("limit", strconv.Itoa(limit))

	var raw alpacaBars
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.cfg.DataURL, url.PathEscape(symbol), q.Encode())
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, fmt.Errorf("get bars %s: %w", symbol, err)
	}

	bars := make([]Bar, 0, len(raw.Bars))
	for _, b := range raw.Bars {
		bars = append(bars, Bar{Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume})
	}
	return bars, nil
}

// SubmitOrder places a new order
func (c *AlpacaClient) SubmitOrder(ctx context.Context, req OrderRequest) (SubmitResult, error) {
	if req.Symbol == "" || req.Qty <= 0 {
		err := fmt.Errorf("%w: symbol=%q qty=%v", ErrInvalidRequest, req.Symbol, req.Qty)
		return SubmitResult{Err: err}, err
	}

	body := map[string]interface{}{
		"symbol":        req.Symbol,
		"qty":           formatQty(req.Qty),
		"side":          string(req.Side),
		"type":          string(req.Type),
		"time_in_force": string(req.TimeInForce),
	}
	if req.StopPrice > 0 {
		body["stop_price"] = formatPrice(req.StopPrice)
	}
	if req.LimitPrice > 0 {
		body["limit_price"] = formatPrice(req.LimitPrice)
	}
	if req.ExtendedHours {
		body["extended_hours"] = true
	}
	if req.ClientOrderID != "" {
		body["client_order_id"] = req.ClientOrderID
	}

	var placed alpacaOrder
	if err := c.do(withoutReplay(ctx), http.MethodPost, c.cfg.BaseURL+"/v2/orders", body, &placed); err != nil {
		return SubmitResult{Err: err}, fmt.Errorf("submit order %s: %w", req.Symbol, err)
	}

	c.logger.Debug().
		Str("symbol", req.Symbol).
		Str("order_id", placed.ID).
		Str("type", string(req.Type)).
		Str("side", string(req.Side)).
		Msg("Order accepted")
	return SubmitResult{Success: true, OrderID: placed.ID}, nil
}

// CancelOrder cancels one resting order
func (c *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.do(ctx, http.MethodDelete, c.cfg.BaseURL+"/v2/orders/"+url.PathEscape(orderID), nil, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every resting order
func (c *AlpacaClient) CancelAllOrders(ctx context.Context) error {
	if err := c.do(ctx, http.MethodDelete, c.cfg.BaseURL+"/v2/orders", nil, nil); err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	return nil
}

func (c *AlpacaClient) do(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func normalizeStatus(s string) OrderStatus {
	switch s {
	case "filled":
		return StatusFilled
	case "canceled", "expired", "replaced", "done_for_day":
		return StatusCanceled
	case "rejected":
		return StatusRejected
	default:
		// new, accepted, pending_new, partially_filled, held, calculated ...
		return StatusOpen
	}
}

type noReplayKey struct{}

// withoutReplay marks a request the transport must send at most once. A
// timed-out submit may still have been accepted, and resending it with the
// same client_order_id comes back as a duplicate rejection.
func withoutReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, noReplayKey{}, true)
}

// checkRetry retries connection errors and the statuses IsRetryable accepts,
// except for requests marked withoutReplay.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if replay, _ := ctx.Value(noReplayKey{}).(bool); replay {
		return false, nil
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return IsRetryable(&APIError{Status: resp.StatusCode}), nil
}

// retryLogger adapts zerolog to retryablehttp.LeveledLogger
type retryLogger struct {
	logger zerolog.Logger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.logger.Debug().Fields(kv).Msg(msg) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.logger.Trace().Fields(kv).Msg(msg) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
