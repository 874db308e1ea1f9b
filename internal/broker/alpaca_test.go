package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *AlpacaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAlpacaClient(AlpacaConfig{
		BaseURL:           srv.URL,
		APIKey:            "key",
		SecretKey:         "secret",
		RequestsPerMinute: 6000,
		RetryMax:          0,
		Timeout:           2 * time.Second,
	}, zerolog.Nop())
}

func TestAlpacaClient_GetPositions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/positions", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		w.Write([]byte(`[
			{"symbol":"AAPL","qty":"10","side":"long","avg_entry_price":"100.00","current_price":"95.5",
			 "market_value":"955","unrealized_pl":"-45","unrealized_plpc":"-0.045","lastday_price":"97","change_today":"-0.0155"},
			{"symbol":"TSLA","qty":"-3","side":"short","avg_entry_price":"200","current_price":"190",
			 "market_value":"-570","unrealized_pl":"30","unrealized_plpc":"0.05","lastday_price":"195","change_today":"0"}
		]`))
	})

	positions, err := client.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	aapl := positions[0]
	assert.Equal(t, "AAPL", aapl.Symbol)
	assert.Equal(t, 10.0, aapl.Qty)
	assert.Equal(t, Long, aapl.Side())
	assert.InDelta(t, -4.5, aapl.UnrealizedPLPct, 1e-9)
	assert.InDelta(t, -1.55, aapl.ChangeToday, 1e-9)

	tsla := positions[1]
	assert.Equal(t, Short, tsla.Side())
	assert.Equal(t, SideBuy, tsla.ClosingSide())
}

func TestAlpacaClient_GetOpenOrdersNormalizesStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		w.Write([]byte(`[
			{"id":"1","symbol":"AAPL","side":"sell","type":"stop","qty":"10","stop_price":"92.00","limit_price":null,"time_in_force":"day","status":"accepted"},
			{"id":"2","symbol":"AAPL","side":"sell","type":"limit","qty":"5","stop_price":null,"limit_price":"120","time_in_force":"gtc","status":"partially_filled"},
			{"id":"3","symbol":"MSFT","side":"buy","type":"market","qty":"1","time_in_force":"day","status":"expired"}
		]`))
	})

	orders, err := client.GetOpenOrders(context.Background(), QueryOpen)
	require.NoError(t, err)
	require.Len(t, orders, 3)

	assert.Equal(t, StatusOpen, orders[0].Status)
	assert.Equal(t, 92.0, orders[0].StopPrice)
	assert.True(t, orders[0].HasStop())
	assert.Equal(t, 0.0, orders[1].StopPrice)
	assert.Equal(t, 120.0, orders[1].LimitPrice)
	assert.Equal(t, StatusOpen, orders[1].Status)
	assert.Equal(t, StatusCanceled, orders[2].Status)
}

func TestAlpacaClient_SubmitOrderPayload(t *testing.T) {
	var got map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"abc","symbol":"AAPL","status":"accepted"}`))
	})

	res, err := client.SubmitOrder(context.Background(), OrderRequest{
		Symbol:        "AAPL",
		Qty:           10,
		Side:          SideSell,
		Type:          OrderStop,
		TimeInForce:   TIFDay,
		StopPrice:     92,
		ClientOrderID: "guard-stop-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "abc", res.OrderID)

	assert.Equal(t, "10", got["qty"])
	assert.Equal(t, "92.00", got["stop_price"])
	assert.Equal(t, "stop", got["type"])
	assert.Equal(t, "day", got["time_in_force"])
	assert.NotContains(t, got, "limit_price")
}

func TestAlpacaClient_SubmitOrderClassifiesRejections(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantHeld  bool
		wantPDT   bool
		retryable bool
	}{
		{
			name:     "held for orders",
			status:   http.StatusForbidden,
			body:     `{"code":40310000,"message":"insufficient qty available for order (requested: 10, available: 0)"}`,
			wantHeld: true,
		},
		{
			name:    "pattern day trading",
			status:  http.StatusForbidden,
			body:    `{"code":40310100,"message":"trade denied due to pattern day trading protection"}`,
			wantPDT: true,
		},
		{
			name:      "server error",
			status:    http.StatusBadGateway,
			body:      `upstream unavailable`,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			res, err := client.SubmitOrder(context.Background(), OrderRequest{
				Symbol: "AAPL", Qty: 10, Side: SideSell, Type: OrderStop, TimeInForce: TIFDay, StopPrice: 92,
			})
			require.Error(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tt.wantHeld, IsHeldForOrders(err))
			assert.Equal(t, tt.wantPDT, IsPDTRejection(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
		})
	}
}

func TestAlpacaClient_SubmitOrderRejectsInvalidRequest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := client.SubmitOrder(context.Background(), OrderRequest{Symbol: "AAPL", Qty: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRoundPrice(t *testing.T) {
	assert.Equal(t, 92.0, RoundPrice(92.0000001))
	assert.Equal(t, 108.01, RoundPrice(108.005))
	assert.Equal(t, 0.1235, RoundPrice(0.12345))
	assert.Equal(t, 3.0, WholeShares(3.99))
}

func TestAlpacaClient_RetriesReadsButNeverResubmitsOrders(t *testing.T) {
	var reads, submits int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/clock":
			reads++
			if reads == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"is_open":true}`))
		case "/v2/orders":
			submits++
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	client.http.RetryMax = 2
	client.http.RetryWaitMin = time.Millisecond
	client.http.RetryWaitMax = time.Millisecond

	clock, err := client.GetClock(context.Background())
	require.NoError(t, err)
	assert.True(t, clock.IsOpen)
	assert.Equal(t, 2, reads)

	_, err = client.SubmitOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", Qty: 10, Side: SideSell, Type: OrderStop, TimeInForce: TIFDay, StopPrice: 92,
	})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, submits, "order submissions are sent once")
}

func TestCheckRetry(t *testing.T) {
	ctx := context.Background()

	retry, err := checkRetry(ctx, &http.Response{StatusCode: http.StatusTooManyRequests}, nil)
	require.NoError(t, err)
	assert.True(t, retry)

	retry, _ = checkRetry(ctx, &http.Response{StatusCode: http.StatusForbidden}, nil)
	assert.False(t, retry, "rejections are definitive")

	retry, _ = checkRetry(withoutReplay(ctx), nil, errors.New("i/o timeout"))
	assert.False(t, retry)

	retry, _ = checkRetry(ctx, nil, errors.New("connection reset by peer"))
	assert.True(t, retry)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	retry, err = checkRetry(cancelled, nil, errors.New("connection reset by peer"))
	assert.False(t, retry)
	assert.ErrorIs(t, err, context.Canceled)
}
