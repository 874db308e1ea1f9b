package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperBroker_MarketOrderFills(t *testing.T) {
	b := NewPaperBroker()
	b.SetPositions(Position{Symbol: "AAPL", Qty: 10, CurrentPrice: 100, MarketValue: 1000})

	res, err := b.SubmitOrder(context.Background(), OrderRequest{Symbol: "AAPL", Qty: 4, Side: SideSell, Type: OrderMarket, TimeInForce: TIFDay})
	require.NoError(t, err)
	assert.True(t, res.Success)

	positions, err := b.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 6.0, positions[0].Qty)
	assert.Equal(t, 600.0, positions[0].MarketValue)

	open, err := b.GetOpenOrders(context.Background(), QueryOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPaperBroker_HeldForOrders(t *testing.T) {
	b := NewPaperBroker()
	b.SetPositions(Position{Symbol: "AAPL", Qty: 10, CurrentPrice: 100})
	b.SetOrders(Order{ID: "stop-1", Symbol: "AAPL", Side: SideSell, Type: OrderStop, Qty: 10, StopPrice: 92, Status: StatusOpen})

	_, err := b.SubmitOrder(context.Background(), OrderRequest{Symbol: "AAPL", Qty: 5, Side: SideSell, Type: OrderMarket, TimeInForce: TIFDay})
	require.Error(t, err)
	assert.True(t, IsHeldForOrders(err))

	require.NoError(t, b.CancelOrder(context.Background(), "stop-1"))
	_, err = b.SubmitOrder(context.Background(), OrderRequest{Symbol: "AAPL", Qty: 5, Side: SideSell, Type: OrderMarket, TimeInForce: TIFDay})
	assert.NoError(t, err)
}

func TestPaperBroker_CancelAll(t *testing.T) {
	b := NewPaperBroker()
	b.SetOrders(
		Order{ID: "1", Symbol: "AAPL", Status: StatusOpen},
		Order{ID: "2", Symbol: "MSFT", Status: StatusOpen},
	)
	require.NoError(t, b.CancelAllOrders(context.Background()))

	open, _ := b.GetOpenOrders(context.Background(), QueryOpen)
	assert.Empty(t, open)
	all, _ := b.GetOpenOrders(context.Background(), QueryAll)
	assert.Len(t, all, 2)
	assert.Equal(t, 1, b.CancelAllCalls)
}
