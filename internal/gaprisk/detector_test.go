package gaprisk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

var ny = ExchangeLocation()

func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, day, hour, minute, 0, 0, ny)
}

func newTestDetector() *Detector {
	return NewDetector(DefaultConfig(), ny, zerolog.Nop())
}

func TestSessionAt(t *testing.T) {
	tests := []struct {
		name   string
		t      time.Time
		open   bool
		expect Session
	}{
		{"clock open wins", at(10, 3, 0), true, SessionRegular},
		{"pre market", at(10, 7, 15), false, SessionPreMarket},
		{"after hours", at(10, 17, 30), false, SessionAfterHours},
		{"overnight", at(10, 22, 0), false, SessionClosed},
		{"saturday", at(14, 8, 0), false, SessionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, SessionAt(tt.t, ny, tt.open))
		})
	}
}

func TestCheck_Threshold(t *testing.T) {
	d := newTestDetector()
	assert.Nil(t, d.Check("AAPL", 104, 100, SessionPreMarket, at(10, 7, 0)))

	alert := d.Check("AAPL", 93.8, 100, SessionPreMarket, at(10, 7, 0))
	require.NotNil(t, alert)
	assert.InDelta(t, -6.2, alert.MovePct, 1e-9)
	assert.Equal(t, "AAPL:6", alert.DedupKey)
	assert.Equal(t, SessionPreMarket, alert.Session)
}

func TestCheck_DedupWithinBucket(t *testing.T) {
	d := newTestDetector()
	now := at(10, 7, 0)

	first := d.Check("AAPL", 106.2, 100, SessionPreMarket, now)
	second := d.Check("AAPL", 106.4, 100, SessionPreMarket, now.Add(5*time.Minute))
	require.NotNil(t, first)
	assert.Nil(t, second)

	// Next severity bucket alerts again
	third := d.Check("AAPL", 107.1, 100, SessionPreMarket, now.Add(10*time.Minute))
	require.NotNil(t, third)
	assert.Equal(t, "AAPL:7", third.DedupKey)
}

func TestCheck_DedupResetsNextDay(t *testing.T) {
	d := newTestDetector()
	require.NotNil(t, d.Check("AAPL", 106.2, 100, SessionAfterHours, at(10, 17, 0)))
	assert.Nil(t, d.Check("AAPL", 106.2, 100, SessionAfterHours, at(10, 18, 0)))
	assert.NotNil(t, d.Check("AAPL", 106.2, 100, SessionPreMarket, at(11, 7, 0)))
}

func TestRecordCloses(t *testing.T) {
	d := newTestDetector()
	positions := []broker.Position{
		{Symbol: "AAPL", Qty: 10, CurrentPrice: 150, LastdayPrice: 140},
		{Symbol: "MSFT", Qty: 5, CurrentPrice: 0, LastdayPrice: 300},
	}

	assert.Equal(t, 0, d.RecordCloses(positions, at(10, 15, 44)))
	ref, ok := d.ReferenceClose(positions[0])
	require.True(t, ok)
	assert.Equal(t, 140.0, ref, "falls back to the previous session price")

	assert.Equal(t, 1, d.RecordCloses(positions, at(10, 15, 45)))
	ref, _ = d.ReferenceClose(positions[0])
	assert.Equal(t, 150.0, ref)

	ref, ok = d.ReferenceClose(positions[1])
	require.True(t, ok)
	assert.Equal(t, 300.0, ref)

	_, ok = d.ReferenceClose(broker.Position{Symbol: "NEW", Qty: 1})
	assert.False(t, ok)
}

func TestLossCutOrder(t *testing.T) {
	d := newTestDetector()
	now := at(10, 18, 0)
	long := broker.Position{Symbol: "AAPL", Qty: 10, UnrealizedPLPct: -6.5}
	quote := broker.Quote{Symbol: "AAPL", Bid: 90, Ask: 90.5}

	req := d.LossCutOrder(long, quote, SessionAfterHours, now)
	require.NotNil(t, req)
	assert.Equal(t, broker.OrderLimit, req.Type)
	assert.Equal(t, broker.SideSell, req.Side)
	assert.Equal(t, 89.1, req.LimitPrice)
	assert.True(t, req.ExtendedHours)
	assert.Equal(t, 10.0, req.Qty)

	// Same bucket fires once
	assert.Nil(t, d.LossCutOrder(long, quote, SessionAfterHours, now.Add(5*time.Minute)))

	// Deeper bucket fires again
	long.UnrealizedPLPct = -7.2
	assert.NotNil(t, d.LossCutOrder(long, quote, SessionAfterHours, now.Add(10*time.Minute)))
}

func TestLossCutOrder_Guards(t *testing.T) {
	d := newTestDetector()
	now := at(10, 18, 0)
	quote := broker.Quote{Bid: 90, Ask: 91}

	assert.Nil(t, d.LossCutOrder(broker.Position{Symbol: "A", Qty: 1, UnrealizedPLPct: -5}, quote, SessionAfterHours, now))
	assert.Nil(t, d.LossCutOrder(broker.Position{Symbol: "A", Qty: 1, UnrealizedPLPct: -9}, quote, SessionRegular, now))
	assert.Nil(t, d.LossCutOrder(broker.Position{Symbol: "A", Qty: 1, UnrealizedPLPct: -9}, broker.Quote{}, SessionPreMarket, now))

	short := d.LossCutOrder(broker.Position{Symbol: "S", Qty: -4, UnrealizedPLPct: -8}, quote, SessionPreMarket, now)
	require.NotNil(t, short)
	assert.Equal(t, broker.SideBuy, short.Side)
	assert.Equal(t, 91.91, short.LimitPrice)
	assert.Equal(t, 4.0, short.Qty)
}
