package autopilot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

func TestCycleDelay(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name    string
		elapsed time.Duration
		highVol bool
		want    time.Duration
	}{
		{"normal fast cycle", 10 * time.Second, false, 110 * time.Second},
		{"normal slow cycle hits floor", 90 * time.Second, false, 60 * time.Second},
		{"high volatility fast cycle", 10 * time.Second, true, 50 * time.Second},
		{"high volatility slow cycle hits floor", 45 * time.Second, true, 30 * time.Second},
		{"overrun", 5 * time.Minute, false, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CycleDelay(cfg, tt.elapsed, tt.highVol))
		})
	}
}

func TestHighVolatility(t *testing.T) {
	calm := []broker.Position{{Symbol: "A", ChangeToday: 1.2}, {Symbol: "B", ChangeToday: -2.9}}
	assert.False(t, HighVolatility(calm, 3))

	wild := append(calm, broker.Position{Symbol: "C", ChangeToday: -3})
	assert.True(t, HighVolatility(wild, 3))
	assert.False(t, HighVolatility(wild, 0))
}

func TestSleepChunked_SplitsIntoChunks(t *testing.T) {
	h := newPaperHarness(t)
	h.ctl.config.SleepChunk = 5 * time.Second
	var slept []time.Duration
	h.ctl.SetSleeper(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	ok := h.ctl.sleepChunked(context.Background(), 12*time.Second)

	assert.True(t, ok)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 2 * time.Second}, slept)
}

func TestSleepChunked_HonorsStopWithinOneChunk(t *testing.T) {
	h := newPaperHarness(t)
	h.ctl.config.SleepChunk = 5 * time.Second
	calls := 0
	h.ctl.SetSleeper(func(ctx context.Context, d time.Duration) error {
		calls++
		if calls == 2 {
			h.ctl.Stop()
		}
		return nil
	})

	ok := h.ctl.sleepChunked(context.Background(), 2*time.Minute)

	assert.False(t, ok)
	assert.Equal(t, 2, calls)
}

func TestSleepChunked_ContextCancel(t *testing.T) {
	h := newPaperHarness(t)
	h.ctl.config.SleepChunk = 5 * time.Second
	h.ctl.SetSleeper(func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	})

	assert.False(t, h.ctl.sleepChunked(context.Background(), time.Minute))
}
