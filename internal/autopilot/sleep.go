package autopilot

import (
	"context"
	"math"
	"time"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

// CycleDelay is max(floor, target - elapsed) for the current regime
func CycleDelay(cfg Config, elapsed time.Duration, highVolatility bool) time.Duration {
	floor, target := cfg.NormalFloor, cfg.NormalTarget
	if highVolatility {
		floor, target = cfg.HighVolFloor, cfg.HighVolTarget
	}
	if d := target - elapsed; d > floor {
		return d
	}
	return floor
}

// HighVolatility reports whether any position moved at least thresholdPct today
func HighVolatility(positions []broker.Position, thresholdPct float64) bool {
	if thresholdPct <= 0 {
		return false
	}
	for _, p := range positions {
		if math.Abs(p.ChangeToday) >= thresholdPct {
			return true
		}
	}
	return false
}

// sleepChunked waits d in chunks no longer than SleepChunk and returns false
// as soon as a stop is requested.
func (c *Controller) sleepChunked(ctx context.Context, d time.Duration) bool {
	chunk := c.config.SleepChunk
	if chunk <= 0 {
		chunk = 5 * time.Second
	}
	for remaining := d; remaining > 0; remaining -= chunk {
		if c.stopRequested() {
			return false
		}
		step := chunk
		if remaining < step {
			step = remaining
		}
		if err := c.sleep(ctx, step); err != nil {
			return false
		}
	}
	return !c.stopRequested()
}
