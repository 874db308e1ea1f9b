package policy

import "github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"

// trendWindow is the number of recent sessions scored for trend strength
const trendWindow = 10

// MarketSignals scores recent daily bars for a position: trend strength is
// the share of the last sessions closing in the position's favor, relative
// volume is the latest volume over the trailing average.
func MarketSignals(bars []broker.Bar, side broker.PositionSide) (trend, relVolume float64) {
	if len(bars) < 2 {
		return 0, 0
	}

	start := len(bars) - trendWindow
	if start < 1 {
		start = 1
	}
	favorable, sessions := 0, 0
	for i := start; i < len(bars); i++ {
		sessions++
		up := bars[i].Close > bars[i-1].Close
		if (side == broker.Long && up) || (side == broker.Short && !up && bars[i].Close < bars[i-1].Close) {
			favorable++
		}
	}
	trend = float64(favorable) / float64(sessions)

	var total float64
	prior := bars[:len(bars)-1]
	for _, b := range prior {
		total += b.Volume
	}
	if avg := total / float64(len(prior)); avg > 0 {
		relVolume = bars[len(bars)-1].Volume / avg
	}
	return trend, relVolume
}
