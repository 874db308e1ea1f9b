package policy

import "math"

// RoundShares converts a fraction of a position into whole shares. Risk
// reductions round half up; everything else rounds down. Either way a
// fractional amount of at least half a share yields one share, and the result
// never exceeds the position.
func RoundShares(qty, fraction float64, halfUp bool) float64 {
	qty = math.Floor(math.Abs(qty))
	raw := qty * fraction
	var n float64
	if halfUp {
		n = math.Floor(raw + 0.5)
	} else {
		n = math.Floor(raw + 1e-9)
	}
	if n < 1 && raw >= 0.5 {
		n = 1
	}
	return math.Min(n, qty)
}
