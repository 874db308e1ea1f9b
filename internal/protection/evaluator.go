// Package protection decides whether open positions carry a protective order
// and escalates through stop placement and emergency liquidation when they
// do not.
package protection

import (
	"strings"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

// Status is the per-symbol protection verdict
type Status string

const (
	Protected   Status = "PROTECTED"
	Unprotected Status = "UNPROTECTED"
)

// Result is the evaluation of one position
type Result struct {
	Symbol   string  `json:"symbol"`
	Status   Status  `json:"status"`
	Qty      float64 `json:"qty"`
	Evidence string  `json:"evidence,omitempty"` // stop | take_profit | liquidating
	OrderID  string  `json:"order_id,omitempty"`
}

// Evaluate classifies every nonzero position against the open orders.
// It performs no I/O.
func Evaluate(positions []broker.Position, orders []broker.Order) map[string]Result {
	bySymbol := make(map[string][]broker.Order, len(orders))
	for _, o := range orders {
		if !validSymbol(o.Symbol) {
			continue
		}
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}

	results := make(map[string]Result, len(positions))
	for _, p := range positions {
		if p.Qty == 0 {
			continue
		}
		res := Result{Symbol: p.Symbol, Status: Unprotected, Qty: p.Qty}
		for _, o := range bySymbol[p.Symbol] {
			if evidence, ok := Classify(p, o); ok {
				res.Status = Protected
				res.Evidence = evidence
				res.OrderID = o.ID
				break
			}
		}
		results[p.Symbol] = res
	}
	return results
}

// UnprotectedPositions returns the positions whose evaluation is UNPROTECTED
func UnprotectedPositions(positions []broker.Position, results map[string]Result) []broker.Position {
	var out []broker.Position
	for _, p := range positions {
		if r, ok := results[p.Symbol]; ok && r.Status == Unprotected {
			out = append(out, p)
		}
	}
	return out
}

// Classify reports whether order o protects position p, and how. Orders with
// a malformed symbol or side never count.
func Classify(p broker.Position, o broker.Order) (string, bool) {
	if !o.IsOpen() || !validSymbol(o.Symbol) || o.Symbol != p.Symbol {
		return "", false
	}
	if o.Side != broker.SideBuy && o.Side != broker.SideSell {
		return "", false
	}
	if o.Side != p.ClosingSide() {
		return "", false
	}

	switch {
	case o.HasStop():
		return "stop", true
	case o.Type == broker.OrderLimit:
		return "take_profit", true
	case o.Type == broker.OrderMarket:
		return "liquidating", true
	}
	return "", false
}

func validSymbol(s string) bool {
	if s == "" || strings.TrimSpace(s) != s {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '/', r == '-':
		default:
			return false
		}
	}
	return true
}
