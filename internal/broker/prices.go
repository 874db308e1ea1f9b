package broker

import "github.com/shopspring/decimal"

// RoundPrice rounds to the broker's accepted tick: cents at or above $1, four
// decimals below.
func RoundPrice(p float64) float64 {
	d := decimal.NewFromFloat(p)
	places := int32(2)
	if d.LessThan(decimal.NewFromInt(1)) {
		places = 4
	}
	f, _ := d.Round(places).Float64()
	return f
}

// WholeShares truncates a quantity to whole shares
func WholeShares(q float64) float64 {
	f, _ := decimal.NewFromFloat(q).Truncate(0).Float64()
	return f
}

func formatPrice(p float64) string {
	d := decimal.NewFromFloat(p)
	if d.LessThan(decimal.NewFromInt(1)) {
		return d.StringFixed(4)
	}
	return d.StringFixed(2)
}

func formatQty(q float64) string {
	return decimal.NewFromFloat(q).String()
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func nullToFloat(d decimal.NullDecimal) float64 {
	if !d.Valid {
		return 0
	}
	return toFloat(d.Decimal)
}
