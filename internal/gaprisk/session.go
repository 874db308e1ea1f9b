package gaprisk

import (
	"time"
	_ "time/tzdata"
)

// Session is the trading session a timestamp falls in
type Session string

const (
	SessionPreMarket  Session = "pre_market"
	SessionRegular    Session = "regular"
	SessionAfterHours Session = "after_hours"
	SessionClosed     Session = "closed"
)

// Extended reports pre-market or after-hours
func (s Session) Extended() bool {
	return s == SessionPreMarket || s == SessionAfterHours
}

// ExchangeLocation is the US equities exchange time zone
func ExchangeLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// SessionAt classifies t. marketOpen comes from the broker clock and wins
// over wall-clock heuristics for the regular session.
func SessionAt(t time.Time, loc *time.Location, marketOpen bool) Session {
	if marketOpen {
		return SessionRegular
	}
	local := t.In(loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return SessionClosed
	}
	minutes := local.Hour()*60 + local.Minute()
	switch {
	case minutes >= 4*60 && minutes < 9*60+30:
		return SessionPreMarket
	case minutes >= 16*60 && minutes < 20*60:
		return SessionAfterHours
	}
	return SessionClosed
}

// TradingDay is the exchange-local calendar date used for day-scoped state
func TradingDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
