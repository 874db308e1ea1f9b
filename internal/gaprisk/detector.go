// Package gaprisk watches positions outside regular hours for sharp moves
// against the last recorded close and cuts deep extended-hours losses with
// limit orders.
package gaprisk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

// Config holds gap detection thresholds
type Config struct {
	PreMarketThresholdPct  float64 `json:"pre_market_threshold_pct" yaml:"pre_market_threshold_pct"`
	AfterHoursThresholdPct float64 `json:"after_hours_threshold_pct" yaml:"after_hours_threshold_pct"`
	ExtendedLossCutPct     float64 `json:"extended_loss_cut_pct" yaml:"extended_loss_cut_pct"`
	LimitOffsetPct         float64 `json:"limit_offset_pct" yaml:"limit_offset_pct"`
	RecordCloseHour        int     `json:"record_close_hour" yaml:"record_close_hour"`
	RecordCloseMinute      int     `json:"record_close_minute" yaml:"record_close_minute"`
}

// DefaultConfig returns 5% gap thresholds, a -6% extended-hours cut priced
// 1% through the quote, and closes recorded from 15:45 exchange time.
func DefaultConfig() Config {
	return Config{
		PreMarketThresholdPct:  5,
		AfterHoursThresholdPct: 5,
		ExtendedLossCutPct:     -6,
		LimitOffsetPct:         1,
		RecordCloseHour:        15,
		RecordCloseMinute:      45,
	}
}

// Alert is a detected gap
type Alert struct {
	Symbol         string    `json:"symbol"`
	MovePct        float64   `json:"move_pct"`
	CurrentPrice   float64   `json:"current_price"`
	ReferenceClose float64   `json:"reference_close"`
	Session        Session   `json:"session"`
	DedupKey       string    `json:"dedup_key"`
	DetectedAt     time.Time `json:"detected_at"`
}

// Detector is the stateful gap evaluator. Sent alert keys and extended-hours
// action keys are day-scoped and cleared when the trading day changes.
type Detector struct {
	cfg    Config
	loc    *time.Location
	logger zerolog.Logger

	mu       sync.Mutex
	day      string
	closes   map[string]float64
	closeDay string
	sent     map[string]bool
	acted    map[string]bool
}

// NewDetector creates a new gap risk detector
func NewDetector(cfg Config, loc *time.Location, logger zerolog.Logger) *Detector {
	if loc == nil {
		loc = ExchangeLocation()
	}
	return &Detector{
		cfg:    cfg,
		loc:    loc,
		logger: logger.With().Str("component", "GapRiskDetector").Logger(),
		closes: make(map[string]float64),
		sent:   make(map[string]bool),
		acted:  make(map[string]bool),
	}
}

// Threshold returns the gap threshold for a session
func (d *Detector) Threshold(s Session) float64 {
	switch s {
	case SessionPreMarket:
		return d.cfg.PreMarketThresholdPct
	case SessionAfterHours:
		return d.cfg.AfterHoursThresholdPct
	}
	return math.Max(d.cfg.PreMarketThresholdPct, d.cfg.AfterHoursThresholdPct)
}

// Check returns an alert when the move since the recorded close exceeds the
// session threshold and the same symbol/severity bucket has not alerted today.
func (d *Detector) Check(symbol string, livePrice, recordedClose float64, session Session, now time.Time) *Alert {
	if recordedClose <= 0 || livePrice <= 0 {
		return nil
	}

	move := (livePrice - recordedClose) / recordedClose * 100
	if math.Abs(move) <= d.Threshold(session) {
		return nil
	}

	key := DedupKey(symbol, move)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollLocked(now)
	if d.sent[key] {
		return nil
	}
	d.sent[key] = true

	d.logger.Warn().
		Str("symbol", symbol).
		Float64("move_pct", move).
		Float64("reference_close", recordedClose).
		Float64("price", livePrice).
		Str("session", string(session)).
		Msg("Gap detected")

	return &Alert{
		Symbol:         symbol,
		MovePct:        move,
		CurrentPrice:   livePrice,
		ReferenceClose: recordedClose,
		Session:        session,
		DedupKey:       key,
		DetectedAt:     now,
	}
}

// DedupKey is symbol plus the integer severity bucket of the move
func DedupKey(symbol string, movePct float64) string {
	return fmt.Sprintf("%s:%d", symbol, int(math.Floor(math.Abs(movePct))))
}

// RecordCloses snapshots each position's price as the day's reference close.
// It only records at or after the configured end-of-day time and returns the
// number of symbols recorded.
func (d *Detector) RecordCloses(positions []broker.Position, now time.Time) int {
	local := now.In(d.loc)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), d.cfg.RecordCloseHour, d.cfg.RecordCloseMinute, 0, 0, d.loc)
	if local.Before(cutoff) {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, p := range positions {
		if p.Qty == 0 || p.CurrentPrice <= 0 {
			continue
		}
		d.closes[p.Symbol] = p.CurrentPrice
		n++
	}
	d.closeDay = TradingDay(now, d.loc)
	return n
}

// ReferenceClose returns the recorded close for a position, falling back to
// the broker's previous-session price when nothing was recorded.
func (d *Detector) ReferenceClose(p broker.Position) (float64, bool) {
	d.mu.Lock()
	price, ok := d.closes[p.Symbol]
	d.mu.Unlock()
	if ok && price > 0 {
		return price, true
	}
	if p.LastdayPrice > 0 {
		return p.LastdayPrice, true
	}
	return 0, false
}

// Forget drops state for a closed position
func (d *Detector) Forget(symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.closes, symbol)
}

// ResetDay clears day-scoped dedup and action keys
func (d *Detector) ResetDay(day string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.day = day
	d.sent = make(map[string]bool)
	d.acted = make(map[string]bool)
}

// SentKeys returns the alert keys sent today
func (d *Detector) SentKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.sent))
	for k := range d.sent {
		keys = append(keys, k)
	}
	return keys
}

func (d *Detector) rollLocked(now time.Time) {
	day := TradingDay(now, d.loc)
	if d.day == day {
		return
	}
	d.day = day
	d.sent = make(map[string]bool)
	d.acted = make(map[string]bool)
}
