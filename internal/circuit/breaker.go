package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed BreakerState = "closed" // Normal operation
	StateOpen   BreakerState = "open"   // Tripped; terminal for the session
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool          `json:"enabled" yaml:"enabled"`
	MaxDailyDrawdownPct float64       `json:"max_daily_drawdown_pct" yaml:"max_daily_drawdown_pct"` // % drop from the day's high-water equity
	FlashCrashPct       float64       `json:"flash_crash_pct" yaml:"flash_crash_pct"`               // % drop from recent high-water
	FlashCrashWindow    time.Duration `json:"flash_crash_window" yaml:"flash_crash_window"`         // how recent the high-water must be
}

// DefaultCircuitBreakerConfig returns safe defaults
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Enabled:             true,
		MaxDailyDrawdownPct: 6.0,              // 6% daily drawdown
		FlashCrashPct:       4.0,              // 4% drop inside the window
		FlashCrashWindow:    15 * time.Minute, // measured against the last 15 minutes
	}
}

type equitySample struct {
	at     time.Time
	equity float64
}

// CircuitBreaker is the portfolio kill switch. Once tripped it stays open
// until the process restarts; there is no reset path.
type CircuitBreaker struct {
	config       *CircuitBreakerConfig
	state        BreakerState
	sessionDay   string
	startEquity  float64
	highWater    float64
	lastEquity   float64
	samples      []equitySample
	tripReason   string
	lastTripTime time.Time
	drawdownPct  float64
	mu           sync.RWMutex
	onTrip       func(reason string)
	now          func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// SetClock overrides the time source
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// OnTrip sets callback for when breaker trips
func (cb *CircuitBreaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// StartSession begins a new trading day with the given starting equity. The
// high-water mark restarts; a tripped breaker stays tripped.
func (cb *CircuitBreaker) StartSession(day string, startEquity float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.sessionDay == day {
		return
	}
	cb.sessionDay = day
	cb.startEquity = startEquity
	cb.highWater = startEquity
	cb.samples = cb.samples[:0]
	if startEquity > 0 {
		cb.samples = append(cb.samples, equitySample{at: cb.now(), equity: startEquity})
	}
}

// Check records the current equity and reports whether the breaker is tripped
func (cb *CircuitBreaker) Check(currentEquity float64) (bool, string) {
	if !cb.config.Enabled {
		return false, ""
	}

	cb.mu.Lock()

	if cb.state == StateOpen {
		reason := cb.tripReason
		cb.mu.Unlock()
		return true, reason
	}
	if math.IsNaN(currentEquity) || math.IsInf(currentEquity, 0) || currentEquity <= 0 {
		cb.mu.Unlock()
		return false, ""
	}

	now := cb.now()
	if cb.startEquity <= 0 {
		cb.startEquity = currentEquity
	}
	cb.lastEquity = currentEquity
	if currentEquity > cb.highWater {
		cb.highWater = currentEquity
	}
	cb.samples = append(cb.samples, equitySample{at: now, equity: currentEquity})
	cb.pruneSamples(now)

	// Drawdown counts from the higher of the session start and the day's peak.
	base := math.Max(cb.startEquity, cb.highWater)
	cb.drawdownPct = (base - currentEquity) * 100 / base

	var reason string
	if cb.drawdownPct >= cb.config.MaxDailyDrawdownPct {
		reason = fmt.Sprintf("daily drawdown %.2f%% >= %.2f%% (start $%.2f, high-water $%.2f, now $%.2f)",
			cb.drawdownPct, cb.config.MaxDailyDrawdownPct, cb.startEquity, cb.highWater, currentEquity)
	} else if peak := cb.recentPeak(); peak > 0 && cb.config.FlashCrashPct > 0 {
		drop := (peak - currentEquity) * 100 / peak
		if drop >= cb.config.FlashCrashPct {
			reason = fmt.Sprintf("flash crash: equity fell %.2f%% from $%.2f within %v",
				drop, peak, cb.config.FlashCrashWindow)
		}
	}

	if reason == "" {
		cb.mu.Unlock()
		return false, ""
	}

	cb.trip(reason)
	handler := cb.onTrip
	stats := cb.statsLocked()
	cb.mu.Unlock()

	if handler != nil {
		handler(reason)
	}
	events.BroadcastCircuitBreaker(stats)
	return true, reason
}

// trip opens the circuit breaker
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTripTime = cb.now()
	cb.tripReason = reason
}

func (cb *CircuitBreaker) pruneSamples(now time.Time) {
	cutoff := now.Add(-cb.config.FlashCrashWindow)
	i := 0
	for i < len(cb.samples) && cb.samples[i].at.Before(cutoff) {
		i++
	}
	cb.samples = cb.samples[i:]
}

func (cb *CircuitBreaker) recentPeak() float64 {
	peak := 0.0
	for _, s := range cb.samples {
		if s.equity > peak {
			peak = s.equity
		}
	}
	return peak
}

// IsTripped reports whether trading is halted
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateOpen
}

// GetState returns current breaker state
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// TripReason returns why the breaker tripped, or ""
func (cb *CircuitBreaker) TripReason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripReason
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.statsLocked()
}

func (cb *CircuitBreaker) statsLocked() map[string]interface{} {
	return map[string]interface{}{
		"state":           string(cb.state),
		"session_day":     cb.sessionDay,
		"start_equity":    cb.startEquity,
		"high_water":      cb.highWater,
		"last_equity":     cb.lastEquity,
		"drawdown_pct":    cb.drawdownPct,
		"trip_reason":     cb.tripReason,
		"last_trip_time":  cb.lastTripTime,
		"max_drawdown":    cb.config.MaxDailyDrawdownPct,
		"flash_crash_pct": cb.config.FlashCrashPct,
	}
}

// IsEnabled returns if circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.config.Enabled
}

// GetConfig returns a copy of the current configuration
func (cb *CircuitBreaker) GetConfig() CircuitBreakerConfig {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return *cb.config
}
