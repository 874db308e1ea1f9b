package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCycleCompleted     EventType = "CYCLE_COMPLETED"
	EventStateChanged       EventType = "STATE_CHANGED"
	EventPositionProtected  EventType = "POSITION_PROTECTED"
	EventProtectionFailed   EventType = "PROTECTION_FAILED"
	EventRemediation        EventType = "REMEDIATION"
	EventLiquidation        EventType = "LIQUIDATION"
	EventGapAlert           EventType = "GAP_ALERT"
	EventCircuitBreakerTrip EventType = "CIRCUIT_BREAKER_TRIP"
	EventVerificationFailed EventType = "VERIFICATION_FAILED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers without waiting for them
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishStateChanged publishes a scheduler state transition
func (eb *EventBus) PublishStateChanged(from, to, reason string) {
	eb.Publish(Event{
		Type: EventStateChanged,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishCycleCompleted publishes a control cycle summary
func (eb *EventBus) PublishCycleCompleted(cycle int64, positions, unprotected int, elapsed time.Duration) {
	eb.Publish(Event{
		Type: EventCycleCompleted,
		Data: map[string]interface{}{
			"cycle":       cycle,
			"positions":   positions,
			"unprotected": unprotected,
			"elapsed_ms":  elapsed.Milliseconds(),
		},
	})
}

// PublishProtection publishes the outcome of a protection attempt
func (eb *EventBus) PublishProtection(symbol, status, reason string, stopPrice float64, attempts int) {
	eventType := EventPositionProtected
	if status == "FAILED" {
		eventType = EventProtectionFailed
	}
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"status":     status,
			"reason":     reason,
			"stop_price": stopPrice,
			"attempts":   attempts,
		},
	})
}

// PublishRemediation publishes an executed policy intent
func (eb *EventBus) PublishRemediation(symbol, kind, rule string, qty float64, success bool) {
	eb.Publish(Event{
		Type: EventRemediation,
		Data: map[string]interface{}{
			"symbol":  symbol,
			"kind":    kind,
			"rule":    rule,
			"qty":     qty,
			"success": success,
		},
	})
}

// PublishLiquidation publishes a liquidation result
func (eb *EventBus) PublishLiquidation(symbol string, qty float64, success bool, errMsg string) {
	eb.Publish(Event{
		Type: EventLiquidation,
		Data: map[string]interface{}{
			"symbol":  symbol,
			"qty":     qty,
			"success": success,
			"error":   errMsg,
		},
	})
}

// PublishGapAlert publishes an extended-hours gap alert
func (eb *EventBus) PublishGapAlert(symbol, session string, movePct, price, reference float64) {
	eb.Publish(Event{
		Type: EventGapAlert,
		Data: map[string]interface{}{
			"symbol":          symbol,
			"session":         session,
			"move_pct":        movePct,
			"current_price":   price,
			"reference_close": reference,
		},
	})
}

// PublishCircuitBreakerTrip publishes a breaker trip
func (eb *EventBus) PublishCircuitBreakerTrip(reason string, equity float64) {
	eb.Publish(Event{
		Type: EventCircuitBreakerTrip,
		Data: map[string]interface{}{
			"reason": reason,
			"equity": equity,
		},
	})
}

// PublishVerificationFailed publishes a disagreement between the per-cycle
// and deep protection checks
func (eb *EventBus) PublishVerificationFailed(mismatches []string) {
	eb.Publish(Event{
		Type: EventVerificationFailed,
		Data: map[string]interface{}{
			"mismatches": mismatches,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}

// ============================================================================
// WebSocket broadcast callbacks
// These let packages like circuit and autopilot push state to operator
// dashboards without importing the api package.
// ============================================================================

// BroadcastFunc is a callback function for broadcasting events to dashboards
type BroadcastFunc func(data interface{})

var (
	broadcastMu             sync.RWMutex
	broadcastCircuitBreaker BroadcastFunc
	broadcastSystemStatus   BroadcastFunc
)

// SetBroadcastCircuitBreaker sets the callback for circuit breaker broadcasts
func SetBroadcastCircuitBreaker(fn BroadcastFunc) {
	broadcastMu.Lock()
	broadcastCircuitBreaker = fn
	broadcastMu.Unlock()
}

// SetBroadcastSystemStatus sets the callback for system status broadcasts
func SetBroadcastSystemStatus(fn BroadcastFunc) {
	broadcastMu.Lock()
	broadcastSystemStatus = fn
	broadcastMu.Unlock()
}

// BroadcastCircuitBreaker broadcasts circuit breaker state
func BroadcastCircuitBreaker(data interface{}) {
	broadcastMu.RLock()
	fn := broadcastCircuitBreaker
	broadcastMu.RUnlock()
	if fn != nil {
		go fn(data)
	}
}

// BroadcastSystemStatus broadcasts scheduler status
func BroadcastSystemStatus(data interface{}) {
	broadcastMu.RLock()
	fn := broadcastSystemStatus
	broadcastMu.RUnlock()
	if fn != nil {
		go fn(data)
	}
}
