package autopilot

// State of the control loop
type State string

const (
	StateWaitingForMarket  State = "WAITING_FOR_MARKET"
	StateRunning           State = "RUNNING"
	StateShuttingDown      State = "SHUTTING_DOWN"
	StateEmergencyShutdown State = "EMERGENCY_SHUTDOWN"
	StateStopped           State = "STOPPED"
)

// ValidTransitions lists the allowed transitions between loop states
var ValidTransitions = map[State][]State{
	StateWaitingForMarket:  {StateRunning, StateShuttingDown, StateEmergencyShutdown},
	StateRunning:           {StateWaitingForMarket, StateShuttingDown, StateEmergencyShutdown},
	StateShuttingDown:      {StateStopped},
	StateEmergencyShutdown: {StateStopped}, // restart requires a new process
	StateStopped:           {},
}

// CanTransition checks whether a transition is allowed
func CanTransition(from, to State) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo returns a human readable description for dashboards
func StateInfo(s State) string {
	switch s {
	case StateWaitingForMarket:
		return "Market closed, watching extended hours"
	case StateRunning:
		return "Protecting positions"
	case StateShuttingDown:
		return "Stopping on operator request"
	case StateEmergencyShutdown:
		return "Emergency: liquidating and cancelling all orders"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown state"
	}
}

// IsTerminal reports whether the loop is on its way out
func IsTerminal(s State) bool {
	return s == StateShuttingDown || s == StateEmergencyShutdown || s == StateStopped
}
