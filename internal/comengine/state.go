package comengine

// State is a channel task's position in the connection state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateIdle         State = "idle"
	StatePolling      State = "polling"
	StateWriting      State = "writing"
	StateFaulted      State = "faulted"
)

// validTransitions enumerates the legal state-machine edges.
var validTransitions = map[State]map[State]bool{
	StateDisconnected: {
		StateConnecting: true,
	},
	StateConnecting: {
		StateIdle:         true,
		StateFaulted:      true,
		StateDisconnected: true,
	},
	StateIdle: {
		StatePolling:      true,
		StateWriting:      true,
		StateDisconnected: true,
		StateFaulted:      true,
	},
	StatePolling: {
		StateIdle:         true,
		StateFaulted:      true,
		StateDisconnected: true,
	},
	StateWriting: {
		StateIdle:         true,
		StateFaulted:      true,
		StateDisconnected: true,
	},
	StateFaulted: {
		StateConnecting:   true,
		StateDisconnected: true,
	},
}

// IsValidTransition reports whether from->to is a legal channel-state edge.
func IsValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
