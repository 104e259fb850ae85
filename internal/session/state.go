package session

// State is the single source of truth for one Controller's lifecycle.
//
//	Idle → Offering | Answering → Connecting → Connected
//
// Disconnected and Failed are reachable from any non-terminal state.
// Connected can degrade back to Disconnected; Failed is terminal until
// Close. A Controller is single-use: after Close (or Failed) a caller
// retries with a fresh Controller, never the same instance.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
