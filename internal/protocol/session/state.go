package session

// State is the engine lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateReady
	StateClosed
)

var allStates = []State{StateDisconnected, StateConnecting, StateSubscribing, StateReady, StateClosed}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func stateNames() []string {
	out := make([]string, 0, len(allStates))
	for _, s := range allStates {
		out = append(out, s.String())
	}
	return out
}

// CloseReason explains a transition into StateClosed.
type CloseReason string

const (
	ReasonNone         CloseReason = ""
	ReasonShutdown     CloseReason = "shutdown"
	ReasonRemoteClosed CloseReason = "remote-closed"
	ReasonTransport    CloseReason = "transport"
	ReasonUncorrelated CloseReason = "uncorrelated-response"
	ReasonHandshake    CloseReason = "handshake"
)
