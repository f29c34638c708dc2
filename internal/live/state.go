package live

// State is the connection status exposed to UI consumers.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type eventKind int

const (
	evIdentity eventKind = iota
	evStartOK
	evStartFailed
	evReconnecting
	evReconnected
	evClosed
	evRetryFire
	evManualFire
	evInbound
	evClearUnread
	evHistory
	evResync
	evReconnectRequest
)

func (k eventKind) String() string {
	switch k {
	case evIdentity:
		return "identity"
	case evStartOK:
		return "start_ok"
	case evStartFailed:
		return "start_failed"
	case evReconnecting:
		return "reconnecting"
	case evReconnected:
		return "reconnected"
	case evClosed:
		return "closed"
	case evRetryFire:
		return "retry_fire"
	case evManualFire:
		return "manual_fire"
	case evInbound:
		return "inbound"
	case evClearUnread:
		return "clear_unread"
	case evHistory:
		return "history"
	case evResync:
		return "resync"
	case evReconnectRequest:
		return "reconnect_request"
	default:
		return "unknown"
	}
}

// transitions holds the only state changes the manager performs in
// response to connection lifecycle events. Identity events are handled
// separately: login always moves to connecting, logout to disconnected.
var transitions = map[State]map[eventKind]State{
	StateDisconnected: {
		evRetryFire:  StateConnecting,
		evManualFire: StateConnecting,
	},
	StateConnecting: {
		evStartOK:     StateConnected,
		evStartFailed: StateDisconnected,
	},
	StateConnected: {
		evReconnecting: StateReconnecting,
		evClosed:       StateDisconnected,
	},
	StateReconnecting: {
		evReconnected: StateConnected,
		evClosed:      StateDisconnected,
	},
}

func nextState(from State, ev eventKind) (State, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}
