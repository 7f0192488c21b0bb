package transport

// State is the connection state of a [Client].
type State int

const (
	// StateDisconnected means no socket is open. The client is either idle
	// before Connect or waiting out a reconnect delay.
	StateDisconnected State = iota

	// StateConnecting means a dial attempt is in flight.
	StateConnecting

	// StateConnected means the socket is open and the pending queue has
	// been handed to the writer.
	StateConnected

	// StateFailed means the reconnect budget is exhausted. Terminal; a new
	// Client must be created to retry.
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
