package conference

// TopologyEventType classifies a change in the set of peer connections.
type TopologyEventType int

const (
	// PeerAdded is emitted when a new peer connection reaches the
	// connected state.
	PeerAdded TopologyEventType = iota

	// PeerRemoved is emitted when a peer connection disconnects, fails,
	// or is closed.
	PeerRemoved

	// Renegotiated is emitted when a previously connected peer reaches
	// the connected state again, e.g. after an ICE restart. Cached sender
	// references may be stale afterwards.
	Renegotiated
)

func (t TopologyEventType) String() string {
	switch t {
	case PeerAdded:
		return "peer_added"
	case PeerRemoved:
		return "peer_removed"
	case Renegotiated:
		return "renegotiated"
	default:
		return "unknown"
	}
}

// TopologyEvent describes one peer connection topology change. Consumers
// that hold sender references should re-run discovery when they see one.
type TopologyEvent struct {
	Type   TopologyEventType
	PeerID string
}
