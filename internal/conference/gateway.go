// Package conference abstracts the WebRTC side of the bridge. The
// [Gateway] interface decouples sender binding and session logic from the
// pion/webrtc dependency so both can be tested against an in-memory fake;
// [PionGateway] is the production implementation.
package conference

import (
	"context"
	"time"

	"github.com/pion/rtp"
)

// LocalTrack is an outbound audio track owned by the bridge, carrying
// synthesized agent speech into the conference.
type LocalTrack interface {
	// ID returns the track identifier used for sender discovery.
	ID() string

	// WriteSample writes one encoded media sample to the track. Writing
	// to a track with no active sender is a no-op.
	WriteSample(data []byte, duration time.Duration) error
}

// RemoteTrack is an inbound audio track from a conference participant.
type RemoteTrack interface {
	// ID returns the remote track identifier.
	ID() string

	// Codec returns the track's MIME type, e.g. "audio/opus".
	Codec() string

	// ReadRTP blocks until the next RTP packet arrives. It returns
	// io.EOF when the track ends.
	ReadRTP() (*rtp.Packet, error)
}

// Sender is an outbound RTP sender on a peer connection. At most one
// sender per peer connection carries the agent track at any time.
type Sender interface {
	// TrackID returns the ID of the attached local track, or "" when the
	// sender has no track.
	TrackID() string

	// ReplaceTrack swaps the attached track without renegotiation.
	ReplaceTrack(t LocalTrack) error

	// Stop detaches the sender from its peer connection.
	Stop() error
}

// PeerConn is one conference peer connection.
type PeerConn interface {
	// ID identifies the peer connection for logging and events.
	ID() string

	// Active reports whether the connection is in the connected state.
	// Discovery prefers active connections.
	Active() bool

	// Senders returns the connection's current outbound senders.
	Senders() []Sender

	// AddTrack attaches a local track, creating a new sender.
	AddTrack(t LocalTrack) (Sender, error)

	// AddSendOnlyTransceiver attaches a local track on a fresh send-only
	// transceiver. Last-resort path when AddTrack does not surface a
	// usable sender.
	AddSendOnlyTransceiver(t LocalTrack) (Sender, error)
}

// Gateway is the conference attachment point.
type Gateway interface {
	// NewLocalTrack creates an outbound Opus track with the given ID.
	NewLocalTrack(id string) (LocalTrack, error)

	// PeerConnections returns a snapshot of current peer connections.
	PeerConnections() []PeerConn

	// OnRemoteTrack registers cb for inbound participant tracks. The
	// callback runs on an internal goroutine and must not block.
	OnRemoteTrack(cb func(RemoteTrack))

	// OnTopology registers cb for peer connection topology changes.
	// The callback runs on an internal goroutine and must not block.
	OnTopology(cb func(TopologyEvent))

	// Close tears down all peer connections.
	Close(ctx context.Context) error
}
