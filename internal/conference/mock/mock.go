// Package mock provides an in-memory [conference.Gateway] for testing
// sender binding and session orchestration without pion.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/hirevox/voicebridge/internal/conference"
)

// Gateway is an in-memory conference gateway. Tests add peers and emit
// events directly.
type Gateway struct {
	mu            sync.Mutex
	peers         []*Peer
	onRemoteTrack func(conference.RemoteTrack)
	onTopology    func(conference.TopologyEvent)

	// NewTrackErr, when set, is returned by NewLocalTrack.
	NewTrackErr error
}

var _ conference.Gateway = (*Gateway)(nil)

func NewGateway() *Gateway {
	return &Gateway{}
}

// AddPeer registers a new in-memory peer connection.
func (g *Gateway) AddPeer(id string, active bool) *Peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := &Peer{id: id, active: active}
	g.peers = append(g.peers, p)
	return p
}

// RemovePeers drops all peers, simulating a full topology teardown.
func (g *Gateway) RemovePeers() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers = nil
}

// EmitRemoteTrack invokes the registered remote-track callback.
func (g *Gateway) EmitRemoteTrack(t conference.RemoteTrack) {
	g.mu.Lock()
	cb := g.onRemoteTrack
	g.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

// EmitTopology invokes the registered topology callback.
func (g *Gateway) EmitTopology(ev conference.TopologyEvent) {
	g.mu.Lock()
	cb := g.onTopology
	g.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (g *Gateway) NewLocalTrack(id string) (conference.LocalTrack, error) {
	if g.NewTrackErr != nil {
		return nil, g.NewTrackErr
	}
	return &Track{id: id}, nil
}

func (g *Gateway) PeerConnections() []conference.PeerConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := make([]conference.PeerConn, 0, len(g.peers))
	for _, p := range g.peers {
		snap = append(snap, p)
	}
	return snap
}

func (g *Gateway) OnRemoteTrack(cb func(conference.RemoteTrack)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRemoteTrack = cb
}

func (g *Gateway) OnTopology(cb func(conference.TopologyEvent)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTopology = cb
}

func (g *Gateway) Close(_ context.Context) error {
	g.RemovePeers()
	return nil
}

// Track is an in-memory local track recording written samples.
type Track struct {
	id string

	mu      sync.Mutex
	samples [][]byte
}

var _ conference.LocalTrack = (*Track)(nil)

func (t *Track) ID() string { return t.id }

func (t *Track) WriteSample(data []byte, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, data)
	return nil
}

// Samples returns the written sample payloads.
func (t *Track) Samples() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.samples...)
}

// Peer is an in-memory peer connection. The error and visibility knobs
// let tests force each binding fallback in turn.
type Peer struct {
	id     string
	active bool

	mu      sync.Mutex
	senders []*Sender

	// hideSenders makes the next n Senders calls return nothing,
	// simulating a sender that has not surfaced yet.
	hideSenders int

	// AddTrackErr, when set, is returned by AddTrack.
	AddTrackErr error

	// TransceiverErr, when set, is returned by AddSendOnlyTransceiver.
	TransceiverErr error

	senderCalls      int
	addTrackCalls    int
	transceiverCalls int
}

var _ conference.PeerConn = (*Peer)(nil)

func (p *Peer) ID() string   { return p.id }
func (p *Peer) Active() bool { return p.active }

// SetActive flips the connection state reported by Active.
func (p *Peer) SetActive(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = active
}

// HideSenders makes the next n Senders calls return an empty slice.
func (p *Peer) HideSenders(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hideSenders = n
}

func (p *Peer) Senders() []conference.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.senderCalls++
	if p.hideSenders > 0 {
		p.hideSenders--
		return nil
	}
	snap := make([]conference.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		if !s.stopped() {
			snap = append(snap, s)
		}
	}
	return snap
}

func (p *Peer) AddTrack(t conference.LocalTrack) (conference.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addTrackCalls++
	if p.AddTrackErr != nil {
		return nil, p.AddTrackErr
	}
	s := &Sender{track: t}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *Peer) AddSendOnlyTransceiver(t conference.LocalTrack) (conference.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transceiverCalls++
	if p.TransceiverErr != nil {
		return nil, p.TransceiverErr
	}
	s := &Sender{track: t}
	p.senders = append(p.senders, s)
	return s, nil
}

// SenderCalls returns how many times Senders was queried.
func (p *Peer) SenderCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senderCalls
}

// AddTrackCalls returns how many times AddTrack was invoked.
func (p *Peer) AddTrackCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addTrackCalls
}

// TransceiverCalls returns how many times AddSendOnlyTransceiver was
// invoked.
func (p *Peer) TransceiverCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transceiverCalls
}

// ActiveSenders returns the peer's non-stopped senders regardless of
// HideSenders, for invariant assertions.
func (p *Peer) ActiveSenders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Sender
	for _, s := range p.senders {
		if !s.stopped() {
			out = append(out, s)
		}
	}
	return out
}

// Sender is an in-memory RTP sender.
type Sender struct {
	mu       sync.Mutex
	track    conference.LocalTrack
	isStop   bool
	replaced []string

	// ReplaceErr, when set, is returned by ReplaceTrack.
	ReplaceErr error
}

var _ conference.Sender = (*Sender)(nil)

func (s *Sender) TrackID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return ""
	}
	return s.track.ID()
}

func (s *Sender) ReplaceTrack(t conference.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReplaceErr != nil {
		return s.ReplaceErr
	}
	s.track = t
	if t != nil {
		s.replaced = append(s.replaced, t.ID())
	} else {
		s.replaced = append(s.replaced, "")
	}
	return nil
}

func (s *Sender) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isStop = true
	return nil
}

// Replaced returns the IDs of tracks swapped in via ReplaceTrack, in
// order.
func (s *Sender) Replaced() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.replaced...)
}

func (s *Sender) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isStop
}
