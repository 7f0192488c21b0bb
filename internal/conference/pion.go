package conference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/hirevox/voicebridge/pkg/audio/opus"
)

// Config configures a [PionGateway].
type Config struct {
	// STUNServers are STUN server URLs, e.g. "stun:stun.l.google.com:19302".
	STUNServers []string
}

// PionGateway is the production [Gateway] built on pion/webrtc. Peers
// join through [PionGateway.HandleOffer]; each offer creates one peer
// connection negotiated for mono Opus audio.
//
// PionGateway is safe for concurrent use.
type PionGateway struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer

	mu            sync.RWMutex
	peers         map[string]*pionPeer
	onRemoteTrack func(RemoteTrack)
	onTopology    func(TopologyEvent)
	closed        bool
}

var _ Gateway = (*PionGateway)(nil)

// NewPionGateway creates a gateway whose media engine speaks mono Opus at
// the conference rate.
func NewPionGateway(cfg Config) (*PionGateway, error) {
	mediaEngine := &webrtc.MediaEngine{}
	err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opus.SampleRate,
			Channels:    opus.Channels,
			SDPFmtpLine: "minptime=10;useinbandfec=1;stereo=0;sprop-stereo=0",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, fmt.Errorf("conference: register opus codec: %w", err)
	}

	var iceServers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}

	return &PionGateway{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		iceServers: iceServers,
		peers:      make(map[string]*pionPeer),
	}, nil
}

// HandleOffer negotiates a new peer connection from the remote SDP offer
// and returns the local SDP answer with ICE candidates gathered. The
// returned answer is complete; no trickle follow-up is required.
func (g *PionGateway) HandleOffer(ctx context.Context, peerID, offerSDP string) (string, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return "", fmt.Errorf("conference: gateway is closed")
	}
	if _, exists := g.peers[peerID]; exists {
		g.mu.Unlock()
		return "", fmt.Errorf("conference: peer %q already connected", peerID)
	}
	g.mu.Unlock()

	pc, err := g.api.NewPeerConnection(webrtc.Configuration{ICEServers: g.iceServers})
	if err != nil {
		return "", fmt.Errorf("conference: create peer connection: %w", err)
	}

	peer := &pionPeer{id: peerID, pc: pc}
	g.wireHandlers(peer)

	g.mu.Lock()
	g.peers[peerID] = peer
	g.mu.Unlock()

	answer, err := g.negotiate(ctx, pc, offerSDP)
	if err != nil {
		g.dropPeer(peerID)
		_ = pc.Close()
		return "", err
	}
	return answer, nil
}

// AddICECandidate feeds a trickled remote ICE candidate to the peer.
func (g *PionGateway) AddICECandidate(peerID, candidate string) error {
	g.mu.RLock()
	peer, ok := g.peers[peerID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("conference: peer %q not found", peerID)
	}
	return peer.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// RemovePeer closes and forgets the peer connection.
func (g *PionGateway) RemovePeer(peerID string) error {
	g.mu.Lock()
	peer, ok := g.peers[peerID]
	delete(g.peers, peerID)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("conference: peer %q not found", peerID)
	}
	return peer.pc.Close()
}

// NewLocalTrack creates an outbound Opus sample track.
func (g *PionGateway) NewLocalTrack(id string) (LocalTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opus.SampleRate,
		Channels:  opus.Channels,
	}, id, "voicebridge")
	if err != nil {
		return nil, fmt.Errorf("conference: create local track: %w", err)
	}
	return &SampleTrack{t: t}, nil
}

// PeerConnections returns a snapshot of current peer connections.
func (g *PionGateway) PeerConnections() []PeerConn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap := make([]PeerConn, 0, len(g.peers))
	for _, p := range g.peers {
		snap = append(snap, p)
	}
	return snap
}

// OnRemoteTrack registers the inbound track callback. Subsequent calls
// replace the previous registration.
func (g *PionGateway) OnRemoteTrack(cb func(RemoteTrack)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRemoteTrack = cb
}

// OnTopology registers the topology callback. Subsequent calls replace
// the previous registration.
func (g *PionGateway) OnTopology(cb func(TopologyEvent)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTopology = cb
}

// Close tears down all peer connections. Safe to call more than once.
func (g *PionGateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	peers := make([]*pionPeer, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	g.peers = make(map[string]*pionPeer)
	g.mu.Unlock()

	var firstErr error
	for _, p := range peers {
		if err := p.pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *PionGateway) wireHandlers(peer *pionPeer) {
	pc := peer.pc

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		slog.Info("conference: remote track",
			"peer", peer.id, "track", track.ID(), "codec", track.Codec().MimeType)
		g.mu.RLock()
		cb := g.onRemoteTrack
		g.mu.RUnlock()
		if cb != nil {
			go cb(&pionRemoteTrack{t: track})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Info("conference: peer state", "peer", peer.id, "state", state)
		if ev, ok := peer.connectionTopology(state); ok {
			g.emitTopology(ev)
		}
	})

	pc.OnNegotiationNeeded(func() {
		// Fires for every local AddTrack/RemoveTrack, including the
		// binder's own sender maintenance. Not a topology event:
		// forwarding it would make each rebind schedule the next one.
		slog.Debug("conference: negotiation needed", "peer", peer.id)
	})
}

func (g *PionGateway) negotiate(ctx context.Context, pc *webrtc.PeerConnection, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("conference: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("conference: create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("conference: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("conference: ICE gathering: %w", ctx.Err())
	}
	return pc.LocalDescription().SDP, nil
}

func (g *PionGateway) dropPeer(peerID string) {
	g.mu.Lock()
	delete(g.peers, peerID)
	g.mu.Unlock()
}

func (g *PionGateway) emitTopology(ev TopologyEvent) {
	g.mu.RLock()
	cb := g.onTopology
	g.mu.RUnlock()
	if cb != nil {
		go cb(ev)
	}
}

// SampleTrack wraps a pion sample track as a [LocalTrack].
type SampleTrack struct {
	t *webrtc.TrackLocalStaticSample
}

func (s *SampleTrack) ID() string { return s.t.ID() }

func (s *SampleTrack) WriteSample(data []byte, duration time.Duration) error {
	return s.t.WriteSample(media.Sample{Data: data, Duration: duration})
}

// pionPeer implements [PeerConn] over a pion peer connection.
type pionPeer struct {
	id            string
	pc            *webrtc.PeerConnection
	active        atomic.Bool
	everConnected atomic.Bool
}

func (p *pionPeer) ID() string   { return p.id }
func (p *pionPeer) Active() bool { return p.active.Load() }

// connectionTopology maps a peer connection state change onto the topology
// event it represents, if any. Reaching connected again after a drop (ICE
// restart, SFU migration) surfaces as Renegotiated rather than a second
// PeerAdded, so the binder re-runs sender discovery instead of
// preallocation.
func (p *pionPeer) connectionTopology(state webrtc.PeerConnectionState) (TopologyEvent, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.active.Store(true)
		if p.everConnected.Swap(true) {
			return TopologyEvent{Type: Renegotiated, PeerID: p.id}, true
		}
		return TopologyEvent{Type: PeerAdded, PeerID: p.id}, true
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		if p.active.Swap(false) {
			return TopologyEvent{Type: PeerRemoved, PeerID: p.id}, true
		}
	}
	return TopologyEvent{}, false
}

func (p *pionPeer) Senders() []Sender {
	senders := p.pc.GetSenders()
	out := make([]Sender, 0, len(senders))
	for _, s := range senders {
		out = append(out, &pionSender{pc: p.pc, s: s})
	}
	return out
}

func (p *pionPeer) AddTrack(t LocalTrack) (Sender, error) {
	st, err := unwrapTrack(t)
	if err != nil {
		return nil, err
	}
	s, err := p.pc.AddTrack(st)
	if err != nil {
		return nil, fmt.Errorf("conference: add track: %w", err)
	}
	return &pionSender{pc: p.pc, s: s}, nil
}

func (p *pionPeer) AddSendOnlyTransceiver(t LocalTrack) (Sender, error) {
	st, err := unwrapTrack(t)
	if err != nil {
		return nil, err
	}
	tr, err := p.pc.AddTransceiverFromTrack(st, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return nil, fmt.Errorf("conference: add transceiver: %w", err)
	}
	return &pionSender{pc: p.pc, s: tr.Sender()}, nil
}

// pionSender implements [Sender]. It keeps the owning peer connection so
// Stop can detach the sender.
type pionSender struct {
	pc *webrtc.PeerConnection
	s  *webrtc.RTPSender
}

func (s *pionSender) TrackID() string {
	if t := s.s.Track(); t != nil {
		return t.ID()
	}
	return ""
}

func (s *pionSender) ReplaceTrack(t LocalTrack) error {
	if t == nil {
		return s.s.ReplaceTrack(nil)
	}
	st, err := unwrapTrack(t)
	if err != nil {
		return err
	}
	return s.s.ReplaceTrack(st)
}

func (s *pionSender) Stop() error {
	return s.pc.RemoveTrack(s.s)
}

// pionRemoteTrack implements [RemoteTrack].
type pionRemoteTrack struct {
	t *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string    { return t.t.ID() }
func (t *pionRemoteTrack) Codec() string { return t.t.Codec().MimeType }

func (t *pionRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.t.ReadRTP()
	return pkt, err
}

func unwrapTrack(t LocalTrack) (*webrtc.TrackLocalStaticSample, error) {
	st, ok := t.(*SampleTrack)
	if !ok {
		return nil, fmt.Errorf("conference: unsupported local track type %T", t)
	}
	return st.t, nil
}
