// Package binder keeps the synthesized agent track attached to an outbound
// RTP sender in the conference. It pre-allocates a placeholder sender at
// connection setup so a stable sender exists before any agent audio, swaps
// the real track in via ReplaceTrack without renegotiation, and recovers
// from topology changes by re-running sender discovery.
package binder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hirevox/voicebridge/internal/conference"
	"github.com/hirevox/voicebridge/internal/observe"
)

// State describes what the managed sender currently carries.
type State int

const (
	// Unbound means no sender is held.
	Unbound State = iota

	// PlaceholderBound means a sender exists carrying the silent
	// placeholder track.
	PlaceholderBound

	// Bound means a sender exists carrying the agent track.
	Bound
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case PlaceholderBound:
		return "placeholder"
	case Bound:
		return "bound"
	default:
		return "unknown"
	}
}

var (
	// ErrNoPeers is returned by Preallocate when the conference has no
	// peer connections to attach a sender to.
	ErrNoPeers = errors.New("binder: no peer connections")

	// ErrBindExhausted is returned when discovery and every fallback
	// failed to produce a working sender.
	ErrBindExhausted = errors.New("binder: all bind fallbacks exhausted")
)

// Defaults for [Config] zero values.
const (
	// DefaultTrackID is the track ID shared by the placeholder and agent
	// tracks. A stable ID keeps sender discovery working across swaps.
	DefaultTrackID = "voicebridge-agent"

	// DefaultPollAttempts is how many times discovery re-lists senders
	// before falling back.
	DefaultPollAttempts = 5

	// DefaultPollDelay is the pause between discovery attempts.
	DefaultPollDelay = 200 * time.Millisecond

	// DefaultReaddAttempts bounds the remove-and-re-add fallback.
	DefaultReaddAttempts = 2

	// DefaultTransceiverAttempts bounds the fresh-transceiver fallback.
	DefaultTransceiverAttempts = 2
)

// Config configures a [Binder]. Zero values take defaults.
type Config struct {
	// Gateway is the conference attachment point. Required.
	Gateway conference.Gateway

	// Metrics receives bind counters and durations. When nil, metrics
	// are not recorded.
	Metrics *observe.Metrics

	// TrackID is the shared ID for placeholder and agent tracks.
	TrackID string

	// PollAttempts is the discovery retry budget.
	PollAttempts int

	// PollDelay is the pause between discovery retries.
	PollDelay time.Duration

	// ReaddAttempts bounds the remove-and-re-add fallback.
	ReaddAttempts int

	// TransceiverAttempts bounds the fresh-transceiver fallback.
	TransceiverAttempts int
}

func (c Config) withDefaults() Config {
	if c.TrackID == "" {
		c.TrackID = DefaultTrackID
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = DefaultPollAttempts
	}
	if c.PollDelay <= 0 {
		c.PollDelay = DefaultPollDelay
	}
	if c.ReaddAttempts <= 0 {
		c.ReaddAttempts = DefaultReaddAttempts
	}
	if c.TransceiverAttempts <= 0 {
		c.TransceiverAttempts = DefaultTransceiverAttempts
	}
	return c
}

// Binder manages at most one outbound sender for the agent track.
//
// Binder is safe for concurrent use. Bind operations serialize on opMu so
// the single-sender invariant holds under concurrent Bind and Rebind
// calls; mu guards only the state fields, so State and Bound stay
// responsive while a bind is waiting out its fallback delays.
type Binder struct {
	cfg     Config
	gw      conference.Gateway
	metrics *observe.Metrics

	opMu sync.Mutex // serializes Preallocate, Bind, and Rebind

	mu      sync.Mutex
	state   State
	sender  conference.Sender
	peerID  string                // peer the sender was acquired on
	current conference.LocalTrack // track attached to the sender
	agent   conference.LocalTrack // agent track once Bind has seen one
}

// New creates a Binder. Gateway must be non-nil.
func New(cfg Config) (*Binder, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("binder: gateway is required")
	}
	cfg = cfg.withDefaults()
	return &Binder{cfg: cfg, gw: cfg.Gateway, metrics: cfg.Metrics}, nil
}

// TrackID returns the shared track ID. The agent track must be created
// with this ID so discovery can find its sender.
func (b *Binder) TrackID() string {
	return b.cfg.TrackID
}

// State returns the current binding state.
func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Bound reports whether the agent track is attached to a live sender.
func (b *Binder) Bound() bool {
	return b.State() == Bound
}

// Preallocate attaches a silent placeholder track to the best available
// peer connection so a sender exists before the first agent audio. Calling
// it while a sender is already held is a no-op.
func (b *Binder) Preallocate(ctx context.Context) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	held := b.sender != nil
	b.mu.Unlock()
	if held {
		return nil
	}

	pc := b.bestPeer()
	if pc == nil {
		return ErrNoPeers
	}
	placeholder, err := b.gw.NewLocalTrack(b.cfg.TrackID)
	if err != nil {
		return fmt.Errorf("binder: create placeholder track: %w", err)
	}
	sender, err := pc.AddTrack(placeholder)
	if err != nil {
		return fmt.Errorf("binder: preallocate sender on peer %q: %w", pc.ID(), err)
	}
	b.store(PlaceholderBound, sender, pc.ID(), placeholder)
	slog.Info("binder: placeholder sender allocated", "peer", pc.ID(), "track", b.cfg.TrackID)
	return nil
}

// Bind attaches the agent track to the managed sender, swapping it in via
// ReplaceTrack when a sender is already held. When the held sender is gone
// or the swap fails, Bind runs sender discovery followed by the bounded
// fallbacks, in order: poll discovery, remove-and-re-add, fresh send-only
// transceiver.
func (b *Binder) Bind(ctx context.Context, track conference.LocalTrack) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "binder.bind")
	defer span.End()
	start := time.Now()

	b.mu.Lock()
	b.agent = track
	held := b.sender
	b.mu.Unlock()

	if held != nil {
		b.recordAttempt(ctx, "replace")
		if err := held.ReplaceTrack(track); err == nil {
			b.mu.Lock()
			b.current = track
			b.state = Bound
			b.mu.Unlock()
			b.recordBound(ctx, start)
			return nil
		} else {
			slog.Warn("binder: replace on held sender failed, rediscovering", "err", err)
			b.mu.Lock()
			b.sender = nil
			b.peerID = ""
			b.mu.Unlock()
		}
	}

	sender, peerID, err := b.acquire(ctx, track)
	if err != nil {
		b.store(Unbound, nil, "", nil)
		if b.metrics != nil {
			b.metrics.BindFailures.Add(ctx, 1)
		}
		return err
	}
	b.store(Bound, sender, peerID, track)
	b.recordBound(ctx, start)
	return nil
}

// Rebind re-attaches the currently held track after a topology change. A
// healthy held sender survives: when its peer connection still exists and
// the sender still carries the managed track ID, Rebind refreshes it in
// place via ReplaceTrack. Only a sender that is gone, orphaned, or broken
// is detached and reacquired through the fallback chain, so a renegotiation
// on a live peer does not cut the agent audio. A binder that never bound
// anything is a no-op.
func (b *Binder) Rebind(ctx context.Context) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	track := b.agent
	if track == nil {
		track = b.current
	}
	held := b.sender
	heldPeer := b.peerID
	agent := b.agent
	b.mu.Unlock()
	if track == nil {
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "binder.rebind")
	defer span.End()
	start := time.Now()

	boundState := PlaceholderBound
	if track == agent && agent != nil {
		boundState = Bound
	}

	if held != nil && b.peerPresent(heldPeer) && held.TrackID() == b.cfg.TrackID {
		b.recordAttempt(ctx, "replace")
		err := held.ReplaceTrack(track)
		if err == nil {
			b.mu.Lock()
			b.current = track
			b.state = boundState
			b.mu.Unlock()
			b.recordBound(ctx, start)
			return nil
		}
		slog.Warn("binder: replace on held sender failed during rebind", "err", err)
	}

	// The held sender is gone, orphaned on a removed peer, or refused the
	// swap. Detach it best-effort so the single-sender invariant survives
	// the reacquisition.
	if held != nil {
		if err := held.Stop(); err != nil {
			slog.Debug("binder: stop stale sender", "err", err)
		}
		b.mu.Lock()
		b.sender = nil
		b.peerID = ""
		b.mu.Unlock()
	}

	sender, peerID, err := b.acquire(ctx, track)
	if err != nil {
		b.store(Unbound, nil, "", nil)
		if b.metrics != nil {
			b.metrics.BindFailures.Add(ctx, 1)
		}
		return err
	}
	b.store(boundState, sender, peerID, track)
	b.recordBound(ctx, start)
	return nil
}

// store updates the guarded binding state in one critical section.
func (b *Binder) store(state State, sender conference.Sender, peerID string, track conference.LocalTrack) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	b.sender = sender
	b.peerID = peerID
	b.current = track
}

// peerPresent reports whether the peer connection is still known to the
// gateway.
func (b *Binder) peerPresent(id string) bool {
	if id == "" {
		return false
	}
	for _, pc := range b.gw.PeerConnections() {
		if pc.ID() == id {
			return true
		}
	}
	return false
}

// acquire finds or creates a sender for track and reports the peer it
// lives on. Caller holds opMu; acquire touches no guarded state, so State
// and Bound stay readable during the fallback delays.
func (b *Binder) acquire(ctx context.Context, track conference.LocalTrack) (conference.Sender, string, error) {
	var lastErr error

	// Discovery with a bounded poll: renegotiation can briefly hide the
	// sender from the peer connection's sender list.
	for attempt := 1; attempt <= b.cfg.PollAttempts; attempt++ {
		if sender, peerID := b.discover(); sender != nil {
			b.recordAttempt(ctx, "discovery")
			if err := sender.ReplaceTrack(track); err == nil {
				return sender, peerID, nil
			} else {
				lastErr = err
				slog.Warn("binder: replace on discovered sender failed", "attempt", attempt, "err", err)
				break
			}
		}
		if attempt < b.cfg.PollAttempts {
			if err := sleep(ctx, b.cfg.PollDelay); err != nil {
				return nil, "", err
			}
		}
	}

	// Remove and re-add: drop whatever sender carries our track ID and
	// attach the track on a fresh sender.
	for attempt := 1; attempt <= b.cfg.ReaddAttempts; attempt++ {
		b.recordAttempt(ctx, "readd")
		pc := b.bestPeer()
		if pc == nil {
			lastErr = ErrNoPeers
			break
		}
		if stale, _ := b.discover(); stale != nil {
			if err := stale.Stop(); err != nil {
				slog.Debug("binder: stop stale sender before re-add", "err", err)
			}
		}
		sender, err := pc.AddTrack(track)
		if err == nil {
			slog.Info("binder: bound via re-add", "peer", pc.ID(), "attempt", attempt)
			return sender, pc.ID(), nil
		}
		lastErr = err
		slog.Warn("binder: re-add failed", "peer", pc.ID(), "attempt", attempt, "err", err)
	}

	// Last resort: a fresh send-only transceiver.
	for attempt := 1; attempt <= b.cfg.TransceiverAttempts; attempt++ {
		b.recordAttempt(ctx, "transceiver")
		pc := b.bestPeer()
		if pc == nil {
			lastErr = ErrNoPeers
			break
		}
		sender, err := pc.AddSendOnlyTransceiver(track)
		if err == nil {
			slog.Info("binder: bound via send-only transceiver", "peer", pc.ID(), "attempt", attempt)
			return sender, pc.ID(), nil
		}
		lastErr = err
		slog.Warn("binder: transceiver fallback failed", "peer", pc.ID(), "attempt", attempt, "err", err)
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrBindExhausted, lastErr)
	}
	return nil, "", ErrBindExhausted
}

// discover walks peer connections, active ones first, looking for a sender
// carrying our track ID.
func (b *Binder) discover() (conference.Sender, string) {
	peers := b.gw.PeerConnections()
	for _, active := range []bool{true, false} {
		for _, pc := range peers {
			if pc.Active() != active {
				continue
			}
			for _, s := range pc.Senders() {
				if s.TrackID() == b.cfg.TrackID {
					return s, pc.ID()
				}
			}
		}
	}
	return nil, ""
}

// bestPeer picks the first active peer connection, or any peer when none
// is active yet.
func (b *Binder) bestPeer() conference.PeerConn {
	peers := b.gw.PeerConnections()
	for _, pc := range peers {
		if pc.Active() {
			return pc
		}
	}
	if len(peers) > 0 {
		return peers[0]
	}
	return nil
}

func (b *Binder) recordAttempt(ctx context.Context, path string) {
	if b.metrics != nil {
		b.metrics.RecordBindAttempt(ctx, path)
	}
}

func (b *Binder) recordBound(ctx context.Context, start time.Time) {
	if b.metrics != nil {
		b.metrics.BindDuration.Record(ctx, time.Since(start).Seconds())
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
