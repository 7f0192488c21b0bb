// Package session orchestrates one bridge session: it wires the conference
// gateway, capture encoder, sender binder, playback injector, and backend
// transport together and runs the relay loops until the backend ends the
// conversation or the context is cancelled.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hirevox/voicebridge/internal/binder"
	"github.com/hirevox/voicebridge/internal/capture"
	"github.com/hirevox/voicebridge/internal/conference"
	"github.com/hirevox/voicebridge/internal/observe"
	"github.com/hirevox/voicebridge/internal/playback"
	"github.com/hirevox/voicebridge/internal/protocol"
	"github.com/hirevox/voicebridge/internal/transport"
	"github.com/hirevox/voicebridge/pkg/audio"
	"github.com/hirevox/voicebridge/pkg/audio/opus"
)

// Transport is the backend duplex link the session drives. It is satisfied
// by [transport.Client]; tests substitute an in-memory fake.
type Transport interface {
	Connect(ctx context.Context)
	Audio() <-chan []byte
	Control() <-chan protocol.ServerMessage
	States() <-chan transport.State
	State() transport.State
	SendAudio(frame []byte) error
	SendControl(msg protocol.ClientMessage) error
	Disconnect() error
}

// ErrTransportFailed is returned by Run when the backend link fails
// terminally before the conversation ends.
var ErrTransportFailed = errors.New("session: transport failed")

// DefaultAutoStartTimeout is how long the session waits for speech before
// force-starting the conversation anyway.
const DefaultAutoStartTimeout = 10 * time.Second

// eventBuffer sizes the internal topology and remote-track queues.
const eventBuffer = 16

// Config configures a [Session].
type Config struct {
	// Transport is the backend link. Required.
	Transport Transport

	// Gateway is the conference attachment point. Required.
	Gateway conference.Gateway

	// Binder manages the outbound sender. Required.
	Binder *binder.Binder

	// Encoder is the capture encoder. When nil, one with default settings
	// is created.
	Encoder *capture.Encoder

	// Metrics receives pipeline counters. When nil, metrics are not
	// recorded.
	Metrics *observe.Metrics

	// Clock is the playback timeline, injectable for tests. When nil, a
	// wall-clock timeline is used.
	Clock playback.Clock

	// PingInterval is how often protocol pings are sent. Zero disables
	// pings.
	PingInterval time.Duration

	// AutoStartTimeout bounds the silent wait before force-starting the
	// conversation. Zero takes [DefaultAutoStartTimeout]; negative
	// disables the timer.
	AutoStartTimeout time.Duration
}

// Session is one conference-to-backend bridge session.
type Session struct {
	id      string
	cfg     Config
	tr      Transport
	gw      conference.Gateway
	bnd     *binder.Binder
	enc     *capture.Encoder
	metrics *observe.Metrics
	clock   playback.Clock

	topo      chan conference.TopologyEvent
	tracks    chan conference.RemoteTrack
	startOnce sync.Once

	mu         sync.Mutex
	started    bool
	agentTrack conference.LocalTrack
	sink       *playback.TrackSink
	inj        *playback.Injector
	endReason  string
	canRejoin  bool
	lastText   string
}

// New creates a Session. Transport, Gateway, and Binder are required.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("session: gateway is required")
	}
	if cfg.Binder == nil {
		return nil, fmt.Errorf("session: binder is required")
	}
	enc := cfg.Encoder
	if enc == nil {
		enc = capture.New(capture.Config{})
	}
	clock := cfg.Clock
	if clock == nil {
		clock = playback.NewClock()
	}
	if cfg.AutoStartTimeout == 0 {
		cfg.AutoStartTimeout = DefaultAutoStartTimeout
	}

	return &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		tr:      cfg.Transport,
		gw:      cfg.Gateway,
		bnd:     cfg.Binder,
		enc:     enc,
		metrics: cfg.Metrics,
		clock:   clock,
		topo:    make(chan conference.TopologyEvent, eventBuffer),
		tracks:  make(chan conference.RemoteTrack, eventBuffer),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run connects to the backend and relays audio in both directions until
// the backend ends the conversation, the transport fails terminally, or
// ctx is cancelled. It returns nil on a clean backend-initiated end.
func (s *Session) Run(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.run")
	defer span.End()
	log := slog.With("session", s.id)

	s.gw.OnTopology(func(ev conference.TopologyEvent) {
		select {
		case s.topo <- ev:
		default:
			log.Warn("topology event dropped", "event", ev.Type)
		}
	})
	s.gw.OnRemoteTrack(func(t conference.RemoteTrack) {
		select {
		case s.tracks <- t:
		default:
			log.Warn("remote track dropped", "track", t.ID())
		}
	})

	s.tr.Connect(ctx)
	if err := s.tr.SendControl(protocol.Status()); err != nil {
		return fmt.Errorf("session: status handshake: %w", err)
	}
	if err := s.bnd.Preallocate(ctx); err != nil && !errors.Is(err, binder.ErrNoPeers) {
		log.Warn("placeholder preallocation failed", "err", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.controlLoop(ctx, log) })
	g.Go(func() error { return s.captureLoop(ctx, log) })
	g.Go(func() error { return s.playbackLoop(ctx, log) })
	g.Go(func() error { return s.stateLoop(ctx, log) })
	g.Go(func() error { return s.topologyLoop(ctx, log) })
	g.Go(func() error { return s.trackLoop(ctx, log) })
	if s.cfg.PingInterval > 0 {
		g.Go(func() error { return s.pingLoop(ctx) })
	}
	if s.cfg.AutoStartTimeout > 0 {
		g.Go(func() error { return s.autoStartTimer(ctx, log) })
	}

	err := g.Wait()
	s.teardown(log)

	if errors.Is(err, errEnded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// errEnded signals a clean backend-initiated end through the errgroup.
var errEnded = errors.New("session: ended by backend")

func (s *Session) teardown(log *slog.Logger) {
	// A stop message is best-effort; the transport may already be gone.
	if err := s.tr.SendControl(protocol.Stop()); err != nil && !errors.Is(err, transport.ErrClosed) {
		log.Debug("stop message not sent", "err", err)
	}
	_ = s.tr.Disconnect()

	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.Close()
	}
}

// controlLoop handles backend control messages.
func (s *Session) controlLoop(ctx context.Context, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.tr.Control():
			if !ok {
				return nil
			}
			switch msg.Type {
			case protocol.TypePong:
				log.Debug("pong")
			case protocol.TypeStatus:
				if msg.Started {
					s.markStarted(log, "backend")
				}
				log.Info("backend status", "status", msg.Status, "started", msg.Started)
			case protocol.TypeTextResponse:
				s.mu.Lock()
				s.lastText = msg.Text
				s.mu.Unlock()
				log.Info("agent utterance", "text", msg.Text)
			case protocol.TypeWarning:
				log.Warn("session ending soon", "remaining_seconds", msg.RemainingSeconds, "message", msg.Message)
			case protocol.TypeError:
				log.Error("backend error", "message", msg.Message)
			case protocol.TypeInterviewEnded:
				s.mu.Lock()
				s.endReason = msg.Reason
				s.canRejoin = msg.CanRejoin
				s.mu.Unlock()
				log.Info("conversation ended by backend", "reason", msg.Reason, "can_rejoin", msg.CanRejoin)
				return errEnded
			default:
				log.Debug("unhandled control message", "type", msg.Type)
			}
		}
	}
}

// captureLoop forwards encoder frames to the backend. The first active
// frame before the conversation has started triggers a force start.
func (s *Session) captureLoop(ctx context.Context, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-s.enc.Frames():
			if !ok {
				return nil
			}
			active := !allZero(frame)
			if active && !s.isStarted() {
				s.forceStart(log, "speech")
			}
			if err := s.tr.SendAudio(frame); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return fmt.Errorf("%w: %w", ErrTransportFailed, err)
				}
				return err
			}
			if s.metrics != nil {
				if active {
					s.metrics.FramesEncoded.Add(ctx, 1)
				} else {
					s.metrics.KeepAlives.Add(ctx, 1)
				}
			}
		}
	}
}

// playbackLoop feeds backend audio into the playback pipeline, creating
// the agent track and binding it on the first inbound frame.
func (s *Session) playbackLoop(ctx context.Context, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pcm, ok := <-s.tr.Audio():
			if !ok {
				return nil
			}
			inj, err := s.ensurePlayback(ctx, log)
			if err != nil {
				log.Warn("playback unavailable, dropping frame", "err", err)
				if s.metrics != nil {
					s.metrics.RecordFrameDropped(ctx, "playback")
				}
				continue
			}
			if err := inj.Inject(pcm); err != nil {
				log.Warn("inject failed", "err", err)
				continue
			}
			if s.metrics != nil {
				s.metrics.PlaybackScheduled.Add(ctx, 1)
			}
		}
	}
}

// ensurePlayback lazily creates the agent track, sink, and injector, and
// binds the track into the conference.
func (s *Session) ensurePlayback(ctx context.Context, log *slog.Logger) (*playback.Injector, error) {
	s.mu.Lock()
	if s.inj != nil {
		inj := s.inj
		s.mu.Unlock()
		return inj, nil
	}
	s.mu.Unlock()

	track, err := s.gw.NewLocalTrack(s.bnd.TrackID())
	if err != nil {
		return nil, fmt.Errorf("create agent track: %w", err)
	}
	sink, err := playback.NewTrackSink(s.clock, track)
	if err != nil {
		return nil, fmt.Errorf("create track sink: %w", err)
	}
	inj, err := playback.New(playback.Config{Clock: s.clock, Sink: sink})
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("create injector: %w", err)
	}

	// Bind failures are not fatal here: the track writes become no-ops
	// and the next topology event retries via Rebind.
	if err := s.bnd.Bind(ctx, track); err != nil {
		log.Warn("agent track bind failed, audio muted until rebind", "err", err)
	}

	s.mu.Lock()
	s.agentTrack = track
	s.sink = sink
	s.inj = inj
	s.mu.Unlock()
	return inj, nil
}

// stateLoop watches transport state transitions.
func (s *Session) stateLoop(ctx context.Context, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-s.tr.States():
			if !ok {
				return nil
			}
			log.Info("transport state", "state", st)
			if st == transport.StateFailed {
				return ErrTransportFailed
			}
		}
	}
}

// topologyLoop reacts to conference topology changes by preallocating or
// rebinding the sender.
func (s *Session) topologyLoop(ctx context.Context, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.topo:
			log.Info("topology change", "event", ev.Type, "peer", ev.PeerID)
			switch ev.Type {
			case conference.PeerAdded:
				if err := s.bnd.Preallocate(ctx); err != nil && !errors.Is(err, binder.ErrNoPeers) {
					log.Warn("preallocate after peer join failed", "err", err)
				}
			case conference.PeerRemoved, conference.Renegotiated:
				if err := s.bnd.Rebind(ctx); err != nil {
					log.Warn("rebind after topology change failed", "err", err)
				}
			}
		}
	}
}

// trackLoop spawns a reader for every inbound remote track. Readers run
// detached: ReadRTP only unblocks when the peer connection closes, which
// happens after the session has already returned.
func (s *Session) trackLoop(ctx context.Context, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-s.tracks:
			if !strings.Contains(strings.ToLower(t.Codec()), "opus") {
				log.Warn("ignoring remote track with unsupported codec", "track", t.ID(), "codec", t.Codec())
				continue
			}
			go s.readTrack(ctx, t, log)
		}
	}
}

// readTrack decodes one remote participant's RTP stream into the capture
// encoder. Each track gets its own decoder.
func (s *Session) readTrack(ctx context.Context, t conference.RemoteTrack, log *slog.Logger) {
	dec, err := opus.NewDecoder()
	if err != nil {
		log.Error("create decoder", "track", t.ID(), "err", err)
		return
	}
	log.Info("reading remote track", "track", t.ID())
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, err := t.ReadRTP()
		if err != nil {
			log.Info("remote track ended", "track", t.ID(), "err", err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt.Payload)
		if err != nil {
			log.Debug("opus decode failed", "track", t.ID(), "err", err)
			continue
		}
		s.enc.Push(audio.PCM16ToFloat32(pcm))
	}
}

// pingLoop sends protocol pings on the control channel.
func (s *Session) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tr.SendControl(protocol.Ping()); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}

// autoStartTimer force-starts the conversation when no speech arrives
// within the configured window, so a silent participant still gets the
// agent's opening turn.
func (s *Session) autoStartTimer(ctx context.Context, log *slog.Logger) error {
	timer := time.NewTimer(s.cfg.AutoStartTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if !s.isStarted() {
			s.forceStart(log, "timeout")
		}
		return nil
	}
}

// ForceStart starts the conversation on operator request, bypassing the
// speech and timeout triggers. The backend sees reason "force" unless the
// caller supplies its own.
func (s *Session) ForceStart(reason string) {
	if reason == "" {
		reason = "force"
	}
	s.forceStart(slog.With("session", s.id), reason)
}

// SetThreshold adjusts the capture energy gate at runtime and informs the
// backend. Used by the config hot-reload path.
func (s *Session) SetThreshold(v float64) {
	s.enc.SetThreshold(v)
	if err := s.tr.SendControl(protocol.SetThreshold(v)); err != nil && !errors.Is(err, transport.ErrClosed) {
		slog.Warn("set_threshold not sent", "session", s.id, "err", err)
	}
}

// EndReason returns the backend's end reason, or "" while running.
func (s *Session) EndReason() (reason string, canRejoin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason, s.canRejoin
}

// Status returns an operational snapshot for the status endpoint.
func (s *Session) Status() map[string]any {
	emitted, dropped := s.enc.Stats()

	s.mu.Lock()
	started := s.started
	lastText := s.lastText
	inj := s.inj
	s.mu.Unlock()

	st := map[string]any{
		"id":             s.id,
		"transport":      s.tr.State().String(),
		"binding":        s.bnd.State().String(),
		"started":        started,
		"frames_emitted": emitted,
		"frames_dropped": dropped,
	}
	if lastText != "" {
		st["last_text"] = lastText
	}
	if inj != nil {
		st["playback_cursor_ms"] = inj.Cursor().Milliseconds()
	}
	return st
}

func (s *Session) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) markStarted(log *slog.Logger, how string) {
	s.mu.Lock()
	already := s.started
	s.started = true
	s.mu.Unlock()
	if !already {
		log.Info("conversation started", "trigger", how)
	}
}

// forceStart sends force_start exactly once per session.
func (s *Session) forceStart(log *slog.Logger, reason string) {
	s.startOnce.Do(func() {
		if err := s.tr.SendControl(protocol.ForceStart(reason)); err != nil {
			log.Warn("force_start not sent", "reason", reason, "err", err)
			return
		}
		s.markStarted(log, reason)
	})
}

// allZero reports whether frame contains only zero samples, i.e. is a
// keep-alive.
func allZero(frame []byte) bool {
	for _, b := range frame {
		if b != 0 {
			return false
		}
	}
	return true
}
