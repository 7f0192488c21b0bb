package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hirevox/voicebridge/internal/binder"
	"github.com/hirevox/voicebridge/internal/capture"
	"github.com/hirevox/voicebridge/internal/conference"
	"github.com/hirevox/voicebridge/internal/conference/mock"
	"github.com/hirevox/voicebridge/internal/protocol"
	"github.com/hirevox/voicebridge/internal/transport"
)

// fakeTransport is an in-memory Transport for driving the session loops.
type fakeTransport struct {
	audio   chan []byte
	control chan protocol.ServerMessage
	states  chan transport.State

	mu          sync.Mutex
	state       transport.State
	sentAudio   [][]byte
	sentControl []protocol.ClientMessage
	sendErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		audio:   make(chan []byte, 16),
		control: make(chan protocol.ServerMessage, 16),
		states:  make(chan transport.State, 16),
		state:   transport.StateConnected,
	}
}

func (f *fakeTransport) Connect(context.Context)                  {}
func (f *fakeTransport) Audio() <-chan []byte                     { return f.audio }
func (f *fakeTransport) Control() <-chan protocol.ServerMessage   { return f.control }
func (f *fakeTransport) States() <-chan transport.State           { return f.states }
func (f *fakeTransport) Disconnect() error                        { return nil }

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) SendAudio(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sentAudio = append(f.sentAudio, cp)
	return nil
}

func (f *fakeTransport) SendControl(msg protocol.ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentControl = append(f.sentControl, msg)
	return nil
}

func (f *fakeTransport) controlTypes() []protocol.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]protocol.MessageType, len(f.sentControl))
	for i, m := range f.sentControl {
		types[i] = m.Type
	}
	return types
}

func (f *fakeTransport) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentAudio)
}

func (f *fakeTransport) hasControl(typ protocol.MessageType) bool {
	for _, t := range f.controlTypes() {
		if t == typ {
			return true
		}
	}
	return false
}

func (f *fakeTransport) findControl(typ protocol.MessageType) (protocol.ClientMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.sentControl {
		if m.Type == typ {
			return m, true
		}
	}
	return protocol.ClientMessage{}, false
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

type harness struct {
	tr  *fakeTransport
	gw  *mock.Gateway
	bnd *binder.Binder
	enc *capture.Encoder
	ses *Session

	runErr chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	tr := newFakeTransport()
	gw := mock.NewGateway()
	bnd, err := binder.New(binder.Config{
		Gateway:      gw,
		PollAttempts: 2,
		PollDelay:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("binder: %v", err)
	}
	enc := capture.New(capture.Config{KeepAliveEvery: 1_000_000})

	cfg := Config{
		Transport:        tr,
		Gateway:          gw,
		Binder:           bnd,
		Encoder:          enc,
		AutoStartTimeout: -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ses, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{tr: tr, gw: gw, bnd: bnd, enc: enc, ses: ses, runErr: make(chan error, 1), cancel: cancel}
	go func() { h.runErr <- ses.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
		enc.Close()
	})
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.runErr:
		h.runErr <- err
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	gw := mock.NewGateway()
	bnd, _ := binder.New(binder.Config{Gateway: gw})

	cases := []struct {
		name string
		cfg  Config
	}{
		{"no transport", Config{Gateway: gw, Binder: bnd}},
		{"no gateway", Config{Transport: newFakeTransport(), Binder: bnd}},
		{"no binder", Config{Transport: newFakeTransport(), Gateway: gw}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRun_SendsStatusHandshake(t *testing.T) {
	h := newHarness(t, nil)
	waitFor(t, func() bool { return h.tr.hasControl(protocol.TypeStatus) }, "no status handshake sent")
}

func TestRun_EndsOnInterviewEnded(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.control <- protocol.ServerMessage{
		Type:      protocol.TypeInterviewEnded,
		Reason:    "completed",
		CanRejoin: true,
	}
	select {
	case err := <-h.runErr:
		h.runErr <- err
		if err != nil {
			t.Fatalf("expected clean end, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	reason, canRejoin := h.ses.EndReason()
	if reason != "completed" || !canRejoin {
		t.Fatalf("end reason = (%q, %v)", reason, canRejoin)
	}
}

func TestRun_FailsOnTerminalTransport(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.states <- transport.StateFailed
	select {
	case err := <-h.runErr:
		h.runErr <- err
		if !errors.Is(err, ErrTransportFailed) {
			t.Fatalf("err = %v, want ErrTransportFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not fail")
	}
}

func TestRun_ForwardsActiveFramesAndForceStarts(t *testing.T) {
	h := newHarness(t, nil)

	// 3072 source samples downsample 3:1 into one full 1024-sample frame.
	block := make([]float32, 3072)
	for i := range block {
		block[i] = 0.5
	}
	h.enc.Push(block)

	waitFor(t, func() bool { return h.tr.audioCount() >= 1 }, "frame not forwarded")
	waitFor(t, func() bool { return h.tr.hasControl(protocol.TypeForceStart) }, "no force_start sent")

	msg, _ := h.tr.findControl(protocol.TypeForceStart)
	if msg.Reason != "speech" {
		t.Fatalf("force_start reason = %q, want speech", msg.Reason)
	}
}

func TestRun_ForceStartIsSentOnce(t *testing.T) {
	h := newHarness(t, nil)

	block := make([]float32, 3072)
	for i := range block {
		block[i] = 0.5
	}
	h.enc.Push(block)
	h.enc.Push(block)
	h.enc.Push(block)

	waitFor(t, func() bool { return h.tr.audioCount() >= 3 }, "frames not forwarded")

	count := 0
	for _, typ := range h.tr.controlTypes() {
		if typ == protocol.TypeForceStart {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("force_start sent %d times, want 1", count)
	}
}

func TestRun_AutoStartTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.AutoStartTimeout = 10 * time.Millisecond
	})
	waitFor(t, func() bool { return h.tr.hasControl(protocol.TypeForceStart) }, "no timeout force_start")
	msg, _ := h.tr.findControl(protocol.TypeForceStart)
	if msg.Reason != "timeout" {
		t.Fatalf("force_start reason = %q, want timeout", msg.Reason)
	}
}

func TestForceStart_DefaultsToForceReason(t *testing.T) {
	h := newHarness(t, nil)

	h.ses.ForceStart("")
	waitFor(t, func() bool { return h.tr.hasControl(protocol.TypeForceStart) }, "no force_start sent")
	msg, _ := h.tr.findControl(protocol.TypeForceStart)
	if msg.Reason != "force" {
		t.Fatalf("force_start reason = %q, want force", msg.Reason)
	}
}

func TestRun_BackendStartedSuppressesForceStart(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.control <- protocol.ServerMessage{Type: protocol.TypeStatus, Started: true}
	waitFor(t, func() bool { return h.ses.Status()["started"] == true }, "started flag not set")

	block := make([]float32, 3072)
	for i := range block {
		block[i] = 0.5
	}
	h.enc.Push(block)
	waitFor(t, func() bool { return h.tr.audioCount() >= 1 }, "frame not forwarded")

	if h.tr.hasControl(protocol.TypeForceStart) {
		t.Fatal("force_start sent after backend reported started")
	}
}

func TestRun_PlaybackBindsAgentTrackLazily(t *testing.T) {
	h := newHarness(t, nil)
	peer := h.gw.AddPeer("peer-1", true)

	pcm := make([]byte, 2048)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0x00
		pcm[i+1] = 0x10
	}
	h.tr.audio <- pcm

	waitFor(t, h.bnd.Bound, "agent track never bound")
	if peer.AddTrackCalls() != 1 {
		t.Fatalf("AddTrack calls = %d, want 1", peer.AddTrackCalls())
	}

	waitFor(t, func() bool {
		_, ok := h.ses.Status()["playback_cursor_ms"]
		return ok
	}, "playback cursor never advanced")
}

func TestRun_TopologyPeerAddedPreallocates(t *testing.T) {
	h := newHarness(t, nil)
	peer := h.gw.AddPeer("peer-1", true)
	h.gw.EmitTopology(conference.TopologyEvent{Type: conference.PeerAdded, PeerID: "peer-1"})

	waitFor(t, func() bool { return peer.AddTrackCalls() == 1 }, "placeholder not preallocated")
	if h.bnd.State() != binder.PlaceholderBound {
		t.Fatalf("binder state = %v, want PlaceholderBound", h.bnd.State())
	}
}

func TestRun_TopologyRenegotiationRebinds(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.AddPeer("peer-1", true)

	pcm := make([]byte, 2048)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i+1] = 0x10
	}
	h.tr.audio <- pcm
	waitFor(t, h.bnd.Bound, "initial bind")

	h.gw.RemovePeers()
	peer2 := h.gw.AddPeer("peer-2", true)
	h.gw.EmitTopology(conference.TopologyEvent{Type: conference.Renegotiated, PeerID: "peer-2"})

	waitFor(t, func() bool { return peer2.AddTrackCalls()+peer2.TransceiverCalls() >= 1 }, "never rebound to new peer")
	waitFor(t, h.bnd.Bound, "binder not bound after rebind")
}

func TestSetThreshold_UpdatesEncoderAndBackend(t *testing.T) {
	h := newHarness(t, nil)
	h.ses.SetThreshold(0.05)

	if got := h.enc.Threshold(); got != 0.05 {
		t.Fatalf("encoder threshold = %v, want 0.05", got)
	}
	msg, ok := h.tr.findControl(protocol.TypeSetThreshold)
	if !ok {
		t.Fatal("no set_threshold message sent")
	}
	if msg.Threshold != 0.05 {
		t.Fatalf("threshold in message = %v", msg.Threshold)
	}
}

func TestRun_StopSentOnShutdown(t *testing.T) {
	h := newHarness(t, nil)
	waitFor(t, func() bool { return h.tr.hasControl(protocol.TypeStatus) }, "handshake")
	if err := h.stop(t); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !h.tr.hasControl(protocol.TypeStop) {
		t.Fatal("no stop message sent on shutdown")
	}
}

func TestRun_PingLoop(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.PingInterval = 5 * time.Millisecond
	})
	waitFor(t, func() bool { return h.tr.hasControl(protocol.TypePing) }, "no ping sent")
}

func TestStatus_Snapshot(t *testing.T) {
	h := newHarness(t, nil)
	st := h.ses.Status()

	if st["id"] == "" {
		t.Fatal("empty session id")
	}
	if st["transport"] != "connected" {
		t.Fatalf("transport = %v", st["transport"])
	}
	if st["binding"] != "unbound" {
		t.Fatalf("binding = %v", st["binding"])
	}
	if st["started"] != false {
		t.Fatal("started before any trigger")
	}
}
