package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hirevox/voicebridge/pkg/audio"
	"github.com/hirevox/voicebridge/pkg/audio/opus"
)

// SampleWriter accepts encoded media samples for the outbound agent track.
// It is the narrow seam between the playback pipeline and the conference
// gateway's local track.
type SampleWriter interface {
	WriteSample(data []byte, duration time.Duration) error
}

const (
	// sinkBuffer is the scheduled-buffer queue depth. Inbound bursts are
	// already smoothed by cursor scheduling; this only absorbs jitter
	// between the injector and the sink goroutine.
	sinkBuffer = 32

	// flushIdle is how long the sink waits for a follow-up buffer before
	// padding and flushing a sub-frame remainder.
	flushIdle = 60 * time.Millisecond

	frameDuration = opus.FrameDurationMs * time.Millisecond
)

// ErrSinkClosed is returned by Schedule after Close.
var ErrSinkClosed = errors.New("playback: sink closed")

// TrackSink renders scheduled buffers onto a local conference track as
// 20 ms Opus samples. It waits until each buffer's scheduled start before
// writing, so audio reaches the conference on the cursor timeline rather
// than at network-arrival time.
type TrackSink struct {
	clock   Clock
	enc     *opus.Encoder
	w       SampleWriter
	buffers chan Buffer
	done    chan struct{}
	stopped chan struct{}

	// pending carries a sub-frame sample remainder between buffers of the
	// same burst.
	pending []float32
}

// NewTrackSink creates a sink writing to w on the given playback timeline.
func NewTrackSink(clock Clock, w SampleWriter) (*TrackSink, error) {
	enc, err := opus.NewEncoder()
	if err != nil {
		return nil, fmt.Errorf("playback: track sink: %w", err)
	}
	s := &TrackSink{
		clock:   clock,
		enc:     enc,
		w:       w,
		buffers: make(chan Buffer, sinkBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Schedule queues one buffer for rendering. Buffers must arrive in start
// order, which the [Injector] guarantees.
func (s *TrackSink) Schedule(b Buffer) error {
	if b.Rate != opus.SampleRate {
		return fmt.Errorf("playback: track sink expects %d Hz, got %d", opus.SampleRate, b.Rate)
	}
	select {
	case s.buffers <- b:
		return nil
	case <-s.done:
		return ErrSinkClosed
	}
}

// Close stops the rendering goroutine. Safe to call once.
func (s *TrackSink) Close() {
	close(s.done)
	<-s.stopped
}

func (s *TrackSink) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case b := <-s.buffers:
			if wait := b.Start - s.clock.Now(); wait > 0 {
				select {
				case <-s.done:
					return
				case <-time.After(wait):
				}
			}
			s.pending = append(s.pending, b.Samples...)
			s.writeFull()
		case <-time.After(flushIdle):
			s.flushRemainder()
		}
	}
}

// writeFull writes every complete 20 ms frame currently pending.
func (s *TrackSink) writeFull() {
	for len(s.pending) >= opus.FrameSamples {
		frame := s.pending[:opus.FrameSamples]
		s.pending = s.pending[opus.FrameSamples:]
		s.write(frame)
	}
}

// flushRemainder pads a sub-frame remainder with silence and writes it, so
// the tail of an utterance is not held back waiting for the next burst.
func (s *TrackSink) flushRemainder() {
	if len(s.pending) == 0 {
		return
	}
	frame := make([]float32, opus.FrameSamples)
	copy(frame, s.pending)
	s.pending = nil
	s.write(frame)
}

func (s *TrackSink) write(frame []float32) {
	pkt, err := s.enc.Encode(audio.Float32ToPCM16(frame))
	if err != nil {
		slog.Warn("playback: opus encode failed", "err", err)
		return
	}
	if err := s.w.WriteSample(pkt, frameDuration); err != nil {
		// An unbound or rebinding track drops this turn's audio; the
		// binder retries discovery on the next turn.
		slog.Warn("playback: track write failed", "err", err)
	}
}
