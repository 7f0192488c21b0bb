// Package playback implements the outbound half of the audio pipeline: it
// decodes PCM16 frames arriving from the backend, upsamples them to the
// conference rate, and schedules gapless playback onto the synthesized
// agent track.
//
// Scheduling uses a monotonic cursor on the output timeline rather than
// wall-clock arrival time, so bursts of frames from the backend play back
// contiguously in arrival order with no gaps and no overlap.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hirevox/voicebridge/pkg/audio"
)

// Clock is a monotonic playback timeline, measured from session start.
type Clock interface {
	Now() time.Duration
}

// realClock measures elapsed wall time since construction.
type realClock struct {
	start time.Time
}

// NewClock returns a Clock anchored at the moment of the call.
func NewClock() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) Now() time.Duration {
	return time.Since(c.start)
}

// Buffer is one scheduled stretch of output audio.
type Buffer struct {
	// Samples is mono float audio at Rate.
	Samples []float32

	// Rate is the output sample rate in Hz.
	Rate int

	// Start is the position on the playback timeline at which the buffer
	// begins.
	Start time.Duration
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.Rate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.Rate)
}

// Sink consumes scheduled buffers. The injector guarantees that
// successive buffers never overlap and arrive in start order.
type Sink interface {
	Schedule(b Buffer) error
}

// Defaults for [Config] zero values.
const (
	defaultInRate  = 16000
	defaultOutRate = 48000
)

// Config configures an [Injector]. Zero values take defaults.
type Config struct {
	// Clock is the playback timeline. Defaults to a wall-clock timeline
	// anchored at injector creation.
	Clock Clock

	// Sink receives the scheduled buffers.
	Sink Sink

	// InRate is the wire sample rate of inbound PCM16 in Hz.
	InRate int

	// OutRate is the conference output rate in Hz. Must be an integer
	// multiple of InRate.
	OutRate int
}

// Injector decodes, upsamples, and schedules inbound audio. Inject is
// called from a single consumer goroutine; Cursor may be read from any
// goroutine.
type Injector struct {
	clock  Clock
	sink   Sink
	inRate int
	factor int

	mu        sync.Mutex
	cursor    time.Duration
	warnedOdd sync.Once
}

// New creates an Injector. It returns an error when the output rate is not
// an integer multiple of the input rate, since the upsampler repeats whole
// samples.
func New(cfg Config) (*Injector, error) {
	if cfg.InRate <= 0 {
		cfg.InRate = defaultInRate
	}
	if cfg.OutRate <= 0 {
		cfg.OutRate = defaultOutRate
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("playback: sink is required")
	}
	if cfg.OutRate%cfg.InRate != 0 {
		return nil, fmt.Errorf("playback: output rate %d is not a multiple of input rate %d", cfg.OutRate, cfg.InRate)
	}
	if cfg.Clock == nil {
		cfg.Clock = NewClock()
	}
	return &Injector{
		clock:  cfg.Clock,
		sink:   cfg.Sink,
		inRate: cfg.InRate,
		factor: cfg.OutRate / cfg.InRate,
	}, nil
}

// Inject schedules one inbound PCM16 frame for playback at
// max(cursor, now) and advances the cursor by the frame's duration.
// Zero-length input is a no-op. An odd trailing byte is dropped with a
// one-time warning.
func (i *Injector) Inject(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if len(pcm)%2 != 0 {
		i.warnedOdd.Do(func() {
			slog.Warn("playback: odd-length PCM frame, dropping trailing byte", "bytes", len(pcm))
		})
		pcm = pcm[:len(pcm)-1]
		if len(pcm) == 0 {
			return nil
		}
	}

	samples := audio.HoldUpsample(audio.PCM16ToFloat32(pcm), i.factor)

	i.mu.Lock()
	defer i.mu.Unlock()

	start := i.cursor
	if now := i.clock.Now(); start < now {
		start = now
	}
	buf := Buffer{Samples: samples, Rate: i.inRate * i.factor, Start: start}
	if err := i.sink.Schedule(buf); err != nil {
		return fmt.Errorf("playback: schedule: %w", err)
	}
	i.cursor = start + buf.Duration()
	return nil
}

// Cursor returns the next scheduled start position on the playback
// timeline. It never moves backwards.
func (i *Injector) Cursor() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cursor
}
