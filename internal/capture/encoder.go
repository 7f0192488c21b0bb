// Package capture implements the inbound half of the audio pipeline: it
// consumes native-rate PCM blocks from a remote conference participant,
// detects speech activity, downsamples to the 16 kHz wire rate, and emits
// fixed-size PCM16 frames for the transport.
//
// The encoder produces a lazy, unbounded, non-restartable frame sequence.
// During silence, frames are withheld and periodic all-zero keep-alive
// frames signal liveness; prolonged silence discards any partially
// accumulated audio so a new utterance never gets stale samples stitched
// onto its front.
package capture

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hirevox/voicebridge/pkg/audio"
)

// Defaults for [Config] zero values.
const (
	defaultSourceRate     = 48000
	defaultTargetRate     = 16000
	defaultFrameSamples   = 1024 // target-rate samples per emitted frame
	defaultThreshold      = 1e-4 // absolute mean-square energy
	defaultKeepAliveEvery = 10   // silent blocks per keep-alive frame
	defaultResetAfter     = 50   // silent blocks before dropping partial audio
	defaultIdleTimeout    = 2 * time.Second
	defaultFrameBuffer    = 64

	// keepAliveSamples is the length of an all-zero keep-alive frame:
	// deliberately short (10 ms at the wire rate) so silence costs almost
	// no bandwidth.
	keepAliveSamples = 160
)

// Config configures an [Encoder]. Zero values take defaults.
type Config struct {
	// SourceRate is the native sample rate of incoming blocks in Hz.
	SourceRate int

	// TargetRate is the wire sample rate in Hz. The protocol mandates 16000.
	TargetRate int

	// FrameSamples is the number of target-rate samples per emitted frame.
	FrameSamples int

	// Threshold is the absolute mean-square energy above which a block
	// counts as speech. Fixed rather than adaptive; deployments with a
	// different noise floor re-tune it via config or set_threshold.
	Threshold float64

	// KeepAliveEvery is the silent-block count between keep-alive frames.
	KeepAliveEvery int

	// ResetAfter is the consecutive silent-block count after which any
	// partially accumulated audio is discarded.
	ResetAfter int

	// IdleTimeout is how long the encoder waits with no incoming blocks at
	// all before synthesizing keep-alive frames on its own.
	IdleTimeout time.Duration

	// FrameBuffer is the emitted-frame channel depth.
	FrameBuffer int
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.SourceRate <= 0 {
		c.SourceRate = defaultSourceRate
	}
	if c.TargetRate <= 0 {
		c.TargetRate = defaultTargetRate
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = defaultFrameSamples
	}
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	if c.KeepAliveEvery <= 0 {
		c.KeepAliveEvery = defaultKeepAliveEvery
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = defaultResetAfter
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = defaultFrameBuffer
	}
	return c
}

// Encoder accumulates native-rate blocks and emits fixed-size 16 kHz PCM16
// frames. Push is called from the audio read goroutine and never blocks on
// the consumer: when the frame buffer is full the frame is dropped and
// counted, not awaited.
//
// Push is single-producer; SetThreshold and Threshold may be called from
// any goroutine.
type Encoder struct {
	cfg           Config
	ratio         float64
	srcPerFrame   int
	thresholdBits atomic.Uint64 // float64 bits, runtime-settable

	mu        sync.Mutex
	acc       []float32
	silentRun int
	emitted   uint64
	dropped   uint64
	lastPush  time.Time
	closed    bool

	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

// New creates an Encoder and starts its idle keep-alive watchdog.
func New(cfg Config) *Encoder {
	cfg = cfg.withDefaults()
	e := &Encoder{
		cfg:         cfg,
		ratio:       float64(cfg.SourceRate) / float64(cfg.TargetRate),
		srcPerFrame: int(math.Round(float64(cfg.FrameSamples) * float64(cfg.SourceRate) / float64(cfg.TargetRate))),
		frames:      make(chan []byte, cfg.FrameBuffer),
		done:        make(chan struct{}),
	}
	e.thresholdBits.Store(math.Float64bits(cfg.Threshold))
	e.mu.Lock()
	e.lastPush = time.Now()
	e.mu.Unlock()
	go e.idleLoop()
	return e
}

// Frames returns the emitted-frame channel. It is closed by [Encoder.Close];
// the sequence is not restartable.
func (e *Encoder) Frames() <-chan []byte { return e.frames }

// SetThreshold updates the activity energy threshold at runtime.
// Non-positive values are ignored.
func (e *Encoder) SetThreshold(v float64) {
	if v <= 0 {
		return
	}
	e.thresholdBits.Store(math.Float64bits(v))
	slog.Info("capture: energy threshold updated", "threshold", v)
}

// Threshold returns the current activity energy threshold.
func (e *Encoder) Threshold() float64 {
	return math.Float64frombits(e.thresholdBits.Load())
}

// Stats returns the number of frames emitted and dropped so far.
func (e *Encoder) Stats() (emitted, dropped uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitted, e.dropped
}

// Push processes one native-rate block (channel 0 only). Empty blocks are
// a no-op. Active blocks accumulate and may emit one or more frames;
// silent blocks advance the keep-alive/reset counters.
func (e *Encoder) Push(block []float32) {
	if len(block) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.lastPush = time.Now()

	if audio.MeanSquare(block) >= e.Threshold() {
		e.silentRun = 0
		e.acc = append(e.acc, block...)
		for len(e.acc) >= e.srcPerFrame {
			chunk := e.acc[:e.srcPerFrame]
			e.acc = e.acc[e.srcPerFrame:]
			e.emitLocked(audio.Float32ToPCM16(audio.Decimate(chunk, e.ratio)))
		}
		return
	}

	// Silence: never accumulate, keep the far side aware we are alive.
	e.silentRun++
	if e.silentRun%e.cfg.KeepAliveEvery == 0 {
		e.emitLocked(make([]byte, keepAliveSamples*2))
	}
	if e.silentRun == e.cfg.ResetAfter && len(e.acc) > 0 {
		slog.Debug("capture: prolonged silence, discarding partial buffer", "samples", len(e.acc))
		e.acc = e.acc[:0]
	}
}

// Close stops the idle watchdog and closes the frame channel. Pushes after
// Close are no-ops.
func (e *Encoder) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.done)
		close(e.frames)
	})
}

// emitLocked sends one frame without blocking the audio path. Caller holds e.mu.
func (e *Encoder) emitLocked(frame []byte) {
	select {
	case e.frames <- frame:
		e.emitted++
	default:
		e.dropped++
		slog.Warn("capture: frame buffer full, dropping frame", "dropped_total", e.dropped)
	}
}

// idleLoop synthesizes keep-alive frames when no device audio arrives at
// all for IdleTimeout, so the backend can distinguish a silent participant
// from a dead pipeline.
func (e *Encoder) idleLoop() {
	interval := e.cfg.IdleTimeout
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.mu.Lock()
			if !e.closed && time.Since(e.lastPush) >= interval {
				e.emitLocked(make([]byte, keepAliveSamples*2))
			}
			e.mu.Unlock()
		}
	}
}
