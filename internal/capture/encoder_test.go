package capture

import (
	"math"
	"testing"
	"time"
)

// activeBlock returns n samples of a 440 Hz sine at amplitude 0.5, well
// above the default energy threshold.
func activeBlock(n int) []float32 {
	b := make([]float32, n)
	for i := range b {
		b[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	return b
}

// silentBlock returns n all-zero samples.
func silentBlock(n int) []float32 {
	return make([]float32, n)
}

// collect drains every frame currently buffered on the encoder.
func collect(e *Encoder) [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-e.Frames():
			out = append(out, f)
		default:
			return out
		}
	}
}

func isAllZero(frame []byte) bool {
	for _, b := range frame {
		if b != 0 {
			return false
		}
	}
	return true
}

// Three seconds of active speech at 48 kHz must produce 1024-sample
// (2048-byte) frames at the wire rate.
func TestEncoder_ActiveSpeechEmitsFixedFrames(t *testing.T) {
	e := New(Config{FrameBuffer: 128})
	defer e.Close()

	// 300 blocks × 480 samples = 3 s at 48 kHz.
	for range 300 {
		e.Push(activeBlock(480))
	}

	frames := collect(e)
	if len(frames) == 0 {
		t.Fatal("no frames emitted for active speech")
	}
	// 144000 source samples / 3072 per frame = 46 full frames.
	if len(frames) != 46 {
		t.Errorf("frame count: got %d, want 46", len(frames))
	}
	for i, f := range frames {
		if len(f) != 2048 {
			t.Fatalf("frame %d: got %d bytes, want 2048", i, len(f))
		}
		if isAllZero(f) {
			t.Errorf("frame %d: active speech produced an all-zero frame", i)
		}
	}
}

// Under sustained silence, keep-alive frames appear exactly once per
// KeepAliveEvery silent blocks and never more often.
func TestEncoder_KeepAliveCadence(t *testing.T) {
	e := New(Config{KeepAliveEvery: 10, ResetAfter: 1000})
	defer e.Close()

	for range 100 {
		e.Push(silentBlock(480))
	}

	frames := collect(e)
	if len(frames) != 10 {
		t.Fatalf("keep-alive count: got %d, want 10", len(frames))
	}
	for i, f := range frames {
		if !isAllZero(f) {
			t.Errorf("keep-alive %d is not silent", i)
		}
		if len(f) != keepAliveSamples*2 {
			t.Errorf("keep-alive %d: got %d bytes, want %d", i, len(f), keepAliveSamples*2)
		}
	}
}

// Prolonged silence discards partially accumulated audio so a new
// utterance never starts with stale samples.
func TestEncoder_ProlongedSilenceDropsPartialBuffer(t *testing.T) {
	e := New(Config{ResetAfter: 50})
	defer e.Close()

	// 2000 samples accumulate (below the 3072 needed for a frame).
	e.Push(activeBlock(2000))
	// Prolonged silence clears the buffer.
	for range 50 {
		e.Push(silentBlock(480))
	}
	// Another 2000 samples: had the buffer survived, 4000 ≥ 3072 would
	// emit a frame built from two unrelated utterances.
	e.Push(activeBlock(2000))

	for _, f := range collect(e) {
		if !isAllZero(f) {
			t.Error("stale partial buffer was stitched onto a new utterance")
		}
	}
}

func TestEncoder_EmptyBlockIsNoOp(t *testing.T) {
	e := New(Config{})
	defer e.Close()

	e.Push(nil)
	e.Push([]float32{})
	if frames := collect(e); len(frames) != 0 {
		t.Errorf("empty blocks emitted %d frames", len(frames))
	}
}

func TestEncoder_SetThresholdTakesEffect(t *testing.T) {
	e := New(Config{Threshold: 0.5, KeepAliveEvery: 1000, ResetAfter: 1000})
	defer e.Close()

	quiet := make([]float32, 3072)
	for i := range quiet {
		quiet[i] = 0.05 // mean square 0.0025, below 0.5
	}
	e.Push(quiet)
	if frames := collect(e); len(frames) != 0 {
		t.Fatalf("quiet block emitted %d frames under high threshold", len(frames))
	}

	e.SetThreshold(1e-4)
	e.Push(quiet)
	if frames := collect(e); len(frames) != 1 {
		t.Fatalf("quiet block emitted %d frames under low threshold, want 1", len(frames))
	}
}

func TestEncoder_SetThresholdIgnoresNonPositive(t *testing.T) {
	e := New(Config{Threshold: 0.25})
	defer e.Close()

	e.SetThreshold(0)
	e.SetThreshold(-1)
	if got := e.Threshold(); got != 0.25 {
		t.Errorf("threshold: got %g, want 0.25", got)
	}
}

func TestEncoder_IdleKeepAlive(t *testing.T) {
	e := New(Config{IdleTimeout: 10 * time.Millisecond})
	defer e.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if frames := collect(e); len(frames) > 0 {
			if !isAllZero(frames[0]) {
				t.Error("idle keep-alive frame is not silent")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no idle keep-alive emitted")
}

func TestEncoder_PushAfterCloseIsNoOp(t *testing.T) {
	e := New(Config{})
	e.Close()
	e.Push(activeBlock(4096)) // must not panic or emit
}
