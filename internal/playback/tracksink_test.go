package playback

import (
	"sync"
	"testing"
	"time"
)

// fakeWriter records written samples.
type fakeWriter struct {
	mu      sync.Mutex
	samples []writtenSample
}

type writtenSample struct {
	size     int
	duration time.Duration
}

func (w *fakeWriter) WriteSample(data []byte, duration time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, writtenSample{size: len(data), duration: duration})
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

func (w *fakeWriter) sample(i int) writtenSample {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samples[i]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTrackSinkWritesTwentyMsSamples(t *testing.T) {
	w := &fakeWriter{}
	sink, err := NewTrackSink(&fakeClock{}, w)
	if err != nil {
		t.Fatalf("NewTrackSink: %v", err)
	}
	defer sink.Close()

	// 2880 samples at 48 kHz is exactly three 20 ms frames.
	err = sink.Schedule(Buffer{Samples: make([]float32, 2880), Rate: 48000})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, func() bool { return w.count() == 3 }, "sink never wrote 3 samples")
	for i := 0; i < 3; i++ {
		s := w.sample(i)
		if s.duration != 20*time.Millisecond {
			t.Errorf("sample %d duration = %v, want 20ms", i, s.duration)
		}
		if s.size == 0 {
			t.Errorf("sample %d is empty", i)
		}
	}
}

func TestTrackSinkFlushesPaddedRemainder(t *testing.T) {
	w := &fakeWriter{}
	sink, err := NewTrackSink(&fakeClock{}, w)
	if err != nil {
		t.Fatalf("NewTrackSink: %v", err)
	}
	defer sink.Close()

	// Half a frame; no follow-up buffer arrives, so the idle flush pads
	// it to a full frame.
	err = sink.Schedule(Buffer{Samples: make([]float32, 480), Rate: 48000})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, func() bool { return w.count() == 1 }, "remainder never flushed")
	if got := w.sample(0).duration; got != 20*time.Millisecond {
		t.Errorf("flushed sample duration = %v, want 20ms", got)
	}
}

func TestTrackSinkCarriesRemainderAcrossBuffers(t *testing.T) {
	w := &fakeWriter{}
	sink, err := NewTrackSink(&fakeClock{}, w)
	if err != nil {
		t.Fatalf("NewTrackSink: %v", err)
	}
	defer sink.Close()

	// 480 + 1440 samples back to back: two complete frames, no padding.
	for _, n := range []int{480, 1440} {
		if err := sink.Schedule(Buffer{Samples: make([]float32, n), Rate: 48000}); err != nil {
			t.Fatalf("Schedule(%d): %v", n, err)
		}
	}
	waitFor(t, func() bool { return w.count() == 2 }, "sink never wrote 2 samples")
}

func TestTrackSinkRejectsWrongRate(t *testing.T) {
	w := &fakeWriter{}
	sink, err := NewTrackSink(&fakeClock{}, w)
	if err != nil {
		t.Fatalf("NewTrackSink: %v", err)
	}
	defer sink.Close()

	if err := sink.Schedule(Buffer{Samples: make([]float32, 960), Rate: 16000}); err == nil {
		t.Error("Schedule with 16 kHz buffer succeeded")
	}
}

func TestTrackSinkScheduleAfterClose(t *testing.T) {
	w := &fakeWriter{}
	sink, err := NewTrackSink(&fakeClock{}, w)
	if err != nil {
		t.Fatalf("NewTrackSink: %v", err)
	}
	sink.Close()

	err = sink.Schedule(Buffer{Samples: make([]float32, 960), Rate: 48000})
	if err != ErrSinkClosed {
		t.Errorf("Schedule after Close = %v, want ErrSinkClosed", err)
	}
}
