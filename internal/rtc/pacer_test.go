package rtc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func TestOpusPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		track:        ft,
		frameSamples: 320,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	time.Sleep(50 * time.Millisecond)
	close(w.stopCh)
	<-done

	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatalf("expected pacer to write at least one frame")
	}
}

func TestOpusPacedWriter_ResetDrains(t *testing.T) {
	w := &OpusPacedWriter{
		track:        &fakeTrack{},
		frameSamples: 320,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
		pcmBuf:       []int16{1, 2, 3},
	}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	select {
	case <-w.frames:
		t.Fatalf("expected frames channel to be drained")
	default:
	}
	if len(w.pcmBuf) != 0 {
		t.Fatalf("expected pcmBuf to be reset, got len=%d", len(w.pcmBuf))
	}
}

func TestOpusPacedWriter_PushDropsWhenFull(t *testing.T) {
	w := &OpusPacedWriter{
		frames: make(chan []byte, 1),
		stopCh: make(chan struct{}),
	}
	w.pushFrame([]byte{1})
	w.pushFrame([]byte{2})
	if len(w.frames) != 1 {
		t.Fatalf("queued = %d, want 1", len(w.frames))
	}
}

func TestAppendSamples(t *testing.T) {
	got := appendSamples(nil, []byte{0x01, 0x00, 0xff, 0xff, 0x07})
	if len(got) != 2 || got[0] != 1 || got[1] != -1 {
		t.Fatalf("samples = %v", got)
	}
}
