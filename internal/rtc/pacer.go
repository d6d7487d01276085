package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	frameDuration = 20 * time.Millisecond
	// frames queued ahead of the pacer; about 10s of speech.
	maxQueuedFrames = 512
	opusMaxPacket   = 4000
)

// sampleWriter is the outbound side of a local track.
type sampleWriter interface {
	WriteSample(media.Sample) error
}

// OpusPacedWriter encodes mono PCM s16le to Opus and writes one frame to the
// track every 20ms, so bursts from the agent play at real-time speed.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        sampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewOpusPacedWriter starts a pacer for PCM at sampleRate.
func NewOpusPacedWriter(track sampleWriter, sampleRate int) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: sampleRate * int(frameDuration/time.Millisecond) / 1000,
		frames:       make(chan []byte, maxQueuedFrames),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers little-endian samples and queues every complete frame.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.pcmBuf = appendSamples(w.pcmBuf, pcmBytes)

	opusBuf := make([]byte, opusMaxPacket)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encode(w.pcmBuf[:w.frameSamples], opusBuf)
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
}

// FlushTail pads the remaining PCM to a full frame and adds ~200ms of silence
// so the last word is not clipped.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	opusBuf := make([]byte, opusMaxPacket)
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encode(pad, opusBuf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < 10; i++ {
		w.encode(silence, opusBuf)
	}
}

// encode must be called with w.mu held.
func (w *OpusPacedWriter) encode(frame []int16, opusBuf []byte) {
	n, err := w.enc.Encode(frame, opusBuf)
	if err != nil || n <= 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, opusBuf[:n])
	w.pushFrame(pkt)
}

// Close stops the pacer.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, dropping it when the queue is full; playback
// is already ten seconds behind at that point.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	default:
	}
}

// Reset drops queued frames and buffered PCM, silencing the agent at once.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

// appendSamples decodes little-endian s16 bytes onto buf. A trailing odd
// byte is ignored.
func appendSamples(buf []int16, pcm []byte) []int16 {
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		buf = append(buf, int16(uint16(pcm[2*i])|uint16(pcm[2*i+1])<<8))
	}
	return buf
}
