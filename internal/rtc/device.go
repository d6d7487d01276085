package rtc

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hraban/opus"

	"github.com/snowcodeer/VisualAIser/internal/audio"
)

const (
	// MicSampleRate is the rate browser audio is decoded to.
	MicSampleRate = 16000
	// 100ms of 16 kHz mono s16le.
	micChunkBytes = 3200
)

var (
	ErrNoAudioTrack     = errors.New("rtc: browser audio track not received yet")
	ErrAlreadyCapturing = errors.New("rtc: capture already running")
)

type playbackSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	Reset()
	Close()
}

// payloadReader returns the next RTP payload of the browser track.
type payloadReader func() ([]byte, error)

// Device is one browser peer: its microphone is the capture side and the
// outbound Opus track is the playback side.
type Device struct {
	id     string
	out    playbackSink
	logger *slog.Logger
	close  func() error

	rate    atomic.Int32
	mu      sync.Mutex
	onFrame func(audio.Frame)
}

var _ audio.Device = (*Device)(nil)

func (d *Device) ID() string { return d.id }

// SampleRate is 0 until the browser's audio track arrives.
func (d *Device) SampleRate() int { return int(d.rate.Load()) }

func (d *Device) StartCapture(onFrame func(audio.Frame)) error {
	if d.SampleRate() == 0 {
		return ErrNoAudioTrack
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onFrame != nil {
		return ErrAlreadyCapturing
	}
	d.onFrame = onFrame
	return nil
}

func (d *Device) StopCapture() error {
	d.mu.Lock()
	d.onFrame = nil
	d.mu.Unlock()
	return nil
}

func (d *Device) Play(f audio.Frame) {
	if f.SampleRate != 0 && f.SampleRate != audio.AgentSampleRate {
		d.logger.Warn("rtc: dropping agent audio at unexpected rate", "sample_rate", f.SampleRate)
		return
	}
	d.out.WritePCM(f.Data)
}

func (d *Device) Reset() { d.out.Reset() }

// Close hangs up the peer connection.
func (d *Device) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}

func (d *Device) emit(pcm []byte) {
	d.mu.Lock()
	fn := d.onFrame
	d.mu.Unlock()
	if fn != nil {
		fn(audio.Frame{Data: pcm, SampleRate: MicSampleRate, Encoding: "pcm_s16le"})
	}
}

// gone detaches the device after its peer connection ended.
func (d *Device) gone() {
	d.rate.Store(0)
	_ = d.StopCapture()
	d.out.FlushTail()
	d.out.Close()
}

// readMic decodes the browser's Opus packets and emits fixed-size PCM chunks
// until the track ends.
func (d *Device) readMic(next payloadReader, dec *opus.Decoder) {
	pcmSamples := make([]int16, 1920)
	chunks := &chunker{size: micChunkBytes}
	for {
		payload, err := next()
		if err != nil {
			d.logger.Info("rtc: mic track ended", "error", err)
			return
		}
		if len(payload) == 0 {
			continue
		}
		n, err := dec.Decode(payload, pcmSamples)
		if err != nil {
			d.logger.Debug("rtc: opus decode", "error", err)
			continue
		}
		chunks.push(pcmSamples[:n], d.emit)
	}
}

// chunker re-slices decoded samples into fixed-size little-endian chunks.
type chunker struct {
	size int
	buf  []byte
}

func (c *chunker) push(samples []int16, emit func([]byte)) {
	for _, s := range samples {
		c.buf = append(c.buf, byte(uint16(s)), byte(uint16(s)>>8))
	}
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		emit(chunk)
		c.buf = append(c.buf[:0], c.buf[c.size:]...)
	}
}
