package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/snowcodeer/VisualAIser/internal/flow"
)

// AgentSampleRate is the rate of PCM audio synthesized by the agent.
const AgentSampleRate = 16000

// playbackBuffering is the client-side buffer reported with each ack, in seconds.
const playbackBuffering = 0.02

var (
	// ErrCapturing is returned by Start when capture is already running.
	ErrCapturing = errors.New("audio: capture already running")
	// ErrNotCapturing is returned by SetMuted outside a capture.
	ErrNotCapturing = errors.New("audio: capture not running")
)

// Frame is a PCM buffer in transit between adapters.
type Frame struct {
	Data       []byte
	SampleRate int
	Encoding   string
}

// Capture yields microphone frames to onFrame, in capture order, until stopped.
type Capture interface {
	StartCapture(onFrame func(Frame)) error
	StopCapture() error
}

// Playback accepts agent audio. Reset drops anything queued but not yet played.
type Playback interface {
	Play(Frame)
	Reset()
}

// Device is a selected audio input/output pair with a live audio context.
// SampleRate reports 0 until the context is live.
type Device interface {
	ID() string
	SampleRate() int
	Capture
	Playback
}

// Gate reports whether a session is active (socket open and session id set).
type Gate interface {
	Active() bool
}

// Sender is the outbound side of the transport.
type Sender interface {
	SendAudio(pcm []byte) error
	Send(msg any) error
}

// Coordinator bridges a Device and the transport under session control.
type Coordinator struct {
	gate   Gate
	out    Sender
	logger *slog.Logger

	mu        sync.Mutex
	device    Device
	capturing bool
	muted     bool
	sent      int64
	played    int64
	dropped   int64
}

func NewCoordinator(gate Gate, out Sender, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{gate: gate, out: out, logger: logger}
}

// Start binds dev for playback and begins forwarding its captured frames.
func (c *Coordinator) Start(dev Device) error {
	if dev == nil {
		return fmt.Errorf("audio: no device")
	}
	c.mu.Lock()
	if c.capturing {
		c.mu.Unlock()
		return ErrCapturing
	}
	c.device = dev
	c.capturing = true
	c.muted = false
	c.sent, c.played, c.dropped = 0, 0, 0
	c.mu.Unlock()

	if err := dev.StartCapture(c.forward); err != nil {
		c.mu.Lock()
		c.device = nil
		c.capturing = false
		c.mu.Unlock()
		return fmt.Errorf("audio: start capture on %s: %w", dev.ID(), err)
	}
	c.logger.Info("audio capture started", "device", dev.ID(), "sample_rate", dev.SampleRate())
	return nil
}

// Stop ends capture, unbinds playback and drops queued agent audio. It is
// safe to call when nothing is running.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	dev := c.device
	wasCapturing := c.capturing
	c.device = nil
	c.capturing = false
	c.muted = false
	sent, dropped := c.sent, c.dropped
	c.mu.Unlock()
	if dev == nil {
		return
	}
	if wasCapturing {
		if err := dev.StopCapture(); err != nil {
			c.logger.Warn("audio: stop capture", "device", dev.ID(), "error", err)
		}
	}
	dev.Reset()
	c.logger.Info("audio capture stopped", "device", dev.ID(), "frames_sent", sent, "frames_dropped", dropped)
}

// LastSeqNo is the number of frames sent to the agent since Start.
func (c *Coordinator) LastSeqNo() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// SetMuted toggles the microphone for the running capture. A muted
// microphone still sends one frame per captured frame, filled with silence,
// so sequence numbers and pacing on the agent side are unchanged. Muting
// ends with the capture.
func (c *Coordinator) SetMuted(muted bool) error {
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return ErrNotCapturing
	}
	changed := c.muted != muted
	c.muted = muted
	c.mu.Unlock()
	if changed {
		c.logger.Info("microphone mute changed", "muted", muted)
	}
	return nil
}

func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// forward runs on the capture goroutine; frames go out in the order received.
func (c *Coordinator) forward(f Frame) {
	c.mu.Lock()
	running, muted := c.capturing, c.muted
	c.mu.Unlock()
	if !running || len(f.Data) == 0 {
		return
	}
	data := f.Data
	if muted {
		data = make([]byte, len(f.Data))
	}
	if err := c.out.SendAudio(data); err != nil {
		c.logger.Debug("audio: send frame", "error", err)
		return
	}
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// HandleAgentAudio plays an inbound agent frame only while the session is
// active at handling time; frames of an ended session are discarded.
func (c *Coordinator) HandleAgentAudio(ev flow.Event) {
	if len(ev.Audio) == 0 {
		return
	}
	c.mu.Lock()
	dev := c.device
	if dev == nil || !c.gate.Active() {
		c.dropped++
		c.mu.Unlock()
		return
	}
	c.played++
	seq := c.played
	c.mu.Unlock()

	dev.Play(Frame{Data: ev.Audio, SampleRate: AgentSampleRate, Encoding: "pcm_s16le"})
	ack := flow.AudioReceived{Message: flow.MsgAudioReceived, SeqNo: seq, Buffering: playbackBuffering}
	if err := c.out.Send(ack); err != nil {
		c.logger.Debug("audio: ack agent frame", "seq_no", seq, "error", err)
	}
}

// HandleInterruption drops queued playback when the agent reports that its
// response was interrupted.
func (c *Coordinator) HandleInterruption(flow.Event) {
	c.mu.Lock()
	dev := c.device
	c.mu.Unlock()
	if dev != nil {
		dev.Reset()
	}
}
