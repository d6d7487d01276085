// Package rtc bridges a browser's microphone and speaker to the agent over
// WebRTC.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/snowcodeer/VisualAIser/internal/audio"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Answer is the SDP answer plus the id under which the new device is
// registered.
type Answer struct {
	SessionDescription
	DeviceID string `json:"device_id"`
}

// Bridge creates peer connections from browser offers and tracks the
// resulting devices until they hang up.
type Bridge struct {
	iceServers []webrtc.ICEServer
	logger     *slog.Logger

	mu       sync.RWMutex
	devices  map[string]*Device
	onHangup func(id string)
}

func NewBridge(iceServersJSON string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		iceServers: parseICEServers(iceServersJSON),
		logger:     logger,
		devices:    make(map[string]*Device),
	}
}

// OnHangup registers fn to run after a device's peer connection ends.
func (b *Bridge) OnHangup(fn func(id string)) {
	b.mu.Lock()
	b.onHangup = fn
	b.mu.Unlock()
}

// Lookup returns a registered device.
func (b *Bridge) Lookup(id string) (audio.Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.devices[id]
	if !ok {
		return nil, false
	}
	return d, true
}

// HandleOffer accepts an SDP offer and returns an SDP answer.
func (b *Bridge) HandleOffer(ctx context.Context, offer SessionDescription) (Answer, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return Answer{}, errors.New("invalid offer")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return Answer{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return Answer{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: b.iceServers})
	if err != nil {
		return Answer{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1}, "agent-audio", "agent")
	if err != nil {
		_ = peerConnection.Close()
		return Answer{}, err
	}
	if _, err := peerConnection.AddTrack(outTrack); err != nil {
		_ = peerConnection.Close()
		return Answer{}, err
	}
	paced, err := NewOpusPacedWriter(outTrack, audio.AgentSampleRate)
	if err != nil {
		_ = peerConnection.Close()
		return Answer{}, fmt.Errorf("rtc: opus encoder: %w", err)
	}

	id := uuid.NewString()
	dev := &Device{
		id:     id,
		out:    paced,
		logger: b.logger.With("device", id),
		close:  peerConnection.Close,
	}

	var hangup sync.Once
	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		dev.logger.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			hangup.Do(func() {
				b.hangup(dev)
				time.AfterFunc(400*time.Millisecond, func() { _ = peerConnection.Close() })
			})
		}
	})
	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		dev.logger.Debug("ice state", "state", state.String())
	})

	peerConnection.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		dev.logger.Info("remote audio track received", "codec", remote.Codec().MimeType)
		dec, err := opus.NewDecoder(MicSampleRate, 1)
		if err != nil {
			dev.logger.Error("opus decoder", "error", err)
			return
		}
		dev.rate.Store(MicSampleRate)
		go dev.readMic(func() ([]byte, error) {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return nil, err
			}
			return pkt.Payload, nil
		}, dec)
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peerConnection.SetRemoteDescription(remoteOffer); err != nil {
		paced.Close()
		_ = peerConnection.Close()
		return Answer{}, err
	}
	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		paced.Close()
		_ = peerConnection.Close()
		return Answer{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		paced.Close()
		_ = peerConnection.Close()
		return Answer{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		paced.Close()
		_ = peerConnection.Close()
		return Answer{}, fmt.Errorf("rtc: ice gathering: %w", ctx.Err())
	}
	local := peerConnection.LocalDescription()
	if local == nil {
		paced.Close()
		_ = peerConnection.Close()
		return Answer{}, errors.New("no local description")
	}

	b.mu.Lock()
	b.devices[dev.id] = dev
	b.mu.Unlock()
	dev.logger.Info("device registered")

	return Answer{SessionDescription: SessionDescription{Type: "answer", SDP: local.SDP}, DeviceID: dev.id}, nil
}

// hangup unregisters dev, detaches its audio and reports the loss.
func (b *Bridge) hangup(dev *Device) {
	b.mu.Lock()
	delete(b.devices, dev.id)
	fn := b.onHangup
	b.mu.Unlock()
	dev.gone()
	dev.logger.Info("device hung up")
	if fn != nil {
		fn(dev.id)
	}
}

// Close hangs up every device.
func (b *Bridge) Close() {
	b.mu.Lock()
	devices := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		devices = append(devices, d)
	}
	b.devices = make(map[string]*Device)
	b.mu.Unlock()
	for _, d := range devices {
		if err := d.Close(); err != nil {
			b.logger.Warn("rtc: close device", "device", d.id, "error", err)
		}
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
