package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/snowcodeer/VisualAIser/internal/audio"
	"github.com/snowcodeer/VisualAIser/internal/flow"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultEndTimeout   = 5 * time.Second
	// DefaultDrainTimeout outlasts the tool handler's own per-call bound.
	DefaultDrainTimeout = 12 * time.Second

	credentialPurpose = "flow"
)

// ErrTransportLost is returned by Start when the socket drops mid-handshake.
var ErrTransportLost = errors.New("session: transport closed")

// Transport is the connection to the agent.
type Transport interface {
	Connect(ctx context.Context, credential string) error
	Send(msg any) error
	Close() error
}

type CredentialSource interface {
	Credential(ctx context.Context, purpose string) (string, error)
}

// AudioStream is the capture/playback coordinator.
type AudioStream interface {
	Start(dev audio.Device) error
	Stop()
	LastSeqNo() int64
}

// Drainer waits for outstanding tool replies.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Persona is a selectable agent template.
type Persona struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Config struct {
	Personas          []Persona
	Tools             []flow.ToolDefinition
	TemplateVariables map[string]string
	StartTimeout      time.Duration
	EndTimeout        time.Duration
	// DrainTimeout bounds the wait for in-flight tool replies during End. It
	// is separate from EndTimeout and should exceed the tool call timeout.
	DrainTimeout time.Duration
}

type StartRequest struct {
	PersonaID string
	Device    audio.Device
}

// Kinds lists the events HandleEvent consumes.
var Kinds = []string{
	flow.KindSocketState,
	flow.KindSocketError,
	flow.MsgConversationStarted,
	flow.MsgConversationEnding,
	flow.MsgConversationEnded,
}

// Controller runs the session state machine and is the only writer of its
// Store.
type Controller struct {
	store     *Store
	transport Transport
	creds     CredentialSource
	audio     AudioStream
	tools     Drainer
	cfg       Config
	logger    *slog.Logger

	// op serializes Start and End.
	op sync.Mutex

	mu      sync.Mutex
	device  string
	started chan string
	ended   chan struct{}
	lost    chan struct{}
}

func NewController(store *Store, transport Transport, creds CredentialSource, stream AudioStream, tools Drainer, cfg Config, logger *slog.Logger) *Controller {
	if store == nil {
		store = NewStore()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = DefaultEndTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     store,
		transport: transport,
		creds:     creds,
		audio:     stream,
		tools:     tools,
		cfg:       cfg,
		logger:    logger,
	}
}

func (c *Controller) Store() *Store { return c.store }

func (c *Controller) State() State { return c.store.Snapshot() }

func (c *Controller) Personas() []Persona {
	return append([]Persona(nil), c.cfg.Personas...)
}

func (c *Controller) persona(id string) (Persona, bool) {
	for _, p := range c.cfg.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return Persona{}, false
}

// Start opens a conversation with the chosen persona and begins streaming the
// device's microphone. Validation and credential failures are returned as
// *SessionStartError and leave the state untouched.
func (c *Controller) Start(ctx context.Context, req StartRequest) error {
	c.op.Lock()
	defer c.op.Unlock()

	if st := c.store.Snapshot(); st.Connection != flow.ConnClosed || st.SessionID != "" {
		return startError(ErrSessionActive, nil)
	}
	personaID := strings.TrimSpace(req.PersonaID)
	if personaID == "" {
		return startError(ErrNoPersona, nil)
	}
	if _, ok := c.persona(personaID); !ok {
		return startError(ErrUnknownPersona, fmt.Errorf("%q", personaID))
	}
	if req.Device == nil {
		return startError(ErrNoDevice, nil)
	}
	rate := req.Device.SampleRate()
	if rate <= 0 {
		return startError(ErrNoAudioContext, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	credential, err := c.creds.Credential(ctx, credentialPurpose)
	if err != nil {
		return startError(ErrCredential, err)
	}

	started, lost := c.arm()
	c.store.setConnection(flow.ConnConnecting)
	if err := c.transport.Connect(ctx, credential); err != nil {
		c.store.reset()
		return fmt.Errorf("session: connect: %w", err)
	}
	c.store.setConnection(flow.ConnOpen)

	msg := flow.StartConversation{
		Message:     flow.MsgStartConversation,
		AudioFormat: flow.RawPCM16(rate),
		ConversationConfig: flow.ConversationConfig{
			TemplateID:        personaID,
			TemplateVariables: c.templateVariables(),
		},
		Tools: c.cfg.Tools,
	}
	if err := c.transport.Send(msg); err != nil {
		c.abort()
		return fmt.Errorf("session: send StartConversation: %w", err)
	}

	var id string
	select {
	case id = <-started:
	case <-lost:
		c.abort()
		return ErrTransportLost
	case <-ctx.Done():
		c.abort()
		return fmt.Errorf("session: waiting for ConversationStarted: %w", ctx.Err())
	}

	if err := c.audio.Start(req.Device); err != nil {
		c.abort()
		return fmt.Errorf("session: %w", err)
	}
	c.mu.Lock()
	c.device = req.Device.ID()
	c.mu.Unlock()
	c.logger.Info("session started", "session_id", id, "persona", personaID, "device", req.Device.ID(), "sample_rate", rate)
	return nil
}

func (c *Controller) templateVariables() map[string]string {
	vars := make(map[string]string, len(c.cfg.TemplateVariables))
	for k, v := range c.cfg.TemplateVariables {
		vars[k] = v
	}
	return vars
}

// End stops capture, tells the agent the audio is finished, waits for the
// conversation to close and for tool replies to go out, then closes the
// transport. Waiting for the agent is bounded by EndTimeout; tool replies get
// their own DrainTimeout so a slow call still answers before the socket
// closes. Without an active session it does nothing.
func (c *Controller) End(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	st := c.store.Snapshot()
	if !st.Active() {
		return nil
	}

	drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.DrainTimeout)
	defer cancelDrain()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EndTimeout)
	defer cancel()

	c.store.setConnection(flow.ConnClosing)
	c.audio.Stop()

	c.mu.Lock()
	ended, lost := c.ended, c.lost
	c.mu.Unlock()

	last := c.audio.LastSeqNo()
	if err := c.transport.Send(flow.AudioEnded{Message: flow.MsgAudioEnded, LastSeqNo: last}); err != nil {
		c.logger.Warn("session: send AudioEnded", "error", err)
	} else {
		select {
		case <-ended:
		case <-lost:
		case <-ctx.Done():
			c.logger.Warn("session: no ConversationEnded before timeout", "session_id", st.SessionID)
		}
	}

	if c.tools != nil {
		if err := c.tools.Drain(drainCtx); err != nil {
			c.logger.Warn("session: tool replies still pending at close", "error", err)
		}
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("session: close transport", "error", err)
	}
	c.store.reset()
	c.logger.Info("session ended", "session_id", st.SessionID, "last_seq_no", last)
	return nil
}

// HandleEvent applies transport and lifecycle events. It runs on the
// transport's delivery goroutine and never blocks on the transport.
func (c *Controller) HandleEvent(ev flow.Event) {
	switch ev.Kind {
	case flow.KindSocketState:
		c.handleSocketState(ev.State)
	case flow.KindSocketError:
		c.logger.Error("session: transport error", "error", ev.Err)
		c.forceClosed()
	case flow.MsgConversationStarted:
		var msg flow.ConversationStarted
		if err := ev.Decode(&msg); err != nil || msg.ID == "" {
			c.logger.Warn("session: ConversationStarted without id", "error", err)
			return
		}
		c.mu.Lock()
		started := c.started
		c.started = nil
		c.mu.Unlock()
		if started == nil {
			c.logger.Warn("session: unexpected ConversationStarted", "session_id", msg.ID)
			return
		}
		if !c.store.setSessionID(msg.ID) {
			c.logger.Warn("session: ConversationStarted after socket left open", "session_id", msg.ID)
			return
		}
		started <- msg.ID
	case flow.MsgConversationEnding:
		c.logger.Info("session: agent is ending the conversation")
	case flow.MsgConversationEnded:
		c.mu.Lock()
		signal(c.ended)
		c.mu.Unlock()
		if c.store.Active() {
			c.logger.Info("session: conversation ended by agent")
			go func() {
				if err := c.End(context.Background()); err != nil {
					c.logger.Warn("session: end after ConversationEnded", "error", err)
				}
			}()
		}
	}
}

// DeviceLost ends the active session when its audio device has gone away.
// It reports whether a session was ended. The end runs in the background so
// device callbacks never wait on the transport.
func (c *Controller) DeviceLost(id string) bool {
	c.mu.Lock()
	current := c.device
	c.mu.Unlock()
	if id == "" || id != current || !c.store.Active() {
		return false
	}
	c.logger.Warn("session: audio device lost, ending conversation", "device", id)
	go func() {
		if err := c.End(context.Background()); err != nil {
			c.logger.Warn("session: end after device loss", "error", err)
		}
	}()
	return true
}

func (c *Controller) handleSocketState(s flow.ConnState) {
	switch s {
	case flow.ConnClosed:
		c.forceClosed()
	case flow.ConnConnecting, flow.ConnOpen, flow.ConnClosing:
		if c.store.Snapshot().Connection != s {
			c.store.setConnection(s)
		}
	}
}

// forceClosed handles a transport that is gone: no session survives it.
func (c *Controller) forceClosed() {
	c.mu.Lock()
	signal(c.lost)
	c.mu.Unlock()
	c.audio.Stop()
	c.store.reset()
}

// arm prepares the handshake signals for a new connection.
func (c *Controller) arm() (<-chan string, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = make(chan string, 1)
	c.ended = make(chan struct{})
	c.lost = make(chan struct{})
	return c.started, c.lost
}

// abort tears down a half-started session.
func (c *Controller) abort() {
	c.mu.Lock()
	c.started = nil
	c.mu.Unlock()
	c.audio.Stop()
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("session: close transport", "error", err)
	}
	c.store.reset()
}

// signal closes ch once; the caller holds c.mu.
func signal(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}
