// Package agent assembles the conversation: one transport, one session
// controller and the components that react to its events.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/snowcodeer/VisualAIser/internal/audio"
	"github.com/snowcodeer/VisualAIser/internal/flow"
	"github.com/snowcodeer/VisualAIser/internal/session"
	"github.com/snowcodeer/VisualAIser/internal/tools"
	"github.com/snowcodeer/VisualAIser/internal/transcript"
)

type Options struct {
	FlowURL           string
	Credentials       session.CredentialSource
	Personas          []session.Persona
	TemplateVariables map[string]string
	ToolTimeout       time.Duration
	StartTimeout      time.Duration
	EndTimeout        time.Duration
	AnnualReportURL   string
	CompanyPolicyURL  string
	// Tools replaces the default document tools when set.
	Tools []tools.Tool
}

// Conversation owns every per-process component of the voice session.
type Conversation struct {
	Events     *flow.Dispatcher
	Transport  *flow.Client
	Controller *session.Controller
	Audio      *audio.Coordinator
	Tools      *tools.Handler
	Viewer     *tools.Viewer
	Transcript *transcript.Aggregator
	Notices    *Notices

	logger      *slog.Logger
	unsubscribe []func()
}

func New(opts Options, logger *slog.Logger) (*Conversation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("agent: credential source required")
	}

	events := flow.NewDispatcher()
	transport := flow.NewClient(opts.FlowURL, events, logger.With("component", "flow"))
	store := session.NewStore()

	viewer := tools.NewViewer()
	toolset := opts.Tools
	if toolset == nil {
		toolset = tools.DefaultTools(viewer, opts.AnnualReportURL, opts.CompanyPolicyURL)
	}
	registry, err := tools.NewRegistry(toolset...)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	coordinator := audio.NewCoordinator(store, transport, logger.With("component", "audio"))
	toolHandler := tools.NewHandler(registry, store, transport, tools.NewHistory(), opts.ToolTimeout, logger.With("component", "tools"))
	aggregator := transcript.NewAggregator(logger.With("component", "transcript"))
	notices := NewNotices(logger.With("component", "notices"))

	controller := session.NewController(store, transport, opts.Credentials, coordinator, toolHandler, session.Config{
		Personas:          opts.Personas,
		Tools:             registry.Definitions(),
		TemplateVariables: opts.TemplateVariables,
		StartTimeout:      opts.StartTimeout,
		EndTimeout:        opts.EndTimeout,
		DrainTimeout:      drainTimeout(opts.ToolTimeout),
	}, logger.With("component", "session"))

	c := &Conversation{
		Events:     events,
		Transport:  transport,
		Controller: controller,
		Audio:      coordinator,
		Tools:      toolHandler,
		Viewer:     viewer,
		Transcript: aggregator,
		Notices:    notices,
		logger:     logger,
	}
	c.unsubscribe = []func(){
		events.Subscribe(controller.HandleEvent, session.Kinds...),
		events.Subscribe(func(flow.Event) { aggregator.Reset() }, flow.MsgConversationStarted),
		events.Subscribe(coordinator.HandleAgentAudio, flow.KindAgentAudio),
		events.Subscribe(coordinator.HandleInterruption, flow.MsgResponseInterrupted),
		events.Subscribe(toolHandler.HandleMessage, flow.MsgToolInvoke),
		events.Subscribe(aggregator.HandleTranscript, flow.MsgAddTranscript),
		events.Subscribe(aggregator.HandleResponse, flow.MsgResponseCompleted, flow.MsgResponseInterrupted),
		events.Subscribe(notices.Handle, flow.MsgError, flow.MsgWarning, flow.MsgInfo, flow.KindSocketError),
	}
	return c, nil
}

func (c *Conversation) Start(ctx context.Context, personaID string, dev audio.Device) error {
	return c.Controller.Start(ctx, session.StartRequest{PersonaID: personaID, Device: dev})
}

func (c *Conversation) End(ctx context.Context) error {
	return c.Controller.End(ctx)
}

// DeviceLost is called when an audio device hangs up. If the active session
// was using it, the session is ended and a notice is recorded.
func (c *Conversation) DeviceLost(id string) {
	if c.Controller.DeviceLost(id) {
		c.Notices.Add(KindDeviceLost, fmt.Sprintf("audio device %s disconnected; conversation ended", id))
	}
}

func (c *Conversation) State() session.State {
	return c.Controller.State()
}

// Close ends any active session and detaches every subscriber.
func (c *Conversation) Close(ctx context.Context) error {
	err := c.Controller.End(ctx)
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	return err
}

// drainTimeout leaves room for a call that started just before End to hit
// the handler's own timeout and still send its reply.
func drainTimeout(toolTimeout time.Duration) time.Duration {
	if toolTimeout <= 0 {
		toolTimeout = tools.DefaultTimeout
	}
	return toolTimeout + 2*time.Second
}
