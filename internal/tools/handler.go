package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/snowcodeer/VisualAIser/internal/flow"
)

// DefaultTimeout bounds a side effect so the agent always gets its reply.
const DefaultTimeout = 10 * time.Second

// Gate reports whether a session is active.
type Gate interface {
	Active() bool
}

// Sender delivers replies to the agent.
type Sender interface {
	Send(msg any) error
}

// Handler answers ToolInvoke requests. Every invocation with an id receives
// exactly one ToolResult carrying that id, whatever happens to the side effect.
type Handler struct {
	registry *Registry
	gate     Gate
	out      Sender
	history  *History
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	calls    map[string]*call
	inflight int
	idle     chan struct{}
}

type call struct {
	done  chan struct{}
	reply flow.ToolResult
}

type outcome struct {
	res Result
	err error
}

func NewHandler(registry *Registry, gate Gate, out Sender, history *History, timeout time.Duration, logger *slog.Logger) *Handler {
	if history == nil {
		history = NewHistory()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		gate:     gate,
		out:      out,
		history:  history,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		calls:    make(map[string]*call),
	}
}

func (h *Handler) History() *History { return h.history }

// HandleMessage is subscribed to ToolInvoke. Frames that do not carry a
// correlation id are not function calls and are ignored.
func (h *Handler) HandleMessage(ev flow.Event) {
	var inv flow.ToolInvoke
	if err := ev.Decode(&inv); err != nil {
		h.logger.Warn("tools: undecodable invocation", "error", err)
		return
	}
	inv.ID = strings.TrimSpace(inv.ID)
	if inv.Message != flow.MsgToolInvoke || inv.ID == "" {
		h.logger.Warn("tools: ignoring message without function-call shape", "message", inv.Message)
		return
	}
	name := strings.TrimSpace(inv.Function.Name)
	received := h.now()

	h.mu.Lock()
	if prev, seen := h.calls[inv.ID]; seen {
		h.mu.Unlock()
		h.redeliver(inv.ID, prev)
		return
	}
	c := &call{done: make(chan struct{})}
	h.calls[inv.ID] = c
	h.begin()
	h.mu.Unlock()

	h.logger.Info("tool invoked", "id", inv.ID, "function", name)

	if !h.gate.Active() {
		h.finish(inv.ID, name, received, c, "", flow.StatusRejected,
			"No active conversation session; the action was not performed.")
		return
	}
	tool, ok := h.registry.Lookup(name)
	if !ok {
		h.finish(inv.ID, name, received, c, "", flow.StatusRejected,
			fmt.Sprintf("Unknown function %q; no action was taken.", name))
		return
	}
	go h.run(inv, tool, received, c)
}

func (h *Handler) run(inv flow.ToolInvoke, tool Tool, received time.Time, c *call) {
	args, err := inv.Function.Args()
	if err != nil {
		h.finish(inv.ID, tool.Name, received, c, "", flow.StatusFailed,
			fmt.Sprintf("%s failed: %v", tool.Name, err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	results := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := tool.Call(ctx, args)
		results <- outcome{res: res, err: err}
	}()

	var o outcome
	select {
	case o = <-results:
	case <-ctx.Done():
		select {
		case o = <-results:
		default:
			o = outcome{err: fmt.Errorf("timed out after %s", h.timeout)}
		}
	}

	if o.err != nil {
		h.finish(inv.ID, tool.Name, received, c, "", flow.StatusFailed,
			fmt.Sprintf("%s failed: %v", tool.Name, o.err))
		return
	}
	content := o.res.Content
	if content == "" {
		content = fmt.Sprintf("%s completed.", tool.Name)
	}
	h.finish(inv.ID, tool.Name, received, c, o.res.Link, flow.StatusOK, content)
}

// finish records the exchange and sends the single reply for id.
func (h *Handler) finish(id, name string, at time.Time, c *call, link, status, content string) {
	rec := Record{ID: id, FunctionName: name, Timestamp: at, ResultLink: link, Status: StatusSuccess}
	if status != flow.StatusOK {
		rec.Status = StatusError
	}
	h.history.Append(rec)

	reply := flow.ToolResult{Message: flow.MsgToolResult, ID: id, Status: status, Content: content}
	if err := h.out.Send(reply); err != nil {
		h.logger.Error("tools: send result", "id", id, "status", status, "error", err)
	} else {
		h.logger.Info("tool result sent", "id", id, "function", name, "status", status)
	}

	h.mu.Lock()
	c.reply = reply
	close(c.done)
	h.end()
	h.mu.Unlock()
}

// redeliver answers a repeated id with the original reply. A call still in
// progress is left alone: its own reply is on the way.
func (h *Handler) redeliver(id string, prev *call) {
	select {
	case <-prev.done:
	default:
		h.logger.Warn("tools: duplicate invocation while pending", "id", id)
		return
	}
	h.mu.Lock()
	reply := prev.reply
	h.mu.Unlock()
	h.logger.Warn("tools: duplicate invocation, resending result", "id", id)
	if err := h.out.Send(reply); err != nil {
		h.logger.Error("tools: resend result", "id", id, "error", err)
	}
}

// Drain blocks until every accepted invocation has been answered or ctx ends.
func (h *Handler) Drain(ctx context.Context) error {
	for {
		h.mu.Lock()
		if h.inflight == 0 {
			h.mu.Unlock()
			return nil
		}
		idle := h.idle
		h.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// begin and end must be called with h.mu held.
func (h *Handler) begin() {
	if h.inflight == 0 {
		h.idle = make(chan struct{})
	}
	h.inflight++
}

func (h *Handler) end() {
	h.inflight--
	if h.inflight == 0 {
		close(h.idle)
	}
}
