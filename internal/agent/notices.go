package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/snowcodeer/VisualAIser/internal/flow"
)

const maxNotices = 100

// KindDeviceLost marks a session ended because its audio device hung up.
const KindDeviceLost = "deviceLost"

// Notice is a protocol or transport problem surfaced to the operator.
type Notice struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notices keeps the most recent Error, Warning and socket error reports.
// They never enter the transcript.
type Notices struct {
	mu     sync.RWMutex
	items  []Notice
	logger *slog.Logger
}

func NewNotices(logger *slog.Logger) *Notices {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notices{logger: logger}
}

func (n *Notices) Handle(ev flow.Event) {
	switch ev.Kind {
	case flow.KindSocketError:
		msg := "socket error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		n.add(ev.Kind, msg)
	case flow.MsgError, flow.MsgWarning, flow.MsgInfo:
		var notice flow.Notice
		if err := ev.Decode(&notice); err != nil {
			n.logger.Warn("agent: undecodable notice", "kind", ev.Kind, "error", err)
			return
		}
		if ev.Kind == flow.MsgInfo {
			n.logger.Info("agent info", "type", notice.Type, "reason", notice.Reason)
			return
		}
		n.add(ev.Kind, notice.Detail())
	}
}

// Add records a notice raised outside the agent protocol.
func (n *Notices) Add(kind, msg string) { n.add(kind, msg) }

func (n *Notices) add(kind, msg string) {
	if kind == flow.MsgWarning {
		n.logger.Warn("agent warning", "detail", msg)
	} else {
		n.logger.Error("agent error", "kind", kind, "detail", msg)
	}
	n.mu.Lock()
	n.items = append(n.items, Notice{Kind: kind, Message: msg, At: time.Now()})
	if len(n.items) > maxNotices {
		n.items = append([]Notice(nil), n.items[len(n.items)-maxNotices:]...)
	}
	n.mu.Unlock()
}

// Snapshot returns the retained notices, oldest first.
func (n *Notices) Snapshot() []Notice {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Notice(nil), n.items...)
}
