// Package transcript folds user words and agent responses into
// speaker-attributed groups in arrival order.
package transcript

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/snowcodeer/VisualAIser/internal/flow"
)

type GroupType string

const (
	TypeAgent GroupType = "agent"
	TypeUser  GroupType = "user"
)

// Unit is one piece of text in a group: a user word or punctuation mark, or
// a whole agent response.
type Unit struct {
	Text string `json:"text"`
	// Attaches marks punctuation that joins the previous unit without a space.
	Attaches bool `json:"attaches,omitempty"`
	// AttachesNext marks punctuation, such as an opening quote, that joins the
	// following unit without a space.
	AttachesNext bool    `json:"attaches_next,omitempty"`
	Start        float64 `json:"start_time,omitempty"`
	End          float64 `json:"end_time,omitempty"`
}

// Word and Punct build user units.
func Word(s string) Unit  { return Unit{Text: s} }
func Punct(s string) Unit { return Unit{Text: s, Attaches: true} }

// Group is a maximal run of consecutive units from one origin. User groups are
// further split by speaker.
type Group struct {
	Seq     int       `json:"seq"`
	Type    GroupType `json:"type"`
	Speaker string    `json:"speaker,omitempty"`
	Units   []Unit    `json:"units"`
}

// Key identifies the group for display.
func (g Group) Key() string {
	return fmt.Sprintf("%d-%s-%s", g.Seq, g.Type, g.Speaker)
}

// SpeakerLabel renders "S1" as "Speaker 1"; agent groups are labelled "Agent".
func (g Group) SpeakerLabel() string {
	if g.Type == TypeAgent {
		return "Agent"
	}
	return strings.Replace(g.Speaker, "S", "Speaker ", 1)
}

func (g Group) Text() string {
	var b strings.Builder
	for i, u := range g.Units {
		if i > 0 && !u.Attaches && !g.Units[i-1].AttachesNext {
			b.WriteByte(' ')
		}
		b.WriteString(u.Text)
	}
	return b.String()
}

// View is the JSON shape served to the presentation layer.
type View struct {
	Key     string    `json:"key"`
	Type    GroupType `json:"type"`
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
}

func (g Group) View() View {
	return View{Key: g.Key(), Type: g.Type, Speaker: g.SpeakerLabel(), Text: g.Text()}
}

type Aggregator struct {
	mu     sync.RWMutex
	groups []Group
	seq    int
	logger *slog.Logger
}

func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{logger: logger}
}

// AddUser appends units spoken by speaker.
func (a *Aggregator) AddUser(speaker string, units ...Unit) {
	if len(units) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.append(TypeUser, speaker, units)
}

// AddAgent appends one agent response. Empty text is dropped.
func (a *Aggregator) AddAgent(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.append(TypeAgent, "", []Unit{{Text: text}})
}

// append must be called with a.mu held.
func (a *Aggregator) append(t GroupType, speaker string, units []Unit) {
	if n := len(a.groups); n > 0 {
		last := &a.groups[n-1]
		if last.Type == t && (t == TypeAgent || last.Speaker == speaker) {
			last.Units = append(last.Units, units...)
			return
		}
	}
	a.seq++
	a.groups = append(a.groups, Group{
		Seq:     a.seq,
		Type:    t,
		Speaker: speaker,
		Units:   append([]Unit(nil), units...),
	})
}

// HandleTranscript consumes AddTranscript. Consecutive results from the same
// speaker are appended together so one message yields as few groups as
// possible.
func (a *Aggregator) HandleTranscript(ev flow.Event) {
	var msg flow.AddTranscript
	if err := ev.Decode(&msg); err != nil {
		a.logger.Warn("transcript: undecodable AddTranscript", "error", err)
		return
	}
	var (
		speaker string
		batch   []Unit
	)
	flush := func() {
		if len(batch) > 0 {
			a.AddUser(speaker, batch...)
			batch = nil
		}
	}
	for _, r := range msg.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if alt.Content == "" {
			continue
		}
		u := Unit{Text: alt.Content, Start: r.StartTime, End: r.EndTime}
		if r.Type == "punctuation" {
			switch r.AttachesTo {
			case "next":
				u.AttachesNext = true
			case "both":
				u.Attaches, u.AttachesNext = true, true
			case "none":
			default:
				u.Attaches = true
			}
		}
		sp := alt.Speaker
		if sp == "" {
			sp = speaker
		}
		if sp != speaker {
			flush()
			speaker = sp
		}
		batch = append(batch, u)
	}
	flush()
}

// HandleResponse consumes ResponseCompleted and ResponseInterrupted.
func (a *Aggregator) HandleResponse(ev flow.Event) {
	var msg flow.Response
	if err := ev.Decode(&msg); err != nil {
		a.logger.Warn("transcript: undecodable response", "kind", ev.Kind, "error", err)
		return
	}
	a.AddAgent(msg.Content)
}

// Groups returns a copy of the log in arrival order.
func (a *Aggregator) Groups() []Group {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Group, len(a.groups))
	for i, g := range a.groups {
		g.Units = append([]Unit(nil), g.Units...)
		out[i] = g
	}
	return out
}

func (a *Aggregator) Views() []View {
	groups := a.Groups()
	out := make([]View, len(groups))
	for i, g := range groups {
		out[i] = g.View()
	}
	return out
}

// Reset clears the log for a new session.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.groups = nil
	a.seq = 0
	a.mu.Unlock()
}
