package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snowcodeer/VisualAIser/internal/audio"
	"github.com/snowcodeer/VisualAIser/internal/flow"
	"github.com/snowcodeer/VisualAIser/internal/session"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var hangup = struct{}{}

// fakeFlow plays the agent side of the protocol.
type fakeFlow struct {
	received chan map[string]any
	outbound chan any
	jwt      chan string
	stash    []map[string]any
}

func newFakeFlow(t *testing.T) (*fakeFlow, string) {
	t.Helper()
	f := &fakeFlow{
		received: make(chan map[string]any, 64),
		outbound: make(chan any, 64),
		jwt:      make(chan string, 1),
	}
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.jwt <- r.URL.Query().Get("jwt")
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				mt, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if mt != websocket.TextMessage {
					continue
				}
				var m map[string]any
				if json.Unmarshal(data, &m) != nil {
					continue
				}
				f.received <- m
				switch m["message"] {
				case flow.MsgStartConversation:
					f.outbound <- map[string]any{"message": flow.MsgConversationStarted, "id": "conv-1"}
				case flow.MsgAudioEnded:
					f.outbound <- map[string]any{"message": flow.MsgConversationEnded}
					f.outbound <- hangup
				}
			}
		}()
		for {
			select {
			case msg := <-f.outbound:
				switch v := msg.(type) {
				case struct{}:
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					<-readDone
					return
				case []byte:
					_ = conn.WriteMessage(websocket.BinaryMessage, v)
				default:
					_ = conn.WriteJSON(v)
				}
			case <-readDone:
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeFlow) waitFor(t *testing.T, message string) map[string]any {
	t.Helper()
	for i, m := range f.stash {
		if m["message"] == message {
			f.stash = append(f.stash[:i], f.stash[i+1:]...)
			return m
		}
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-f.received:
			if m["message"] == message {
				return m
			}
			f.stash = append(f.stash, m)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", message)
			return nil
		}
	}
}

type staticCreds struct{}

func (staticCreds) Credential(context.Context, string) (string, error) { return "jwt-1", nil }

type browserDevice struct {
	mu     sync.Mutex
	played int
}

func (d *browserDevice) ID() string                           { return "browser" }
func (d *browserDevice) SampleRate() int                      { return 16000 }
func (d *browserDevice) StartCapture(func(audio.Frame)) error { return nil }
func (d *browserDevice) StopCapture() error                   { return nil }
func (d *browserDevice) Reset()                               {}
func (d *browserDevice) Play(audio.Frame) {
	d.mu.Lock()
	d.played++
	d.mu.Unlock()
}

func (d *browserDevice) plays() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.played
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConversation_EndToEnd(t *testing.T) {
	fake, url := newFakeFlow(t)
	conv, err := New(Options{
		FlowURL:     url,
		Credentials: staticCreds{},
		Personas:    []session.Persona{{ID: "tmpl-sam", Name: "Sam"}},
		ToolTimeout: time.Second,
	}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	dev := &browserDevice{}

	if err := conv.Start(context.Background(), "tmpl-sam", dev); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := <-fake.jwt; got != "jwt-1" {
		t.Fatalf("jwt = %q", got)
	}
	start := fake.waitFor(t, flow.MsgStartConversation)
	cfg, _ := start["conversation_config"].(map[string]any)
	if cfg["template_id"] != "tmpl-sam" {
		t.Fatalf("conversation_config = %v", start["conversation_config"])
	}
	if st := conv.State(); !st.Active() || st.SessionID != "conv-1" {
		t.Fatalf("state = %+v", st)
	}

	fake.outbound <- map[string]any{
		"message": flow.MsgAddTranscript,
		"results": []map[string]any{
			{"type": "word", "alternatives": []map[string]any{{"content": "open", "speaker": "S1"}}},
			{"type": "word", "alternatives": []map[string]any{{"content": "report", "speaker": "S1"}}},
		},
	}
	fake.outbound <- map[string]any{
		"message":  flow.MsgToolInvoke,
		"id":       "call-1",
		"function": map[string]any{"name": "open_annual_report", "arguments": `{"action":"open"}`},
	}
	fake.outbound <- []byte{0, 1, 0, 1}
	fake.outbound <- map[string]any{"message": flow.MsgResponseCompleted, "content": "Opening the annual report."}
	fake.outbound <- map[string]any{"message": flow.MsgError, "type": "protocol_error", "reason": "bad frame"}

	result := fake.waitFor(t, flow.MsgToolResult)
	if result["id"] != "call-1" || result["status"] != flow.StatusOK {
		t.Fatalf("ToolResult = %v", result)
	}
	ack := fake.waitFor(t, flow.MsgAudioReceived)
	if ack["seq_no"] != float64(1) {
		t.Fatalf("AudioReceived = %v", ack)
	}
	eventually(t, "agent audio playback", func() bool { return dev.plays() == 1 })
	eventually(t, "transcript", func() bool { return len(conv.Transcript.Groups()) == 2 })
	eventually(t, "notice", func() bool { return len(conv.Notices.Snapshot()) == 1 })

	views := conv.Transcript.Views()
	if views[0].Text != "open report" || views[0].Speaker != "Speaker 1" || views[1].Speaker != "Agent" {
		t.Fatalf("transcript = %+v", views)
	}
	if doc := conv.Viewer.State().Document; doc == nil || doc.Title != "Annual report" {
		t.Fatalf("viewer = %+v", conv.Viewer.State())
	}
	if conv.Notices.Snapshot()[0].Message != "bad frame" {
		t.Fatalf("notices = %+v", conv.Notices.Snapshot())
	}

	if err := conv.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	fake.waitFor(t, flow.MsgAudioEnded)
	if st := conv.State(); st != (session.State{Connection: flow.ConnClosed}) {
		t.Fatalf("state after End = %+v", st)
	}
	if n := conv.Tools.History().Len(); n != 1 {
		t.Fatalf("tool history = %d", n)
	}
	if err := conv.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestConversation_StartValidation(t *testing.T) {
	conv, err := New(Options{Credentials: staticCreds{}, Personas: []session.Persona{{ID: "a"}}}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	err = conv.Start(context.Background(), "", &browserDevice{})
	if !errors.Is(err, session.ErrNoPersona) {
		t.Fatalf("err = %v", err)
	}
}

func TestNotices(t *testing.T) {
	n := NewNotices(discardLogger())
	raw := func(v any) json.RawMessage { b, _ := json.Marshal(v); return b }

	n.Handle(flow.Event{Kind: flow.MsgError, Raw: raw(map[string]any{"message": "Error", "error": map[string]string{"message": "quota exceeded"}})})
	n.Handle(flow.Event{Kind: flow.MsgWarning, Raw: raw(map[string]any{"message": "Warning", "reason": "slow audio"})})
	n.Handle(flow.Event{Kind: flow.MsgInfo, Raw: raw(map[string]any{"message": "Info", "type": "status"})})
	n.Handle(flow.Event{Kind: flow.KindSocketError, Err: errors.New("connection reset")})

	got := n.Snapshot()
	if len(got) != 3 {
		t.Fatalf("notices = %+v", got)
	}
	want := []string{"quota exceeded", "slow audio", "connection reset"}
	for i, w := range want {
		if got[i].Message != w {
			t.Fatalf("notice %d = %q, want %q", i, got[i].Message, w)
		}
	}
}

func TestNotices_BoundedRetention(t *testing.T) {
	n := NewNotices(discardLogger())
	for i := 0; i < maxNotices+10; i++ {
		n.Handle(flow.Event{Kind: flow.KindSocketError, Err: errors.New("x")})
	}
	if len(n.Snapshot()) != maxNotices {
		t.Fatalf("len = %d", len(n.Snapshot()))
	}
}

func TestConversation_DeviceLostWithoutSessionIsQuiet(t *testing.T) {
	conv, err := New(Options{Credentials: staticCreds{}, Personas: []session.Persona{{ID: "a"}}}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	conv.DeviceLost("dev-1")
	if got := conv.Notices.Snapshot(); len(got) != 0 {
		t.Fatalf("notices = %+v", got)
	}
}
