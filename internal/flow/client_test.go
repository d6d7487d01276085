package flow

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFlowTestServer(t *testing.T, fn func(r *http.Request, conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(r, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 64)} }

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) waitFor(t *testing.T, kind string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func TestClient_ConnectSendsJWTAndPublishesFrames(t *testing.T) {
	gotJWT := make(chan string, 1)
	url := newFlowTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		gotJWT <- r.URL.Query().Get("jwt")

		var start map[string]any
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"message": "ConversationStarted", "id": "conv-1"})
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 0, 2, 0})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})

	events := NewDispatcher()
	rec := newRecorder()
	events.Subscribe(rec.handle, MsgConversationStarted, KindAgentAudio, KindSocketState, KindSocketError)

	c := NewClient(url, events, discardLogger())
	if err := c.Connect(context.Background(), "tok-123"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if jwt := <-gotJWT; jwt != "tok-123" {
		t.Fatalf("jwt query = %q", jwt)
	}
	if err := c.Send(StartConversation{Message: MsgStartConversation}); err != nil {
		t.Fatalf("send: %v", err)
	}

	started := rec.waitFor(t, MsgConversationStarted)
	var msg ConversationStarted
	if err := started.Decode(&msg); err != nil || msg.ID != "conv-1" {
		t.Fatalf("decode started: %+v err=%v", msg, err)
	}
	audio := rec.waitFor(t, KindAgentAudio)
	if len(audio.Audio) != 4 {
		t.Fatalf("audio len = %d", len(audio.Audio))
	}
	for {
		ev := rec.waitFor(t, KindSocketState)
		if ev.State == ConnClosed {
			break
		}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, ev := range rec.events {
		if ev.Kind == KindSocketError {
			t.Fatalf("normal closure must not raise socket error: %v", ev.Err)
		}
	}
	if c.State() != ConnClosed {
		t.Fatalf("state = %s", c.State())
	}
}

func TestClient_AbruptDropRaisesSocketError(t *testing.T) {
	url := newFlowTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		_ = conn.UnderlyingConn().Close()
	})
	events := NewDispatcher()
	rec := newRecorder()
	events.Subscribe(rec.handle, KindSocketError)

	c := NewClient(url, events, discardLogger())
	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ev := rec.waitFor(t, KindSocketError)
	if ev.Err == nil {
		t.Fatalf("expected error on socket error event")
	}
}

func TestClient_CloseIsQuietAndIdempotent(t *testing.T) {
	url := newFlowTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	events := NewDispatcher()
	rec := newRecorder()
	events.Subscribe(rec.handle, KindSocketError)

	c := NewClient(url, events, discardLogger())
	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := c.Send(map[string]string{"message": "x"}); err != ErrNotConnected {
		t.Fatalf("send after close = %v", err)
	}
	select {
	case ev := <-rec.ch:
		t.Fatalf("unexpected socket error: %v", ev.Err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_DialFailureLeavesClosed(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/v1/flow", nil, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx, "tok"); err == nil {
		t.Fatalf("expected dial error")
	}
	if c.State() != ConnClosed {
		t.Fatalf("state = %s", c.State())
	}
}

func TestFunctionCallArgs(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"object", `{"action":"open"}`, "open"},
		{"string", `"{\"action\":\"open\"}"`, "open"},
		{"empty", ``, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			args, err := FunctionCall{Arguments: json.RawMessage(tc.raw)}.Args()
			if err != nil {
				t.Fatalf("args: %v", err)
			}
			got, _ := args["action"].(string)
			if got != tc.want {
				t.Fatalf("action = %q want %q", got, tc.want)
			}
		})
	}
	if _, err := (FunctionCall{Arguments: json.RawMessage(`[1,2]`)}).Args(); err == nil {
		t.Fatalf("expected error for non-object arguments")
	}
}

func TestNoticeDetail(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"message":"Error","error":{"message":"quota exceeded"}}`, "quota exceeded"},
		{`{"message":"Error","error":"bad template"}`, "bad template"},
		{`{"message":"Error","type":"protocol_error","reason":"unexpected frame"}`, "unexpected frame"},
		{`{"message":"Error"}`, "Unknown error"},
	}
	for _, tc := range cases {
		var n Notice
		if err := json.Unmarshal([]byte(tc.raw), &n); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got := n.Detail(); got != tc.want {
			t.Fatalf("detail(%s) = %q want %q", tc.raw, got, tc.want)
		}
	}
}
