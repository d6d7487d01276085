package httpserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/snowcodeer/VisualAIser/internal/session"
)

const eventWriteTimeout = 5 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Same policy as the CORS middleware.
		return true
	},
}

// stateEvent is pushed to /events subscribers.
type stateEvent struct {
	Type  string        `json:"type"`
	State session.State `json:"state"`
}

type subscriber struct {
	send chan session.State
}

// hub fans session state changes out to websocket subscribers.
type hub struct {
	store  *session.Store
	logger *slog.Logger

	mu          sync.Mutex
	subs        map[*subscriber]struct{}
	done        chan struct{}
	closeOnce   sync.Once
	unsubscribe func()
}

func newHub(store *session.Store, logger *slog.Logger) *hub {
	h := &hub{
		store:  store,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
		done:   make(chan struct{}),
	}
	h.unsubscribe = store.Subscribe(h.broadcast)
	return h
}

// broadcast runs on the store's writer; slow subscribers miss intermediate
// states but always get the latest one on their next read.
func (h *hub) broadcast(st session.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- st:
		default:
			select {
			case <-s.send:
			default:
			}
			select {
			case s.send <- st:
			default:
			}
		}
	}
}

func (h *hub) serve(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("events: upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	sub := &subscriber{send: make(chan session.State, 16)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeState(conn, h.store.Snapshot()); err != nil {
		return nil
	}
	for {
		select {
		case st := <-sub.send:
			if err := writeState(conn, st); err != nil {
				h.logger.Debug("events: write failed", "error", err)
				return nil
			}
		case <-readDone:
			return nil
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return nil
		}
	}
}

func writeState(conn *websocket.Conn, st session.State) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return conn.WriteJSON(stateEvent{Type: "state", State: st})
}

func (h *hub) close() {
	h.closeOnce.Do(func() {
		h.unsubscribe()
		close(h.done)
	})
}
