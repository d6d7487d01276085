// Package session owns the conversation lifecycle: connection state, session
// identity and the start/end sequences.
package session

import (
	"sync"

	"github.com/snowcodeer/VisualAIser/internal/flow"
)

// State is the shared read model of the conversation.
type State struct {
	Connection flow.ConnState `json:"connection"`
	SessionID  string         `json:"session_id,omitempty"`
}

// Active reports whether audio and tool traffic may flow: socket open and a
// conversation started.
func (s State) Active() bool {
	return s.Connection == flow.ConnOpen && s.SessionID != ""
}

// Store holds the current State. Only the Controller writes to it; everyone
// else reads snapshots or subscribes to changes.
type Store struct {
	mu    sync.RWMutex
	state State

	// notifyMu keeps subscriber callbacks in mutation order.
	notifyMu sync.Mutex
	nextID   int
	subs     map[int]func(State)
}

func NewStore() *Store {
	return &Store{
		state: State{Connection: flow.ConnClosed},
		subs:  make(map[int]func(State)),
	}
}

func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) Active() bool {
	return s.Snapshot().Active()
}

// Subscribe calls fn after every change with the new state. fn runs
// synchronously with the writer and must not block or write to the store.
func (s *Store) Subscribe(fn func(State)) func() {
	s.notifyMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.notifyMu.Unlock()
	return func() {
		s.notifyMu.Lock()
		delete(s.subs, id)
		s.notifyMu.Unlock()
	}
}

// setConnection moves to conn, clearing the session id when conn cannot
// carry one.
func (s *Store) setConnection(conn flow.ConnState) {
	s.update(func(st *State) {
		st.Connection = conn
	})
}

// setSessionID records the started conversation. Ignored unless open.
func (s *Store) setSessionID(id string) bool {
	applied := false
	s.update(func(st *State) {
		if st.Connection == flow.ConnOpen {
			st.SessionID = id
			applied = true
		}
	})
	return applied
}

// reset forces closed with no session.
func (s *Store) reset() {
	s.update(func(st *State) {
		*st = State{Connection: flow.ConnClosed}
	})
}

func (s *Store) update(mutate func(*State)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	prev := s.state
	mutate(&s.state)
	if s.state.Connection == flow.ConnClosed || s.state.Connection == flow.ConnConnecting {
		s.state.SessionID = ""
	}
	next := s.state
	s.mu.Unlock()

	if next == prev {
		return
	}
	for _, fn := range s.subs {
		fn(next)
	}
}
