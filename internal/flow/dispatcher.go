package flow

import (
	"encoding/json"
	"sync"
)

// ConnState is the transport-level connection signal.
type ConnState string

const (
	ConnClosed     ConnState = "closed"
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClosing    ConnState = "closing"
)

// Event is one inbound signal from the transport. Exactly one of Raw, Audio,
// State or Err is meaningful depending on Kind.
type Event struct {
	Kind  string
	Raw   json.RawMessage
	Audio []byte
	State ConnState
	Err   error
}

// Decode unmarshals the JSON payload of a message event into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// HandlerFunc consumes events of the kinds it subscribed to. Handlers run on
// the delivery goroutine and must not block.
type HandlerFunc func(Event)

type subscriber struct {
	id int
	fn HandlerFunc
}

// Dispatcher fans events out to subscribers keyed by message kind.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscriber
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[string][]subscriber)}
}

// Subscribe registers fn for the given kinds and returns a function that
// removes the registration.
func (d *Dispatcher) Subscribe(fn HandlerFunc, kinds ...string) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	for _, k := range kinds {
		d.subs[k] = append(d.subs[k], subscriber{id: id, fn: fn})
	}
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for _, k := range kinds {
				list := d.subs[k]
				kept := list[:0]
				for _, s := range list {
					if s.id != id {
						kept = append(kept, s)
					}
				}
				if len(kept) == 0 {
					delete(d.subs, k)
				} else {
					d.subs[k] = kept
				}
			}
		})
	}
}

// Publish delivers ev synchronously to every subscriber of ev.Kind, in
// registration order. It reports whether anyone was listening.
func (d *Dispatcher) Publish(ev Event) bool {
	d.mu.RLock()
	list := append([]subscriber(nil), d.subs[ev.Kind]...)
	d.mu.RUnlock()
	for _, s := range list {
		s.fn(ev)
	}
	return len(list) > 0
}
