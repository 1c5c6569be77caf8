package session

import "sync"

// EventKind names a notification emitted by the Client.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventAuthSuccess   EventKind = "authentication.success"
	EventAuthFailure   EventKind = "authentication.failure"
	EventUpdate        EventKind = "update"
	EventPeerConnected EventKind = "peer.connected"
	EventPeerLost      EventKind = "peer.disconnected"
)

// Event is one notification. Payload is only set for EventUpdate.
type Event struct {
	Kind    EventKind
	Payload map[string]any
}

// Listener receives notifications synchronously; it must not block.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// observers is a per-kind listener registry.
type observers struct {
	mu     sync.RWMutex
	nextID uint64
	byKind map[EventKind][]subscription
}

func (o *observers) add(kind EventKind, fn Listener) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byKind == nil {
		o.byKind = make(map[EventKind][]subscription)
	}
	o.nextID++
	id := o.nextID
	o.byKind[kind] = append(o.byKind[kind], subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(kind, id) })
	}
}

func (o *observers) remove(kind EventKind, id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	subs := o.byKind[kind]
	for i, s := range subs {
		if s.id == id {
			o.byKind[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (o *observers) emit(ev Event) {
	o.mu.RLock()
	subs := o.byKind[ev.Kind]
	o.mu.RUnlock()
	for _, s := range subs {
		s.fn(ev)
	}
}
