package session

import "time"

// Channel is one live bidirectional transport instance. A Client owns at most
// one at a time and never reuses it after it closes.
type Channel interface {
	// Send writes one frame. It must not block on the network for long.
	Send(data []byte) error
	// Close shuts the channel down. Handlers may still fire for frames
	// already in flight; the Client ignores them.
	Close() error
	// IsOpen reports whether Send can currently succeed.
	IsOpen() bool
}

// Handlers are the callbacks a Dialer binds to the channel it creates.
// OnOpen fires at most once, before any OnMessage, and receives the channel
// being opened since it may fire before Dial returns. OnClose fires at most
// once and is the last callback, whether the open failed or an open channel
// dropped.
type Handlers struct {
	OnOpen    func(ch Channel)
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Dialer starts opening a channel to address. Opening is asynchronous: Dial
// returns as soon as the attempt is under way. A returned error means the
// attempt could not even start; no handler will fire in that case.
type Dialer interface {
	Dial(address string, h Handlers) (Channel, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(address string, h Handlers) (Channel, error)

func (f DialerFunc) Dial(address string, h Handlers) (Channel, error) {
	return f(address, h)
}

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

// Clock schedules retry callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
