package session

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errFakeClosed = errors.New("fake channel closed")

// fakeChannel records outbound frames and lets tests drive the handlers.
type fakeChannel struct {
	mu     sync.Mutex
	h      Handlers
	open   bool
	closed bool
	sent   [][]byte
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errFakeClosed
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed = true
	return nil
}

func (f *fakeChannel) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChannel) Open() {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.h.OnOpen(f)
}

func (f *fakeChannel) Deliver(frame string) {
	f.h.OnMessage([]byte(frame))
}

func (f *fakeChannel) Drop() {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	f.h.OnClose(io.EOF)
}

func (f *fakeChannel) Sent() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	return out
}

// fakeDialer hands out fakeChannels, optionally failing synchronously first.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	attempts int
	channels []*fakeChannel
}

var errFakeDial = errors.New("bad address")

func (d *fakeDialer) Dial(_ string, h Handlers) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failures > 0 {
		d.failures--
		return nil, errFakeDial
	}
	ch := &fakeChannel{h: h}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) Last(t *testing.T) *fakeChannel {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		t.Fatal("no channel dialed")
	}
	return d.channels[len(d.channels)-1]
}

func (d *fakeDialer) Channels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

// manualClock only fires timers when told to.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Armed returns the pending timers.
func (c *manualClock) Armed() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// Fire runs the single pending timer.
func (c *manualClock) Fire(t *testing.T) {
	t.Helper()
	armed := c.Armed()
	if len(armed) != 1 {
		t.Fatalf("expected exactly 1 armed timer, got %d", len(armed))
	}
	c.mu.Lock()
	armed[0].fired = true
	c.mu.Unlock()
	armed[0].f()
}

// recorder collects every notification kind in order.
type recorder struct {
	mu     sync.Mutex
	events []Event
	unsub  []func()
}

func record(c *Client) *recorder {
	r := &recorder{}
	for _, kind := range allKinds {
		r.unsub = append(r.unsub, c.Subscribe(kind, r.add))
	}
	return r
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) Last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

var allKinds = []EventKind{
	EventConnected, EventDisconnected, EventAuthSuccess, EventAuthFailure,
	EventUpdate, EventPeerConnected, EventPeerLost,
}

type harness struct {
	client *Client
	dialer *fakeDialer
	clock  *manualClock
	events *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{dialer: &fakeDialer{}, clock: &manualClock{}, events: &recorder{}}
	base := []Option{
		WithDialer(h.dialer),
		WithClock(h.clock),
		WithLogger(zerolog.New(io.Discard)),
		WithName("test"),
	}
	for _, kind := range allKinds {
		base = append(base, WithListener(kind, h.events.add))
	}
	h.client = New("ws://boat.test/ws", append(base, opts...)...)
	t.Cleanup(func() { h.client.Close() })
	return h
}

func assertKinds(t *testing.T, got []EventKind, want ...EventKind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func assertState(t *testing.T, c *Client, want State) {
	t.Helper()
	if got := c.State(); got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}
}
