package hub

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/boatpi/boatpi/internal/metrics"
)

type testHub struct {
	*Hub
	srv   *httptest.Server
	peers chan *Peer
}

// newTestHub serves a hub whose peers echo every frame back to everyone.
func newTestHub(t *testing.T, name string) *testHub {
	t.Helper()
	th := &testHub{
		Hub:   New(name, WithLogger(zerolog.New(io.Discard)), WithPingInterval(time.Second)),
		peers: make(chan *Peer, 8),
	}
	upgrader := websocket.Upgrader{}
	th.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p, err := th.Add(conn, r.RemoteAddr)
		if err != nil {
			return
		}
		th.peers <- p
		th.Serve(p, func(_ *Peer, data []byte) { th.BroadcastRaw(data) })
	}))
	t.Cleanup(func() {
		th.Close()
		th.srv.Close()
	})
	return th
}

func (th *testHub) dial(t *testing.T) (*websocket.Conn, *Peer) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(th.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	select {
	case p := <-th.peers:
		return conn, p
	case <-time.After(2 * time.Second):
		t.Fatal("peer not registered")
		return nil, nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestBroadcastReachesEveryPeer(t *testing.T) {
	th := newTestHub(t, "broadcast-test")
	a, _ := th.dial(t)
	b, _ := th.dial(t)
	require.Equal(t, 2, th.Count())

	th.Broadcast(map[string]any{"counter": 1})
	assert.JSONEq(t, `{"counter":1}`, readFrame(t, a))
	assert.JSONEq(t, `{"counter":1}`, readFrame(t, b))

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"echo":true}`)))
	assert.JSONEq(t, `{"echo":true}`, readFrame(t, a))
	assert.JSONEq(t, `{"echo":true}`, readFrame(t, b))
}

func TestPromoteAndBroadcastRole(t *testing.T) {
	th := newTestHub(t, "role-test")
	viewer, _ := th.dial(t)
	admin, adminPeer := th.dial(t)

	assert.Equal(t, Viewer, adminPeer.Role())
	th.Promote(adminPeer, Admin)
	assert.Equal(t, Admin, adminPeer.Role())
	assert.Equal(t, 1, th.CountRole(Admin))
	assert.Equal(t, 1, th.CountRole(Viewer))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HubPeers.WithLabelValues("role-test", "admin")))

	th.BroadcastRole(Admin, []byte(`{"only":"admins"}`))
	th.BroadcastRaw([]byte(`{"all":true}`))

	assert.JSONEq(t, `{"only":"admins"}`, readFrame(t, admin))
	assert.JSONEq(t, `{"all":true}`, readFrame(t, admin))
	assert.JSONEq(t, `{"all":true}`, readFrame(t, viewer))
}

func TestPeerSend(t *testing.T) {
	th := newTestHub(t, "send-test")
	a, pa := th.dial(t)
	b, _ := th.dial(t)

	require.True(t, pa.Send(map[string]string{"hello": "a"}))
	assert.JSONEq(t, `{"hello":"a"}`, readFrame(t, a))

	th.BroadcastRaw([]byte(`{"next":1}`))
	assert.JSONEq(t, `{"next":1}`, readFrame(t, b))
	assert.False(t, pa.Send(func() {}), "unmarshalable frames are not queued")
}

func TestDisconnectRemovesPeer(t *testing.T) {
	th := newTestHub(t, "leave-test")
	a, pa := th.dial(t)
	th.dial(t)
	require.Equal(t, 2, th.Count())

	a.Close()
	require.Eventually(t, func() bool { return th.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, pa.SendRaw([]byte(`{}`)))
	th.Remove(pa)
	assert.Equal(t, 1, th.Count())
}

func TestSlowPeerIsEvicted(t *testing.T) {
	h := New("evict-test", WithLogger(zerolog.New(io.Discard)))
	stuck := &Peer{id: "stuck", send: make(chan []byte, 1), hub: h}
	h.peers[stuck] = struct{}{}

	h.BroadcastRaw([]byte(`{"n":1}`))
	require.Equal(t, 1, h.Count())
	h.BroadcastRaw([]byte(`{"n":2}`))

	assert.Equal(t, 0, h.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HubDroppedTotal.WithLabelValues("evict-test")))
	assert.False(t, stuck.SendRaw([]byte(`{}`)))

	// Queued frames are still readable; the closed queue ends the pump.
	msg, ok := <-stuck.send
	assert.True(t, ok)
	assert.Equal(t, `{"n":1}`, string(msg))
	_, ok = <-stuck.send
	assert.False(t, ok)
}

func TestCloseDetachesPeers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	th := newTestHub(t, "close-test")
	a, _ := th.dial(t)

	th.Close()
	assert.Equal(t, 0, th.Count())

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	url := "ws" + strings.TrimPrefix(th.srv.URL, "http")
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	assert.Error(t, err, "a closed hub drops new peers")

	a.Close()
	th.srv.Close()
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "viewer", Viewer.String())
	assert.Equal(t, "admin", Admin.String())
	assert.Equal(t, "unknown", Role(7).String())
}
