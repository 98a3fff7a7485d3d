package chat

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// wsPair dials a real client/server websocket pair through httptest so
// manager tests exercise actual connections.
type wsPair struct {
	client *websocket.Conn
	server *websocket.Conn
}

type wsFactory struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newWSFactory(t *testing.T) *wsFactory {
	t.Helper()
	f := &wsFactory{t: t, conns: make(chan *websocket.Conn, 16)}
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		f.conns <- ws
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *wsFactory) dial() wsPair {
	f.t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = client.Close() })
	return wsPair{client: client, server: <-f.conns}
}

func readWithDeadline(t *testing.T, ws *websocket.Conn) ([]byte, error) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	return data, err
}

func TestSendUserReachesEveryConnection(t *testing.T) {
	f := newWSFactory(t)
	m := NewConnManager(ManagerConf{}, "node-a")
	defer m.Close()

	p1, p2 := f.dial(), f.dial()
	m.Register("u1", p1.server)
	m.Register("u1", p2.server)

	require.Equal(t, 2, m.SendUser("u1", []byte(`{"type":"MESSAGE"}`)))
	for _, p := range []wsPair{p1, p2} {
		data, err := readWithDeadline(t, p.client)
		require.NoError(t, err)
		require.JSONEq(t, `{"type":"MESSAGE"}`, string(data))
	}

	require.Equal(t, 0, m.SendUser("nobody", []byte("x")))
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	f := newWSFactory(t)
	m := NewConnManager(ManagerConf{MaxPerUser: 2}, "node-a")
	defer m.Close()

	oldest := f.dial()
	m.Register("u1", oldest.server)
	m.Register("u1", f.dial().server)
	m.Register("u1", f.dial().server)

	require.Equal(t, 2, m.UserConns("u1"))
	_, err := readWithDeadline(t, oldest.client)
	require.Error(t, err, "the evicted connection must be closed")
}

func TestSweepExpiresIdleConnections(t *testing.T) {
	f := newWSFactory(t)
	clk := &stepClock{now: time.UnixMilli(0)}
	m := NewConnManager(ManagerConf{ConnTTL: time.Minute, Clock: clk.Now}, "node-a")
	defer m.Close()

	c := m.Register("u1", f.dial().server)

	clk.Advance(40 * time.Second)
	require.NoError(t, m.Heartbeat(c.ID))

	// The heartbeat pushed expiry out to t=100s.
	clk.Advance(30 * time.Second)
	require.Equal(t, 0, m.SweepOnce())
	require.Equal(t, 1, m.UserConns("u1"))

	clk.Advance(31 * time.Second)
	require.Equal(t, 1, m.SweepOnce())
	require.Equal(t, 0, m.UserConns("u1"))

	require.Error(t, m.Heartbeat(c.ID), "a swept connection is gone")
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
