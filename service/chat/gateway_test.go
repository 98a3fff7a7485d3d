package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"ChatCore/module/chat/member"
	"ChatCore/module/chat/message"
	"ChatCore/module/chat/model"
	"ChatCore/module/chat/readstate"
	"ChatCore/service/bus"
	"ChatCore/service/presence"
	"ChatCore/service/route"
	"ChatCore/tools/errs"
	"ChatCore/tools/ids"
	"ChatCore/tools/security"
)

func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r, err := route.New(0, 1)
	require.NoError(t, err)

	b := bus.NewSyncMemBus()
	store := message.NewMemStore()
	cache := readstate.NewMemCache()
	members := member.NewMemDirectory()

	msgs := message.NewService(message.Conf{}, r, ids.NewRegistry(), store, b)
	reads := readstate.NewPipeline(readstate.Conf{}, cache, store, members, b)
	agg := presence.NewAggregator(presence.Conf{FlushEvery: 50 * time.Millisecond}, presence.NewMemStore())
	idem := bus.NewMemIdem(time.Minute)
	t.Cleanup(idem.Close)

	conns := NewConnManager(ManagerConf{}, "node-test")
	t.Cleanup(conns.Close)

	g := NewGateway(Conf{}, conns, msgs, reads, agg, members, b, security.NewInsecureExtractor(), idem)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, g.Start(ctx))

	engine := gin.New()
	g.RegisterRoutes(engine)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func dialUser(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?userId=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, f *Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

// readUntil skips frames of other types (e.g. JOIN fan-out) until one of the
// wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, frameType string) *Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type == frameType {
			return &f
		}
	}
	t.Fatalf("no %s frame within deadline", frameType)
	return nil
}

func joinChannel(t *testing.T, ws *websocket.Conn, channelID string) {
	t.Helper()
	writeFrame(t, ws, &Frame{Type: model.EventJoin, ChannelID: channelID})
	readUntil(t, ws, model.EventJoin)
}

func TestMessageFanoutToChannelMembers(t *testing.T) {
	srv := newTestGateway(t)
	u1, u2 := dialUser(t, srv, "u1"), dialUser(t, srv, "u2")

	joinChannel(t, u1, "room1")
	joinChannel(t, u2, "room1")

	writeFrame(t, u1, &Frame{Type: model.EventMessage, ChannelID: "room1", Content: "hello"})

	for _, ws := range []*websocket.Conn{u1, u2} {
		got := readUntil(t, ws, model.EventMessage)
		require.Equal(t, "hello", got.Content)
		require.Equal(t, "u1", got.UserID)
		require.NotEmpty(t, got.TimestampID, "delivered messages carry the authority's id")
	}
}

func TestReadReceiptReachesOtherMembers(t *testing.T) {
	srv := newTestGateway(t)
	u1, u2 := dialUser(t, srv, "u1"), dialUser(t, srv, "u2")

	joinChannel(t, u1, "room1")
	joinChannel(t, u2, "room1")

	writeFrame(t, u1, &Frame{Type: model.EventMessage, ChannelID: "room1", Content: "hi"})
	sent := readUntil(t, u1, model.EventMessage)

	readUntil(t, u2, model.EventMessage)
	writeFrame(t, u2, &Frame{Type: model.EventRead, ChannelID: "room1", TimestampID: sent.TimestampID})

	got := readUntil(t, u1, model.EventRead)
	require.Equal(t, "u2", got.UserID)
	require.Equal(t, sent.TimestampID, got.TimestampID)
}

func TestResendRepliesPrivately(t *testing.T) {
	srv := newTestGateway(t)
	u1, u2 := dialUser(t, srv, "u1"), dialUser(t, srv, "u2")

	joinChannel(t, u1, "room1")
	joinChannel(t, u2, "room1")

	var sent []string
	for _, text := range []string{"one", "two"} {
		writeFrame(t, u1, &Frame{Type: model.EventMessage, ChannelID: "room1", Content: text})
		sent = append(sent, readUntil(t, u1, model.EventMessage).TimestampID)
		readUntil(t, u2, model.EventMessage)
	}

	writeFrame(t, u2, &Frame{Type: model.EventResend, ChannelID: "room1", TimestampID: sent[0]})
	replayed := readUntil(t, u2, model.EventMessage)
	require.Equal(t, sent[1], replayed.TimestampID, "replay starts strictly after the cursor")

	// The requester gets the replay; other members must not.
	require.NoError(t, u1.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := u1.ReadMessage()
	require.Error(t, err, "replay is private to the requesting user")
}

// Receipt and replay cursors reach stores that compare bytewise, so the
// gateway only lets fixed-width canonical ids through.
func TestReadFrameRejectsNonCanonicalTimestamp(t *testing.T) {
	srv := newTestGateway(t)
	u1 := dialUser(t, srv, "u1")
	joinChannel(t, u1, "room1")

	writeFrame(t, u1, &Frame{Type: model.EventMessage, ChannelID: "room1", Content: "hi"})
	sent := readUntil(t, u1, model.EventMessage)

	for _, bad := range []string{"90", "90.000", "1700000000100"} {
		writeFrame(t, u1, &Frame{Type: model.EventRead, ChannelID: "room1", TimestampID: bad})
		got := readUntil(t, u1, model.EventError)
		require.Equal(t, errs.CodeInvalidRequest, got.Code, "timestampId %q must be rejected", bad)
	}

	writeFrame(t, u1, &Frame{Type: model.EventRead, ChannelID: "room1", TimestampID: sent.TimestampID})
	got := readUntil(t, u1, model.EventRead)
	require.Equal(t, sent.TimestampID, got.TimestampID)
}

func TestResendCursorNormalization(t *testing.T) {
	cursor, err := resendCursor(&Frame{TimestampID: "1700000000123.7"})
	require.NoError(t, err)
	require.Equal(t, "1700000000123.007", cursor)

	// A bare createdAt millis includes everything stamped at that millisecond.
	cursor, err = resendCursor(&Frame{CreatedAt: 1_700_000_000_123})
	require.NoError(t, err)
	require.Equal(t, "1700000000122.999", cursor)

	_, err = resendCursor(&Frame{TimestampID: "90"})
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
	_, err = resendCursor(&Frame{CreatedAt: 90})
	require.ErrorIs(t, err, errs.ErrInvalidRequest)

	cursor, err = resendCursor(&Frame{})
	require.NoError(t, err)
	require.Empty(t, cursor, "no cursor means a full replay")
}

func TestUpgradeRejectedWithoutAuth(t *testing.T) {
	srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"code":1301`)
}

func TestErrorFrameCarriesCode(t *testing.T) {
	srv := newTestGateway(t)
	u1 := dialUser(t, srv, "u1")

	writeFrame(t, u1, &Frame{Type: model.EventMessage, Content: "no channel"})
	got := readUntil(t, u1, model.EventError)
	require.Equal(t, errs.CodeInvalidRequest, got.Code)

	writeFrame(t, u1, &Frame{Type: "BOGUS"})
	got = readUntil(t, u1, model.EventError)
	require.Equal(t, errs.CodeInvalidRequest, got.Code)
}

func TestOnlineEndpointSeesConnectedUsers(t *testing.T) {
	srv := newTestGateway(t)
	dialUser(t, srv, "u1")

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/online?users=u1,ghost")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		return strings.Contains(string(body), `"u1"`) && !strings.Contains(string(body), "ghost")
	}, 3*time.Second, 50*time.Millisecond, "the connect heartbeat must surface via /online after a flush")
}
