package chat

import (
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ChatCore/logger"
	"ChatCore/tools/errs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RegisterRoutes mounts the gateway's HTTP surface.
func (g *Gateway) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", g.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": g.conns.NodeID()})
	})
	r.GET("/online", g.handleOnline)
}

// HandleWS authenticates and upgrades the request, then runs the read loop
// until the peer goes away. Frame failures answer with an ERROR frame on the
// same connection; only transport errors end the loop.
func (g *Gateway) HandleWS(c *gin.Context) {
	userID, err := g.auth.UserID(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": errs.CodeOf(err), "msg": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[HandleWS] upgrade failed: %v", err)
		return
	}

	conn := g.conns.Register(userID, ws)
	defer g.conns.Remove(conn.ID)

	g.presence.Heartbeat(userID)
	ws.SetPongHandler(func(string) error {
		_ = g.conns.Heartbeat(conn.ID)
		g.presence.Heartbeat(userID)
		return nil
	})

	sess := &Session{ConnID: conn.ID, UserID: userID}
	ctx := c.Request.Context()
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] peer closed conn=%s user=%s", conn.ID, userID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout conn=%s err=%v", conn.ID, rerr)
			} else {
				logger.Infof("[WS] read err conn=%s err=%v", conn.ID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		// Any inbound frame proves liveness, same as a pong.
		_ = g.conns.Heartbeat(conn.ID)
		g.presence.Heartbeat(userID)

		f, perr := ParseFrame(data)
		if perr != nil {
			logger.Infof("[WS] bad frame conn=%s err=%v len=%d", conn.ID, perr, len(data))
			_ = g.conns.SendConn(conn.ID, ErrorFrame(perr))
			continue
		}
		if derr := g.disp.Dispatch(ctx, sess, f); derr != nil {
			logger.Infof("[WS] %s frame failed conn=%s user=%s err=%v", f.Type, conn.ID, userID, derr)
			_ = g.conns.SendConn(conn.ID, ErrorFrame(derr))
		}
	}
}

// handleOnline classifies the given user ids against the presence index:
// GET /online?users=a,b,c.
func (g *Gateway) handleOnline(c *gin.Context) {
	var users []string
	for _, u := range strings.Split(c.Query("users"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	online, err := g.presence.OnlineAmong(c.Request.Context(), users)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": errs.CodeOf(err), "msg": err.Error()})
		return
	}
	out := make([]string, 0, len(online))
	for u := range online {
		out = append(out, u)
	}
	sort.Strings(out)
	c.JSON(http.StatusOK, gin.H{"online": out})
}
