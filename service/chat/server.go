package chat

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ChatCore/logger"
	"ChatCore/module/chat/member"
	"ChatCore/module/chat/message"
	"ChatCore/module/chat/model"
	"ChatCore/module/chat/readstate"
	"ChatCore/service/bus"
	"ChatCore/service/presence"
	"ChatCore/tools/errs"
	"ChatCore/tools/ids"
	"ChatCore/tools/security"
)

// Conf tunes the gateway.
type Conf struct {
	IdemTTL time.Duration // fan-out dedup window
	Clock   func() time.Time
}

func (c *Conf) norm() {
	if c.IdemTTL <= 0 {
		c.IdemTTL = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Gateway ties the client edge together: it authenticates upgrades, keeps the
// connection registry, dispatches inbound frames to the write path and the
// read-state pipeline, and pushes fan-out events to locally connected channel
// members. Every replica runs one.
type Gateway struct {
	conf     Conf
	conns    *ConnManager
	disp     *Dispatcher
	msgs     *message.Service
	reads    *readstate.Pipeline
	presence *presence.Aggregator
	members  member.Directory
	b        bus.Bus
	auth     security.AuthExtractor
	idem     bus.IdemStore
}

func NewGateway(conf Conf, conns *ConnManager, msgs *message.Service, reads *readstate.Pipeline,
	pres *presence.Aggregator, members member.Directory, b bus.Bus,
	auth security.AuthExtractor, idem bus.IdemStore) *Gateway {
	conf.norm()
	g := &Gateway{
		conf:     conf,
		conns:    conns,
		disp:     NewDispatcher(),
		msgs:     msgs,
		reads:    reads,
		presence: pres,
		members:  members,
		b:        b,
		auth:     auth,
		idem:     idem,
	}
	g.disp.Register(model.EventMessage, g.handleMessage)
	g.disp.Register(model.EventRead, g.handleRead)
	g.disp.Register(model.EventResend, g.handleResend)
	g.disp.Register(model.EventJoin, g.handleJoin)
	g.disp.Register(model.EventLeave, g.handleLeave)
	return g
}

// Start wires the gateway to the bus: one fan-out subscription per replica,
// behind the idempotency middleware.
func (g *Gateway) Start(ctx context.Context) error {
	h := bus.Chain(g.handleFanout, bus.IdemMiddleware(g.idem, g.conf.IdemTTL, fanoutDedupKey))
	if err := g.b.Subscribe(bus.SubjectFanout, "", h); err != nil {
		return err
	}
	g.reads.Run(ctx)
	g.presence.Run(ctx)
	return nil
}

// fanoutDedupKey includes the event type and user so a READ receipt is never
// shadowed by the MESSAGE that shares its channel and timestamp.
func fanoutDedupKey(subject string, data []byte) string {
	var ev model.FanoutEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.TimestampID == "" {
		return ""
	}
	return ev.Type + "|" + ev.UserID + "|" + ev.ChannelID + "|" + ev.TimestampID
}

// handleFanout feeds one bus delivery into the unread pipeline and pushes it
// to every locally connected member of the channel. Members connected to
// other replicas are reached by those replicas' own subscriptions.
func (g *Gateway) handleFanout(ctx context.Context, subject string, data []byte) error {
	var ev model.FanoutEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.Warn("malformed fanout event", zap.Error(err))
		return nil
	}

	if err := g.reads.HandleFanout(ctx, &ev); err != nil {
		logger.Warn("unread update failed",
			zap.String("channel", ev.ChannelID), zap.String("timestampId", ev.TimestampID),
			zap.Error(err))
	}

	users, err := g.members.MembersOf(ctx, ev.ChannelID)
	if err != nil {
		return err
	}
	frame, err := eventFrame(&ev)
	if err != nil {
		return err
	}
	for _, user := range users {
		g.conns.SendUser(user, frame)
	}
	return nil
}

func (g *Gateway) handleMessage(ctx context.Context, sess *Session, f *Frame) error {
	_, err := g.msgs.Send(ctx, f.ChannelID, sess.UserID, f.Content)
	return err
}

func (g *Gateway) handleRead(ctx context.Context, sess *Session, f *Frame) error {
	if f.ChannelID == "" || f.TimestampID == "" {
		return errs.ErrInvalidRequest.WrapMsg("READ needs channelId and timestampId")
	}
	// The cache CAS and the SQL GREATEST compare bytewise; only fixed-width
	// canonical ids may reach them.
	ts, err := ids.Canonicalize(f.TimestampID)
	if err != nil {
		return errs.ErrInvalidRequest.WrapMsg(err.Error())
	}
	return g.reads.MarkRead(ctx, sess.UserID, f.ChannelID, ts)
}

// handleResend replays the channel's events after the client's cursor
// privately to the requesting user's connections, not to the whole channel.
func (g *Gateway) handleResend(ctx context.Context, sess *Session, f *Frame) error {
	if f.ChannelID == "" {
		return errs.ErrInvalidRequest.WrapMsg("RESEND needs channelId")
	}
	cursor, err := resendCursor(f)
	if err != nil {
		return err
	}
	events, err := g.msgs.Replay(ctx, f.ChannelID, cursor)
	if err != nil {
		return err
	}
	for _, ev := range events {
		frame, err := eventFrame(ev)
		if err != nil {
			return err
		}
		g.conns.SendUser(sess.UserID, frame)
	}
	return nil
}

// resendCursor normalizes the client's catch-up position to fixed-width id
// form before it meets the durable store's bytewise range scan. A bare
// createdAt millis means "everything from that millisecond on"; an empty
// cursor replays the whole channel.
func resendCursor(f *Frame) (string, error) {
	if f.TimestampID != "" {
		cursor, err := ids.Canonicalize(f.TimestampID)
		if err != nil {
			return "", errs.ErrInvalidRequest.WrapMsg(err.Error())
		}
		return cursor, nil
	}
	if f.CreatedAt > 0 {
		cursor, err := ids.CursorBefore(f.CreatedAt)
		if err != nil {
			return "", errs.ErrInvalidRequest.WrapMsg(err.Error())
		}
		return cursor, nil
	}
	return "", nil
}

func (g *Gateway) handleJoin(ctx context.Context, sess *Session, f *Frame) error {
	if f.ChannelID == "" {
		return errs.ErrInvalidRequest.WrapMsg("JOIN needs channelId")
	}
	if err := g.members.Join(ctx, f.ChannelID, sess.UserID); err != nil {
		return err
	}
	return g.publishMembership(ctx, model.EventJoin, f.ChannelID, sess.UserID)
}

func (g *Gateway) handleLeave(ctx context.Context, sess *Session, f *Frame) error {
	if f.ChannelID == "" {
		return errs.ErrInvalidRequest.WrapMsg("LEAVE needs channelId")
	}
	if err := g.members.Leave(ctx, f.ChannelID, sess.UserID); err != nil {
		return err
	}
	return g.publishMembership(ctx, model.EventLeave, f.ChannelID, sess.UserID)
}

func (g *Gateway) publishMembership(ctx context.Context, typ, channelID, userID string) error {
	now := g.conf.Clock().UnixMilli()
	ev := &model.FanoutEvent{Type: typ, ChannelID: channelID, UserID: userID, CreatedAt: now}
	data, err := json.Marshal(ev)
	if err != nil {
		return errs.ErrSerialization.WrapMsg(err.Error())
	}
	msgID := typ + "|" + userID + "|" + channelID + "|" + strconv.FormatInt(now, 10)
	if err := g.b.Publish(ctx, bus.SubjectFanout, data, msgID); err != nil {
		return errs.ErrTransport.WrapMsg(err.Error())
	}
	return nil
}
