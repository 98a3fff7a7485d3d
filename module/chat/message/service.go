package message

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ChatCore/logger"
	"ChatCore/module/chat/model"
	"ChatCore/service/bus"
	"ChatCore/service/route"
	"ChatCore/tools/errs"
	"ChatCore/tools/ids"
)

// Conf tunes the write path. Clock is swappable in tests.
type Conf struct {
	Clock func() int64 // unix millis
}

func (c *Conf) norm() {
	if c.Clock == nil {
		c.Clock = func() int64 { return time.Now().UnixMilli() }
	}
}

// Service is the ordering authority's write path. A message becomes real in
// exactly this order: ownership check, id stamp, durable insert, fan-out
// publish. Each step only runs if the previous one held, except that a
// failed publish never rolls back the durable write.
type Service struct {
	conf   Conf
	router *route.Router
	reg    *ids.Registry
	store  Store
	b      bus.Bus
}

func NewService(conf Conf, router *route.Router, reg *ids.Registry, store Store, b bus.Bus) *Service {
	conf.norm()
	return &Service{conf: conf, router: router, reg: reg, store: store, b: b}
}

// Send accepts a message for a channel this replica owns, stamps it with the
// channel's next id, writes it durably, and broadcasts the fan-out event.
//
// A duplicate durable insert is tolerated: the row already exists, so the
// send is re-broadcast rather than failed. A publish failure after a durable
// write surfaces to the caller but leaves the write in place; replicas catch
// up via resend.
func (s *Service) Send(ctx context.Context, channelID, userID, content string) (*model.FanoutEvent, error) {
	if channelID == "" || userID == "" {
		return nil, errs.ErrInvalidRequest.WrapMsg("channelId and userId are required")
	}
	if !s.router.IsOwner(channelID) {
		return nil, errs.ErrNotOwner.WrapMsg(
			"channel " + channelID + " owned by server " + strconv.Itoa(s.router.OwnerOf(channelID)))
	}

	row := &model.MessageRow{
		ChannelID:   channelID,
		UserID:      userID,
		Content:     content,
		TimestampID: s.reg.For(channelID).Next(),
		CreatedAt:   s.conf.Clock(),
	}

	if err := s.store.InsertMessage(ctx, row); err != nil {
		if errors.Is(err, ErrDuplicate) {
			logger.Warn("duplicate message insert, re-broadcasting",
				zap.String("channelId", channelID), zap.String("timestampId", row.TimestampID))
		} else {
			return nil, errs.ErrStorage.WrapMsg(err.Error())
		}
	}

	ev := row.Event()
	if hasMention(content) {
		ev.Type = model.EventMention
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return ev, errs.ErrSerialization.WrapMsg(err.Error())
	}
	if err := s.b.Publish(ctx, bus.SubjectFanout, data, ev.DedupKey()); err != nil {
		logger.Error("fanout publish failed after durable write",
			zap.String("channelId", channelID), zap.String("timestampId", row.TimestampID),
			zap.Error(err))
		return ev, errs.ErrTransport.WrapMsg(err.Error())
	}
	return ev, nil
}

// hasMention reports whether the content addresses someone with an @token.
// Mentioned messages fan out as MENTION so clients can raise them; unread
// accounting treats them the same as MESSAGE.
func hasMention(content string) bool {
	for _, tok := range strings.Fields(content) {
		if len(tok) > 1 && tok[0] == '@' {
			return true
		}
	}
	return false
}

// Replay returns the channel's messages with ids strictly greater than
// after, oldest first. Serves the client resend request; "" replays the
// whole channel. Reads go to the shared durable store, so any replica can
// answer regardless of channel ownership.
func (s *Service) Replay(ctx context.Context, channelID, after string) ([]*model.FanoutEvent, error) {
	rows, err := s.store.MessagesAfter(ctx, channelID, after)
	if err != nil {
		return nil, errs.ErrStorage.WrapMsg(err.Error())
	}
	out := make([]*model.FanoutEvent, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.Event())
	}
	return out, nil
}
