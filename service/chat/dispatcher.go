package chat

import (
	"context"

	"ChatCore/tools/errs"
)

// Session identifies the connection a frame arrived on. The user id comes
// from the auth extractor at upgrade time, never from the frame itself.
type Session struct {
	ConnID string
	UserID string
}

// FrameHandler processes one inbound frame for a session.
type FrameHandler func(ctx context.Context, sess *Session, f *Frame) error

// Dispatcher routes inbound frames by type.
type Dispatcher struct {
	handlers map[string]FrameHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]FrameHandler)}
}

func (d *Dispatcher) Register(frameType string, h FrameHandler) {
	d.handlers[frameType] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, f *Frame) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.ErrInvalidRequest.WrapMsg("no handler for frame type " + f.Type)
	}
	return h(ctx, sess, f)
}
