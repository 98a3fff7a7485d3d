package natsx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"ChatCore/service/bus"
	"ChatCore/tools/errs"
)

// Config for the shared NATS connection.
type Config struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Client is the NATS-backed fan-out bus. NATS core delivery is at-most-once
// per subscription but preserves per-connection publish order, which is the
// ordering guarantee the write path leans on; lost fan-outs are repaired by
// client RESEND catch-up.
type Client struct {
	nc  *nats.Conn
	mws []bus.Middleware

	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ bus.Bus = (*Client)(nil)

// New connects with infinite reconnects and jittered backoff.
func New(cfg Config, mws ...bus.Middleware) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect")
	}
	return &Client{nc: nc, mws: mws}, nil
}

// Publish is fire-and-forget. The message id rides in the standard
// Nats-Msg-Id header for consumer-side dedup.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if msgID != "" {
		msg.Header.Set(nats.MsgIdHdr, msgID)
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return errs.ErrTransport.WrapMsg(err.Error())
	}
	return nil
}

func (c *Client) Subscribe(subject, queue string, h bus.Handler) error {
	h = bus.Chain(h, c.mws...)
	cb := func(m *nats.Msg) {
		_ = h(context.Background(), m.Subject, append([]byte(nil), m.Data...))
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.nc.Subscribe(subject, cb)
	} else {
		sub, err = c.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return errs.WrapMsg(err, "nats subscribe "+subject)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.subs = nil
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}
