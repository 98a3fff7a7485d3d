package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/Shopify/sarama"

	"ChatCore/logger"
	"ChatCore/service/bus"
	"ChatCore/tools/errs"
	"ChatCore/tools/safe"

	"go.uber.org/zap"
)

// Config for the Kafka-backed bus. NodeID makes broadcast consumer groups
// unique per replica: a fan-out subject must reach every replica, so each
// replica consumes it under its own group id.
type Config struct {
	Brokers []string
	NodeID  string
}

// Bus is the sarama alternative to the NATS transport, selected by config at
// process start. The hash partitioner plus a constant key per subject keeps
// per-publisher order inside one partition, matching the ordering assumption
// the write path makes.
type Bus struct {
	cfg      Config
	client   sarama.Client
	producer sarama.SyncProducer
	mws      []bus.Middleware

	mu     sync.Mutex
	cancel []context.CancelFunc
}

var _ bus.Bus = (*Bus)(nil)

func buildBaseConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

func New(cfg Config, mws ...bus.Middleware) (*Bus, error) {
	client, err := sarama.NewClient(cfg.Brokers, buildBaseConfig())
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka client")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.WrapMsg(err, "kafka sync producer")
	}
	return &Bus{cfg: cfg, client: client, producer: producer, mws: mws}, nil
}

func (b *Bus) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	msg := &sarama.ProducerMessage{
		Topic: subject,
		// Constant key per subject: one partition, publisher order preserved.
		Key:   sarama.StringEncoder(subject),
		Value: sarama.ByteEncoder(data),
	}
	if msgID != "" {
		msg.Headers = []sarama.RecordHeader{{Key: []byte("msg-id"), Value: []byte(msgID)}}
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return errs.ErrTransport.WrapMsg(err.Error())
	}
	return nil
}

func (b *Bus) Subscribe(subject, queue string, h bus.Handler) error {
	groupID := queue
	if groupID == "" {
		groupID = "core-" + b.cfg.NodeID + "-" + subject
	}
	group, err := sarama.NewConsumerGroupFromClient(groupID, b.client)
	if err != nil {
		return errs.WrapMsg(err, "kafka consumer group "+groupID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	safe.Go("kafka-group-errors", func() {
		for err := range group.Errors() {
			logger.Warn("kafka consumer group error",
				zap.String("group", groupID), zap.Error(err))
		}
	})

	handler := &groupHandler{h: bus.Chain(h, b.mws...)}
	safe.Go("kafka-consume-"+subject, func() {
		defer func() { _ = group.Close() }()
		for {
			if ctx.Err() != nil {
				return
			}
			if err := group.Consume(ctx, []string{subject}, handler); err != nil {
				logger.Warn("kafka consume error",
					zap.String("subject", subject), zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	})
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	for _, c := range b.cancel {
		c()
	}
	b.cancel = nil
	b.mu.Unlock()
	_ = b.producer.Close()
	return b.client.Close()
}

type groupHandler struct {
	h bus.Handler
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := g.h(session.Context(), msg.Topic, msg.Value); err != nil {
			logger.Warn("kafka handler error",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset), zap.Error(err))
		}
		// Mark regardless: delivery is at-least-once and consumers dedup.
		session.MarkMessage(msg, "")
	}
	return nil
}
