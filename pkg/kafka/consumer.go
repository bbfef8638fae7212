package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/haydov/importer/pkg/broker"
)

const (
	transportName   = "kafka"
	headerMessageID = "message_id"
)

// ConsumerConfig maps the broker topology onto Kafka: the exchange is a topic
// and the durable queue is a consumer group, so every group sees every
// message just like queues bound to a fanout exchange.
type ConsumerConfig struct {
	Brokers     []string
	Topology    broker.Topology
	DialTimeout time.Duration
	Logger      *zap.Logger
}

type reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Consumer fetches one message at a time and commits its offset only after
// the handler acked or nacked it, which gives the same backpressure as an
// AMQP prefetch of one.
type Consumer struct {
	r      reader
	topo   broker.Topology
	logger *zap.Logger
}

var _ broker.Consumer = (*Consumer)(nil)

// NewConsumer checks that the cluster is reachable, makes sure the topic
// exists and joins the consumer group.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, &broker.ConnectError{Transport: transportName, Err: errors.New("no brokers configured")}
	}
	if err := ensureTopic(ctx, cfg); err != nil {
		return nil, &broker.ConnectError{Transport: transportName, Addr: cfg.Brokers[0], Err: err}
	}

	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.Topology.Queue,
		Topic:          cfg.Topology.Exchange,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafkago.FirstOffset,
	})
	return newConsumer(r, cfg), nil
}

func newConsumer(r reader, cfg ConsumerConfig) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{r: r, topo: cfg.Topology, logger: logger.Named("kafka")}
}

func ensureTopic(ctx context.Context, cfg ConsumerConfig) error {
	dialer := &kafkago.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	ctrl, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             cfg.Topology.Exchange,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafkago.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", cfg.Topology.Exchange, err)
	}
	return nil
}

// Consume handles messages sequentially until ctx is canceled. The message in
// progress finishes with a context that is not canceled.
func (c *Consumer) Consume(ctx context.Context, h broker.Handler) error {
	c.logger.Info("waiting for messages",
		zap.String("topic", c.topo.Exchange),
		zap.String("group", c.topo.Queue),
	)

	work := context.WithoutCancel(ctx)
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return broker.ErrClosed
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		h(work, &delivery{r: c.r, msg: msg, logger: c.logger})
	}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

type delivery struct {
	r      reader
	msg    kafkago.Message
	logger *zap.Logger
}

func (d *delivery) ID() string {
	for _, h := range d.msg.Headers {
		if h.Key == headerMessageID {
			return string(h.Value)
		}
	}
	return string(d.msg.Key)
}

func (d *delivery) Body() []byte { return d.msg.Value }

func (d *delivery) Ack(ctx context.Context) error {
	return d.r.CommitMessages(ctx, d.msg)
}

// Nack without requeue commits the offset so the message is not seen again.
// Kafka cannot put a single message back; with requeue the offset is left
// uncommitted and the message returns only after a group rebalance.
func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if requeue {
		d.logger.Warn("requeue leaves offset uncommitted",
			zap.Int("partition", d.msg.Partition),
			zap.Int64("offset", d.msg.Offset),
		)
		return nil
	}
	return d.r.CommitMessages(ctx, d.msg)
}
