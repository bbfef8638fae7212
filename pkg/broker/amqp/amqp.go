// Package amqp implements the broker contracts on RabbitMQ.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/haydov/importer/pkg/broker"
)

const transportName = "amqp"

// Config describes the connection and the topology of one source domain.
type Config struct {
	URL            string
	Topology       broker.Topology
	ConsumerTag    string
	ConnectionName string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

// channel is the subset of *amqp.Channel used here.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Consumer reads from the durable queue bound to the fanout exchange.
type Consumer struct {
	conn   io.Closer
	ch     channel
	topo   broker.Topology
	tag    string
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ broker.Consumer = (*Consumer)(nil)

// Dial connects, declares the exchange (fanout, non-durable) and the queue
// (durable), binds them with an empty routing key and applies the prefetch
// bound. Any failure is a *broker.ConnectError and nothing stays open.
func Dial(cfg Config) (*Consumer, error) {
	conn, ch, err := open(cfg)
	if err != nil {
		return nil, err
	}
	c := newConsumer(conn, ch, cfg)
	if err := c.declare(); err != nil {
		_ = conn.Close()
		return nil, &broker.ConnectError{Transport: transportName, Addr: cfg.Topology.Exchange, Err: err}
	}
	return c, nil
}

func open(cfg Config) (*amqp.Connection, *amqp.Channel, error) {
	props := amqp.NewConnectionProperties()
	if cfg.ConnectionName != "" {
		props.SetClientConnectionName(cfg.ConnectionName)
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat:  cfg.Heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, nil, &broker.ConnectError{Transport: transportName, Addr: redact(cfg.URL), Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, &broker.ConnectError{Transport: transportName, Addr: redact(cfg.URL), Err: fmt.Errorf("open channel: %w", err)}
	}
	return conn, ch, nil
}

func newConsumer(conn io.Closer, ch channel, cfg Config) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	topo := cfg.Topology
	if topo.Prefetch < 1 {
		topo.Prefetch = 1
	}
	return &Consumer{
		conn:   conn,
		ch:     ch,
		topo:   topo,
		tag:    cfg.ConsumerTag,
		logger: logger.Named("amqp"),
	}
}

func (c *Consumer) declare() error {
	if err := declareExchange(c.ch, c.topo.Exchange); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(c.topo.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.topo.Queue, err)
	}
	if err := c.ch.QueueBind(c.topo.Queue, "", c.topo.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", c.topo.Queue, c.topo.Exchange, err)
	}
	if err := c.ch.Qos(c.topo.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch %d: %w", c.topo.Prefetch, err)
	}
	return nil
}

func declareExchange(ch channel, name string) error {
	if err := ch.ExchangeDeclare(name, amqp.ExchangeFanout, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// Consume handles deliveries sequentially. On ctx cancellation it cancels
// the subscription and returns; the delivery in progress keeps a context
// that is not canceled so it can still be acked or nacked.
func (c *Consumer) Consume(ctx context.Context, h broker.Handler) error {
	deliveries, err := c.ch.Consume(c.topo.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return &broker.ConnectError{Transport: transportName, Addr: c.topo.Queue, Err: fmt.Errorf("consume: %w", err)}
	}

	c.logger.Info("waiting for messages",
		zap.String("exchange", c.topo.Exchange),
		zap.String("queue", c.topo.Queue),
		zap.Int("prefetch", c.topo.Prefetch),
	)

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			if err := c.ch.Cancel(c.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
				c.logger.Warn("cancel consumer failed", zap.Error(err))
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return broker.ErrClosed
			}
			h(work, &delivery{d: d})
		}
	}
}

// Close closes the channel and the connection. Unacknowledged deliveries are
// returned to the queue by the broker.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.closeErr = err
		}
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.closeErr = errors.Join(c.closeErr, err)
		}
	})
	return c.closeErr
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) ID() string   { return d.d.MessageId }
func (d *delivery) Body() []byte { return d.d.Body }

func (d *delivery) Ack(context.Context) error {
	return d.d.Ack(false)
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	return d.d.Nack(false, requeue)
}

// Publisher publishes notifications to the fanout exchange.
type Publisher struct {
	conn     io.Closer
	ch       channel
	exchange string
}

var _ broker.Publisher = (*Publisher)(nil)

// DialPublisher connects and declares the exchange so that publishing works
// even before any consumer has started.
func DialPublisher(cfg Config) (*Publisher, error) {
	conn, ch, err := open(cfg)
	if err != nil {
		return nil, err
	}
	if err := declareExchange(ch, cfg.Topology.Exchange); err != nil {
		_ = conn.Close()
		return nil, &broker.ConnectError{Transport: transportName, Addr: cfg.Topology.Exchange, Err: err}
	}
	return &Publisher{conn: conn, ch: ch, exchange: cfg.Topology.Exchange}, nil
}

// Publish sends body as a persistent JSON message with an empty routing key.
func (p *Publisher) Publish(ctx context.Context, id string, body []byte) error {
	err := p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.exchange, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return p.conn.Close()
}

// redact drops credentials from a broker URL before it reaches a log line.
func redact(raw string) string {
	uri, err := amqp.ParseURI(raw)
	if err != nil {
		return "invalid-url"
	}
	uri.Password = ""
	return fmt.Sprintf("%s://%s:%d/%s", uri.Scheme, uri.Host, uri.Port, uri.Vhost)
}
