package kafka

import (
	"context"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/haydov/importer/pkg/broker"
)

// Producer publishes object notifications to the topic of a source domain.
type Producer struct {
	writer *kafkago.Writer
}

var _ broker.Publisher = (*Producer)(nil)

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	Compression  kafkago.Compression
	MaxAttempts  int
}

// NewProducer constructs a Producer from the given configuration.
func NewProducer(cfg ProducerConfig) *Producer {
	return &Producer{
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafkago.Hash{},
			BatchSize:              1,
			BatchTimeout:           cfg.BatchTimeout,
			RequiredAcks:           kafkago.RequireAll,
			Compression:            cfg.Compression,
			MaxAttempts:            cfg.MaxAttempts,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish writes one notification keyed by its id.
func (p *Producer) Publish(ctx context.Context, id string, body []byte) error {
	return p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(id),
		Value: body,
		Time:  time.Now().UTC(),
		Headers: []kafkago.Header{
			{Key: headerMessageID, Value: []byte(id)},
			{Key: "content_type", Value: []byte("application/json")},
		},
	})
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// CompressionFromString maps textual codec to kafka-go value.
func CompressionFromString(name string) kafkago.Compression {
	switch strings.ToLower(name) {
	case "gzip":
		return kafkago.Gzip
	case "snappy":
		return kafkago.Snappy
	case "lz4":
		return kafkago.Lz4
	case "zstd":
		return kafkago.Zstd
	default:
		return kafkago.Snappy
	}
}
