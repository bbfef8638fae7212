// Command replay publishes an object-created notification for one object,
// so that a delivery that was nacked can be processed again.
//
//	replay --bucket osm --key a/1.osm.pbf --size 1024
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haydov/importer/internal/ingestion"
	"github.com/haydov/importer/pkg/broker"
	"github.com/haydov/importer/pkg/broker/amqp"
	"github.com/haydov/importer/pkg/config"
	"github.com/haydov/importer/pkg/kafka"
	"github.com/haydov/importer/pkg/logger"
)

func main() {
	app := kingpin.New("replay", "Publish an object-created notification for one object.")
	bucket := app.Flag("bucket", "Bucket of the object.").Required().String()
	key := app.Flag("key", "Object key, not percent-encoded.").Required().String()
	size := app.Flag("size", "Size to report. Informational only: the importer treats the object as a sentinel when the stored object is zero bytes.").Default("1").Int64()
	timeout := app.Flag("timeout", "Publish timeout.").Default("30s").Duration()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logr, err := logger.New(cfg.App.LogLevel, "console")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, *timeout)

	ev := ingestion.ObjectEvent{Bucket: *bucket, Key: *key, Size: *size}
	err = run(ctx, cfg, ev, logr)
	cancel()
	stop()
	if err != nil {
		logr.Error("replay failed", zap.Error(err))
		_ = logr.Sync()
		os.Exit(1)
	}
	_ = logr.Sync()
}

func run(ctx context.Context, cfg *config.Config, ev ingestion.ObjectEvent, logr *zap.Logger) error {
	pub, err := dial(cfg)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return publish(ctx, pub, ev, logr.With(zap.String("exchange", cfg.Broker.Exchange)))
}

// publish sends one notification for ev and closes pub on every path so
// that buffered messages are flushed.
func publish(ctx context.Context, pub broker.Publisher, ev ingestion.ObjectEvent, logr *zap.Logger) (err error) {
	defer func() {
		if cerr := pub.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close publisher: %w", cerr)
		}
	}()

	body, err := ingestion.EncodeEvent(ev, time.Now())
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	id := uuid.NewString()
	if err := pub.Publish(ctx, id, body); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	logr.Info("notification published",
		zap.String("id", id),
		zap.String("bucket", ev.Bucket),
		zap.String("key", ev.Key),
		zap.String("size", humanize.Bytes(uint64(max(ev.Size, 0)))),
	)
	return nil
}

func dial(cfg *config.Config) (broker.Publisher, error) {
	if cfg.Broker.Transport == config.TransportKafka {
		return kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Broker.Exchange,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			Compression:  kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
			MaxAttempts:  cfg.Kafka.Retries,
		}), nil
	}
	return amqp.DialPublisher(amqp.Config{
		URL:            cfg.Broker.URL(),
		Topology:       broker.Topology{Exchange: cfg.Broker.Exchange},
		ConnectionName: cfg.App.Name + "/replay",
		Heartbeat:      cfg.Broker.Heartbeat,
	})
}
