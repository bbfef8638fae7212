package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/haydov/importer/internal/ingestion"
	"github.com/haydov/importer/pkg/broker"
	"github.com/haydov/importer/pkg/broker/amqp"
	"github.com/haydov/importer/pkg/config"
	"github.com/haydov/importer/pkg/kafka"
	"github.com/haydov/importer/pkg/logger"
	"github.com/haydov/importer/pkg/storage/objectstore"
	"github.com/haydov/importer/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.LogEncoding)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck
	logr = logr.With(zap.String("source", cfg.Import.Source), zap.String("exchange", cfg.Broker.Exchange))

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Attributes:  tracing.ParseResourceAttributes(cfg.Tracing.ResourceAttr),
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	store, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}

	batch, err := ingestion.NewBatch(cfg.Import.StatePath, cfg.Import.UniqueFiles)
	if err != nil {
		logr.Fatal("load batch state", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service := ingestion.NewService(ingestion.Params{
		Downloader: ingestion.NewDownloader(store, ingestion.DownloaderConfig{
			Dir:          cfg.Import.LocalDir,
			PathMode:     cfg.Import.PathMode,
			FetchTimeout: cfg.Import.FetchTimeout,
		}, logr),
		Finalizer: ingestion.NewFinalizer(cfg.Import.ConfigPath, cfg.Import.Source, newLauncher(cfg.Import, logr), logr),
		Batch:     batch,
		Retry: ingestion.RetryPolicy{
			Attempts:  cfg.Import.RetryAttempts,
			BaseDelay: cfg.Import.RetryBaseDelay,
			MaxDelay:  cfg.Import.RetryMaxDelay,
		},
		Bucket:          cfg.Storage.Bucket,
		ResetOnSentinel: cfg.Import.ResetOnSentinel,
		Metrics:         ingestion.NewMetrics(reg),
		Logger:          logr,
	})

	handler := ingestion.NewHTTPHandler(service, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), logr)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		logr.Info("http server starting", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("http server failed", zap.Error(err))
		}
	}()

	consumer, err := connect(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("connect to broker", zap.Error(err))
	}

	logr.Info("importer started",
		zap.String("transport", cfg.Broker.Transport),
		zap.String("queue", cfg.Broker.Queue),
		zap.String("local_dir", cfg.Import.LocalDir),
		zap.Strings("batch", batch.Snapshot()),
	)
	service.SetReady(true)
	consumeErr := consumer.Consume(ctx, service.Handle)
	service.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Error("http server shutdown failed", zap.Error(err))
	}
	if err := consumer.Close(); err != nil {
		logr.Error("close consumer", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logr.Error("close object store", zap.Error(err))
	}

	if consumeErr != nil {
		logr.Error("consumer stopped", zap.Error(consumeErr))
		_ = traceShutdown(shutdownCtx)
		_ = logr.Sync()
		os.Exit(1)
	}
	logr.Info("importer stopped")
}

func connect(ctx context.Context, cfg *config.Config, logr *zap.Logger) (broker.Consumer, error) {
	topo := broker.Topology{
		Exchange: cfg.Broker.Exchange,
		Queue:    cfg.Broker.Queue,
		Prefetch: cfg.Broker.Prefetch,
	}

	if cfg.Broker.Transport == config.TransportKafka {
		return kafka.NewConsumer(ctx, kafka.ConsumerConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topology:    topo,
			DialTimeout: cfg.Kafka.DialTimeout,
			Logger:      logr,
		})
	}
	return amqp.Dial(amqp.Config{
		URL:            cfg.Broker.URL(),
		Topology:       topo,
		ConsumerTag:    cfg.App.Name,
		ConnectionName: cfg.App.Name + "/" + cfg.Import.Source,
		Heartbeat:      cfg.Broker.Heartbeat,
		Logger:         logr,
	})
}

func newLauncher(cfg config.ImportConfig, logr *zap.Logger) ingestion.Launcher {
	if cfg.LaunchCommand == "" {
		return ingestion.NopLauncher{Logger: logr}
	}
	return &ingestion.ExecLauncher{
		Command: cfg.LaunchCommand,
		Dir:     cfg.LaunchDir,
		Env:     cfg.LaunchEnv,
		Logger:  logr.Named("launcher"),
	}
}
