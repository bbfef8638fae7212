package ingestion

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/haydov/importer/pkg/broker"
	"github.com/haydov/importer/pkg/tracing"
)

// Service turns object notifications into local files and finalizes the
// batch when a sentinel arrives. Deliveries are processed one at a time.
type Service struct {
	downloader      *Downloader
	finalizer       *Finalizer
	batch           *Batch
	retry           RetryPolicy
	bucket          string
	resetOnSentinel bool
	metrics         *Metrics
	logger          *zap.Logger

	mu    sync.Mutex
	ready atomic.Bool
}

type Params struct {
	Downloader *Downloader
	Finalizer  *Finalizer
	Batch      *Batch
	Retry      RetryPolicy
	// Bucket, when set, rejects notifications for any other bucket.
	Bucket string
	// ResetOnSentinel empties the batch after a successful finalization.
	ResetOnSentinel bool
	Metrics         *Metrics
	Logger          *zap.Logger
}

// Result describes what one notification did.
type Result struct {
	Event    ObjectEvent `json:"-"`
	Sentinel bool        `json:"sentinel"`
	File     string      `json:"file,omitempty"`
	Bytes    int64       `json:"bytes"`
	// Finalized lists the files handed downstream by a sentinel.
	Finalized []string `json:"finalized,omitempty"`
}

// NewService constructs an ingestion Service.
func NewService(p Params) *Service {
	if p.Metrics == nil {
		p.Metrics = NewMetrics(nil)
	}
	s := &Service{
		downloader:      p.Downloader,
		finalizer:       p.Finalizer,
		batch:           p.Batch,
		retry:           p.Retry,
		bucket:          p.Bucket,
		resetOnSentinel: p.ResetOnSentinel,
		metrics:         p.Metrics,
		logger:          p.Logger,
	}
	s.metrics.batchFiles.Set(float64(s.batch.Len()))
	return s
}

// Handle processes one delivery and settles it exactly once: ack on success,
// nack without requeue on any failure. It satisfies broker.Handler.
func (s *Service) Handle(ctx context.Context, d broker.Delivery) {
	id := d.ID()
	if id == "" {
		id = uuid.NewString()
	}

	ctx, span := tracing.Tracer().Start(ctx, "ingest.delivery",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("delivery.id", id)),
	)
	defer span.End()

	res, err := s.Process(ctx, id, d.Body())
	logger := s.logger.With(
		zap.String("delivery_id", id),
		zap.String("bucket", res.Event.Bucket),
		zap.String("key", res.Event.Key),
	)

	if err != nil {
		stage := StageOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage))
		logger.Error("delivery rejected", zap.String("stage", string(stage)), zap.Error(err))

		if nerr := d.Nack(ctx, false); nerr != nil {
			logger.Error("nack delivery", zap.Error(nerr))
		}
		s.metrics.deliveries.WithLabelValues(outcomeNacked, string(stage)).Inc()
		return
	}

	if aerr := d.Ack(ctx); aerr != nil {
		logger.Error("ack delivery", zap.Error(aerr))
	}
	s.metrics.deliveries.WithLabelValues(outcomeAcked, "").Inc()
}

// Process runs the pipeline for one notification payload without touching
// any broker state. id only labels log lines.
func (s *Service) Process(ctx context.Context, id string, body []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ignored, err := ParseEvent(body)
	if err != nil {
		return Result{}, err
	}
	res := Result{Event: ev}
	logger := s.logger.With(
		zap.String("delivery_id", id),
		zap.String("bucket", ev.Bucket),
		zap.String("key", ev.Key),
	)
	if ignored > 0 {
		logger.Warn("notification carries several records, only the first is used", zap.Int("ignored", ignored))
	}
	if s.bucket != "" && ev.Bucket != s.bucket {
		return res, stageError(StageParse, ev, errUnexpectedBucket(s.bucket))
	}

	logger.Info("download object", zap.Int64("size", ev.Size))

	var dl Download
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		ctx, span := tracing.Tracer().Start(ctx, "ingest.download")
		defer span.End()

		var err error
		dl, err = s.downloader.Fetch(ctx, ev)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "download failed")
			logger.Warn("download attempt failed", zap.Error(err))
		}
		return err
	})
	if err != nil {
		return res, err
	}

	if dl.Sentinel {
		res.Sentinel = true
		files, err := s.finalize(ctx, logger)
		if err != nil {
			return res, stageError(StageFinalize, ev, err)
		}
		res.Finalized = files
		return res, nil
	}

	if err := s.batch.Record(dl.Name); err != nil {
		return res, stageError(StageWrite, ev, err)
	}
	s.metrics.downloadedBytes.Add(float64(dl.Bytes))
	s.metrics.downloadDuration.Observe(dl.Duration.Seconds())
	s.metrics.batchFiles.Set(float64(s.batch.Len()))

	res.File = dl.Name
	res.Bytes = dl.Bytes
	logger.Info("object stored",
		zap.String("file", dl.Name),
		zap.Int64("bytes", dl.Bytes),
		zap.Int("batch_size", s.batch.Len()),
	)
	return res, nil
}

func (s *Service) finalize(ctx context.Context, logger *zap.Logger) ([]string, error) {
	ctx, span := tracing.Tracer().Start(ctx, "ingest.finalize")
	defer span.End()

	files := s.batch.Snapshot()
	span.SetAttributes(attribute.Int("batch.files", len(files)))
	logger.Info("sentinel received, finalizing batch", zap.Strings("files", files))

	if err := s.finalizer.Finalize(ctx, files); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize failed")
		s.metrics.finalizations.WithLabelValues("failed").Inc()
		return nil, err
	}
	s.metrics.finalizations.WithLabelValues("ok").Inc()

	if s.resetOnSentinel {
		if err := s.batch.Reset(); err != nil {
			logger.Warn("reset batch", zap.Error(err))
		}
		s.metrics.batchFiles.Set(float64(s.batch.Len()))
	}
	return files, nil
}

// Source is the downstream import source this service feeds.
func (s *Service) Source() string { return s.finalizer.source }

// Files returns the current batch.
func (s *Service) Files() []string {
	return s.batch.Snapshot()
}

// SetReady marks whether a consumer is attached.
func (s *Service) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Service) Ready() bool { return s.ready.Load() }

type errUnexpectedBucket string

func (e errUnexpectedBucket) Error() string {
	return "notification for unexpected bucket, want " + string(e)
}
