package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
)

const tracerName = "github.com/levigo/neverpile-eureka-sub002/internal/storage"

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with otel spans and trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		sys:    sys,
	}
}

// start opens a span for op and returns the logger to use plus a finisher
// that records the outcome.
func (b *backend) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "eureka.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("eureka.storage.operation", op),
		attribute.String("eureka.sys", b.sys),
	)
	span.SetAttributes(attrs...)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	return ctx, span, logger, func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("eureka.storage.end", trace.WithAttributes(
			attribute.String("eureka.storage.result", result),
			attribute.Int64("eureka.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "list_objects",
		attribute.String("eureka.storage.prefix", opts.Prefix),
		attribute.String("eureka.storage.start_after", opts.StartAfter),
		attribute.Int("eureka.storage.limit", opts.Limit),
	)
	defer span.End()

	logger.Trace("storage.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	result, err := b.inner.ListObjects(ctx, opts)
	finish(err)
	if err != nil {
		logger.Debug("storage.list_objects.error", "prefix", opts.Prefix, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	count := 0
	if result != nil {
		count = len(result.Objects)
	}
	span.SetAttributes(attribute.Int("eureka.storage.object_count", count))
	logger.Debug("storage.list_objects.success",
		"prefix", opts.Prefix,
		"count", count,
		"truncated", result != nil && result.Truncated,
		"elapsed", time.Since(begin),
	)
	return result, nil
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "get_object", attribute.String("eureka.storage.key", key))
	defer span.End()

	logger.Trace("storage.get_object.begin", "key", key)
	result, err := b.inner.GetObject(ctx, key)
	finish(err)
	if err != nil {
		logger.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	etag, size := "", int64(0)
	if result.Info != nil {
		etag, size = result.Info.ETag, result.Info.Size
	}
	span.SetAttributes(attribute.Int64("eureka.storage.object_size", size))
	logger.Debug("storage.get_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "put_object",
		attribute.String("eureka.storage.key", key),
		attribute.Bool("eureka.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("eureka.storage.if_not_exists", opts.IfNotExists),
	)
	defer span.End()

	logger.Trace("storage.put_object.begin",
		"key", key,
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
		"content_type", opts.ContentType,
	)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	finish(err)
	if err != nil {
		logger.Debug("storage.put_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	etag, size := "", int64(0)
	if info != nil {
		etag, size = info.ETag, info.Size
	}
	logger.Debug("storage.put_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "delete_object",
		attribute.String("eureka.storage.key", key),
		attribute.Bool("eureka.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("eureka.storage.ignore_not_found", opts.IgnoreNotFound),
	)
	defer span.End()

	logger.Trace("storage.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag)
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(err)
	if err != nil {
		logger.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Close() error {
	_, span, logger, finish := b.start(context.Background(), "close")
	defer span.End()

	err := b.inner.Close()
	finish(err)
	if err != nil {
		logger.Debug("storage.close.error", "error", err)
	}
	return err
}

func (b *backend) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeChanges(prefix)
	}
	return nil, storage.ErrNotImplemented
}

func (b *backend) Sync(ctx context.Context) error {
	syncer, ok := b.inner.(storage.Syncer)
	if !ok {
		return nil
	}
	ctx, span, logger, finish := b.start(ctx, "sync")
	defer span.End()
	err := syncer.Sync(ctx)
	finish(err)
	if err != nil {
		logger.Debug("storage.sync.error", "error", err)
	}
	return err
}
