package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/correlation"
	"pkt.systems/sessiond/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	kind   string
}

// Wrap decorates inner with spans and trace/debug logging. kind names the
// backend (disk, s3, ...) in span attributes and log fields.
func Wrap(inner storage.Backend, logger pslog.Logger, kind string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/sessiond/storage"),
		kind:   kind,
	}
}

func (b *backend) start(ctx context.Context, op, identity string) (context.Context, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "sessiond.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("sessiond.storage.operation", op),
		attribute.String("sessiond.storage.backend", b.kind),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("sessiond.correlation_id", corr))
		logger = logger.With("cid", corr)
	}
	if identity != "" {
		span.SetAttributes(attribute.String("sessiond.identity", identity))
		logger = logger.With("identity", identity)
	}
	logger = logger.With("op", op, "backend", b.kind)
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage.begin")
	return ctx, logger, func(err error) {
		elapsed := time.Since(begin)
		result := "ok"
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(err, storage.ErrNotFound):
			result = "not_found"
			span.SetStatus(codes.Ok, "")
		default:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		}
		span.SetAttributes(
			attribute.String("sessiond.storage.result", result),
			attribute.Int64("sessiond.storage.duration_ms", elapsed.Milliseconds()),
		)
		span.End()
		if result == "error" {
			logger.Debug("storage.error", "error", err, "elapsed", elapsed)
			return
		}
		logger.Trace("storage.end", "result", result, "elapsed", elapsed)
	}
}

func (b *backend) LoadLock(ctx context.Context, identity string) (lock storage.Lock, err error) {
	ctx, _, finish := b.start(ctx, "load_lock", identity)
	defer func() { finish(err) }()
	return b.inner.LoadLock(ctx, identity)
}

func (b *backend) StoreLock(ctx context.Context, lock storage.Lock) (err error) {
	ctx, logger, finish := b.start(ctx, "store_lock", lock.Identity)
	defer func() { finish(err) }()
	logger.Trace("storage.store_lock", "pid", lock.PID, "host", lock.Host, "task_id", lock.TaskID)
	return b.inner.StoreLock(ctx, lock)
}

func (b *backend) DeleteLock(ctx context.Context, identity string) (err error) {
	ctx, _, finish := b.start(ctx, "delete_lock", identity)
	defer func() { finish(err) }()
	return b.inner.DeleteLock(ctx, identity)
}

func (b *backend) ListLocks(ctx context.Context) (ids []string, err error) {
	ctx, logger, finish := b.start(ctx, "list_locks", "")
	defer func() { finish(err) }()
	ids, err = b.inner.ListLocks(ctx)
	if err == nil {
		logger.Trace("storage.list_locks", "count", len(ids))
	}
	return ids, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) WithIdentityLock(ctx context.Context, identity string, fn func(context.Context) error) (err error) {
	ctx, _, finish := b.start(ctx, "identity_guard", identity)
	defer func() { finish(err) }()
	if s, ok := b.inner.(storage.Serializer); ok {
		return s.WithIdentityLock(ctx, identity, fn)
	}
	return fn(ctx)
}

func (b *backend) SubscribeChanges() (storage.ChangeSubscription, error) {
	if n, ok := b.inner.(storage.ChangeNotifier); ok {
		return n.SubscribeChanges()
	}
	return nil, storage.ErrNotImplemented
}
