package retry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type retryMetrics struct {
	calls   metric.Int64Counter
	retries metric.Int64Counter
}

func newRetryMetrics(logger pslog.Logger) *retryMetrics {
	meter := otel.Meter("pkt.systems/sessiond/retry")
	m := &retryMetrics{}
	var err error

	m.calls, err = meter.Int64Counter(
		"sessiond.remote.calls",
		metric.WithDescription("Remote call attempts by operation and outcome class"),
	)
	logMetricInitError(logger, "sessiond.remote.calls", err)

	m.retries, err = meter.Int64Counter(
		"sessiond.remote.retries",
		metric.WithDescription("Remote call retries by operation and failure class"),
	)
	logMetricInitError(logger, "sessiond.remote.retries", err)
	return m
}

func (m *retryMetrics) call(ctx context.Context, op, class string) {
	if m == nil || m.calls == nil {
		return
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("class", class)))
}

func (m *retryMetrics) retry(ctx context.Context, op, class string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("class", class)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
