package locks

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type lockMetrics struct {
	acquires metric.Int64Counter
	releases metric.Int64Counter
	sweeps   metric.Int64Counter
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/sessiond/locks")
	m := &lockMetrics{}
	var err error

	m.acquires, err = meter.Int64Counter(
		"sessiond.locks.acquire",
		metric.WithDescription("Lock acquisition attempts by result"),
	)
	logMetricInitError(logger, "sessiond.locks.acquire", err)

	m.releases, err = meter.Int64Counter(
		"sessiond.locks.release",
		metric.WithDescription("Lock releases by result"),
	)
	logMetricInitError(logger, "sessiond.locks.release", err)

	m.sweeps, err = meter.Int64Counter(
		"sessiond.locks.swept",
		metric.WithDescription("Stale or corrupt lock records removed"),
	)
	logMetricInitError(logger, "sessiond.locks.swept", err)
	return m
}

func (m *lockMetrics) acquire(ctx context.Context, result string) {
	if m == nil || m.acquires == nil {
		return
	}
	m.acquires.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *lockMetrics) release(ctx context.Context, result string) {
	if m == nil || m.releases == nil {
		return
	}
	m.releases.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *lockMetrics) swept(ctx context.Context, n int) {
	if m == nil || m.sweeps == nil {
		return
	}
	m.sweeps.Add(ctx, int64(n))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
