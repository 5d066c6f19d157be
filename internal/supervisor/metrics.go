package supervisor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type supervisorMetrics struct {
	transitions metric.Int64Counter
	running     metric.Int64UpDownCounter
}

func newSupervisorMetrics(logger pslog.Logger) *supervisorMetrics {
	meter := otel.Meter("pkt.systems/sessiond/supervisor")
	m := &supervisorMetrics{}
	var err error

	m.transitions, err = meter.Int64Counter(
		"sessiond.workers.transitions",
		metric.WithDescription("Worker lifecycle transitions by target state"),
	)
	logMetricInitError(logger, "sessiond.workers.transitions", err)

	m.running, err = meter.Int64UpDownCounter(
		"sessiond.workers.running",
		metric.WithDescription("Workers currently running in this process"),
	)
	logMetricInitError(logger, "sessiond.workers.running", err)
	return m
}

func (m *supervisorMetrics) transition(ctx context.Context, state State) {
	if m == nil {
		return
	}
	if m.transitions != nil {
		m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
	}
	if m.running == nil {
		return
	}
	if state == StateRunning {
		m.running.Add(ctx, 1)
	}
}

func (m *supervisorMetrics) exited(ctx context.Context) {
	if m == nil || m.running == nil {
		return
	}
	m.running.Add(ctx, -1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
