package taskqueue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type queueMetrics struct {
	attrs     metric.MeasurementOption
	puts      metric.Int64Counter
	claims    metric.Int64Counter
	lostRaces metric.Int64Counter
	done      metric.Int64Counter
	reclaims  metric.Int64Counter
}

func newQueueMetrics(queue, backend string, logger pslog.Logger) *queueMetrics {
	meter := otel.Meter("github.com/levigo/neverpile-eureka-sub002/taskqueue")
	m := &queueMetrics{
		attrs: metric.WithAttributes(
			attribute.String("eureka.queue", queue),
			attribute.String("eureka.queue.backend", backend),
		),
	}
	var err error

	m.puts, err = meter.Int64Counter("eureka.taskqueue.puts", metric.WithDescription("Elements put into the queue"))
	logMetricInitError(logger, "eureka.taskqueue.puts", err)

	m.claims, err = meter.Int64Counter("eureka.taskqueue.claims", metric.WithDescription("Elements claimed for processing"))
	logMetricInitError(logger, "eureka.taskqueue.claims", err)

	m.lostRaces, err = meter.Int64Counter("eureka.taskqueue.lost_races", metric.WithDescription("Claims lost to a concurrent consumer"))
	logMetricInitError(logger, "eureka.taskqueue.lost_races", err)

	m.done, err = meter.Int64Counter("eureka.taskqueue.done", metric.WithDescription("Processed elements removed"))
	logMetricInitError(logger, "eureka.taskqueue.done", err)

	m.reclaims, err = meter.Int64Counter("eureka.taskqueue.reclaims", metric.WithDescription("INPROCESS elements reclaimed after the claim timeout"))
	logMetricInitError(logger, "eureka.taskqueue.reclaims", err)

	return m
}

func (m *queueMetrics) add(ctx context.Context, c metric.Int64Counter, n int) {
	if m == nil || c == nil || n <= 0 {
		return
	}
	c.Add(ctx, int64(n), m.attrs)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
