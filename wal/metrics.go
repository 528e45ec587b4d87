package wal

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type housekeepingMetrics struct {
	purged           metric.Int64Counter
	rolledBack       metric.Int64Counter
	recoveryFailures metric.Int64Counter
	abandoned        metric.Int64Counter
	skipped          metric.Int64Counter
	pruneDuration    metric.Int64Histogram
}

func newHousekeepingMetrics(logger pslog.Logger) *housekeepingMetrics {
	meter := otel.Meter("github.com/levigo/neverpile-eureka-sub002/wal")
	m := &housekeepingMetrics{}
	var err error

	m.purged, err = meter.Int64Counter(
		"eureka.wal.purged",
		metric.WithDescription("Resolved transactions purged from the log"),
	)
	logMetricInitError(logger, "eureka.wal.purged", err)

	m.rolledBack, err = meter.Int64Counter(
		"eureka.wal.rolled_back",
		metric.WithDescription("Abandoned transactions rolled back by housekeeping"),
	)
	logMetricInitError(logger, "eureka.wal.rolled_back", err)

	m.recoveryFailures, err = meter.Int64Counter(
		"eureka.wal.recovery.failures",
		metric.WithDescription("Failed rollback attempts during housekeeping"),
	)
	logMetricInitError(logger, "eureka.wal.recovery.failures", err)

	m.abandoned, err = meter.Int64Counter(
		"eureka.wal.recovery.abandoned",
		metric.WithDescription("Transactions force-completed after exhausting recovery attempts"),
	)
	logMetricInitError(logger, "eureka.wal.recovery.abandoned", err)

	m.skipped, err = meter.Int64Counter(
		"eureka.wal.housekeeping.skipped",
		metric.WithDescription("Housekeeping cycles skipped because another node held the lock"),
	)
	logMetricInitError(logger, "eureka.wal.housekeeping.skipped", err)

	m.pruneDuration, err = meter.Int64Histogram(
		"eureka.wal.housekeeping.duration_ms",
		metric.WithDescription("Time spent in one housekeeping cycle"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "eureka.wal.housekeeping.duration_ms", err)

	return m
}

func (m *housekeepingMetrics) recordPrune(ctx context.Context, report Report, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if report.Skipped {
		if m.skipped != nil {
			m.skipped.Add(ctx, 1)
		}
		return
	}
	add := func(c metric.Int64Counter, n int) {
		if c != nil && n > 0 {
			c.Add(ctx, int64(n))
		}
	}
	add(m.purged, report.Purged)
	add(m.rolledBack, report.RolledBack)
	add(m.recoveryFailures, report.Failed)
	add(m.abandoned, report.Abandoned)
	if m.pruneDuration != nil {
		attrs := metric.WithAttributes(attribute.String("eureka.result", resultLabel(err)))
		m.pruneDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
