package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all fanlane metrics instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TasksExecuted     metric.Int64Counter
	TasksFailed       metric.Int64Counter
	PollDuration      metric.Float64Histogram
	ActivityEvents    metric.Int64Counter
	SessionsCaptured  metric.Int64Counter
	SessionRecaptures metric.Int64Counter
	APIRetries        metric.Int64Counter
	ActiveLeases      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("fanlane.task.duration",
		metric.WithDescription("Platform task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksExecuted, err = meter.Int64Counter("fanlane.task.executed",
		metric.WithDescription("Tasks that reached a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("fanlane.task.failed",
		metric.WithDescription("Tasks that ended in FAILED"),
	)
	if err != nil {
		return nil, err
	}

	m.PollDuration, err = meter.Float64Histogram("fanlane.poll.duration",
		metric.WithDescription("Activity poll duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActivityEvents, err = meter.Int64Counter("fanlane.poll.events",
		metric.WithDescription("Supporter activity events emitted"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsCaptured, err = meter.Int64Counter("fanlane.session.captured",
		metric.WithDescription("Browser sessions captured"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionRecaptures, err = meter.Int64Counter("fanlane.session.recaptures",
		metric.WithDescription("Sessions flagged for recapture"),
	)
	if err != nil {
		return nil, err
	}

	m.APIRetries, err = meter.Int64Counter("fanlane.api.retries",
		metric.WithDescription("REST request retries across adapters"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLeases, err = meter.Int64UpDownCounter("fanlane.session.leases",
		metric.WithDescription("Browser page leases currently held"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
