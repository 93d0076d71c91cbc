package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the webcli metric instruments.
type Metrics struct {
	ActionsDispatched    metric.Int64Counter
	ActionsFailed        metric.Int64Counter
	ActionDuration       metric.Float64Histogram
	ChunksAppended       metric.Int64Counter
	NotificationsDropped metric.Int64Counter
	LiveSessions         metric.Int64UpDownCounter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActionsDispatched, err = meter.Int64Counter("webcli.actions.dispatched",
		metric.WithDescription("Actions dispatched to handlers"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionsFailed, err = meter.Int64Counter("webcli.actions.failed",
		metric.WithDescription("Handler invocations that panicked or returned an error"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionDuration, err = meter.Float64Histogram("webcli.action.duration",
		metric.WithDescription("Handler execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ChunksAppended, err = meter.Int64Counter("webcli.chunks.appended",
		metric.WithDescription("Response chunks appended to actions"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsDropped, err = meter.Int64Counter("webcli.notifications.dropped",
		metric.WithDescription("Notifications dropped on full subscriber queues"),
	)
	if err != nil {
		return nil, err
	}

	m.LiveSessions, err = meter.Int64UpDownCounter("webcli.live_sessions",
		metric.WithDescription("Currently connected live sessions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
