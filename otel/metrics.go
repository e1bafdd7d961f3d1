// Package otel provides OpenTelemetry integration for the pub/sub hub:
// metric instruments fed by hub activity and trace-provider bootstrap for
// the server process.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MS-tegart/treadmill/pubsub"
)

// Metrics translates hub activity into OpenTelemetry metrics. It implements
// pubsub.Observer.
type Metrics struct {
	eventsDispatched  metric.Int64Counter
	messagesDelivered metric.Int64Counter
	deliveryFailures  metric.Int64Counter
	replayRecords     metric.Int64Histogram
	watchedDirs       metric.Int64Gauge
}

// NewMetrics creates a Metrics observer that records instruments on the
// given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	dispatched, err := meter.Int64Counter("treadmill.pubsub.events.dispatched",
		metric.WithDescription("Number of filesystem events dispatched"),
	)
	if err != nil {
		return nil, err
	}

	delivered, err := meter.Int64Counter("treadmill.pubsub.messages.delivered",
		metric.WithDescription("Number of messages delivered to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("treadmill.pubsub.delivery.failures",
		metric.WithDescription("Number of failed or errored deliveries"),
	)
	if err != nil {
		return nil, err
	}

	replay, err := meter.Int64Histogram("treadmill.pubsub.replay.records",
		metric.WithDescription("Records delivered per state-of-the-world replay"),
	)
	if err != nil {
		return nil, err
	}

	watched, err := meter.Int64Gauge("treadmill.pubsub.directories.watched",
		metric.WithDescription("Directories currently under watch"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		eventsDispatched:  dispatched,
		messagesDelivered: delivered,
		deliveryFailures:  failures,
		replayRecords:     replay,
		watchedDirs:       watched,
	}, nil
}

// EventDispatched counts one dispatched filesystem event.
func (m *Metrics) EventDispatched(op pubsub.Op) {
	m.eventsDispatched.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("op", opName(op))))
}

// MessageDelivered counts one successful delivery.
func (m *Metrics) MessageDelivered() {
	m.messagesDelivered.Add(context.Background(), 1)
}

// DeliveryFailed counts one failed or errored delivery.
func (m *Metrics) DeliveryFailed() {
	m.deliveryFailures.Add(context.Background(), 1)
}

// ReplayFinished records the size of a completed replay.
func (m *Metrics) ReplayFinished(records int) {
	m.replayRecords.Record(context.Background(), int64(records))
}

// WatchedDirs records the current watched-directory count.
func (m *Metrics) WatchedDirs(active int) {
	m.watchedDirs.Record(context.Background(), int64(active))
}

func opName(op pubsub.Op) string {
	switch op {
	case pubsub.OpCreated:
		return "created"
	case pubsub.OpModified:
		return "modified"
	case pubsub.OpDeleted:
		return "deleted"
	default:
		return "replay"
	}
}

// Compile-time interface check.
var _ pubsub.Observer = (*Metrics)(nil)
