// metrics.go — OpenTelemetry counters/gauges for passive health (spec §3.7).
//
// Grounded on nevindra-oasis's otel metrics wiring: a single meter is built
// once at process startup and instruments are registered against it; no
// exporter wiring is mandated here (callers supply whatever
// metric.MeterProvider fits their deployment — a no-op provider in tests).
package health

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func clientIDAttr(clientID string) attribute.KeyValue {
	return attribute.String("client_id", clientID)
}

// Meter bundles the instruments used to report connection health.
type Meter struct {
	messagesReceived metric.Int64Counter
	messagesSent     metric.Int64Counter
	reconnects       metric.Int64Counter
	queueLength      metric.Int64Gauge
}

// NewMeter creates the health instrument set against provider.
func NewMeter(provider metric.MeterProvider, instrumentationName string) (*Meter, error) {
	m := provider.Meter(instrumentationName)

	received, err := m.Int64Counter("relay.messages_received",
		metric.WithDescription("frames received, per connection"))
	if err != nil {
		return nil, err
	}
	sent, err := m.Int64Counter("relay.messages_sent",
		metric.WithDescription("frames sent, per connection"))
	if err != nil {
		return nil, err
	}
	reconnects, err := m.Int64Counter("relay.reconnects",
		metric.WithDescription("reconnect attempts observed"))
	if err != nil {
		return nil, err
	}
	queueLength, err := m.Int64Gauge("relay.queue_length",
		metric.WithDescription("outbound frames queued for a receiver"))
	if err != nil {
		return nil, err
	}

	return &Meter{
		messagesReceived: received,
		messagesSent:     sent,
		reconnects:       reconnects,
		queueLength:      queueLength,
	}, nil
}

// Observe records snap's queue length against the meter's gauge, tagged by
// clientID. The message counts in snap are not exported: messagesReceived
// gets a zero add and messagesSent is not touched.
func (m *Meter) Observe(ctx context.Context, clientID string, snap Snapshot) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(clientIDAttr(clientID))
	m.messagesReceived.Add(ctx, 0, attrs) // zero add: the count stays on Stats only
	m.queueLength.Record(ctx, int64(snap.QueueLength), attrs)
}

// RecordReconnect records one reconnect event for clientID.
func (m *Meter) RecordReconnect(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(clientIDAttr(clientID)))
}
