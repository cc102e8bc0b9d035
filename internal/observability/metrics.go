package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
var (
	AttrKind       = attribute.Key("realtime.kind")
	AttrState      = attribute.Key("realtime.state")
	AttrReason     = attribute.Key("realtime.reason")
	AttrTable      = attribute.Key("db.table")
	AttrEventType  = attribute.Key("db.event_type")
	AttrHTTPMethod = attribute.Key("http.method")
	AttrHTTPStatus = attribute.Key("http.status_code")
)

// Drop reasons reported on RealtimeMetrics.Dropped.
const (
	ReasonDuplicate = "duplicate"
	ReasonFiltered  = "filtered"
	ReasonOverflow  = "queue_overflow"
)

// RealtimeMetrics instruments a connection manager. A nil *RealtimeMetrics
// records nothing.
type RealtimeMetrics struct {
	Delivered          metric.Int64Counter
	Dropped            metric.Int64Counter
	Queued             metric.Int64Counter
	CallbackPanics     metric.Int64Counter
	ReconnectScheduled metric.Int64Counter
	StateTransitions   metric.Int64Counter
}

// NewRealtimeMetrics creates the connection manager instruments.
func NewRealtimeMetrics(mp metric.MeterProvider) (*RealtimeMetrics, error) {
	meter := mp.Meter("csrealtime/realtime")
	m := &RealtimeMetrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Delivered, "realtime.events.delivered", "Events handed to subscription callbacks"},
		{&m.Dropped, "realtime.events.dropped", "Events dropped before delivery"},
		{&m.Queued, "realtime.events.queued", "Events held while not connected"},
		{&m.CallbackPanics, "realtime.callback.panics", "Subscription callbacks that panicked"},
		{&m.ReconnectScheduled, "realtime.reconnect.scheduled", "Reconnect attempts scheduled"},
		{&m.StateTransitions, "realtime.state.transitions", "Connection state transitions"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{event}"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// RecordDelivered counts a delivered event.
func (m *RealtimeMetrics) RecordDelivered(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Delivered.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind)))
}

// RecordDropped counts a dropped event with its reason.
func (m *RealtimeMetrics) RecordDropped(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	m.Dropped.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind), AttrReason.String(reason)))
}

// RecordQueued counts an event parked in the delivery queue.
func (m *RealtimeMetrics) RecordQueued(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Queued.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind)))
}

// RecordCallbackPanic counts a recovered callback panic.
func (m *RealtimeMetrics) RecordCallbackPanic(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.CallbackPanics.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind)))
}

// RecordReconnect counts a scheduled reconnect.
func (m *RealtimeMetrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReconnectScheduled.Add(ctx, 1)
}

// RecordTransition counts a state change into state.
func (m *RealtimeMetrics) RecordTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(AttrState.String(state)))
}

// RelayMetrics instruments the local relay server.
type RelayMetrics struct {
	HTTPRequestCount    metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	Connections         metric.Int64UpDownCounter
	Joins               metric.Int64Counter
	ChangesPublished    metric.Int64Counter
}

// NewRelayMetrics creates the relay instruments.
func NewRelayMetrics(mp metric.MeterProvider) (*RelayMetrics, error) {
	meter := mp.Meter("csrealtime/relay")
	m := &RelayMetrics{}

	var err error
	m.HTTPRequestCount, err = meter.Int64Counter(
		"http.server.request_count",
		metric.WithDescription("Number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request count counter: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.server.request_duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	m.Connections, err = meter.Int64UpDownCounter(
		"relay.connections",
		metric.WithDescription("Open websocket connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	m.Joins, err = meter.Int64Counter(
		"relay.joins",
		metric.WithDescription("Channel joins accepted"),
		metric.WithUnit("{join}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create joins counter: %w", err)
	}

	m.ChangesPublished, err = meter.Int64Counter(
		"relay.changes.published",
		metric.WithDescription("Row changes fanned out to subscribers"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create changes counter: %w", err)
	}

	return m, nil
}

// RecordConnection adjusts the open connection gauge by delta.
func (m *RelayMetrics) RecordConnection(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.Connections.Add(ctx, delta)
}

// RecordJoin counts an accepted join.
func (m *RelayMetrics) RecordJoin(ctx context.Context) {
	if m == nil {
		return
	}
	m.Joins.Add(ctx, 1)
}

// RecordChange counts a published row change.
func (m *RelayMetrics) RecordChange(ctx context.Context, table, eventType string) {
	if m == nil {
		return
	}
	m.ChangesPublished.Add(ctx, 1, metric.WithAttributes(AttrTable.String(table), AttrEventType.String(eventType)))
}
