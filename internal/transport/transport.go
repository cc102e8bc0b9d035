// Package transport defines the contract between the realtime connection
// manager and a publish/subscribe backend that emits row-change events.
//
// A backend multiplexes many logical channels over one connection. Each
// channel is bound to a table/event/filter and reports change events and
// status signals through a Handler.
package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/markb/csrealtime/internal/phoenix"
)

// Status is a channel status signal reported by a transport.
type Status string

// Status signals. Transports may report other values while joining; the
// manager treats anything unknown as "still connecting".
const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// Change event types.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventAll    = "*"
)

// DefaultSchema is used when a binding leaves Schema empty.
const DefaultSchema = "public"

// ErrClosed is returned by operations on a transport that has been shut down.
var ErrClosed = errors.New("transport closed")

// Binding selects which change events a channel receives.
type Binding struct {
	Event  string // INSERT, UPDATE, DELETE or *
	Schema string
	Table  string
	Filter string // PostgREST-style, e.g. "customer_id=eq.c-1"
}

// Matches reports whether a change satisfies the binding. Transports that
// cannot filter server side use it to filter locally.
func (b Binding) Matches(c Change) bool {
	if b.Event != "" && b.Event != EventAll && !strings.EqualFold(b.Event, c.Type) {
		return false
	}
	schema := b.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	if c.Schema != "" && schema != "*" && schema != c.Schema {
		return false
	}
	if b.Table != "" && b.Table != "*" && b.Table != c.Table {
		return false
	}
	return phoenix.MatchFilter(b.Filter, c.New, c.Old)
}

// Change is a single row-change event.
type Change struct {
	Schema          string
	Table           string
	Type            string // INSERT, UPDATE, DELETE
	CommitTimestamp string
	New             map[string]any
	Old             map[string]any
}

// Record returns the row the change is about: the new row, or the old one
// for deletes.
func (c Change) Record() map[string]any {
	if len(c.New) > 0 {
		return c.New
	}
	return c.Old
}

// FromPhoenix converts a decoded postgres_changes payload.
func FromPhoenix(ev *phoenix.ChangeEvent) Change {
	return Change{
		Schema:          ev.Schema,
		Table:           ev.Table,
		Type:            strings.ToUpper(ev.EventType),
		CommitTimestamp: ev.CommitTimestamp,
		New:             ev.New,
		Old:             ev.Old,
	}
}

// Handler receives everything a channel produces. Both callbacks are invoked
// from the transport's delivery goroutine, in order.
type Handler struct {
	OnChange func(Change)
	OnStatus func(Status, error)
}

// Channel is an open channel handle. Only the transport that created it may
// close it.
type Channel interface {
	Topic() string
}

// Transport is a multiplexed publish/subscribe connection.
type Transport interface {
	// Open creates a channel on topic bound to b. Status signals arrive
	// asynchronously through h.OnStatus.
	Open(topic string, b Binding, h Handler) (Channel, error)

	// Close releases a channel. Closing an unknown channel is a no-op.
	Close(ctx context.Context, ch Channel) error

	// Publish writes a record to table through the backend's write path.
	Publish(ctx context.Context, table string, record map[string]any) error
}
