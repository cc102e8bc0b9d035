// Package transporttest provides an in-memory transport.Transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/markb/csrealtime/internal/transport"
)

// Channel is a channel opened on the fake transport.
type Channel struct {
	topic   string
	Binding transport.Binding
	handler transport.Handler
}

// Topic implements transport.Channel.
func (c *Channel) Topic() string { return c.topic }

// Published is a record captured by Publish.
type Published struct {
	Table  string
	Record map[string]any
}

// Transport is an in-memory transport. Events and status signals are
// injected by the test and delivered synchronously on the calling goroutine.
type Transport struct {
	mu         sync.Mutex
	open       []*Channel
	closed     []string
	published  []Published
	OpenErr    error
	PublishErr error
	CloseErr   error
}

// New returns an empty fake transport.
func New() *Transport {
	return &Transport{}
}

// Open implements transport.Transport.
func (t *Transport) Open(topic string, b transport.Binding, h transport.Handler) (transport.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	ch := &Channel{topic: topic, Binding: b, handler: h}
	t.open = append(t.open, ch)
	return ch, nil
}

// Close implements transport.Transport.
func (t *Transport) Close(ctx context.Context, ch transport.Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.open {
		if c == ch {
			t.open = append(t.open[:i], t.open[i+1:]...)
			t.closed = append(t.closed, c.topic)
			break
		}
	}
	return t.CloseErr
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, table string, record map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.PublishErr != nil {
		return t.PublishErr
	}
	t.published = append(t.published, Published{Table: table, Record: record})
	return nil
}

// Channels returns a snapshot of the open channels.
func (t *Transport) Channels() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Channel(nil), t.open...)
}

// Channel returns the i-th open channel or fails.
func (t *Transport) Channel(i int) (*Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.open) {
		return nil, fmt.Errorf("no open channel %d (have %d)", i, len(t.open))
	}
	return t.open[i], nil
}

// Closed returns the topics of channels closed so far.
func (t *Transport) Closed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.closed...)
}

// Published returns the records captured by Publish.
func (t *Transport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Published(nil), t.published...)
}

// Emit delivers a change on ch, bypassing the binding (server-side
// filtering is the backend's job, not the fake's).
func (t *Transport) Emit(ch *Channel, c transport.Change) {
	if ch.handler.OnChange != nil {
		ch.handler.OnChange(c)
	}
}

// Signal reports a status on ch.
func (t *Transport) Signal(ch *Channel, s transport.Status, err error) {
	if ch.handler.OnStatus != nil {
		ch.handler.OnStatus(s, err)
	}
}

// SignalAll reports a status on every open channel.
func (t *Transport) SignalAll(s transport.Status, err error) {
	for _, ch := range t.Channels() {
		t.Signal(ch, s, err)
	}
}
