package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryQueueFIFO(t *testing.T) {
	q := NewDeliveryQueue(0)
	sub := &Subscription{id: "s"}

	for _, id := range []string{"e1", "e2", "e3"} {
		assert.False(t, q.Push(sub, MessageEvent{ID: id}))
	}
	assert.Equal(t, 3, q.Len())

	items := q.Drain()
	require.Len(t, items, 3)
	for i, want := range []string{"e1", "e2", "e3"} {
		assert.Equal(t, want, items[i].event.EventID())
	}
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestDeliveryQueueLimitDropsOldest(t *testing.T) {
	q := NewDeliveryQueue(2)
	sub := &Subscription{id: "s"}

	assert.False(t, q.Push(sub, MessageEvent{ID: "e1"}))
	assert.False(t, q.Push(sub, MessageEvent{ID: "e2"}))
	assert.True(t, q.Push(sub, MessageEvent{ID: "e3"}))

	items := q.Drain()
	require.Len(t, items, 2)
	assert.Equal(t, "e2", items[0].event.EventID())
	assert.Equal(t, "e3", items[1].event.EventID())
}

func TestDeliveryQueueRemove(t *testing.T) {
	q := NewDeliveryQueue(0)
	a := &Subscription{id: "a"}
	b := &Subscription{id: "b"}

	q.Push(a, MessageEvent{ID: "1"})
	q.Push(b, MessageEvent{ID: "2"})
	q.Push(a, MessageEvent{ID: "3"})

	assert.Equal(t, 2, q.Remove(a))
	items := q.Drain()
	require.Len(t, items, 1)
	assert.Same(t, b, items[0].sub)
}

func TestDeliveryQueueReset(t *testing.T) {
	q := NewDeliveryQueue(0)
	q.Push(&Subscription{}, SessionEvent{ID: "1"})
	q.Reset()
	assert.Equal(t, 0, q.Len())
}
