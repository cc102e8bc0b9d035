package realtime

// queued is an event held until the connection is confirmed.
type queued struct {
	sub   *Subscription
	event Event
}

// DeliveryQueue is a FIFO of events that arrived while not connected. A
// positive limit bounds it by dropping the oldest entry.
type DeliveryQueue struct {
	limit int
	items []queued
}

// NewDeliveryQueue returns an empty queue; limit 0 means unbounded.
func NewDeliveryQueue(limit int) *DeliveryQueue {
	return &DeliveryQueue{limit: limit}
}

// Push appends an event. It reports whether an older event was dropped to
// make room.
func (q *DeliveryQueue) Push(sub *Subscription, ev Event) (dropped bool) {
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items[0] = queued{}
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, queued{sub: sub, event: ev})
	return dropped
}

// Drain removes and returns every queued event in arrival order.
func (q *DeliveryQueue) Drain() []queued {
	items := q.items
	q.items = nil
	return items
}

// Remove discards the events queued for sub.
func (q *DeliveryQueue) Remove(sub *Subscription) int {
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if it.sub == sub {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = queued{}
	}
	q.items = kept
	return removed
}

// Len returns the number of queued events.
func (q *DeliveryQueue) Len() int {
	return len(q.items)
}

// Reset drops everything.
func (q *DeliveryQueue) Reset() {
	q.items = nil
}
