package realtime

// Deduplicator remembers recently seen ids in insertion order. When it grows
// past capacity the oldest trim entries are evicted in one batch.
//
// It is not safe for concurrent use; the Manager guards it.
type Deduplicator struct {
	capacity int
	trim     int
	order    []string
	seen     map[string]struct{}
}

// NewDeduplicator returns a Deduplicator holding at most capacity ids.
func NewDeduplicator(capacity, trim int) *Deduplicator {
	if capacity < 1 {
		capacity = 1
	}
	if trim < 1 || trim > capacity {
		trim = capacity
	}
	return &Deduplicator{
		capacity: capacity,
		trim:     trim,
		seen:     make(map[string]struct{}, capacity+1),
	}
}

// IsDuplicate reports whether id was seen before, recording it if not.
// An empty id is never a duplicate and is not recorded.
func (d *Deduplicator) IsDuplicate(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)

	if len(d.order) > d.capacity {
		for _, old := range d.order[:d.trim] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0:0], d.order[d.trim:]...)
	}
	return false
}

// Len returns the number of remembered ids.
func (d *Deduplicator) Len() int {
	return len(d.order)
}

// Reset forgets every id.
func (d *Deduplicator) Reset() {
	d.order = nil
	d.seen = make(map[string]struct{}, d.capacity+1)
}
