package block

// Snapshot accumulates the events of one in-flight block height.
// A later event for the same composite key replaces the earlier one but keeps
// its original position, so Events returns first-write order.
type Snapshot struct {
	Height uint64
	order  []string
	events map[string]Event
}

// NewSnapshot creates an empty snapshot for height.
func NewSnapshot(height uint64) *Snapshot {
	return &Snapshot{
		Height: height,
		events: make(map[string]Event),
	}
}

// Put merges ev into the snapshot under compositeKey.
func (s *Snapshot) Put(compositeKey string, ev Event) {
	if _, ok := s.events[compositeKey]; !ok {
		s.order = append(s.order, compositeKey)
	}
	s.events[compositeKey] = ev
}

// Len returns the number of distinct composite keys.
func (s *Snapshot) Len() int {
	return len(s.order)
}

// Events freezes the snapshot into an ordered sequence.
func (s *Snapshot) Events() []Event {
	out := make([]Event, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.events[k])
	}
	return out
}
