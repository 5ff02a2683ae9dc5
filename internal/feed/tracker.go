package feed

import (
	"sort"
	"sync"
)

// Tracker is the set of instruments the server currently believes this
// session is subscribed to. Marks are optimistic: the feed never acknowledges
// a subscription, so an instrument counts as subscribed once its frame is sent.
type Tracker struct {
	mu  sync.Mutex
	set map[string]Instrument
}

func NewTracker() *Tracker {
	return &Tracker{set: make(map[string]Instrument)}
}

// WantSub returns the instruments of list not yet subscribed, without duplicates
func (t *Tracker) WantSub(list []Instrument) []Instrument {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{}, len(list))
	out := make([]Instrument, 0, len(list))
	for _, in := range list {
		key := in.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := t.set[key]; !ok {
			out = append(out, in)
		}
	}
	return out
}

func (t *Tracker) MarkSubscribed(list []Instrument) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, in := range list {
		t.set[in.Key()] = in
	}
}

// WantUnsub returns the instruments of list that are currently subscribed
func (t *Tracker) WantUnsub(list []Instrument) []Instrument {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{}, len(list))
	out := make([]Instrument, 0, len(list))
	for _, in := range list {
		key := in.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := t.set[key]; ok {
			out = append(out, in)
		}
	}
	return out
}

func (t *Tracker) MarkUnsubscribed(list []Instrument) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, in := range list {
		delete(t.set, in.Key())
	}
}

// Snapshot returns every subscribed instrument ordered by key
func (t *Tracker) Snapshot() []Instrument {
	t.mu.Lock()
	out := make([]Instrument, 0, len(t.set))
	for _, in := range t.set {
		out = append(out, in)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.set)
}
