package rules

import (
	"sort"
	"time"
)

// Observation is the latest enrollment count seen for a section.
type Observation struct {
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

// Tracker accumulates the elected set and the observed enrollment of one registration loop.
// It is owned by that loop and is not safe for concurrent use; other goroutines read View
// copies. Entries are keyed by section identity so they survive a reload that relabels ids.
type Tracker struct {
	elected  map[Key]time.Time
	observed map[Key]Observation
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		elected:  map[Key]time.Time{},
		observed: map[Key]Observation{},
		now:      time.Now,
	}
}

func (t *Tracker) MarkElected(c Course) {
	k := c.Key()
	if _, ok := t.elected[k]; !ok {
		t.elected[k] = t.now()
	}
}

func (t *Tracker) IsElected(k Key) bool {
	_, ok := t.elected[k]
	return ok
}

// Observe records the latest enrollment count; negative counts are ignored.
func (t *Tracker) Observe(c Course, count int) {
	if count < 0 {
		return
	}
	t.observed[c.Key()] = Observation{Count: count, At: t.now()}
}

func (t *Tracker) Enrollment(k Key) (int, bool) {
	o, ok := t.observed[k]
	return o.Count, ok
}

// TrackerView is an immutable copy of a Tracker.
type TrackerView struct {
	Elected  []ElectedEntry         `json:"elected"`
	Observed map[string]Observation `json:"observed"`
}

type ElectedEntry struct {
	Key Key       `json:"key"`
	At  time.Time `json:"at"`
}

func (t *Tracker) View() TrackerView {
	v := TrackerView{
		Elected:  make([]ElectedEntry, 0, len(t.elected)),
		Observed: make(map[string]Observation, len(t.observed)),
	}
	for k, at := range t.elected {
		v.Elected = append(v.Elected, ElectedEntry{Key: k, At: at})
	}
	sort.Slice(v.Elected, func(i, j int) bool { return v.Elected[i].At.Before(v.Elected[j].At) })
	for k, o := range t.observed {
		v.Observed[k.String()] = o
	}
	return v
}
