package rules

// State is the per-loop knowledge Evaluate reads: which sections are elected and the latest
// enrollment count seen for each section.
type State interface {
	IsElected(k Key) bool
	Enrollment(k Key) (count int, ok bool)
}

type Reason string

const (
	ReasonEligible   Reason = "eligible"
	ReasonElected    Reason = "elected"
	ReasonMutex      Reason = "mutex_excluded"
	ReasonUnobserved Reason = "delay_unobserved"
	ReasonBelow      Reason = "delay_below_threshold"
)

// Decision explains why a course is or is not attempted this cycle.
type Decision struct {
	Course    Course `json:"course"`
	Reason    Reason `json:"reason"`
	Mutex     string `json:"mutex,omitempty"`
	ElectedBy string `json:"elected_by,omitempty"`
	Enrolled  int    `json:"enrolled,omitempty"`
	Threshold int    `json:"threshold,omitempty"`
}

func (d Decision) Eligible() bool { return d.Reason == ReasonEligible }

// Delayed reports whether the course is held back only by its delay rule.
func (d Decision) Delayed() bool { return d.Reason == ReasonUnobserved || d.Reason == ReasonBelow }

// Evaluate classifies every course of partition p in snapshot order. It has no side effects.
func Evaluate(snap *Snapshot, st State, p Partition) []Decision {
	members := snap.Members(p)
	out := make([]Decision, 0, len(members))
	for _, c := range members {
		out = append(out, Decide(snap, st, c))
	}
	return out
}

// Decide classifies a single course against st.
func Decide(snap *Snapshot, st State, c Course) Decision {
	d := Decision{Course: c, Reason: ReasonEligible}
	if st.IsElected(c.Key()) {
		d.Reason = ReasonElected
		return d
	}
	if g, ok := snap.MutexOf(c.ID); ok {
		for _, sib := range g.CourseIDs {
			if sib == c.ID {
				continue
			}
			other, _ := snap.Course(sib)
			if st.IsElected(other.Key()) {
				d.Reason = ReasonMutex
				d.Mutex = g.ID
				d.ElectedBy = sib
				return d
			}
		}
	}
	if r, ok := snap.DelayOf(c.ID); ok {
		d.Threshold = r.Threshold
		n, seen := st.Enrollment(c.Key())
		switch {
		case !seen:
			d.Reason = ReasonUnobserved
		case n < r.Threshold:
			d.Reason = ReasonBelow
			d.Enrolled = n
		default:
			d.Enrolled = n
		}
	}
	return d
}

// Eligible returns the courses of p that may be attempted, in snapshot load order.
func Eligible(snap *Snapshot, st State, p Partition) []Course {
	var out []Course
	for _, d := range Evaluate(snap, st, p) {
		if d.Eligible() {
			out = append(out, d.Course)
		}
	}
	return out
}

// EligibleAll evaluates the whole snapshot as a single partition.
func EligibleAll(snap *Snapshot, st State) []Course {
	var out []Course
	for _, c := range snap.courses {
		if d := Decide(snap, st, c); d.Eligible() {
			out = append(out, c)
		}
	}
	return out
}
