package rules

import (
	"fmt"
	"strings"
	"time"
)

// Course is one section the student wants. ID is the student's own label and is only used
// to reference the course from mutex groups, delay rules and partitions; the portal knows a
// section by its Key.
type Course struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	ClassNo string `json:"class"`
	School  string `json:"school"`
}

func (c Course) String() string {
	return fmt.Sprintf("%s (%s, class %s)", c.Name, c.School, c.ClassNo)
}

// MutexGroup lists alternative sections; once one is elected the others are dropped.
type MutexGroup struct {
	ID        string   `json:"id"`
	CourseIDs []string `json:"courses"`
}

// DelayRule holds back attempts on CourseID until the observed enrollment reaches Threshold.
type DelayRule struct {
	ID        string `json:"id"`
	CourseID  string `json:"course"`
	Threshold int    `json:"threshold"`
}

// ClientParams are the scalar knobs of the scheduler.
type ClientParams struct {
	PollInterval   time.Duration `json:"poll_interval"`
	Jitter         time.Duration `json:"jitter"`
	LoginTimeout   time.Duration `json:"login_timeout"`
	AttemptTimeout time.Duration `json:"attempt_timeout"`
	AcquireTimeout time.Duration `json:"acquire_timeout"`
	CaptchaTimeout time.Duration `json:"captcha_timeout"`

	PoolSize int `json:"pool_size"`
	// MaxLifeUses and MaxLifeAge bound a session; 0 disables the respective limit.
	MaxLifeUses int           `json:"max_life_uses"`
	MaxLifeAge  time.Duration `json:"max_life_age"`

	LoginInterval    time.Duration `json:"login_interval"`
	LoginBackoffBase time.Duration `json:"login_backoff_base"`
	LoginBackoffMax  time.Duration `json:"login_backoff_max"`

	ObserveDelayed  bool `json:"observe_delayed"`
	PrintMutexRules bool `json:"print_mutex_rules"`
}

// DefaultClientParams returns the parameters used when a field is left unset.
func DefaultClientParams() ClientParams {
	return ClientParams{
		PollInterval:     time.Second,
		LoginTimeout:     10 * time.Second,
		AttemptTimeout:   10 * time.Second,
		AcquireTimeout:   5 * time.Second,
		CaptchaTimeout:   20 * time.Second,
		PoolSize:         2,
		MaxLifeUses:      100,
		LoginInterval:    time.Second,
		LoginBackoffBase: time.Second,
		LoginBackoffMax:  time.Minute,
		ObserveDelayed:   true,
	}
}

// withDefaults fills fields whose zero value is not meaningful.
func (p ClientParams) withDefaults() ClientParams {
	d := DefaultClientParams()
	if p.PollInterval == 0 {
		p.PollInterval = d.PollInterval
	}
	if p.LoginTimeout == 0 {
		p.LoginTimeout = d.LoginTimeout
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.AcquireTimeout == 0 {
		p.AcquireTimeout = d.AcquireTimeout
	}
	if p.CaptchaTimeout == 0 {
		p.CaptchaTimeout = d.CaptchaTimeout
	}
	if p.PoolSize == 0 {
		p.PoolSize = d.PoolSize
	}
	if p.LoginInterval == 0 {
		p.LoginInterval = d.LoginInterval
	}
	if p.LoginBackoffBase == 0 {
		p.LoginBackoffBase = d.LoginBackoffBase
	}
	if p.LoginBackoffMax == 0 {
		p.LoginBackoffMax = d.LoginBackoffMax
	}
	return p
}

// Partition is a subset of courses served by one registration loop.
// The default partition holds every course not named by an explicit one.
type Partition struct {
	Index   int      `json:"index"`
	IDs     []string `json:"ids,omitempty"`
	Default bool     `json:"default,omitempty"`
}

func (p Partition) Name() string {
	if p.Default {
		return "default"
	}
	return fmt.Sprintf("p%d", p.Index)
}

// Snapshot is an immutable, validated rule set. It is built once per configuration load and
// shared by reference; nothing mutates it after Build returns.
type Snapshot struct {
	courses []Course
	byID    map[string]int
	byKey   map[Key]string

	mutexes   []MutexGroup
	mutexByID map[string]int
	mutexOf   map[string]string

	delays  []DelayRule
	delayOf map[string]DelayRule

	partitions []Partition
	assigned   map[string]int

	client   ClientParams
	warnings []string
	version  string
}

func (s *Snapshot) Courses() []Course { return append([]Course(nil), s.courses...) }

func (s *Snapshot) Course(id string) (Course, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Course{}, false
	}
	return s.courses[i], true
}

// CourseByKey resolves a portal identity back to the configured course.
func (s *Snapshot) CourseByKey(k Key) (Course, bool) {
	id, ok := s.byKey[k]
	if !ok {
		return Course{}, false
	}
	return s.Course(id)
}

// MutexOf returns the group a course belongs to.
func (s *Snapshot) MutexOf(courseID string) (MutexGroup, bool) {
	gid, ok := s.mutexOf[courseID]
	if !ok {
		return MutexGroup{}, false
	}
	return s.mutexes[s.mutexByID[gid]], true
}

// DelayOf returns the delay rule targeting a course.
func (s *Snapshot) DelayOf(courseID string) (DelayRule, bool) {
	r, ok := s.delayOf[courseID]
	return r, ok
}

func (s *Snapshot) Mutexes() []MutexGroup {
	out := make([]MutexGroup, len(s.mutexes))
	for i, g := range s.mutexes {
		out[i] = MutexGroup{ID: g.ID, CourseIDs: append([]string(nil), g.CourseIDs...)}
	}
	return out
}

func (s *Snapshot) Delays() []DelayRule { return append([]DelayRule(nil), s.delays...) }

// Partitions returns explicit partitions followed by the default one, if it is non-empty.
// A snapshot without explicit partitions has a single default partition.
func (s *Snapshot) Partitions() []Partition {
	out := make([]Partition, len(s.partitions))
	for i, p := range s.partitions {
		out[i] = Partition{Index: p.Index, IDs: append([]string(nil), p.IDs...), Default: p.Default}
	}
	return out
}

// Members returns the snapshot's courses that belong to p, in load order.
func (s *Snapshot) Members(p Partition) []Course {
	if p.Default {
		out := make([]Course, 0, len(s.courses))
		for _, c := range s.courses {
			if _, ok := s.assigned[c.ID]; !ok {
				out = append(out, c)
			}
		}
		return out
	}
	want := make(map[string]struct{}, len(p.IDs))
	for _, id := range p.IDs {
		want[id] = struct{}{}
	}
	out := make([]Course, 0, len(p.IDs))
	for _, c := range s.courses {
		if _, ok := want[c.ID]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Snapshot) Client() ClientParams { return s.client }

// Warnings lists non-fatal problems found while building.
func (s *Snapshot) Warnings() []string { return append([]string(nil), s.warnings...) }

// Version identifies the configuration the snapshot was built from.
func (s *Snapshot) Version() string { return s.version }

// Describe renders the rule set one line per rule.
func (s *Snapshot) Describe() []string {
	lines := make([]string, 0, len(s.courses)+len(s.mutexes)+len(s.delays))
	for _, c := range s.courses {
		lines = append(lines, fmt.Sprintf("course %s: %s", c.ID, c))
	}
	for _, g := range s.mutexes {
		lines = append(lines, fmt.Sprintf("mutex %s: %s", g.ID, strings.Join(g.CourseIDs, " | ")))
	}
	for _, d := range s.delays {
		lines = append(lines, fmt.Sprintf("delay %s: %s waits for %d enrolled", d.ID, d.CourseID, d.Threshold))
	}
	if len(s.partitions) > 1 {
		for _, p := range s.partitions {
			ids := make([]string, 0)
			for _, c := range s.Members(p) {
				ids = append(ids, c.ID)
			}
			lines = append(lines, fmt.Sprintf("partition %s: %s", p.Name(), strings.Join(ids, ", ")))
		}
	}
	return lines
}
