package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is wrapped by every ConfigError.
var ErrInvalidConfig = errors.New("invalid rule configuration")

// ConfigError describes one problem in the rule input. Build joins all problems it finds.
type ConfigError struct {
	Kind string // course, mutex, delay, partition, client
	ID   string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s %q: %s", e.Kind, e.ID, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Input is the raw, ordered rule data handed to Build.
type Input struct {
	Courses    []Course
	Mutexes    []MutexGroup
	Delays     []DelayRule
	Partitions [][]string
	Client     ClientParams
	Version    string
}

// Build validates in and returns an immutable snapshot. On failure the returned error joins
// one *ConfigError per problem and the snapshot is nil.
func Build(in Input) (*Snapshot, error) {
	b := builder{
		s: &Snapshot{
			byID:      map[string]int{},
			byKey:     map[Key]string{},
			mutexByID: map[string]int{},
			mutexOf:   map[string]string{},
			delayOf:   map[string]DelayRule{},
			assigned:  map[string]int{},
			client:    in.Client.withDefaults(),
			version:   in.Version,
		},
	}
	b.courses(in.Courses)
	b.mutexes(in.Mutexes)
	b.delays(in.Delays)
	b.partitions(in.Partitions)
	b.client()
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return b.s, nil
}

type builder struct {
	s    *Snapshot
	errs []error
}

func (b *builder) fail(kind, id, format string, args ...any) {
	b.errs = append(b.errs, &ConfigError{Kind: kind, ID: id, Msg: fmt.Sprintf(format, args...)})
}

func (b *builder) warn(format string, args ...any) {
	b.s.warnings = append(b.s.warnings, fmt.Sprintf(format, args...))
}

func (b *builder) courses(in []Course) {
	for _, c := range in {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			b.fail("course", "", "empty id (name %q)", c.Name)
			continue
		}
		if _, dup := b.s.byID[c.ID]; dup {
			b.fail("course", c.ID, "duplicate id")
			continue
		}
		k := c.Key()
		if k.Name == "" || k.ClassNo == "" || k.School == "" {
			b.fail("course", c.ID, "name, class and school are required")
			continue
		}
		if other, dup := b.s.byKey[k]; dup {
			b.fail("course", c.ID, "same section as course %q", other)
			continue
		}
		b.s.byID[c.ID] = len(b.s.courses)
		b.s.byKey[k] = c.ID
		b.s.courses = append(b.s.courses, c)
	}
}

func (b *builder) mutexes(in []MutexGroup) {
	for _, g := range in {
		g.ID = strings.TrimSpace(g.ID)
		if g.ID == "" {
			b.fail("mutex", "", "empty id")
			continue
		}
		if _, dup := b.s.mutexByID[g.ID]; dup {
			b.fail("mutex", g.ID, "duplicate id")
			continue
		}

		seen := map[string]struct{}{}
		members := make([]string, 0, len(g.CourseIDs))
		ok := true
		for _, cid := range g.CourseIDs {
			if _, known := b.s.byID[cid]; !known {
				b.fail("mutex", g.ID, "unknown course %q", cid)
				ok = false
				continue
			}
			if _, again := seen[cid]; again {
				continue
			}
			seen[cid] = struct{}{}
			members = append(members, cid)
		}
		if !ok {
			continue
		}
		if len(members) < 2 {
			b.fail("mutex", g.ID, "needs at least 2 distinct courses, got %d", len(members))
			continue
		}

		// First loaded wins: a course already claimed stays in its earlier group.
		kept := members[:0:0]
		for _, cid := range members {
			if prev, claimed := b.s.mutexOf[cid]; claimed {
				b.warn("course %q is in mutex groups %q and %q; keeping %q", cid, prev, g.ID, prev)
				continue
			}
			kept = append(kept, cid)
		}
		if len(kept) < 2 {
			b.warn("mutex group %q has fewer than 2 unclaimed courses and is ignored", g.ID)
			continue
		}
		for _, cid := range kept {
			b.s.mutexOf[cid] = g.ID
		}
		b.s.mutexByID[g.ID] = len(b.s.mutexes)
		b.s.mutexes = append(b.s.mutexes, MutexGroup{ID: g.ID, CourseIDs: kept})
	}
}

func (b *builder) delays(in []DelayRule) {
	ids := map[string]struct{}{}
	for _, d := range in {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			b.fail("delay", "", "empty id")
			continue
		}
		if _, dup := ids[d.ID]; dup {
			b.fail("delay", d.ID, "duplicate id")
			continue
		}
		ids[d.ID] = struct{}{}
		if _, known := b.s.byID[d.CourseID]; !known {
			b.fail("delay", d.ID, "unknown course %q", d.CourseID)
			continue
		}
		if d.Threshold <= 0 {
			b.fail("delay", d.ID, "threshold must be positive, got %d", d.Threshold)
			continue
		}
		if prev, dup := b.s.delayOf[d.CourseID]; dup {
			b.fail("delay", d.ID, "course %q already targeted by delay %q", d.CourseID, prev.ID)
			continue
		}
		b.s.delayOf[d.CourseID] = d
		b.s.delays = append(b.s.delays, d)
	}
}

func (b *builder) partitions(in [][]string) {
	for i, ids := range in {
		if len(ids) == 0 {
			b.fail("partition", fmt.Sprint(i), "empty")
			continue
		}
		p := Partition{Index: i}
		for _, cid := range ids {
			if _, known := b.s.byID[cid]; !known {
				b.fail("partition", fmt.Sprint(i), "unknown course %q", cid)
				continue
			}
			if prev, dup := b.s.assigned[cid]; dup {
				b.fail("partition", fmt.Sprint(i), "course %q already in partition %d", cid, prev)
				continue
			}
			b.s.assigned[cid] = i
			p.IDs = append(p.IDs, cid)
		}
		b.s.partitions = append(b.s.partitions, p)
	}

	def := Partition{Index: len(b.s.partitions), Default: true}
	if len(b.s.partitions) == 0 || len(b.s.Members(def)) > 0 {
		b.s.partitions = append(b.s.partitions, def)
	}

	// Mutex exclusivity is tracked per loop, so a group must live in one partition.
	for _, g := range b.s.mutexes {
		home := -1
		for _, cid := range g.CourseIDs {
			pi, ok := b.s.assigned[cid]
			if !ok {
				pi = def.Index
			}
			if home == -1 {
				home = pi
				continue
			}
			if pi != home {
				b.fail("partition", "", "mutex group %q spans more than one partition", g.ID)
				break
			}
		}
	}
}

func (b *builder) client() {
	p := b.s.client
	if p.PollInterval < 0 {
		b.fail("client", "poll_interval", "must not be negative")
	}
	if p.Jitter < 0 {
		b.fail("client", "jitter", "must not be negative")
	}
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"login_timeout", p.LoginTimeout},
		{"attempt_timeout", p.AttemptTimeout},
		{"acquire_timeout", p.AcquireTimeout},
		{"captcha_timeout", p.CaptchaTimeout},
		{"login_interval", p.LoginInterval},
	} {
		if f.d < 0 {
			b.fail("client", f.name, "must not be negative")
		}
	}
	if p.PoolSize < 1 {
		b.fail("client", "pool_size", "must be at least 1, got %d", p.PoolSize)
	}
	if p.MaxLifeUses < 0 {
		b.fail("client", "max_life_uses", "must not be negative")
	}
	if p.MaxLifeAge < 0 {
		b.fail("client", "max_life_age", "must not be negative")
	}
	if p.LoginBackoffBase <= 0 || p.LoginBackoffMax < p.LoginBackoffBase {
		b.fail("client", "login_backoff", "need 0 < base <= max, got %s..%s", p.LoginBackoffBase, p.LoginBackoffMax)
	}
}
