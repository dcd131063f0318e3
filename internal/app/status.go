package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"autoelect/internal/elective"
	"autoelect/internal/notifier"
	"autoelect/internal/session"
)

// Status is the monitor's /status document.
type Status struct {
	Version       string                 `json:"version"`
	Config        string                 `json:"config_version"`
	StartedAt     time.Time              `json:"started_at"`
	Uptime        string                 `json:"uptime"`
	Engine        elective.EngineStatus  `json:"engine"`
	Pool          session.Stats          `json:"pool"`
	Notifications []notifier.HistoryItem `json:"notifications,omitempty"`
	EventsDropped uint64                 `json:"events_dropped"`
}

func (a *App) Status() Status {
	st := Status{
		Version:   Version,
		StartedAt: a.startedAt,
		Engine:    a.engine.Status(),
		Pool:      a.pool.Stats(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	if snap := a.engine.Current(); snap != nil {
		st.Config = snap.Version()
	}
	if a.notif != nil {
		st.Notifications = a.notif.History()
	}
	if a.bus != nil {
		st.EventsDropped = a.bus.Dropped()
	}
	return st
}

// health reports why the process should not be considered healthy.
func (a *App) health() error {
	select {
	case <-a.engine.Done():
		st := a.engine.Status()
		switch {
		case st.Err != "":
			return fmt.Errorf("registration stopped: %s", st.Err)
		case st.StopReason == string(StopFinished):
			return nil
		}
		return errors.New("registration stopped: " + st.StopReason)
	default:
	}
	return nil
}

// digestText renders the periodic summary sent by the notifier digest.
func (a *App) digestText() string {
	st := a.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "autoelect status (up %s)\n", st.Uptime)

	c := st.Engine.Counters
	fmt.Fprintf(&b, "cycles %d, attempts %d", c.Cycles, c.Attempts)
	keys := make([]string, 0, len(c.Outcomes))
	for k, v := range c.Outcomes {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ", %s %d", k, c.Outcomes[k])
	}
	b.WriteByte('\n')

	var elected []string
	for _, l := range st.Engine.Loops {
		for _, e := range l.Tracker.Elected {
			elected = append(elected, e.Key.Name)
		}
	}
	if len(elected) > 0 {
		fmt.Fprintf(&b, "elected: %s\n", strings.Join(elected, ", "))
	} else {
		b.WriteString("elected: none yet\n")
	}
	fmt.Fprintf(&b, "sessions: %d idle, %d borrowed of %d", st.Pool.Idle, st.Pool.Borrowed, st.Pool.Target)
	if st.Pool.FailureStreak > 0 {
		fmt.Fprintf(&b, " (login failing x%d)", st.Pool.FailureStreak)
	}
	if !st.Engine.Running {
		fmt.Fprintf(&b, "\nstopped: %s", st.Engine.StopReason)
	}
	return b.String()
}
