package elective

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"autoelect/internal/eventbus"
	"autoelect/internal/rules"
	rtsup "autoelect/internal/runtime/supervisor"
	logx "autoelect/pkg/logx"
)

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNoSnapshot     = errors.New("engine needs a snapshot")
)

// Engine runs one Loop per partition of the snapshot it was started with and hot-swaps rule
// snapshots underneath them.
type Engine struct {
	deps     Deps
	log      logx.Logger
	counters *Counters
	snap     atomic.Pointer[rules.Snapshot]

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	loops   []*Loop
	started time.Time
	reason  string
	err     error
	done    chan struct{}
}

// StopEvent is published once when all loops have exited.
type StopEvent struct {
	Reason string `json:"reason"`
	Err    string `json:"error,omitempty"`
}

func NewEngine(deps Deps) *Engine {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Engine{
		deps:     deps,
		log:      deps.Log.With(logx.String("comp", "engine")),
		counters: &Counters{},
		done:     make(chan struct{}),
	}
}

// Start launches the loops. It returns immediately; use Join to wait.
func (e *Engine) Start(ctx context.Context, snap *rules.Snapshot) error {
	if snap == nil {
		return ErrNoSnapshot
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil {
		return ErrAlreadyStarted
	}
	e.snap.Store(snap)
	// A fatal error in any loop ends the run for every loop.
	e.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(e.log),
		rtsup.WithCancelOnError(true),
	)
	e.started = time.Now()
	for _, p := range snap.Partitions() {
		l := NewLoop(p, e.Current, e.deps, e.counters)
		e.loops = append(e.loops, l)
		e.sup.Go("elective."+p.Name(), l.Run)
	}
	e.log.Info("engine started", logx.Int("loops", len(e.loops)), logx.String("version", snap.Version()))

	sup := e.sup
	go func() {
		err := sup.Wait(context.Background())
		e.mu.Lock()
		e.err = err
		if e.reason == "" {
			e.reason = "finished"
			if err != nil {
				e.reason = "fatal"
			}
		}
		reason := e.reason
		e.mu.Unlock()

		if err != nil {
			e.log.Error("engine stopped", logx.String("reason", reason), logx.Err(err))
		} else {
			e.log.Info("engine stopped", logx.String("reason", reason))
		}
		if e.deps.Bus != nil {
			ev := StopEvent{Reason: reason}
			if err != nil {
				ev.Err = err.Error()
			}
			e.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeStopped, Data: ev})
		}
		close(e.done)
	}()
	return nil
}

// Swap installs a new snapshot for the next cycle of every loop. restart reports that the
// partition layout changed; running loops keep their original partitions.
func (e *Engine) Swap(snap *rules.Snapshot) (restart bool) {
	if snap == nil {
		return false
	}
	old := e.snap.Swap(snap)
	if old == nil {
		return false
	}
	return !samePartitions(old.Partitions(), snap.Partitions())
}

func (e *Engine) Current() *rules.Snapshot { return e.snap.Load() }

// Stop asks every loop to exit after its current attempt. The first reason wins.
func (e *Engine) Stop(reason string) {
	e.mu.Lock()
	if e.reason == "" {
		e.reason = reason
	}
	sup := e.sup
	e.mu.Unlock()
	if sup != nil {
		sup.Cancel()
	}
}

// Join blocks until all loops exit or ctx ends. It returns the error that stopped the
// engine, if any (a *FatalError for fatal portal outcomes).
func (e *Engine) Join(ctx context.Context) error {
	e.mu.Lock()
	started := e.sup != nil
	e.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when all loops have exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

type EngineStatus struct {
	Running    bool         `json:"running"`
	Started    time.Time    `json:"started,omitzero"`
	StopReason string       `json:"stop_reason,omitempty"`
	Err        string       `json:"error,omitempty"`
	Version    string       `json:"version,omitempty"`
	Loops      []Status     `json:"loops"`
	Counters   CountersView `json:"counters"`
}

func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	st := EngineStatus{
		Started:    e.started,
		StopReason: e.reason,
		Loops:      make([]Status, 0, len(e.loops)),
	}
	if e.err != nil {
		st.Err = e.err.Error()
	}
	loops := e.loops
	running := e.sup != nil
	e.mu.Unlock()

	select {
	case <-e.done:
		running = false
	default:
	}
	st.Running = running
	if s := e.Current(); s != nil {
		st.Version = s.Version()
	}
	for _, l := range loops {
		st.Loops = append(st.Loops, l.Status())
	}
	st.Counters = e.counters.View()
	return st
}

func (e *Engine) Counters() CountersView { return e.counters.View() }

func samePartitions(a, b []rules.Partition) bool {
	return slices.EqualFunc(a, b, func(x, y rules.Partition) bool {
		return x.Default == y.Default && slices.Equal(x.IDs, y.IDs)
	})
}
