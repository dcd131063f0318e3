package elective

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"autoelect/internal/eventbus"
	"autoelect/internal/portal"
	"autoelect/internal/rules"
	"autoelect/internal/session"
	logx "autoelect/pkg/logx"
)

// Pool is the part of session.Pool the loop borrows from.
type Pool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*session.Session, error)
	Release(s *session.Session, outcome portal.Outcome) error
	Discard(s *session.Session) error
	Available() int
}

// Solver answers captcha challenges.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Deps are the collaborators of a registration loop.
type Deps struct {
	Pool    Pool
	Portal  portal.Attempter
	Solver  Solver
	Bus     eventbus.Bus
	Log     logx.Logger
	Metrics Metrics
}

// FatalError stops the engine. It carries the course whose attempt failed.
type FatalError struct {
	Course rules.Course
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error attempting %s: %v", e.Course.ID, e.Err)
}
func (e *FatalError) Unwrap() error { return e.Err }

// AttemptRecord is published for every attempt and persisted as history.
type AttemptRecord struct {
	Partition string         `json:"partition"`
	CourseID  string         `json:"course_id"`
	Course    string         `json:"course"`
	Outcome   portal.Outcome `json:"outcome"`
	Enrolled  *int           `json:"enrolled,omitempty"`
	Captcha   bool           `json:"captcha,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Took      time.Duration  `json:"took"`
	At        time.Time      `json:"at"`
}

// ElectedEvent is published when a course is won.
type ElectedEvent struct {
	Partition string       `json:"partition"`
	Course    rules.Course `json:"course"`
	At        time.Time    `json:"at"`
}

// Status is what a loop reports about itself between cycles.
type Status struct {
	Partition string            `json:"partition"`
	Phase     string            `json:"phase"`
	Cycle     uint64            `json:"cycle"`
	Version   string            `json:"version"`
	LastCycle time.Time         `json:"last_cycle,omitzero"`
	Decisions []rules.Decision  `json:"decisions"`
	Tracker   rules.TrackerView `json:"tracker"`
	LastError string            `json:"last_error,omitempty"`
}

// Loop is one registration loop over a partition. Run owns the tracker; nothing else touches
// it, so mutex exclusivity holds without locks.
type Loop struct {
	part     rules.Partition
	snapshot func() *rules.Snapshot
	deps     Deps
	counters *Counters
	log      logx.Logger
	tracer   trace.Tracer

	tracker *rules.Tracker
	cur     *rules.Snapshot
	cycle   uint64
	status  atomic.Pointer[Status]
	lastErr string
	settled bool

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// NewLoop builds a loop over part. snapshot is read at the top of every cycle.
func NewLoop(part rules.Partition, snapshot func() *rules.Snapshot, deps Deps, counters *Counters) *Loop {
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if counters == nil {
		counters = &Counters{}
	}
	l := &Loop{
		part:     part,
		snapshot: snapshot,
		deps:     deps,
		counters: counters,
		log:      deps.Log.With(logx.String("comp", "elective"), logx.String("partition", part.Name())),
		tracer:   otel.Tracer("autoelect/elective"),
		tracker:  rules.NewTracker(),
		sleep:    sleepCtx,
		rand:     rand.Float64,
	}
	l.status.Store(&Status{Partition: part.Name(), Phase: "idle"})
	return l
}

func (l *Loop) Partition() rules.Partition { return l.part }

func (l *Loop) Status() Status { return *l.status.Load() }

// Run cycles until ctx is canceled, an attempt reports FatalError, or every course of the
// partition is elected or mutex-excluded. The last case returns nil.
func (l *Loop) Run(ctx context.Context) error {
	defer l.publish(nil, "stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if l.settled {
			l.log.Info("every course in partition is resolved, loop finished", logx.Uint64("cycles", l.cycle))
			return nil
		}
		l.publish(nil, "sleeping")
		if err := l.sleep(ctx, l.pause()); err != nil {
			return nil
		}
	}
}

// pause is the poll interval shifted by a uniform offset in [-jitter, +jitter], never negative.
func (l *Loop) pause() time.Duration {
	p := l.snapshot().Client()
	d := p.PollInterval
	if p.Jitter > 0 {
		d += time.Duration((l.rand()*2 - 1) * float64(p.Jitter))
	}
	return max(d, 0)
}

// RunCycle evaluates eligibility once and attempts every eligible course in order.
func (l *Loop) RunCycle(ctx context.Context) error {
	snap := l.snapshot()
	l.cur = snap
	l.cycle++
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "elective.cycle", trace.WithAttributes(
		attribute.String("partition", l.part.Name()),
		attribute.Int64("cycle", int64(l.cycle)),
	))
	defer span.End()

	decisions := rules.Evaluate(snap, l.tracker, l.part)
	var eligible []rules.Course
	for _, d := range decisions {
		if d.Eligible() {
			eligible = append(eligible, d.Course)
		}
	}
	l.publish(decisions, "attempting")

	if snap.Client().ObserveDelayed {
		if r, ok := l.deps.Portal.(portal.EnrollmentReader); ok {
			for _, d := range decisions {
				if !d.Delayed() {
					continue
				}
				if err := l.observe(ctx, snap, r, d.Course); err != nil {
					return err
				}
			}
		}
	}

	var err error
	for _, c := range eligible {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		// An election earlier in this cycle may have excluded c.
		if !rules.Decide(snap, l.tracker, c).Eligible() {
			continue
		}
		var stop bool
		stop, err = l.attemptCourse(ctx, snap, c)
		if err != nil || stop {
			break
		}
	}

	l.counters.cycles.Add(1)
	l.deps.Metrics.ObserveCycle(l.part.Name(), len(eligible), time.Since(start))
	span.SetAttributes(attribute.Int("eligible", len(eligible)))
	if err != nil && ctx.Err() == nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cycle failed")
		l.lastErr = err.Error()
	}
	final := rules.Evaluate(snap, l.tracker, l.part)
	l.settled = allResolved(final)
	l.publish(final, "cycle_done")
	if l.deps.Bus != nil {
		l.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeCycle, Data: map[string]any{
			"partition": l.part.Name(),
			"cycle":     l.cycle,
			"eligible":  len(eligible),
		}})
	}
	return err
}

// attemptCourse runs one attempt (plus at most one captcha resubmission). stop ends the cycle.
func (l *Loop) attemptCourse(ctx context.Context, snap *rules.Snapshot, c rules.Course) (stop bool, err error) {
	p := snap.Client()
	s, err := l.deps.Pool.Acquire(ctx, p.AcquireTimeout)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return true, ctx.Err()
	case errors.Is(err, session.ErrAcquireTimeout):
		l.counters.acquireTimeouts.Add(1)
		l.deps.Metrics.ObserveAcquireTimeout(l.part.Name())
		l.log.Debug("no session available, skipping course", logx.String("course", c.ID))
		return false, nil
	case errors.Is(err, session.ErrClosed):
		return true, nil
	default:
		l.log.Warn("session acquire failed", logx.String("course", c.ID), logx.Err(err))
		return false, nil
	}
	if ctx.Err() != nil {
		_ = l.deps.Pool.Release(s, portal.None)
		return true, ctx.Err()
	}

	res, aerr := l.attempt(ctx, s, c, "")
	var resubmitted bool
	if res.Outcome == portal.ChallengeRequired {
		res, resubmitted, aerr = l.challenge(ctx, s, c, res)
	}
	if ctx.Err() != nil {
		_ = l.deps.Pool.Release(s, portal.None)
		return true, ctx.Err()
	}

	// A fatal outcome, or a resubmission lost in transport, leaves the portal's view of the
	// identity unknown; the session is not reused.
	if res.Outcome == portal.FatalError || (resubmitted && aerr != nil) {
		l.log.Debug("discarding session", logx.String("course", c.ID), logx.String("outcome", res.Outcome.String()))
		_ = l.deps.Pool.Discard(s)
	} else {
		_ = l.deps.Pool.Release(s, res.Outcome)
	}
	switch res.Outcome {
	case portal.Elected:
		l.tracker.MarkElected(c)
		l.log.Info("course elected", logx.String("course", c.ID), logx.String("name", c.Name), logx.String("class", c.ClassNo))
		if l.deps.Bus != nil {
			l.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeElected, Data: ElectedEvent{Partition: l.part.Name(), Course: c, At: time.Now()}})
		}
	case portal.AuthExpired:
		if l.deps.Pool.Available() == 0 {
			l.log.Debug("session expired and none idle, ending cycle", logx.String("course", c.ID))
			return true, nil
		}
	case portal.FatalError:
		if aerr == nil {
			aerr = fmt.Errorf("portal reported fatal outcome: %s", res.Message)
		}
		return true, &FatalError{Course: c, Err: aerr}
	}
	return false, nil
}

// challenge solves the captcha and resubmits once. A solver failure is a missed attempt.
// sent reports whether the answer reached the portal.
func (l *Loop) challenge(ctx context.Context, s *session.Session, c rules.Course, first portal.Result) (res portal.Result, sent bool, err error) {
	if l.deps.Solver == nil {
		err = errors.New("captcha required but no solver configured")
		l.counters.captchaFailed.Add(1)
		l.record(c, portal.TransientError, first, true, err, 0)
		return portal.Result{Outcome: portal.TransientError}, false, err
	}
	answer, err := l.deps.Solver.Solve(ctx, first.Challenge)
	if err != nil {
		l.counters.captchaFailed.Add(1)
		l.log.Warn("captcha failed", logx.String("course", c.ID), logx.Err(err))
		l.record(c, portal.TransientError, portal.Result{}, true, fmt.Errorf("captcha: %w", err), 0)
		return portal.Result{Outcome: portal.TransientError}, false, err
	}
	l.counters.captchaSolved.Add(1)
	if ctx.Err() != nil {
		return portal.Result{Outcome: portal.TransientError}, false, ctx.Err()
	}
	res, err = l.attempt(ctx, s, c, answer)
	if res.Outcome == portal.ChallengeRequired {
		// No second resubmission within a cycle.
		res.Outcome = portal.TransientError
	}
	return res, true, err
}

// attempt issues one portal call and records its result. Errors are folded into the outcome.
func (l *Loop) attempt(ctx context.Context, s *session.Session, c rules.Course, answer string) (portal.Result, error) {
	p := l.cur.Client()
	ctx, span := l.tracer.Start(ctx, "elective.attempt", trace.WithAttributes(
		attribute.String("course", c.ID),
		attribute.Bool("captcha", answer != ""),
	))
	defer span.End()

	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	start := time.Now()
	res, err := l.deps.Portal.Attempt(actx, s.Identity(), portal.Attempt{Course: c, CaptchaAnswer: answer})
	took := time.Since(start)
	cancel()

	if err != nil {
		res.Outcome = portal.Classify(err)
		span.RecordError(err)
	}
	if res.Outcome == portal.None {
		res.Outcome = portal.TransientError
		if err == nil {
			err = errors.New("portal returned no outcome")
		}
	}
	if res.EnrolledKnown {
		l.tracker.Observe(c, res.Enrolled)
		l.counters.observations.Add(1)
	}
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
	if res.Outcome == portal.FatalError {
		span.SetStatus(codes.Error, "fatal")
	}

	l.counters.attempts.Add(1)
	l.counters.outcome(res.Outcome)
	l.deps.Metrics.ObserveAttempt(l.part.Name(), res.Outcome, took)
	l.record(c, res.Outcome, res, answer != "", err, took)
	return res, err
}

// observe reads the enrollment of a delayed course without submitting anything.
func (l *Loop) observe(ctx context.Context, snap *rules.Snapshot, r portal.EnrollmentReader, c rules.Course) error {
	p := snap.Client()
	s, err := l.deps.Pool.Acquire(ctx, p.AcquireTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
	octx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	n, err := r.Enrollment(octx, s.Identity(), c)
	cancel()

	outcome := portal.None
	switch {
	case err == nil:
		l.tracker.Observe(c, n)
		l.counters.observations.Add(1)
	case errors.Is(err, portal.ErrAuthExpired):
		outcome = portal.AuthExpired
	default:
		l.log.Debug("enrollment read failed", logx.String("course", c.ID), logx.Err(err))
	}
	_ = l.deps.Pool.Release(s, outcome)
	return ctx.Err()
}

func (l *Loop) record(c rules.Course, o portal.Outcome, res portal.Result, captcha bool, err error, took time.Duration) {
	if o != portal.Elected {
		ev := l.log.Debug
		if o == portal.FatalError {
			ev = l.log.Error
		}
		ev("attempt", logx.String("course", c.ID), logx.String("outcome", o.String()), logx.Err(err))
	}
	if l.deps.Bus == nil {
		return
	}
	rec := AttemptRecord{
		Partition: l.part.Name(),
		CourseID:  c.ID,
		Course:    c.String(),
		Outcome:   o,
		Captcha:   captcha,
		Message:   res.Message,
		Took:      took,
		At:        time.Now(),
	}
	if res.EnrolledKnown {
		n := res.Enrolled
		rec.Enrolled = &n
	}
	if err != nil {
		rec.Error = err.Error()
	}
	l.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeAttempt, Time: rec.At, Data: rec})
}

// allResolved reports whether nothing in ds can still be attempted.
func allResolved(ds []rules.Decision) bool {
	if len(ds) == 0 {
		return false
	}
	for _, d := range ds {
		if d.Reason != rules.ReasonElected && d.Reason != rules.ReasonMutex {
			return false
		}
	}
	return true
}

func (l *Loop) publish(decisions []rules.Decision, phase string) {
	prev := l.status.Load()
	st := &Status{
		Partition: l.part.Name(),
		Phase:     phase,
		Cycle:     l.cycle,
		Version:   prev.Version,
		LastCycle: prev.LastCycle,
		Decisions: prev.Decisions,
		Tracker:   prev.Tracker,
		LastError: l.lastErr,
	}
	if decisions != nil {
		st.Decisions = decisions
		st.Tracker = l.tracker.View()
		st.Version = l.cur.Version()
		st.LastCycle = time.Now()
	}
	l.status.Store(st)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
