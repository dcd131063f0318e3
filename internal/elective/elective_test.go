package elective

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoelect/internal/captcha"
	"autoelect/internal/eventbus"
	"autoelect/internal/portal"
	"autoelect/internal/rules"
	"autoelect/internal/session"
)

type step struct {
	res portal.Result
	err error
}

// fakePortal replays scripted results per course id; the last step repeats.
type fakePortal struct {
	mu       sync.Mutex
	script   map[string][]step
	counts   map[string][]int
	calls    []string
	answers  []string
	observed []string
}

func newFakePortal() *fakePortal {
	return &fakePortal{script: map[string][]step{}, counts: map[string][]int{}}
}

func (f *fakePortal) on(id string, steps ...step) *fakePortal {
	f.script[id] = append(f.script[id], steps...)
	return f
}

func (f *fakePortal) Attempt(_ context.Context, _ portal.Identity, a portal.Attempt) (portal.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a.Course.ID)
	f.answers = append(f.answers, a.CaptchaAnswer)
	steps := f.script[a.Course.ID]
	if len(steps) == 0 {
		return portal.Result{Outcome: portal.CourseFull}, nil
	}
	s := steps[0]
	if len(steps) > 1 {
		f.script[a.Course.ID] = steps[1:]
	}
	return s.res, s.err
}

func (f *fakePortal) Enrollment(_ context.Context, _ portal.Identity, c rules.Course) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, c.ID)
	ns := f.counts[c.ID]
	if len(ns) == 0 {
		return 0, errors.New("no count")
	}
	n := ns[0]
	if len(ns) > 1 {
		f.counts[c.ID] = ns[1:]
	}
	return n, nil
}

func (f *fakePortal) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == id {
			n++
		}
	}
	return n
}

// attemptOnly hides the EnrollmentReader side of fakePortal.
type attemptOnly struct{ p *fakePortal }

func (a attemptOnly) Attempt(ctx context.Context, id portal.Identity, at portal.Attempt) (portal.Result, error) {
	return a.p.Attempt(ctx, id, at)
}

type fakeAuth struct {
	n         atomic.Int64
	failAfter int64 // 0: never fail
}

func (f *fakeAuth) Authenticate(context.Context, portal.Credentials) (portal.Identity, error) {
	n := f.n.Add(1)
	if f.failAfter > 0 && n > f.failAfter {
		return portal.Identity{}, errors.New("login refused")
	}
	return portal.Identity{Token: fmt.Sprintf("t%d", n)}, nil
}

type solverFunc func(ctx context.Context, img []byte) (string, error)

func (f solverFunc) Solve(ctx context.Context, img []byte) (string, error) { return f(ctx, img) }

func c(id string) rules.Course { return rules.Course{ID: id, Name: "Course " + id, ClassNo: "1", School: "CS"} }

func testSnapshot(t *testing.T, in rules.Input) *rules.Snapshot {
	t.Helper()
	in.Client = rules.ClientParams{
		PollInterval:   time.Millisecond,
		AcquireTimeout: 500 * time.Millisecond,
		AttemptTimeout: time.Second,
		ObserveDelayed: true,
	}
	s, err := rules.Build(in)
	require.NoError(t, err)
	return s
}

func testPool(t *testing.T, size int, auth portal.Authenticator) *session.Pool {
	t.Helper()
	p := session.NewPool(session.Config{
		Size:          size,
		LoginTimeout:  time.Second,
		LoginInterval: time.Millisecond,
		BackoffBase:   50 * time.Millisecond,
		BackoffMax:    100 * time.Millisecond,
	}, auth)
	p.Start(context.Background())
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func newTestLoop(t *testing.T, snap *rules.Snapshot, deps Deps) *Loop {
	t.Helper()
	ps := snap.Partitions()
	return NewLoop(ps[len(ps)-1], func() *rules.Snapshot { return snap }, deps, nil)
}

func eligibleIDs(l *Loop, snap *rules.Snapshot) []string {
	var out []string
	for _, c := range rules.Eligible(snap, l.tracker, l.part) {
		out = append(out, c.ID)
	}
	return out
}

func TestMutexElectionExcludesSiblings(t *testing.T) {
	snap := testSnapshot(t, rules.Input{
		Courses: []rules.Course{c("A"), c("B"), c("C")},
		Mutexes: []rules.MutexGroup{{ID: "M1", CourseIDs: []string{"A", "B"}}},
	})
	fp := newFakePortal().on("A", step{res: portal.Result{Outcome: portal.Elected}})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	l := newTestLoop(t, snap, Deps{Pool: testPool(t, 1, &fakeAuth{}), Portal: attemptOnly{fp}, Bus: bus})
	require.NoError(t, l.RunCycle(context.Background()))

	assert.Equal(t, 1, fp.callsFor("A"))
	assert.Zero(t, fp.callsFor("B"), "sibling attempted in the same cycle")
	assert.Equal(t, 1, fp.callsFor("C"))
	assert.Equal(t, []string{"C"}, eligibleIDs(l, snap))

	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, 1, fp.callsFor("A"))
	assert.Zero(t, fp.callsFor("B"))
	assert.Equal(t, 2, fp.callsFor("C"))

	var elected []ElectedEvent
	for len(events) > 0 {
		e := <-events
		if e.Type == eventbus.TypeElected {
			elected = append(elected, e.Data.(ElectedEvent))
		}
	}
	require.Len(t, elected, 1)
	assert.Equal(t, "A", elected[0].Course.ID)
}

func TestDelayFollowsObservedEnrollment(t *testing.T) {
	snap := testSnapshot(t, rules.Input{
		Courses: []rules.Course{c("C")},
		Delays:  []rules.DelayRule{{ID: "D", CourseID: "C", Threshold: 30}},
	})
	fp := newFakePortal().on("C",
		step{res: portal.Result{Outcome: portal.NotOpenYet, Enrolled: 28, EnrolledKnown: true}},
		step{res: portal.Result{Outcome: portal.CourseFull, Enrolled: 31, EnrolledKnown: true}},
	)
	l := newTestLoop(t, snap, Deps{Pool: testPool(t, 1, &fakeAuth{}), Portal: attemptOnly{fp}})

	// Last known count met the threshold.
	l.tracker.Observe(c("C"), 30)
	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, 1, fp.callsFor("C"))
	assert.Empty(t, eligibleIDs(l, snap), "28 < 30 excludes C")

	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, 1, fp.callsFor("C"))

	l.tracker.Observe(c("C"), 31)
	assert.Equal(t, []string{"C"}, eligibleIDs(l, snap))
	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, 2, fp.callsFor("C"))
	assert.Equal(t, []string{"C"}, eligibleIDs(l, snap), "31 keeps C eligible")
}

func TestDelayedCourseIsPassivelyObserved(t *testing.T) {
	snap := testSnapshot(t, rules.Input{
		Courses: []rules.Course{c("C")},
		Delays:  []rules.DelayRule{{ID: "D", CourseID: "C", Threshold: 30}},
	})
	fp := newFakePortal()
	fp.counts["C"] = []int{28, 31}
	l := newTestLoop(t, snap, Deps{Pool: testPool(t, 1, &fakeAuth{}), Portal: fp})

	require.NoError(t, l.RunCycle(context.Background()))
	assert.Zero(t, fp.callsFor("C"))
	ds := l.Status().Decisions
	require.Len(t, ds, 1)
	assert.Equal(t, rules.ReasonBelow, ds[0].Reason)
	assert.Equal(t, 28, ds[0].Enrolled)

	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, []string{"C"}, eligibleIDs(l, snap))

	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, 1, fp.callsFor("C"))
}

func TestChallengeSolvedThenElected(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A")}})
	fp := newFakePortal().on("A",
		step{res: portal.Result{Outcome: portal.ChallengeRequired, Challenge: []byte("img")}},
		step{res: portal.Result{Outcome: portal.Elected}},
	)
	solver := solverFunc(func(_ context.Context, img []byte) (string, error) {
		assert.Equal(t, []byte("img"), img)
		return "k3y9", nil
	})
	l := newTestLoop(t, snap, Deps{Pool: testPool(t, 1, &fakeAuth{}), Portal: attemptOnly{fp}, Solver: solver})

	require.NoError(t, l.RunCycle(context.Background()))
	assert.True(t, l.tracker.IsElected(c("A").Key()))
	assert.Equal(t, []string{"", "k3y9"}, fp.answers)
	assert.EqualValues(t, 1, l.counters.captchaSolved.Load())
}

func TestChallengeSolverFailureIsMissedAttempt(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A")}})
	fp := newFakePortal().on("A", step{res: portal.Result{Outcome: portal.ChallengeRequired, Challenge: []byte("img")}})
	solver := solverFunc(func(context.Context, []byte) (string, error) {
		return "", &captcha.RecognizerError{Kind: captcha.ErrBackendTimeout}
	})
	l := newTestLoop(t, snap, Deps{Pool: testPool(t, 1, &fakeAuth{}), Portal: attemptOnly{fp}, Solver: solver})

	require.NoError(t, l.RunCycle(context.Background()))
	assert.False(t, l.tracker.IsElected(c("A").Key()))
	assert.Equal(t, 1, fp.callsFor("A"), "no resubmission without an answer")
	assert.Equal(t, []string{"A"}, eligibleIDs(l, snap))
	assert.EqualValues(t, 1, l.counters.captchaFailed.Load())

	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, 2, fp.callsFor("A"))
}

func TestRepeatedChallengeIsNotResubmittedTwice(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A")}})
	fp := newFakePortal().on("A", step{res: portal.Result{Outcome: portal.ChallengeRequired, Challenge: []byte("img")}})
	solver := solverFunc(func(context.Context, []byte) (string, error) { return "x", nil })
	l := newTestLoop(t, snap, Deps{Pool: testPool(t, 1, &fakeAuth{}), Portal: attemptOnly{fp}, Solver: solver})

	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, 2, fp.callsFor("A"))
}

func TestAuthExpiredEndsCycleWhenNoSessionLeft(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A"), c("B")}})
	fp := newFakePortal().on("A", step{res: portal.Result{Outcome: portal.AuthExpired}})
	l := newTestLoop(t, snap, Deps{Pool: testPool(t, 1, &fakeAuth{failAfter: 1}), Portal: attemptOnly{fp}})

	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, 1, fp.callsFor("A"))
	assert.Zero(t, fp.callsFor("B"))
}

func TestAuthExpiredContinuesWithAnotherSession(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A"), c("B")}})
	fp := newFakePortal().on("A", step{res: portal.Result{Outcome: portal.AuthExpired}})
	pool := testPool(t, 2, &fakeAuth{})
	require.Eventually(t, func() bool { return pool.Available() == 2 }, 2*time.Second, time.Millisecond)

	l := newTestLoop(t, snap, Deps{Pool: pool, Portal: attemptOnly{fp}})
	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, 1, fp.callsFor("A"))
	assert.Equal(t, 1, fp.callsFor("B"))
}

func TestTransientErrorKeepsCourseEligible(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A")}})
	fp := newFakePortal().on("A", step{err: errors.New("connection reset")})
	l := newTestLoop(t, snap, Deps{Pool: testPool(t, 1, &fakeAuth{}), Portal: attemptOnly{fp}})

	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, []string{"A"}, eligibleIDs(l, snap))
	assert.EqualValues(t, 1, l.counters.View().Outcomes["transient_error"])
}

func TestFatalErrorStopsEngine(t *testing.T) {
	snap := testSnapshot(t, rules.Input{
		Courses:    []rules.Course{c("A"), c("B")},
		Partitions: [][]string{{"A"}, {"B"}},
	})
	fp := newFakePortal().on("A", step{err: portal.Fatal(errors.New("account locked"))})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()

	e := NewEngine(Deps{Pool: testPool(t, 2, &fakeAuth{}), Portal: attemptOnly{fp}, Bus: bus})
	require.NoError(t, e.Start(context.Background(), snap))
	require.ErrorIs(t, e.Start(context.Background(), snap), ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.Join(ctx)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "A", fe.Course.ID)
	assert.ErrorIs(t, err, portal.ErrFatal)

	st := e.Status()
	assert.False(t, st.Running)
	assert.Equal(t, "fatal", st.StopReason)
	assert.Len(t, st.Loops, 2)

	var stopped bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.TypeStopped {
			stopped = true
		}
	}
	assert.True(t, stopped)
}

func TestEngineStopAndSwap(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A")}})
	fp := newFakePortal()
	e := NewEngine(Deps{Pool: testPool(t, 1, &fakeAuth{}), Portal: attemptOnly{fp}})
	require.NoError(t, e.Start(context.Background(), snap))

	require.Eventually(t, func() bool { return fp.callsFor("A") > 0 }, 2*time.Second, time.Millisecond)

	next := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A"), c("B")}, Version: "v2"})
	assert.False(t, e.Swap(next))
	assert.Same(t, next, e.Current())
	require.Eventually(t, func() bool { return fp.callsFor("B") > 0 }, 2*time.Second, time.Millisecond)

	split := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A"), c("B")}, Partitions: [][]string{{"A"}}})
	assert.True(t, e.Swap(split), "partition change needs restart")

	e.Stop("operator")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Join(ctx))
	assert.Equal(t, "operator", e.Status().StopReason)
}

func TestPauseStaysWithinJitter(t *testing.T) {
	snap, err := rules.Build(rules.Input{
		Courses: []rules.Course{c("A")},
		Client:  rules.ClientParams{PollInterval: time.Second, Jitter: 200 * time.Millisecond},
	})
	require.NoError(t, err)
	l := newTestLoop(t, snap, Deps{})

	l.rand = func() float64 { return 0 }
	assert.Equal(t, 800*time.Millisecond, l.pause())
	l.rand = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(1200*time.Millisecond), float64(l.pause()), float64(time.Millisecond))

	wide, err := rules.Build(rules.Input{
		Courses: []rules.Course{c("A")},
		Client:  rules.ClientParams{PollInterval: 10 * time.Millisecond, Jitter: time.Second},
	})
	require.NoError(t, err)
	l = newTestLoop(t, wide, Deps{})
	l.rand = func() float64 { return 0 }
	assert.Zero(t, l.pause())
}

func TestRunReturnsOnCancel(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A")}})
	l := newTestLoop(t, snap, Deps{Pool: testPool(t, 1, &fakeAuth{}), Portal: attemptOnly{newFakePortal()}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, "stopped", l.Status().Phase)
}

func TestEngineFinishesWhenEveryCourseIsResolved(t *testing.T) {
	snap := testSnapshot(t, rules.Input{
		Courses: []rules.Course{c("A"), c("B")},
		Mutexes: []rules.MutexGroup{{ID: "m", CourseIDs: []string{"A", "B"}}},
	})
	fp := newFakePortal().on("A", step{res: portal.Result{Outcome: portal.Elected}})
	e := NewEngine(Deps{Pool: testPool(t, 1, &fakeAuth{}), Portal: attemptOnly{fp}})
	require.NoError(t, e.Start(context.Background(), snap))

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("engine still running after every course was resolved: %+v", e.Status())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Join(ctx))

	st := e.Status()
	assert.False(t, st.Running)
	assert.Equal(t, "finished", st.StopReason)
	require.Len(t, st.Loops, 1)
	assert.Equal(t, "stopped", st.Loops[0].Phase)
	assert.Equal(t, 1, fp.callsFor("A"))
	assert.Zero(t, fp.callsFor("B"))
}

func TestRunKeepsCyclingWhileACourseIsOpen(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A"), c("B")}})
	fp := newFakePortal().on("A", step{res: portal.Result{Outcome: portal.Elected}})
	l := newTestLoop(t, snap, Deps{Pool: testPool(t, 1, &fakeAuth{}), Portal: attemptOnly{fp}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return fp.callsFor("B") >= 3 }, 2*time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("loop returned while B was still open")
	default:
	}
	cancel()
	require.NoError(t, <-done)
}

func TestResubmissionTransportErrorDiscardsSession(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A")}})
	fp := newFakePortal().on("A",
		step{res: portal.Result{Outcome: portal.ChallengeRequired, Challenge: []byte("img")}},
		step{err: errors.New("connection reset")},
	)
	solver := solverFunc(func(context.Context, []byte) (string, error) { return "k3y9", nil })
	pool := testPool(t, 1, &fakeAuth{})
	l := newTestLoop(t, snap, Deps{Pool: pool, Portal: attemptOnly{fp}, Solver: solver})

	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, 2, fp.callsFor("A"))
	assert.EqualValues(t, 1, pool.Stats().Discarded)
	assert.Equal(t, []string{"A"}, eligibleIDs(l, snap))

	// The pool logs in a replacement and the next cycle goes on.
	require.NoError(t, l.RunCycle(context.Background()))
	assert.Equal(t, 3, fp.callsFor("A"))
}

func TestSolverFailureKeepsSession(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A")}})
	fp := newFakePortal().on("A", step{res: portal.Result{Outcome: portal.ChallengeRequired, Challenge: []byte("img")}})
	solver := solverFunc(func(context.Context, []byte) (string, error) { return "", errors.New("ocr down") })
	pool := testPool(t, 1, &fakeAuth{})
	l := newTestLoop(t, snap, Deps{Pool: pool, Portal: attemptOnly{fp}, Solver: solver})

	require.NoError(t, l.RunCycle(context.Background()))
	assert.Zero(t, pool.Stats().Discarded)
	assert.Equal(t, 1, pool.Available())
}

func TestFatalOutcomeDiscardsSession(t *testing.T) {
	snap := testSnapshot(t, rules.Input{Courses: []rules.Course{c("A")}})
	fp := newFakePortal().on("A", step{err: portal.Fatal(errors.New("account locked"))})
	pool := testPool(t, 1, &fakeAuth{})
	l := newTestLoop(t, snap, Deps{Pool: pool, Portal: attemptOnly{fp}})

	var fe *FatalError
	require.ErrorAs(t, l.RunCycle(context.Background()), &fe)
	assert.EqualValues(t, 1, pool.Stats().Discarded)
}
