package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoelect/internal/config"
	"autoelect/internal/elective"
	"autoelect/internal/portal"
	"autoelect/internal/storage"
	kit "autoelect/internal/transport"
	logx "autoelect/pkg/logx"
)

const baseYAML = `
user:
  student_id: "1800012345"
  password: "pw"
client:
  poll_interval: 20ms
  login_interval: 5ms
  pool_size: 1
portal:
  base_url: "http://portal.invalid"
telegram:
  chat_id: 42
logging:
  level: error
storage:
  driver: file
  path: "%STORE%"
courses:
  - { id: a, name: "Linear Algebra", class: "1", school: "Math" }
  - { id: b, name: "Tennis", class: "3", school: "PE" }
`

// fakePortal logs everyone in and answers attempts per course id; unknown ids are full.
type fakePortal struct {
	mu      sync.Mutex
	results map[string]portal.Outcome
	errs    map[string]error
}

func (f *fakePortal) Authenticate(context.Context, portal.Credentials) (portal.Identity, error) {
	return portal.Identity{Token: "t"}, nil
}

func (f *fakePortal) Attempt(_ context.Context, _ portal.Identity, a portal.Attempt) (portal.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[a.Course.ID]; err != nil {
		return portal.Result{}, err
	}
	o, ok := f.results[a.Course.ID]
	if !ok {
		o = portal.CourseFull
	}
	return portal.Result{Outcome: o, Enrolled: 10, EnrolledKnown: true}, nil
}

type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) contains(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.texts {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	body = strings.ReplaceAll(body, "%STORE%", filepath.Join(dir, "history.db"))
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func stop(t *testing.T, a *App, reason StopReason) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, reason))
}

func TestAppElectsNotifiesAndRecords(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML)
	fp := &fakePortal{results: map[string]portal.Outcome{"a": portal.Elected, "b": portal.Elected}}
	snd := &recordingSender{}

	a, err := NewApp(path, WithPortal(fp), WithSender(snd))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool {
		return a.Status().Engine.Counters.Outcomes["elected"] == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return snd.contains("Elected Linear Algebra") && snd.contains("Elected Tennis")
	}, 5*time.Second, 10*time.Millisecond)

	// Nothing is left to attempt, so the app winds down on its own.
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("app kept running after every course was elected")
	}
	assert.NoError(t, a.Err())

	st := a.Status()
	assert.False(t, st.Engine.Running)
	assert.Equal(t, string(StopFinished), st.Engine.StopReason)
	assert.Equal(t, a.Snapshot().Version(), st.Config)
	assert.Contains(t, a.digestText(), "elected: Linear Algebra, Tennis")
	assert.NoError(t, a.health())

	stop(t, a, StopFinished)
	assert.NoError(t, a.Err())

	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "history.db")}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	recent, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(recent), 2)
	for _, e := range recent[:2] {
		assert.Equal(t, "elected", e.Outcome)
		require.NotNil(t, e.Enrolled)
		assert.Equal(t, 10, *e.Enrolled)
	}
}

func TestAppEndsOnFatalPortalError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML)
	fp := &fakePortal{errs: map[string]error{"a": portal.Fatal(errors.New("account locked"))}}

	a, err := NewApp(path, WithPortal(fp))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop on fatal error")
	}
	var fe *elective.FatalError
	require.ErrorAs(t, a.Err(), &fe)
	assert.Equal(t, "a", fe.Course.ID)
	assert.ErrorContains(t, a.health(), "account locked")

	stop(t, a, StopFatalError)
}

func TestAppHotReloadSwapsRulesAndRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML)
	a, err := NewApp(path, WithPortal(&fakePortal{}))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a, StopAppStop)

	first := a.Snapshot().Version()

	bad := baseYAML + "mutexes:\n  - { id: m, courses: [a, ghost] }\n"
	writeConfig(t, dir, bad)
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, first, a.Snapshot().Version())

	good := baseYAML + "  - { id: c, name: \"Go\", class: \"1\", school: \"CS\" }\n"
	path = writeConfig(t, dir, good)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want, err := config.ParseBytes(path, data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.Snapshot().Version() == config.Version(want)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, a.Snapshot().Courses(), 3)
}

func TestValidateRejectsBadNotifierSettings(t *testing.T) {
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir, baseYAML), WithPortal(&fakePortal{}))
	require.NoError(t, err)

	cfg := a.cfgm.Get()
	require.NoError(t, a.validate(context.Background(), cfg))

	badSpec := *cfg
	badSpec.Notifier = &config.NotifierConfig{Enabled: true, Digest: "every tuesday"}
	assert.ErrorContains(t, a.validate(context.Background(), &badSpec), "notifier.digest")

	badTZ := *cfg
	badTZ.Notifier = &config.NotifierConfig{Enabled: true, Digest: "@daily", Timezone: "Mars/Olympus"}
	assert.ErrorContains(t, a.validate(context.Background(), &badTZ), "notifier.timezone")

	badWorkers := *cfg
	badWorkers.Notifier = &config.NotifierConfig{Enabled: true, Workers: -1}
	assert.ErrorContains(t, a.validate(context.Background(), &badWorkers), "notifier.workers")
}

func TestMapMonitorConfig(t *testing.T) {
	cfg := &config.Config{}
	mc, err := mapMonitorConfig(cfg, false)
	require.NoError(t, err)
	assert.False(t, mc.Enabled)
	assert.Equal(t, "127.0.0.1:7070", mc.Addr)

	mc, err = mapMonitorConfig(cfg, true)
	require.NoError(t, err)
	assert.True(t, mc.Enabled)

	cfg.Monitor.ReadTimeout = "soon"
	_, err = mapMonitorConfig(cfg, false)
	assert.ErrorContains(t, err, "monitor.read_timeout")
}

func TestNewestConfigCoalescesBurst(t *testing.T) {
	first, second, third := &config.Config{}, &config.Config{}, &config.Config{}
	sub := make(chan *config.Config, 4)
	assert.Same(t, first, newest(sub, first))

	sub <- second
	sub <- nil
	sub <- third
	assert.Same(t, third, newest(sub, first))
	assert.Empty(t, sub)

	sub <- second
	close(sub)
	assert.Same(t, second, newest(sub, first))
}

func TestShutdownStepIsBounded(t *testing.T) {
	sd := shutdown{ctx: context.Background(), log: logx.Nop()}

	require.NoError(t, sd.run("quick", time.Second, func(context.Context) error { return nil }))
	assert.EqualError(t, sd.run("failing", time.Second, func(context.Context) error { return errors.New("boom") }), "boom")
	assert.ErrorContains(t, sd.run("panicking", time.Second, func(context.Context) error { panic("oops") }), "panic in stop step panicking")

	release := make(chan struct{})
	defer close(release)
	start := time.Now()
	err := sd.run("stuck", 20*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestShutdownStepKeepsCallerDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	sd := shutdown{ctx: ctx, log: logx.Nop()}

	got := make(chan time.Duration, 1)
	err := sd.run("engine", time.Minute, func(c context.Context) error {
		dl, _ := c.Deadline()
		got <- time.Until(dl)
		<-c.Done()
		return c.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	limit := <-got
	assert.LessOrEqual(t, limit, 30*time.Millisecond)
}
