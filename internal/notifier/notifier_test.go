package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoelect/internal/elective"
	"autoelect/internal/eventbus"
	"autoelect/internal/rules"
	"autoelect/internal/session"
	kit "autoelect/internal/transport"
	logx "autoelect/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (r *recorder) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("telegram: 502")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func TestServiceDeliversRetriesAndDedups(t *testing.T) {
	rec := &recorder{fails: 1}
	bus := eventbus.New()
	s := New(testConfig(), rec, logx.Nop(), bus, nil)
	ctx := context.Background()
	s.Start(ctx)

	n := kit.Notification{Channel: "telegram", Priority: 9, Target: kit.ChatTarget{ChatID: 42}, Text: "Elected Tennis"}
	require.NoError(t, s.Notify(ctx, n))
	require.NoError(t, s.Notify(ctx, n)) // suppressed

	require.Eventually(t, func() bool { return len(rec.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)

	sent := rec.sent()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasSuffix(sent[0], "Elected Tennis"))
	assert.Len(t, s.History(), 1)
	assert.ErrorIs(t, s.Notify(ctx, n), ErrStopped)
}

func TestServiceDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &recorder{}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), kit.Notification{Text: "x"}), ErrDisabled)
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestObserverRender(t *testing.T) {
	o := NewObserver(nil, kit.ChatTarget{ChatID: 7}, logx.Nop())
	c := rules.Course{ID: "t", Name: "Tennis", ClassNo: "3", School: "PE"}

	n, ok := o.Render(eventbus.Event{Type: eventbus.TypeElected, Data: elective.ElectedEvent{Partition: "default", Course: c}})
	require.True(t, ok)
	assert.Equal(t, 9, n.Priority)
	assert.Equal(t, int64(7), n.Target.ChatID)
	assert.Contains(t, n.Text, "Tennis (PE, class 3)")

	_, ok = o.Render(eventbus.Event{Type: eventbus.TypeLoginFailed, Data: session.LoginFailed{Attempt: 1, Err: "bad password"}})
	assert.True(t, ok)
	_, ok = o.Render(eventbus.Event{Type: eventbus.TypeLoginFailed, Data: session.LoginFailed{Attempt: 3}})
	assert.False(t, ok)
	_, ok = o.Render(eventbus.Event{Type: eventbus.TypeLoginFailed, Data: session.LoginFailed{Attempt: 10}})
	assert.True(t, ok)

	n, ok = o.Render(eventbus.Event{Type: eventbus.TypeStopped, Data: elective.StopEvent{Reason: "fatal", Err: "account locked"}})
	require.True(t, ok)
	assert.Equal(t, 9, n.Priority)
	assert.Contains(t, n.Text, "account locked")

	_, ok = o.Render(eventbus.Event{Type: eventbus.TypeAttempt})
	assert.False(t, ok)
}

type notifyFunc func(ctx context.Context, n kit.Notification) error

func (f notifyFunc) Notify(ctx context.Context, n kit.Notification) error { return f(ctx, n) }

func TestObserverRunForwardsEvents(t *testing.T) {
	got := make(chan kit.Notification, 4)
	o := NewObserver(notifyFunc(func(_ context.Context, n kit.Notification) error {
		got <- n
		return nil
	}), kit.ChatTarget{ChatID: 1}, logx.Nop())

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeStopped, Data: elective.StopEvent{Reason: "finished"}})
		select {
		case n := <-got:
			return strings.Contains(n.Text, "finished")
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDigestSchedule(t *testing.T) {
	require.NoError(t, ParseSchedule(""))
	require.NoError(t, ParseSchedule("*/5 * * * *"))
	require.NoError(t, ParseSchedule("@hourly"))
	require.Error(t, ParseSchedule("every five minutes"))

	d := NewDigest(notifyFunc(func(context.Context, kit.Notification) error { return nil }), kit.ChatTarget{}, func() string { return "ok" }, logx.Nop())
	require.Error(t, d.Apply(context.Background(), "@hourly", "Mars/Olympus"))

	require.NoError(t, d.Apply(context.Background(), "@hourly", "UTC"))
	next, ok := d.Next()
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))

	require.NoError(t, d.Apply(context.Background(), "", ""))
	_, ok = d.Next()
	assert.False(t, ok)
	d.Stop()
}
