package notifier

import (
	"context"
	"errors"
	"fmt"

	"autoelect/internal/elective"
	"autoelect/internal/eventbus"
	"autoelect/internal/session"
	kit "autoelect/internal/transport"
	logx "autoelect/pkg/logx"
)

// Notifier is the intake side of Service.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Observer converts scheduler events into notifications for one chat.
type Observer struct {
	n      Notifier
	target kit.ChatTarget
	log    logx.Logger

	// LoginAlertEvery reports every Nth consecutive login failure after the first.
	LoginAlertEvery int
}

func NewObserver(n Notifier, target kit.ChatTarget, log logx.Logger) *Observer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Observer{n: n, target: target, log: log.With(logx.String("comp", "notifier.observer")), LoginAlertEvery: 5}
}

// Run consumes bus events until ctx ends or the subscription closes.
func (o *Observer) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			n, ok := o.Render(ev)
			if !ok {
				continue
			}
			if err := o.n.Notify(ctx, n); err != nil && !errors.Is(err, ErrDisabled) {
				o.log.Debug("notification not queued", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

// Render maps an event to a notification. ok is false for events that are not
// worth a message.
func (o *Observer) Render(ev eventbus.Event) (kit.Notification, bool) {
	var (
		text string
		prio int
	)
	switch ev.Type {
	case eventbus.TypeElected:
		e, ok := ev.Data.(elective.ElectedEvent)
		if !ok {
			return kit.Notification{}, false
		}
		prio = 9
		text = fmt.Sprintf("Elected %s [%s]", e.Course, e.Partition)
	case eventbus.TypeLoginFailed:
		e, ok := ev.Data.(session.LoginFailed)
		if !ok {
			return kit.Notification{}, false
		}
		every := max(1, o.LoginAlertEvery)
		if e.Attempt != 1 && e.Attempt%every != 0 {
			return kit.Notification{}, false
		}
		prio = 7
		text = fmt.Sprintf("Login failed %d time(s) in a row, retrying in %s: %s", e.Attempt, e.Backoff, e.Err)
	case eventbus.TypeStopped:
		e, ok := ev.Data.(elective.StopEvent)
		if !ok {
			return kit.Notification{}, false
		}
		prio = 5
		text = "Registration stopped: " + e.Reason
		if e.Err != "" {
			prio = 9
			text += " (" + e.Err + ")"
		}
	case eventbus.TypeConfigWarning:
		s, ok := ev.Data.(string)
		if !ok {
			s = fmt.Sprint(ev.Data)
		}
		prio = 5
		text = "Config: " + s
	default:
		return kit.Notification{}, false
	}
	return kit.Notification{
		Channel:  "telegram",
		Priority: prio,
		Target:   o.target,
		Text:     text,
		Options:  &kit.SendOptions{DisablePreview: true},
	}, true
}
