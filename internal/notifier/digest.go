package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	kit "autoelect/internal/transport"
	logx "autoelect/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Digest periodically sends a status summary produced by render.
type Digest struct {
	mu     sync.Mutex
	parser cron.Parser
	c      *cron.Cron
	id     cron.EntryID

	n      Notifier
	target kit.ChatTarget
	render func() string
	log    logx.Logger
}

func NewDigest(n Notifier, target kit.ChatTarget, render func() string, log logx.Logger) *Digest {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Digest{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		n:      n,
		target: target,
		render: render,
		log:    log.With(logx.String("comp", "notifier.digest")),
	}
}

// ParseSchedule validates a digest spec without starting anything.
func ParseSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(spec); err != nil {
		return fmt.Errorf("notifier.digest: %w", err)
	}
	return nil
}

// Apply (re)schedules the digest. An empty spec disables it.
func (d *Digest) Apply(ctx context.Context, spec, timezone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()

	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("notifier.timezone: %w", err)
		}
		loc = l
	}
	c := cron.New(cron.WithParser(d.parser), cron.WithLocation(loc))
	id, err := c.AddFunc(spec, func() { d.fire(ctx) })
	if err != nil {
		return fmt.Errorf("notifier.digest: %w", err)
	}
	d.c, d.id = c, id
	c.Start()
	d.log.Info("digest scheduled", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

// Next reports the next scheduled run, if any.
func (d *Digest) Next() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c == nil {
		return time.Time{}, false
	}
	return d.c.Entry(d.id).Next, true
}

func (d *Digest) Stop() {
	d.mu.Lock()
	d.stopLocked()
	d.mu.Unlock()
}

func (d *Digest) stopLocked() {
	if d.c == nil {
		return
	}
	<-d.c.Stop().Done()
	d.c = nil
}

func (d *Digest) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	text := d.render()
	if strings.TrimSpace(text) == "" {
		return
	}
	err := d.n.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: 3,
		Target:   d.target,
		Text:     text,
		Options:  &kit.SendOptions{DisablePreview: true},
	})
	if err != nil {
		d.log.Debug("digest not queued", logx.Err(err))
	}
}
