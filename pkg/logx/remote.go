package logx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	kit "autoelect/internal/transport"
)

const (
	remoteMaxText  = 3500
	remoteMaxValue = 600
)

type remoteMsg struct {
	to   kit.ChatTarget
	text string
}

// remoteSink is a zerolog.LevelWriter that forwards records to a chat. It never blocks
// the caller: records over the rate limit or with a full queue are dropped.
type remoteSink struct {
	sender kit.Sender
	queue  chan remoteMsg

	mu       sync.Mutex
	target   kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

func newRemoteSink(sender kit.Sender) *remoteSink {
	return &remoteSink{
		sender:   sender,
		queue:    make(chan remoteMsg, 256),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (r *remoteSink) setTarget(to kit.ChatTarget) {
	r.mu.Lock()
	r.target = to
	r.mu.Unlock()
}

func (r *remoteSink) configure(cfg RemoteConfig) {
	rps := max(1, cfg.RatePerSec)
	r.mu.Lock()
	r.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	r.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	r.mu.Unlock()
}

func (r *remoteSink) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
}

func (r *remoteSink) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *remoteSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.queue:
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = r.sender.SendText(sctx, m.to, m.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (r *remoteSink) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.InfoLevel, p)
}

func (r *remoteSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	to, minLevel, lim := r.target, r.minLevel, r.limiter
	r.mu.Unlock()

	if to.ChatID == 0 || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	select {
	case r.queue <- remoteMsg{to: to, text: renderRecord(p)}:
	default:
	}
	return len(p), nil
}

// renderRecord turns a JSON log line into "[LEVEL] message" followed by one
// "- key=value" line per remaining field, in record order.
func renderRecord(p []byte) string {
	rec := gjson.ParseBytes(p)
	if !rec.IsObject() {
		return clip(strings.TrimSpace(string(p)), remoteMaxText)
	}
	var b strings.Builder
	if lvl := rec.Get(zerolog.LevelFieldName).String(); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(rec.Get(zerolog.MessageFieldName).String())
	rec.ForEach(func(k, v gjson.Result) bool {
		switch k.String() {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			return true
		}
		b.WriteString("\n- " + k.String() + "=" + clip(v.String(), remoteMaxValue))
		return true
	})
	return clip(b.String(), remoteMaxText)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
