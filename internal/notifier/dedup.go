package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	rtsup "autoelect/internal/runtime/supervisor"
	"autoelect/internal/storage"
	kit "autoelect/internal/transport"
	logx "autoelect/pkg/logx"
)

// dedupKey identifies a message by channel, target, priority and text. Notifications
// without a channel are never suppressed.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d:%d|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Text)
	return fmt.Sprintf("%016x", h.Sum64())
}

type mark struct {
	key   string
	until time.Time
}

// suppressor remembers recently sent keys. With persistence on, marks are also written
// to the store so a restart does not repeat the last election messages.
type suppressor struct {
	store storage.Store
	log   logx.Logger

	mu      sync.Mutex
	window  time.Duration
	limit   int
	persist bool
	until   map[string]time.Time
	writes  chan mark
}

func newSuppressor(store storage.Store, log logx.Logger) *suppressor {
	return &suppressor{store: store, log: log, until: map[string]time.Time{}}
}

func (d *suppressor) configure(window time.Duration, limit int, persist bool) {
	d.mu.Lock()
	d.window, d.limit = window, limit
	d.persist = persist && d.store != nil
	d.mu.Unlock()
}

// start launches the store writer when persistence is on.
func (d *suppressor) start(sup *rtsup.Supervisor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.persist || d.writes != nil {
		return
	}
	ch := make(chan mark, 256)
	d.writes = ch
	sup.GoRestart("notifier.dedup", func(ctx context.Context) error {
		return d.flush(ctx, ch)
	})
}

func (d *suppressor) stop() {
	d.mu.Lock()
	if d.writes != nil {
		close(d.writes)
		d.writes = nil
	}
	d.mu.Unlock()
}

func (d *suppressor) flush(ctx context.Context, ch <-chan mark) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := d.store.PutDedup(wctx, m.key, m.until); err != nil {
				d.log.Debug("dedup persist failed", logx.String("key", m.key), logx.Any("err", err))
			}
			cancel()
		}
	}
}

// allow reports whether key may be sent now and, if so, starts its window.
func (d *suppressor) allow(ctx context.Context, key string) bool {
	now := time.Now()
	d.mu.Lock()
	window, persist := d.window, d.persist
	if window <= 0 {
		d.mu.Unlock()
		return true
	}
	if t, ok := d.until[key]; ok && now.Before(t) {
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()

	if persist {
		if ctx == nil {
			ctx = context.Background()
		}
		lctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		t, ok, err := d.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(t) {
			d.mu.Lock()
			d.until[key] = t
			d.mu.Unlock()
			return false
		}
	}

	m := mark{key: key, until: now.Add(window)}
	d.mu.Lock()
	d.until[key] = m.until
	d.evict(now)
	if d.writes != nil {
		select {
		case d.writes <- m:
		default:
		}
	}
	d.mu.Unlock()
	return true
}

// evict drops expired marks, then the earliest-expiring ones while over the limit.
func (d *suppressor) evict(now time.Time) {
	for k, t := range d.until {
		if !now.Before(t) {
			delete(d.until, k)
		}
	}
	for d.limit > 0 && len(d.until) > d.limit {
		var oldest string
		var at time.Time
		for k, t := range d.until {
			if oldest == "" || t.Before(at) {
				oldest, at = k, t
			}
		}
		delete(d.until, oldest)
	}
}
