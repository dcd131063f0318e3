package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autoelect/internal/eventbus"
	rtsup "autoelect/internal/runtime/supervisor"
	"autoelect/internal/storage"
	kit "autoelect/internal/transport"
	logx "autoelect/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyCap = 300

type job struct {
	n   kit.Notification
	key string
}

// Service delivers notifications off the caller's goroutine: a bounded queue, a few
// workers sharing one token bucket, retries with jittered backoff and a dedup window.
//
// It is safe for concurrent use. Delivery failures are logged and published; they never
// reach the registration loops.
type Service struct {
	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	seen   *suppressor

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	queue   chan job // nil while stopped
	open    bool     // Notify accepts work
	sup     *rtsup.Supervisor
	closing chan struct{} // non-nil while Stop drains

	enqueues sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the notifier. sender and store may be nil; without a sender every
// notification is accepted and silently discarded.
func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "notifier"))
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		seen:   newSuppressor(store, log),
	}
	s.setConfig(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps limits, retry and dedup settings. Workers and queue size apply on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.setConfig(cfg)
	s.mu.Unlock()
}

func (s *Service) setConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Burst equals the per-second rate so a short spike (several elections at once) passes.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.seen.configure(cfg.DedupWindow, cfg.DedupMaxEntries, cfg.PersistDedup)
}

// Start launches the workers. It is idempotent and waits for a pending Stop to finish.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.closing != nil {
		closing := s.closing
		s.mu.Unlock()
		select {
		case <-closing:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}

	q := make(chan job, s.cfg.QueueSize)
	s.queue = q
	s.open = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.seen.start(s.sup)
	for i := range s.cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			return s.drain(c, q)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop refuses new work and lets the workers drain the queue until ctx ends; whatever is
// still queued after that is dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	if s.closing != nil {
		closing := s.closing
		s.mu.Unlock()
		select {
		case <-closing:
		case <-ctx.Done():
		}
		return
	}
	closing := make(chan struct{})
	s.closing = closing
	s.open = false
	q, sup := s.queue, s.sup
	s.mu.Unlock()

	go func() {
		defer close(closing)
		// Notify calls that passed the open check finish their send before the close.
		s.enqueues.Wait()
		close(q)
		s.seen.stop()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.closing = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-closing:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues n without blocking. A duplicate inside the dedup window is accepted and
// dropped silently.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case !s.open:
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqueues.Add(1)
	s.mu.Unlock()
	defer s.enqueues.Done()

	key := dedupKey(n)
	if key != "" && !s.seen.allow(ctx, key) {
		s.emit(TypeDeduped, n, key, nil)
		return nil
	}
	select {
	case q <- job{n: n, key: key}:
		s.emit(TypeQueued, n, key, nil)
		return nil
	default:
		s.emit(TypeDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns the recently delivered notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(n kit.Notification, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Priority: n.Priority, Text: text})
	if over := len(s.history) - historyCap; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) emit(typ string, n kit.Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{
		Channel:  n.Channel,
		ChatID:   n.Target.ChatID,
		ThreadID: n.Target.ThreadID,
		Priority: n.Priority,
		Key:      key,
		At:       time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
