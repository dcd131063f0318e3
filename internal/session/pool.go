// Package session keeps a bounded set of authenticated portal sessions alive. A single
// refresh worker logs in whenever the pool is below target; the registration loop borrows
// sessions one attempt at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"autoelect/internal/eventbus"
	"autoelect/internal/portal"
	rtsup "autoelect/internal/runtime/supervisor"
	logx "autoelect/pkg/logx"
)

var (
	ErrAcquireTimeout = errors.New("session acquire timeout")
	ErrClosed         = errors.New("session pool closed")
	ErrNotBorrowed    = errors.New("session not borrowed from this pool")
)

// AuthError wraps a failed login. It is recoverable; the pool backs off and retries.
type AuthError struct {
	Attempt int
	Err     error
}

func (e *AuthError) Error() string { return fmt.Sprintf("login attempt %d: %v", e.Attempt, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

type Pool struct {
	auth portal.Authenticator
	log  logx.Logger
	bus  eventbus.Bus

	mu       sync.Mutex
	cfg      Config
	idle     []*Session
	borrowed map[*Session]struct{}
	// avail is closed and replaced whenever a session becomes idle.
	avail   chan struct{}
	closed  bool
	limiter *rate.Limiter
	stats   Stats

	kick chan struct{}
	sup  *rtsup.Supervisor

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

type Option func(*Pool)

func WithLogger(log logx.Logger) Option { return func(p *Pool) { p.log = log } }

// WithBus publishes LoginFailed and session-ready events.
func WithBus(bus eventbus.Bus) Option { return func(p *Pool) { p.bus = bus } }

func NewPool(cfg Config, auth portal.Authenticator, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		auth:     auth,
		cfg:      cfg,
		borrowed: map[*Session]struct{}{},
		avail:    make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Every(cfg.LoginInterval), 1),
		kick:     make(chan struct{}, 1),
		now:      time.Now,
		sleep:    sleepCtx,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max + 1)
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "session"))
	return p
}

// Start launches the refresh worker. It is a no-op if already running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.sup != nil || p.closed {
		p.mu.Unlock()
		return
	}
	p.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	sup.GoRestart("session.refresh", p.refreshLoop, rtsup.WithPublishFirstError(true))
	p.Kick()
}

// Stop closes the pool: waiting Acquire calls fail with ErrClosed and the refresh worker exits.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.avail)
	sup := p.sup
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Apply swaps pool sizing and pacing. When the size shrinks, the refresh worker retires the
// oldest idle sessions beyond it; borrowed sessions are retired as they come back.
func (p *Pool) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	p.cfg = cfg
	p.limiter.SetLimit(rate.Every(cfg.LoginInterval))
	p.mu.Unlock()
	p.Kick()
}

// Kick asks the refresh worker to top up the pool. Kicks coalesce.
func (p *Pool) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Acquire borrows an idle session, waiting up to timeout for one to appear.
// The session is exclusively the caller's until Release or Discard.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if s := p.popLocked(); s != nil {
			p.borrowed[s] = struct{}{}
			s.state = Active
			p.mu.Unlock()
			return s, nil
		}
		wait := p.avail
		p.mu.Unlock()

		p.Kick()
		select {
		case <-wait:
		case <-timer.C:
			return nil, ErrAcquireTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// popLocked returns the oldest idle session that is still within max-life.
func (p *Pool) popLocked() *Session {
	for len(p.idle) > 0 {
		s := p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
		if p.exhaustedLocked(s) {
			p.expireLocked(s)
			continue
		}
		return s
	}
	return nil
}

// Release returns a borrowed session. AuthExpired retires it; otherwise it goes back to the
// pool unless it has used up its max-life.
func (p *Pool) Release(s *Session, outcome portal.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.borrowed[s]; !ok {
		return ErrNotBorrowed
	}
	delete(p.borrowed, s)

	if outcome == portal.AuthExpired {
		p.expireLocked(s)
		p.log.Debug("session expired by portal", logx.String("session", s.id), logx.Int("uses", s.uses))
		return nil
	}
	s.uses++
	if p.closed || p.exhaustedLocked(s) || len(p.idle)+len(p.borrowed) >= p.cfg.Size {
		p.expireLocked(s)
		return nil
	}
	p.pushLocked(s)
	return nil
}

// Discard drops a borrowed session the caller no longer trusts.
func (p *Pool) Discard(s *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.borrowed[s]; !ok {
		return ErrNotBorrowed
	}
	delete(p.borrowed, s)
	s.state = Discarded
	p.stats.Discarded++
	p.Kick()
	return nil
}

// Available is the number of idle sessions ready to be borrowed.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.idle {
		if !p.exhaustedLocked(s) {
			n++
		}
	}
	return n
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Target = p.cfg.Size
	st.Idle = len(p.idle)
	st.Borrowed = len(p.borrowed)
	return st
}

func (p *Pool) exhaustedLocked(s *Session) bool {
	if p.cfg.MaxUses > 0 && s.uses >= p.cfg.MaxUses {
		return true
	}
	if p.cfg.MaxAge > 0 && p.now().Sub(s.created) >= p.cfg.MaxAge {
		return true
	}
	return false
}

func (p *Pool) expireLocked(s *Session) {
	s.state = Expired
	p.stats.Expired++
	p.Kick()
}

func (p *Pool) pushLocked(s *Session) {
	p.idle = append(p.idle, s)
	close(p.avail)
	p.avail = make(chan struct{})
}

func (p *Pool) deficit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return p.cfg.Size - len(p.idle) - len(p.borrowed)
}

// reap retires idle sessions past max-life so the worker can replace them ahead of demand,
// then trims the oldest idle sessions the target no longer has room for.
func (p *Pool) reap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.idle[:0]
	for _, s := range p.idle {
		if p.exhaustedLocked(s) {
			p.expireLocked(s)
			continue
		}
		kept = append(kept, s)
	}
	clear(p.idle[len(kept):])
	p.idle = kept

	surplus := len(p.idle) - max(p.cfg.Size-len(p.borrowed), 0)
	if surplus <= 0 {
		return
	}
	slices.SortStableFunc(p.idle, func(a, b *Session) int { return a.created.Compare(b.created) })
	for _, s := range p.idle[:surplus] {
		s.state = Expired
		p.stats.Expired++
	}
	clear(p.idle[:surplus])
	p.idle = p.idle[surplus:]
	p.log.Debug("pool shrunk", logx.Int("retired", surplus), logx.Int("target", p.cfg.Size))
}

func (p *Pool) reapEvery() time.Duration {
	p.mu.Lock()
	age := p.cfg.MaxAge
	p.mu.Unlock()
	if age > 0 && age/4 < 5*time.Second {
		return max(age/4, 100*time.Millisecond)
	}
	return 5 * time.Second
}

func (p *Pool) refreshLoop(ctx context.Context) error {
	streak := 0
	t := time.NewTimer(p.reapEvery())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.kick:
		case <-t.C:
			t.Reset(p.reapEvery())
		}
		p.reap()

		// One login at a time, until the pool is full again.
		for p.deficit() > 0 {
			if err := p.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			s, err := p.login(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				streak++
				wait := p.backoff(streak)
				p.loginFailed(streak, wait, err)
				if err := p.sleep(ctx, wait); err != nil {
					return err
				}
				continue
			}
			streak = 0
			p.mu.Lock()
			p.stats.FailureStreak = 0
			if p.closed {
				p.mu.Unlock()
				return nil
			}
			p.pushLocked(s)
			p.mu.Unlock()
			if p.bus != nil {
				p.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionReady, Data: map[string]string{"session": s.id}})
			}
		}
	}
}

func (p *Pool) login(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	cred := p.cfg.Credentials
	timeout := p.cfg.LoginTimeout
	p.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	id, err := p.auth.Authenticate(lctx, cred)
	if err != nil {
		return nil, err
	}
	s := &Session{id: uuid.NewString(), identity: id, created: p.now(), state: Fresh}

	p.mu.Lock()
	p.stats.Logins++
	p.stats.LastLogin = s.created
	p.mu.Unlock()
	p.log.Debug("login ok", logx.String("session", s.id))
	return s, nil
}

func (p *Pool) loginFailed(streak int, wait time.Duration, err error) {
	aerr := &AuthError{Attempt: streak, Err: err}
	now := p.now()
	p.mu.Lock()
	p.stats.LoginFailures++
	p.stats.FailureStreak = streak
	p.stats.LastError = aerr.Error()
	p.mu.Unlock()

	p.log.Warn("login failed", logx.Int("attempt", streak), logx.Duration("backoff", wait), logx.Err(err))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeLoginFailed, Time: now, Data: LoginFailed{
			Attempt: streak,
			Backoff: wait,
			Err:     err.Error(),
			At:      now,
		}})
	}
}

// backoff returns base*2^(n-1) plus up to 50% jitter, capped at max. Below the cap the
// sequence is strictly increasing whatever the jitter.
func (p *Pool) backoff(n int) time.Duration {
	p.mu.Lock()
	base, ceil := p.cfg.BackoffBase, p.cfg.BackoffMax
	p.mu.Unlock()

	d := base
	for i := 1; i < n && d < ceil; i++ {
		d *= 2
	}
	if d >= ceil {
		return ceil
	}
	d += p.jitter(d / 2)
	return min(d, ceil)
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
