package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "autoelect/pkg/logx"
)

// healthyRun is how long a run must last for the backoff to start over.
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	base, ceiling   time.Duration
	limit           int // restarts allowed; 0 is unlimited
	stopOnCleanExit bool
	publish         bool
}

// WithRestartBackoff sets the first and the largest wait between runs.
func WithRestartBackoff(base, ceiling time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if base > 0 {
			p.base = base
		}
		if ceiling > 0 {
			p.ceiling = ceiling
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// WithPublishFirstError records the first failure in Err even though the loop is restarted.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (the default) or
// counts as a failure and restarts it.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// GoRestart keeps fn running until the supervisor is cancelled. Failures and panics are
// retried after an exponential, jittered backoff. Returning context.Canceled is a clean stop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	p := restartPolicy{base: 250 * time.Millisecond, ceiling: 30 * time.Second, stopOnCleanExit: true}
	for _, o := range opts {
		o(&p)
	}
	p.ceiling = max(p.ceiling, p.base)

	s.Go0(name, func(ctx context.Context) {
		wait := p.base
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.call(name, fn)
			switch {
			case ctx.Err() != nil, errors.Is(err, context.Canceled):
				return
			case err == nil && p.stopOnCleanExit:
				return
			case err == nil:
				err = errors.New("exited")
			}

			err = fmt.Errorf("%s: %w", name, err)
			if p.publish {
				s.record(err)
			}
			if p.limit > 0 && restarts >= p.limit {
				s.log.Error("giving up on goroutine", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			if time.Since(began) >= healthyRun {
				wait = p.base
			}
			d := wait + rand.N(wait/5+1)
			s.log.Warn("restarting goroutine", logx.String("name", name), logx.Duration("after", d), logx.Err(err))

			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			wait = min(wait*2, p.ceiling)
		}
	})
}
