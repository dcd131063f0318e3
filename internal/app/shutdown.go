package app

import (
	"context"
	"fmt"
	"time"

	logx "autoelect/pkg/logx"
)

// slowStep is how long a stop step may take before its completion is logged at info.
const slowStep = 500 * time.Millisecond

// shutdown runs the stop sequence one component at a time. Each step gets its own limit
// inside the caller's deadline, so one stuck component cannot hold up the rest.
type shutdown struct {
	ctx context.Context
	log logx.Logger
}

// run calls fn and waits at most limit for it. A step that overruns keeps running in the
// background and its late result is logged; run returns the deadline error right away.
func (s shutdown) run(name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	ctx, cancel := s.bound(limit)
	defer cancel()
	s.log.Debug("stop step begin", logx.String("step", name), logx.Duration("limit", limit))

	res := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		res <- fn(ctx)
	}()

	select {
	case err := <-res:
		s.done(name, time.Since(start), err, false)
		return err
	case <-ctx.Done():
		s.log.Warn("stop step abandoned",
			logx.String("step", name),
			logx.Duration("after", time.Since(start)),
			logx.Err(ctx.Err()),
		)
		go func() { s.done(name, time.Since(start), <-res, true) }()
		return fmt.Errorf("stop step %s: %w", name, ctx.Err())
	}
}

// bound narrows the caller's context to limit. context.WithTimeout keeps an earlier parent
// deadline, so a step never outlives the whole stop.
func (s shutdown) bound(limit time.Duration) (context.Context, context.CancelFunc) {
	if limit <= 0 {
		return context.WithCancel(s.ctx)
	}
	return context.WithTimeout(s.ctx, limit)
}

func (s shutdown) done(name string, took time.Duration, err error, late bool) {
	fields := []logx.Field{logx.String("step", name), logx.Duration("took", took)}
	switch {
	case err != nil:
		s.log.Warn("stop step failed", append(fields, logx.Bool("late", late), logx.Err(err))...)
	case late:
		s.log.Info("stop step finished after its limit", fields...)
	case took >= slowStep:
		s.log.Info("stop step end", fields...)
	default:
		s.log.Debug("stop step end", fields...)
	}
}
