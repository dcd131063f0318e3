package notifier

import (
	"context"
	"math/rand/v2"
	"time"

	logx "autoelect/pkg/logx"
)

const sendTimeout = 10 * time.Second

// drain runs one worker until q is closed or ctx ends.
func (s *Service) drain(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	if s.sender == nil || j.n.Text == "" {
		return
	}
	text := priorityPrefix(j.n.Priority) + j.n.Text

	var err error
	for attempt := 1; ; attempt++ {
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = s.sender.SendText(callCtx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.remember(j.n, text)
			s.emit(TypeSent, j.n, j.key, nil)
			return
		}
		s.log.Debug("send failed",
			logx.Int("attempt", attempt),
			logx.Int("retries", cfg.RetryMax),
			logx.Any("err", err),
		)
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("notification dropped after retries", logx.Int("priority", j.n.Priority), logx.Any("err", err))
	s.emit(TypeFailed, j.n, j.key, err)
}

func priorityPrefix(p int) string {
	switch {
	case p >= 9:
		return "\U0001F6A8 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	}
	return ""
}

// retryDelay is the wait before retry number attempt: doubling from RetryBase,
// jittered by ±30% and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	cfg = cfg.withDefaults()
	d := cfg.RetryBase
	for range attempt - 1 {
		if d >= cfg.RetryMaxDelay {
			break
		}
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(max(d, time.Millisecond), cfg.RetryMaxDelay)
}
