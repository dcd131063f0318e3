package elective

import (
	"sync/atomic"
	"time"

	"autoelect/internal/portal"
)

// Counters are shared by every loop of an engine. They are operational signals only.
type Counters struct {
	cycles          atomic.Uint64
	attempts        atomic.Uint64
	acquireTimeouts atomic.Uint64
	captchaSolved   atomic.Uint64
	captchaFailed   atomic.Uint64
	observations    atomic.Uint64
	outcomes        [outcomeSlots]atomic.Uint64
}

const outcomeSlots = int(portal.FatalError) + 1

func (c *Counters) outcome(o portal.Outcome) {
	if int(o) >= 0 && int(o) < len(c.outcomes) {
		c.outcomes[o].Add(1)
	}
}

type CountersView struct {
	Cycles          uint64            `json:"cycles"`
	Attempts        uint64            `json:"attempts"`
	AcquireTimeouts uint64            `json:"acquire_timeouts"`
	CaptchaSolved   uint64            `json:"captcha_solved"`
	CaptchaFailed   uint64            `json:"captcha_failed"`
	Observations    uint64            `json:"observations"`
	Outcomes        map[string]uint64 `json:"outcomes"`
}

func (c *Counters) View() CountersView {
	v := CountersView{
		Cycles:          c.cycles.Load(),
		Attempts:        c.attempts.Load(),
		AcquireTimeouts: c.acquireTimeouts.Load(),
		CaptchaSolved:   c.captchaSolved.Load(),
		CaptchaFailed:   c.captchaFailed.Load(),
		Observations:    c.observations.Load(),
		Outcomes:        map[string]uint64{},
	}
	for _, o := range portal.Outcomes() {
		v.Outcomes[o.String()] = c.outcomes[o].Load()
	}
	return v
}

// Metrics receives per-attempt and per-cycle observations. See internal/metrics.
type Metrics interface {
	ObserveAttempt(partition string, outcome portal.Outcome, took time.Duration)
	ObserveCycle(partition string, eligible int, took time.Duration)
	ObserveAcquireTimeout(partition string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveAttempt(string, portal.Outcome, time.Duration) {}
func (nopMetrics) ObserveCycle(string, int, time.Duration)              {}
func (nopMetrics) ObserveAcquireTimeout(string)                         {}
