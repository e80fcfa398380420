package channel

import (
	"github.com/davewhat/tchannel/common"
)

type Option func(*Channel)

// WithScheduler injects the clock and timer source. Tests use a manual
// scheduler so sweeps and timeouts run on virtual time.
func WithScheduler(sched common.Scheduler) Option {
	return func(ch *Channel) {
		ch.sched = sched
	}
}

// WithRandom injects the RNG used to fuzz the sweep period. Values must lie
// in [0, 1).
func WithRandom(random func() float64) Option {
	return func(ch *Channel) {
		ch.random = random
	}
}
