package common

import (
	"sync/atomic"
	"time"
)

// Scheduler provides the clock and one-shot timers used by the channel. The
// production implementation is SystemScheduler; tests inject a manual
// implementation so sweeps and timeouts run on virtual time.
type Scheduler interface {
	Now() time.Time
	Schedule(delay time.Duration, action func()) TimerRef
}

type TimerRef interface {
	// Stop cancels the timer. Stop is safe to call from inside the timer's
	// own action; an action already started may still run to completion.
	Stop()
}

type SystemScheduler struct{}

func (SystemScheduler) Now() time.Time {
	return time.Now()
}

func (SystemScheduler) Schedule(delay time.Duration, action func()) TimerRef {
	atomic.AddInt64(&activeTimersCount, 1)
	handle := &TimerHandle{}
	handle.timer = time.AfterFunc(delay, func() {
		defer atomic.AddInt64(&activeTimersCount, -1)
		if handle.stopped.Load() {
			return
		}
		action()
	})
	return handle
}

var activeTimersCount int64

func ActiveTimersCount() int64 {
	return atomic.LoadInt64(&activeTimersCount)
}

type TimerHandle struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *TimerHandle) Stop() {
	t.stopped.Store(true)
	if t.timer.Stop() {
		atomic.AddInt64(&activeTimersCount, -1)
	}
}
