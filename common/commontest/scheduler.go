package commontest

import (
	"sort"
	"sync"
	"time"

	"github.com/davewhat/tchannel/common"
)

// ManualScheduler is a common.Scheduler driven by virtual time. Nothing fires
// until Advance is called; Advance runs due actions in deadline order, moving
// the clock to each deadline before its action runs, so actions that re-arm
// timers observe the same clock a real scheduler would give them.
type ManualScheduler struct {
	lock   sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{now: time.Unix(0, 0)}
}

func (s *ManualScheduler) Now() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.now
}

func (s *ManualScheduler) Schedule(delay time.Duration, action func()) common.TimerRef {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.seq++
	mt := &manualTimer{
		s:        s,
		deadline: s.now.Add(delay),
		seq:      s.seq,
		action:   action,
	}
	s.timers = append(s.timers, mt)
	return mt
}

// Advance moves the clock forward by d, firing every timer whose deadline is
// reached, including timers armed by the fired actions themselves.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.lock.Lock()
	target := s.now.Add(d)
	for {
		mt := s.nextDue(target)
		if mt == nil {
			break
		}
		if mt.deadline.After(s.now) {
			s.now = mt.deadline
		}
		s.lock.Unlock()
		mt.fire()
		s.lock.Lock()
	}
	s.now = target
	s.lock.Unlock()
}

// PendingTimers returns the number of armed, unfired timers.
func (s *ManualScheduler) PendingTimers() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := 0
	for _, mt := range s.timers {
		if !mt.done() {
			n++
		}
	}
	return n
}

func (s *ManualScheduler) nextDue(target time.Time) *manualTimer {
	live := s.timers[:0]
	for _, mt := range s.timers {
		if !mt.done() {
			live = append(live, mt)
		}
	}
	s.timers = live
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].deadline.Equal(s.timers[j].deadline) {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].deadline.Before(s.timers[j].deadline)
	})
	for _, mt := range s.timers {
		if !mt.deadline.After(target) {
			return mt
		}
	}
	return nil
}

type manualTimer struct {
	s        *ManualScheduler
	deadline time.Time
	seq      int
	action   func()
	lock     sync.Mutex
	stopped  bool
	fired    bool
}

func (t *manualTimer) Stop() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.stopped = true
}

func (t *manualTimer) fire() {
	t.lock.Lock()
	if t.stopped || t.fired {
		t.lock.Unlock()
		return
	}
	t.fired = true
	action := t.action
	t.lock.Unlock()
	action()
}

func (t *manualTimer) done() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.stopped || t.fired
}
