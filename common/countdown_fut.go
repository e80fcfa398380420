package common

import (
	"sync/atomic"

	log "github.com/davewhat/tchannel/logger"
)

func NewCountDownFuture(initialCount int, completionFunc func(error)) *CountDownFuture {
	return &CountDownFuture{
		count:          int32(initialCount),
		completionFunc: completionFunc,
	}
}

// CountDownFuture calls the completion func when its count reaches zero
type CountDownFuture struct {
	count          int32
	completionFunc func(error)
	errSent        atomic.Bool
}

func (pf *CountDownFuture) CountDown(err error) {
	if err != nil {
		if pf.errSent.CompareAndSwap(false, true) {
			pf.completionFunc(err)
		} else {
			log.Debugf("countdown future complete with additional error %v", err)
		}
		return
	}
	newVal := atomic.AddInt32(&pf.count, -1)
	if newVal < 0 {
		log.Errorf("countdown future completed more times than its count")
		return
	}
	if newVal == 0 {
		pf.completionFunc(nil)
	}
}
