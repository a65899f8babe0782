package coap

import (
	"sync"
	"time"
)

// timerService schedules callbacks on the monotonic clock. Handles carry a
// generation counter so cancel-and-reschedule never races with a stale
// firing: a callback runs only if its generation still matches the handle.
type timerService struct {
	mu       sync.Mutex
	disposed bool
}

type timerHandle struct {
	svc *timerService

	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

func newTimerService() *timerService {
	return &timerService{}
}

// schedule runs fn after d. The returned handle may be cancelled or
// rescheduled from any goroutine, including from within fn.
func (ts *timerService) schedule(d time.Duration, fn func()) *timerHandle {
	h := &timerHandle{svc: ts}
	h.reschedule(d, fn)
	return h
}

func (ts *timerService) shutdown() {
	ts.mu.Lock()
	ts.disposed = true
	ts.mu.Unlock()
}

func (ts *timerService) alive() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return !ts.disposed
}

// cancel stops the pending firing. A callback already past its generation
// check may still complete.
func (h *timerHandle) cancel() {
	h.mu.Lock()
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()
}

// reschedule cancels any pending firing and arms the handle anew.
func (h *timerHandle) reschedule(d time.Duration, fn func()) {
	h.mu.Lock()
	h.gen++
	gen := h.gen
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		live := h.gen == gen
		h.mu.Unlock()
		if !live || !h.svc.alive() {
			return
		}
		fn()
	})
	h.mu.Unlock()
}
