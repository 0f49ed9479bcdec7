package ioloop

import (
	"errors"
	"runtime/debug"
	"syscall"
	"time"
)

// Start runs the reactor cycle until Stop is called. Close cannot end a
// running loop: it returns ErrWrongState while Start is running. Valid from the fresh or stopped lifecycle states (spec §4.D).
func (l *Loop) Start() error {
	cur := l.loadState()
	if cur != stateFresh && cur != stateStopped {
		return ErrWrongState
	}
	l.storeState(stateRunning)

	for l.loadState() == stateRunning {
		l.runOnce()
	}

	l.storeState(stateStopped)
	if err := l.wake.Wake(); err != nil {
		l.log.WithError(err).Debug("wake on shutdown")
	}
	return nil
}

// Stop requests that Start return after finishing the work already in
// progress for the current iteration (spec §4.D, §5).
func (l *Loop) Stop() {
	l.state.CompareAndSwap(int32(stateRunning), int32(stateStopped))
	if err := l.wake.Wake(); err != nil {
		l.log.WithError(err).Debug("wake on stop")
	}
}

// Close is only valid from a non-running lifecycle state. It unregisters
// every tracked descriptor from the selector, closes the waker and the
// selector, and drops the callback and timer queues. The tracked
// descriptors themselves are not closed; their owners still hold them.
func (l *Loop) Close() error {
	if l.loadState() == stateRunning {
		return ErrWrongState
	}
	l.storeState(stateClosing)

	for fd := range l.handlers {
		if fd == l.wake.Fd() {
			continue
		}
		l.sel.Unregister(fd)
	}
	l.handlers = nil
	l.pending = nil

	l.cbMu.Lock()
	l.callbacks = nil
	l.cbMu.Unlock()
	l.timers = nil

	wakeErr := l.wake.Close()
	selErr := l.sel.Close()

	l.storeState(stateClosed)
	if wakeErr != nil {
		return wakeErr
	}
	return selErr
}

// runOnce executes exactly one iteration of the callbacks -> timers -> poll
// cycle described in spec §4.D.
func (l *Loop) runOnce() {
	ready := l.swapCallbacks()

	due := l.dueTimers()

	for _, cb := range ready {
		l.runCallback(cb)
	}
	for _, cb := range due {
		l.runCallback(cb)
	}

	if l.loadState() != stateRunning {
		return
	}

	timeout := l.pollTimeout()
	events, err := l.sel.Poll(timeout)
	if err != nil {
		l.log.WithError(err).Error("selector poll")
		return
	}

	for _, ev := range events {
		l.pending[ev.Fd] = l.pending[ev.Fd] | fromSelectorMask(ev.Mask)
	}
	l.dispatchPending()
}

// swapCallbacks atomically replaces the callback queue with an empty one and
// returns what was queued, mirroring gaio's pendingCreate/pendingProcessing
// double-buffer swap in watcher.loop().
func (l *Loop) swapCallbacks() []func() {
	l.cbMu.Lock()
	ready := l.callbacks
	l.callbacks = nil
	l.cbMu.Unlock()
	return ready
}

// dueTimers pops every timer whose deadline has passed, discarding
// tombstones, and returns the live callbacks in heap (deadline, then
// insertion-order) order.
func (l *Loop) dueTimers() []func() {
	now := l.Time()
	var due []func()
	for l.timers.Len() > 0 && !l.timers[0].deadline.After(now) {
		e := l.timers.popEntry()
		if e.cb != nil {
			due = append(due, e.cb)
		}
	}
	return due
}

func (l *Loop) pollTimeout() time.Duration {
	l.cbMu.Lock()
	pendingCallbacks := len(l.callbacks) > 0
	l.cbMu.Unlock()

	if pendingCallbacks {
		return 0
	}
	if l.timers.Len() > 0 {
		d := l.timers[0].deadline.Sub(l.Time())
		if d < 0 {
			d = 0
		}
		if d > l.pollCeiling {
			d = l.pollCeiling
		}
		return d
	}
	return l.pollCeiling
}

// dispatchPending repeatedly removes an arbitrary (fd, mask) pair from
// l.pending and dispatches its handler, per spec §4.D step 8. Order among
// distinct ready fds within one cycle is unspecified (spec's "eventually
// serviced" fairness, not FIFO).
func (l *Loop) dispatchPending() {
	for len(l.pending) > 0 {
		var fd int
		for k := range l.pending {
			fd = k
			break
		}
		if entry, ok := l.handlers[fd]; ok {
			// entry.cb.Run reads l.pending[fd] to learn the mask, so
			// delete only after the call returns.
			l.runCallback(entry.cb.Run)
		}
		delete(l.pending, fd)
	}
}

// runCallback invokes cb, recovering and logging anything it panics with so
// one bad callback cannot kill the loop (spec §7.6).
func (l *Loop) runCallback(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			if isBrokenPipe(r) {
				l.log.WithField("panic", r).Debug("broken pipe in callback")
				return
			}
			l.log.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("unhandled exception from callback")
		}
	}()
	cb()
}

// isBrokenPipe reports whether a recovered panic value is a broken-pipe
// error, which spec §4.D step 8 and §7.3 say to log at debug level rather
// than as an error.
func isBrokenPipe(r any) bool {
	err, ok := r.(error)
	if !ok {
		return false
	}
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
