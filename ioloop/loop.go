// Package ioloop implements the reactor event loop (spec §4.D): a single
// goroutine owns a selector, a handler table keyed by file descriptor, a
// FIFO callback queue, and a timer min-heap, and runs the
// callbacks -> timers -> poll cycle described in spec §4.D.
//
// Grounded on gaio's watcher.loop() channel-select cycle
// (_examples/socket515-gaio/watcher.go): the double-buffered pending-ops
// swap there becomes the callback-queue swap here, and its timedHeap becomes
// this package's timerHeap, re-pointed at reactor handler dispatch instead
// of proactor completion delivery.
package ioloop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-reactor/reactor/internal/selector"
	"github.com/go-reactor/reactor/internal/waker"
	"github.com/go-reactor/reactor/stackctx"
)

// defaultPollCeiling bounds how long a single Poll call may block when no timer is
// scheduled sooner (spec §4.D step 6: CEILING = 3600 seconds).
const defaultPollCeiling = 3600 * time.Second

type lifecycleState int32

const (
	stateFresh lifecycleState = iota
	stateRunning
	stateStopped
	stateClosing
	stateClosed
)

type handlerEntry struct {
	fd   int
	cb   *stackctx.WrappedCallback
	mask Mask
}

// Loop is the reactor. It is safe to call AddCallback and Stop from any
// goroutine; every other method must only be called from the goroutine that
// is currently running Start (spec §5).
type Loop struct {
	sel  selector.Backend
	wake *waker.Waker
	ctx  *stackctx.Tracker
	log  *logrus.Entry

	pollCeiling time.Duration

	// cbMu guards callbacks; it is the one piece of state touched from
	// foreign goroutines (spec §3, §5).
	cbMu      sync.Mutex
	callbacks []func()

	// Everything below is touched only from the loop goroutine.
	handlers map[int]*handlerEntry
	pending  map[int]Mask
	timers   timerHeap
	timerSeq uint64

	// state is touched from both the loop goroutine and foreign goroutines
	// (Stop, Close, AddCallback's closing check), so it is an atomic rather
	// than a plain field (spec §5's single-threaded model has no equivalent
	// of Go's race detector to paper over).
	state atomic.Int32
}

func (l *Loop) loadState() lifecycleState   { return lifecycleState(l.state.Load()) }
func (l *Loop) storeState(s lifecycleState) { l.state.Store(int32(s)) }

// Option configures a Loop at construction.
type Option func(*Loop)

// WithLogger overrides the default standard logrus logger.
func WithLogger(l *logrus.Entry) Option {
	return func(lp *Loop) { lp.log = l }
}

// WithPollCeiling overrides the default 3600s poll timeout ceiling.
func WithPollCeiling(d time.Duration) Option {
	return func(lp *Loop) { lp.pollCeiling = d }
}

// New constructs a Loop in the "fresh" lifecycle state, opening a selector
// backend and waker.
func New(opts ...Option) (*Loop, error) {
	sel, err := selector.Open()
	if err != nil {
		return nil, fmt.Errorf("ioloop: open selector: %w", err)
	}
	wk, err := waker.New()
	if err != nil {
		sel.Close()
		return nil, fmt.Errorf("ioloop: open waker: %w", err)
	}

	l := &Loop{
		sel:         sel,
		wake:        wk,
		ctx:         stackctx.NewTracker(),
		log:         logrus.WithField("component", "ioloop"),
		pollCeiling: defaultPollCeiling,
		handlers:    make(map[int]*handlerEntry),
		pending:     make(map[int]Mask),
	}
	for _, opt := range opts {
		opt(l)
	}

	wakeCB := l.ctx.Wrap(stackctx.Callback(func() { l.wake.Consume() }))
	l.handlers[wk.Fd()] = &handlerEntry{fd: wk.Fd(), cb: wakeCB, mask: Read}
	if err := l.sel.Register(wk.Fd(), toSelectorMask(Read)); err != nil {
		sel.Close()
		wk.Close()
		return nil, fmt.Errorf("ioloop: register waker: %w", err)
	}

	return l, nil
}

// Context returns the loop's stack-context tracker, so collaborators (e.g.
// iostream) can enter NullStackContext scopes on it.
func (l *Loop) Context() *stackctx.Tracker { return l.ctx }

// Time returns the monotonic time used for timer scheduling.
func (l *Loop) Time() time.Time { return time.Now() }

// HandlerFunc is invoked with the fd that became ready and the mask of
// events observed for it.
type HandlerFunc func(fd int, events Mask)

// AddHandler registers fd with the loop: handler is wrapped via the
// propagator, stored in the handler table, and registered with the selector
// for mask|Error. Fails if fd is already registered.
func (l *Loop) AddHandler(fd int, handler HandlerFunc, mask Mask) error {
	if _, ok := l.handlers[fd]; ok {
		return ErrAlreadyRegistered
	}
	full := mask | Error
	entry := &handlerEntry{fd: fd, mask: full}
	entry.cb = l.ctx.Wrap(stackctx.Callback(func() {
		handler(fd, l.pending[fd])
	}))
	l.handlers[fd] = entry
	if err := l.sel.Register(fd, toSelectorMask(full)); err != nil {
		delete(l.handlers, fd)
		return err
	}
	return nil
}

// UpdateHandler replaces fd's interest mask. Requires prior registration.
func (l *Loop) UpdateHandler(fd int, mask Mask) error {
	entry, ok := l.handlers[fd]
	if !ok {
		return ErrNotRegistered
	}
	full := mask | Error
	if err := l.sel.Modify(fd, toSelectorMask(full)); err != nil {
		return err
	}
	entry.mask = full
	return nil
}

// RemoveHandler removes fd from the handler table and the selector.
// Tolerates an fd that was never registered.
func (l *Loop) RemoveHandler(fd int) {
	if _, ok := l.handlers[fd]; !ok {
		return
	}
	delete(l.handlers, fd)
	delete(l.pending, fd)
	if err := l.sel.Unregister(fd); err != nil {
		l.log.WithError(err).WithField("fd", fd).Debug("unregister on remove")
	}
}

// AddCallback enqueues cb for execution on the loop goroutine, wrapping it
// via the propagator first. Safe to call from any goroutine. A no-op once
// the loop has begun closing.
func (l *Loop) AddCallback(cb func()) {
	wrapped := l.ctx.Wrap(stackctx.Callback(cb))
	cur := l.loadState()
	l.cbMu.Lock()
	if cur == stateClosing || cur == stateClosed {
		l.cbMu.Unlock()
		return
	}
	wasEmpty := len(l.callbacks) == 0
	l.callbacks = append(l.callbacks, wrapped.Run)
	l.cbMu.Unlock()

	if wasEmpty {
		if err := l.wake.Wake(); err != nil {
			l.log.WithError(err).Error("wake")
		}
	}
}

// AddTimeout schedules cb to run at deadline (an absolute time), returning a
// handle that RemoveTimeout accepts.
func (l *Loop) AddTimeout(deadline time.Time, cb func()) *TimerHandle {
	l.timerSeq++
	wrapped := l.ctx.Wrap(stackctx.Callback(cb))
	e := &timerEntry{deadline: deadline, seq: l.timerSeq, cb: wrapped.Run}
	l.timers.pushEntry(e)
	return &TimerHandle{entry: e}
}

// RemoveTimeout tombstones h's callback; the loop ignores it when it
// surfaces instead of paying for an O(n) heap removal.
func (l *Loop) RemoveTimeout(h *TimerHandle) {
	if h == nil || h.entry == nil {
		return
	}
	h.entry.cb = nil
}
