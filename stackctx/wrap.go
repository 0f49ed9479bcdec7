package stackctx

// Callback is the nullary function type the rest of the module schedules:
// loop callbacks, timer callbacks, and stream callbacks are all this shape.
type Callback = func()

// WrappedCallback is the result of Wrap: a callback bound to the stack that
// was current at the moment it was wrapped. Running it restores an effective
// projection of that stack (inactive contexts pruned) for the duration of
// the call, then routes any panic through the captured exception-context
// chain before re-panicking anything left unconsumed.
type WrappedCallback struct {
	tracker  *Tracker
	captured Stack
	fn       Callback
}

// Wrap captures the tracker's current stack and returns a callback that will
// restore (an effective projection of) that stack whenever it runs.
//
// Wrap is idempotent: calling it on an already-wrapped callback, or on nil,
// returns the argument unchanged. cb must be a Callback (func()) or a
// *WrappedCallback.
func (t *Tracker) Wrap(cb any) *WrappedCallback {
	switch v := cb.(type) {
	case nil:
		return nil
	case *WrappedCallback:
		return v
	case Callback:
		return &WrappedCallback{tracker: t, captured: t.current, fn: v}
	default:
		panic("stackctx: Wrap requires a func() or *WrappedCallback")
	}
}

// WrapWithExceptionHandler is a convenience combining EnterException and
// Wrap for the common case of protecting a single callback with a one-shot
// handler, mirroring Tornado's ExceptionStackContext used as a decorator.
func (t *Tracker) WrapWithExceptionHandler(cb Callback, handler ExceptionHandler) *WrappedCallback {
	_, exit := t.EnterException(handler)
	wrapped := t.Wrap(cb)
	if _, err := exit(nil); err != nil {
		panic(err)
	}
	return wrapped
}

// Run invokes the wrapped callback, restoring the invoker's stack afterward
// regardless of outcome, and re-panics anything that no exception context in
// the chain consumed.
func (w *WrappedCallback) Run() {
	if w == nil || w.fn == nil {
		return
	}
	t := w.tracker
	invoker := t.current
	eff := effective(w.captured)
	t.current = eff
	defer func() { t.current = invoker }()

	entered := make([]*ScopeContext, 0, len(eff.scopes))
	var pending any
	var routeFrom headContext

	for _, sc := range eff.scopes {
		if err := sc.enterInner(); err != nil {
			pending = err
			routeFrom = nextActiveHead(sc.old.head)
			break
		}
		entered = append(entered, sc)
	}

	if pending == nil {
		pending = runProtected(w.fn)
		if pending != nil {
			routeFrom = eff.head
		}
	}

	if pending != nil {
		pending = routeException(routeFrom, pending)
	} else {
		for i := len(entered) - 1; i >= 0; i-- {
			sc := entered[i]
			if err := sc.exitInner(nil); err != nil {
				pending = routeException(nextActiveHead(sc.old.head), err)
				break
			}
		}
	}

	if pending != nil {
		panic(pending)
	}
}

// runProtected calls fn and converts any panic into a returned value instead
// of letting it continue unwinding the Go call stack - the propagator routes
// it explicitly from here on.
func runProtected(fn Callback) (recovered any) {
	defer func() {
		recovered = recover()
	}()
	fn()
	return nil
}

// routeException walks the head chain starting at head, delivering p to
// each context's routingExit in turn. A context that consumes p stops
// propagation; one whose own exit panics replaces p and routing continues
// from that context's parent.
func routeException(head headContext, p any) any {
	for head != nil {
		suppressed, replacement := head.routingExit(p)
		next := nextActiveHead(head.oldStack().head)
		if replacement != nil {
			p = replacement
		} else if suppressed {
			p = nil
		}
		head = next
	}
	return p
}
