package stackctx

// Tracker owns one logical thread's "current stack" cell (spec §3: "a
// per-thread cell holding the current stack value"). Go has no native
// goroutine-local storage, so the per-thread cell is realized explicitly:
// each single-threaded owner (in this module, an *ioloop.Loop) owns exactly
// one Tracker, and only ever touches it from the goroutine that drives that
// owner - matching the spec's "owned by exactly one thread" discipline
// without pretending Go has ambient thread locals.
type Tracker struct {
	current Stack
}

// NewTracker returns a Tracker initialized to the empty stack.
func NewTracker() *Tracker {
	return &Tracker{current: emptyStack()}
}

// Current returns the stack installed right now.
func (t *Tracker) Current() Stack {
	return t.current
}

// EnterScope enters a new ScopeContext on top of the tracker's current
// stack, acquiring the scope's inner resource via factory. On success it
// returns a Deactivator the caller can invoke to logically pop the context
// from the stacks wrapped callbacks see when they run, and an exit function that must be called
// exactly once (typically via defer) to release the resource and restore the
// prior stack.
func (t *Tracker) EnterScope(factory ScopeFactory) (deactivate Deactivator, exit func() error, err error) {
	sc := &ScopeContext{factory: factory, activeFlag: true}
	sc.old = t.current
	sc.installed = Stack{scopes: append(append([]*ScopeContext{}, t.current.scopes...), sc), head: sc}
	t.current = sc.installed

	if err := sc.enterInner(); err != nil {
		t.current = sc.old
		return nil, nil, err
	}

	return sc.deactivate, func() error { return t.exitScope(sc) }, nil
}

func (t *Tracker) exitScope(sc *ScopeContext) error {
	releaseErr := sc.exitInner(nil)
	final := t.current
	t.current = sc.old
	if !sameStack(final, sc.installed) {
		return ErrStackInconsistent
	}
	return releaseErr
}

// EnterException installs an ExceptionContext as the new head of the stack
// (it does not join the scope tuple - only ScopeContext members do). It
// returns a Deactivator and an exit function taking the panic value
// propagating out of the protected block, if any (nil if none).
func (t *Tracker) EnterException(handler ExceptionHandler) (deactivate Deactivator, exit func(p any) (suppressed bool, err error)) {
	ec := &ExceptionContext{handler: handler, activeFlag: true}
	ec.old = t.current
	ec.installed = Stack{scopes: t.current.scopes, head: ec}
	t.current = ec.installed

	return ec.deactivate, func(p any) (bool, error) {
		suppressed := false
		if p != nil {
			suppressed = ec.handler(p)
		}
		final := t.current
		t.current = ec.old
		if !sameStack(final, ec.installed) {
			return suppressed, ErrStackInconsistent
		}
		return suppressed, nil
	}
}

// EnterNull installs the sentinel empty stack, used by the buffered stream
// so a handler's own execution is not tied to the caller's exception chain.
// The returned restore func must be called exactly once to put the previous
// stack back.
func (t *Tracker) EnterNull() (restore func()) {
	old := t.current
	t.current = emptyStack()
	return func() { t.current = old }
}

func sameStack(a, b Stack) bool {
	if a.head != b.head || len(a.scopes) != len(b.scopes) {
		return false
	}
	for i := range a.scopes {
		if a.scopes[i] != b.scopes[i] {
			return false
		}
	}
	return true
}
