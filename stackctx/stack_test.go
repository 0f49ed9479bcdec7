package stackctx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type noopScope struct{ closed *bool }

func (s noopScope) Close() error {
	*s.closed = true
	return nil
}

func newNoopFactory() (ScopeFactory, *bool) {
	closed := false
	return func() (Scope, error) { return noopScope{closed: &closed}, nil }, &closed
}

func TestScopeContextRoundTrip(t *testing.T) {
	tr := NewTracker()
	before := tr.Current()

	factory, closed := newNoopFactory()
	_, exit, err := tr.EnterScope(factory)
	require.NoError(t, err)
	require.False(t, *closed)
	require.NoError(t, exit())
	require.True(t, *closed)
	require.True(t, sameStack(before, tr.Current()))
}

func TestWrapIdempotent(t *testing.T) {
	tr := NewTracker()
	called := 0
	w1 := tr.Wrap(Callback(func() { called++ }))
	w2 := tr.Wrap(w1)
	require.Same(t, w1, w2)
	require.Nil(t, tr.Wrap(nil))
}

// TestExceptionRouting is scenario 3 from the spec: a callback raised inside
// an ExceptionContext routes to that context's handler exactly once and the
// process does not crash.
func TestExceptionRouting(t *testing.T) {
	tr := NewTracker()
	var caught any
	calls := 0
	_, exit := tr.EnterException(func(p any) bool {
		calls++
		caught = p
		return true
	})

	w := tr.Wrap(Callback(func() { panic("boom") }))
	// End the synchronous "with" block before running the callback, as the
	// real loop would: the ExceptionContext is captured into w already.
	_, err := exit(nil)
	require.NoError(t, err)

	require.NotPanics(t, func() { w.Run() })
	require.Equal(t, 1, calls)
	require.Equal(t, "boom", caught)
}

func TestExceptionNotConsumedRepanics(t *testing.T) {
	tr := NewTracker()
	_, exit := tr.EnterException(func(p any) bool { return false })
	w := tr.Wrap(Callback(func() { panic("unhandled") }))
	_, err := exit(nil)
	require.NoError(t, err)

	require.PanicsWithValue(t, "unhandled", func() { w.Run() })
}

// TestStackPruning is scenario 6: deactivating a ScopeContext before the
// wrapped callback runs removes it from the effective stack observed inside
// the callback.
func TestStackPruning(t *testing.T) {
	tr := NewTracker()
	factory, _ := newNoopFactory()
	deactivateA, exitA, err := tr.EnterScope(factory)
	require.NoError(t, err)

	var observedLen = -1
	w := tr.Wrap(Callback(func() {
		observedLen = len(tr.Current().scopes)
	}))

	deactivateA()
	require.NoError(t, exitA())

	w.Run()
	require.Equal(t, 0, observedLen)
}

func TestScopeExitConsistencyCheck(t *testing.T) {
	tr := NewTracker()
	factory, _ := newNoopFactory()
	_, exitOuter, err := tr.EnterScope(factory)
	require.NoError(t, err)

	factory2, _ := newNoopFactory()
	_, _, err = tr.EnterScope(factory2)
	require.NoError(t, err)

	// Exiting the outer scope while the inner one is still installed is
	// mis-nested and must be flagged.
	require.ErrorIs(t, exitOuter(), ErrStackInconsistent)
}
