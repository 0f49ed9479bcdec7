package ioloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		if l.loadState() == stateRunning {
			l.Stop()
		}
	})
	return l
}

// TestCrossThreadWake is scenario 1 from spec §8: a foreign goroutine's
// AddCallback(loop.Stop) must wake a blocked Start within well under the
// 3600s poll ceiling.
func TestCrossThreadWake(t *testing.T) {
	l := newTestLoop(t)
	l.pollCeiling = time.Hour

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, l.Start())
	}()

	// Give Start a moment to reach the blocking Poll call.
	time.Sleep(10 * time.Millisecond)

	started := time.Now()
	l.AddCallback(func() { l.Stop() })

	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("loop did not stop within 50ms of cross-thread wake")
	}
	require.Less(t, time.Since(started), 50*time.Millisecond)
}

// TestTimerOrdering is scenario 2 from spec §8: timers with deadlines
// (+0.10 A), (+0.05 B), (+0.10 C), added in that order, must fire B, A, C.
func TestTimerOrdering(t *testing.T) {
	l := newTestLoop(t)
	now := l.Time()

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	l.AddTimeout(now.Add(100*time.Millisecond), record("A"))
	l.AddTimeout(now.Add(50*time.Millisecond), record("B"))
	l.AddTimeout(now.Add(100*time.Millisecond), record("C"))

	go func() { require.NoError(t, l.Start()) }()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)
	l.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"B", "A", "C"}, order)
}

func TestTimeoutCancellation(t *testing.T) {
	l := newTestLoop(t)
	fired := false
	h := l.AddTimeout(l.Time().Add(10*time.Millisecond), func() { fired = true })
	l.RemoveTimeout(h)

	go func() { require.NoError(t, l.Start()) }()
	time.Sleep(50 * time.Millisecond)
	l.Stop()

	require.False(t, fired)
}

func TestAddHandlerRejectsDuplicate(t *testing.T) {
	l := newTestLoop(t)
	r, w, err := osPipe(t)
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	require.NoError(t, l.AddHandler(fd, func(int, Mask) {}, Read))
	require.ErrorIs(t, l.AddHandler(fd, func(int, Mask) {}, Read), ErrAlreadyRegistered)
	l.RemoveHandler(fd)
}

func TestCallbacksRunFIFO(t *testing.T) {
	l := newTestLoop(t)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		l.AddCallback(func() { order = append(order, i) })
	}
	ready := l.swapCallbacks()
	for _, cb := range ready {
		cb()
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
