package iostream

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-reactor/reactor/ioloop"
)

func newRunningLoop(t *testing.T) *ioloop.Loop {
	t.Helper()
	l, err := ioloop.New()
	require.NoError(t, err)
	go l.Start()
	t.Cleanup(func() {
		l.Stop()
		time.Sleep(5 * time.Millisecond)
	})
	return l
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

// TestReadDelimiter is scenario 4 from spec §8: a write of
// "HEAD\r\n\r\nBODY" on one side is split by the other side into exactly
// "HEAD\r\n\r\n" via ReadUntil and "BODY" via a following ReadBytes.
func TestReadDelimiter(t *testing.T) {
	l := newRunningLoop(t)
	a, b := socketpair(t)

	server, err := New(l, b)
	require.NoError(t, err)

	var mu sync.Mutex
	var got1, got2 []byte
	done := make(chan struct{})

	l.AddCallback(func() {
		require.NoError(t, server.ReadUntil([]byte("\r\n\r\n"), func(data []byte) {
			mu.Lock()
			got1 = append([]byte(nil), data...)
			mu.Unlock()

			require.NoError(t, server.ReadBytes(4, func(data2 []byte) {
				mu.Lock()
				got2 = append([]byte(nil), data2...)
				mu.Unlock()
				close(done)
			}))
		}))
	})

	_, err = syscall.Write(a, []byte("HEAD\r\n\r\nBODY"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for read completion")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "HEAD\r\n\r\n", string(got1))
	require.Equal(t, "BODY", string(got2))

	syscall.Close(a)
}

// TestReadBufferOverflow is scenario 5 from spec §8: with a tiny
// max_read_buf, an unread flood from the peer closes the stream, and a
// subsequent Write observes it closed.
func TestReadBufferOverflow(t *testing.T) {
	l := newRunningLoop(t)
	a, b := socketpair(t)

	server, err := New(l, b, WithMaxReadBuf(16))
	require.NoError(t, err)

	closed := make(chan struct{})
	l.AddCallback(func() {
		server.SetCloseCallback(func() { close(closed) })
	})

	_, err = syscall.Write(a, make([]byte, 32))
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("stream did not close on buffer overflow")
	}

	errCh := make(chan error, 1)
	l.AddCallback(func() { errCh <- server.Write([]byte("x"), nil) })
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	syscall.Close(a)
}

func TestWriteCallbackFiresOnDrain(t *testing.T) {
	l := newRunningLoop(t)
	a, b := socketpair(t)
	defer syscall.Close(a)

	client, err := New(l, b)
	require.NoError(t, err)

	done := make(chan struct{})
	payload := []byte("hello world")
	l.AddCallback(func() {
		require.NoError(t, client.Write(payload, func() { close(done) }))
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write callback never fired")
	}

	rx := make([]byte, len(payload))
	n, err := readFull(a, rx)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, rx)
}

func readFull(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := syscall.Read(fd, buf[total:])
		if err != nil {
			if err == syscall.EAGAIN {
				time.Sleep(time.Millisecond)
				continue
			}
			return total, err
		}
		total += n
	}
	return total, nil
}

func TestReadUntilCloseDeliversBuffered(t *testing.T) {
	l := newRunningLoop(t)
	a, b := socketpair(t)

	server, err := New(l, b)
	require.NoError(t, err)

	done := make(chan []byte, 1)
	l.AddCallback(func() {
		require.NoError(t, server.ReadUntilClose(func(data []byte) {
			done <- append([]byte(nil), data...)
		}))
	})

	_, err = syscall.Write(a, []byte("partial"))
	require.NoError(t, err)
	require.NoError(t, syscall.Close(a))

	select {
	case data := <-done:
		require.Equal(t, "partial", string(data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close-delivered data")
	}
}
