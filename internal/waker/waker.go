//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

// Package waker implements the self-pipe trick (spec §4.A): a resource whose
// readable end can be registered with a selector, and whose Wake method can
// be called from any thread to force a blocked Poll call to return. Grounded
// on gnet's eventfd-based wake-fd (internal/netpoll epoll.go) adapted to a
// portable close-on-exec, non-blocking pipe(2) pair since golang.org/x/sys/unix
// exposes Pipe2 uniformly across every platform this module targets, where
// eventfd is Linux-only.
package waker

import "golang.org/x/sys/unix"

// Waker is a self-pipe: Fd() is registered for READ with the selector; Wake
// writes a single byte to force the selector's blocking call to return;
// Consume drains whatever is pending without blocking.
type Waker struct {
	r, w int
}

// New creates a connected, non-blocking, close-on-exec pipe pair.
func New() (*Waker, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return &Waker{r: fds[0], w: fds[1]}, nil
}

// Fd returns the readable end to register with a selector.
func (w *Waker) Fd() int { return w.r }

// Wake forces a blocked Poll to return. Safe to call from any goroutine.
func (w *Waker) Wake() error {
	_, err := unix.Write(w.w, []byte{0})
	if err == unix.EAGAIN {
		// pipe buffer already has a pending byte; poll will see it.
		return nil
	}
	return err
}

// Consume drains any bytes written by Wake without blocking.
func (w *Waker) Consume() error {
	buf := make([]byte, 64)
	for {
		_, err := unix.Read(w.r, buf)
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close closes both ends of the pipe.
func (w *Waker) Close() error {
	errR := unix.Close(w.r)
	errW := unix.Close(w.w)
	if errR != nil {
		return errR
	}
	return errW
}
