//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package selector

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueueBackend grounds Backend on kqueue, following gnet's
// internal/netpoll.Poller (kqueue.go): EVFILT_READ and EVFILT_WRITE are two
// independent kernel filters, so Register/Modify/Unregister synthesize a
// single READ|WRITE interest mask out of two Kevent_t changes.
type kqueueBackend struct {
	kqfd int
}

func newBackend() (Backend, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueBackend{kqfd: kqfd}, nil
}

func (b *kqueueBackend) changeInterest(fd int, mask Mask) error {
	changes := make([]unix.Kevent_t, 0, 2)
	if mask&Read != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if mask&Write != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	// Deleting a filter that was never added is harmless (ENOENT); we
	// apply each change independently so one side's absence doesn't stop
	// the other from registering.
	var firstErr error
	for _, c := range changes {
		if _, err := unix.Kevent(b.kqfd, []unix.Kevent_t{c}, nil, nil); err != nil && err != unix.ENOENT {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *kqueueBackend) Register(fd int, mask Mask) error {
	return b.changeInterest(fd, mask)
}

func (b *kqueueBackend) Modify(fd int, mask Mask) error {
	return b.changeInterest(fd, mask)
}

func (b *kqueueBackend) Unregister(fd int) error {
	return b.changeInterest(fd, 0)
}

func (b *kqueueBackend) Poll(timeout time.Duration) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		spec := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &spec
	}
	raw := make([]unix.Kevent_t, 128)
	for {
		n, err := unix.Kevent(b.kqfd, nil, raw, ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		events := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			events = append(events, Event{Fd: int(raw[i].Ident), Mask: fromKevent(raw[i])})
		}
		return events, nil
	}
}

// fromKevent normalizes a kevent into READ/WRITE/ERROR. Per the documented
// behavior (spec §4.B, §9): EOF observed on the write filter, or any kevent
// flagged with an error, surfaces as ERROR rather than WRITE.
func fromKevent(ev unix.Kevent_t) Mask {
	if ev.Flags&unix.EV_ERROR != 0 {
		return Error
	}
	switch ev.Filter {
	case unix.EVFILT_READ:
		if ev.Flags&unix.EV_EOF != 0 {
			return Read | Error
		}
		return Read
	case unix.EVFILT_WRITE:
		if ev.Flags&unix.EV_EOF != 0 {
			return Error
		}
		return Write
	default:
		return Error
	}
}

func (b *kqueueBackend) Close() error {
	return unix.Close(b.kqfd)
}
