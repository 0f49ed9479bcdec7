//go:build linux

package selector

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend grounds Backend on epoll, following gnet's
// internal/netpoll.Poller (epoll.go): one epoll fd, EpollCtl for
// register/modify/unregister, EpollWait for Poll.
type epollBackend struct {
	epfd int
}

func newBackend() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{epfd: epfd}, nil
}

func toEpollEvents(mask Mask) uint32 {
	var ev uint32
	if mask&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpollEvents(ev uint32) Mask {
	var m Mask
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		m |= Read
	}
	if ev&unix.EPOLLOUT != 0 {
		m |= Write
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		m |= Error
	}
	return m
}

func (b *epollBackend) Register(fd int, mask Mask) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: toEpollEvents(mask) | unix.EPOLLERR | unix.EPOLLHUP,
	})
}

func (b *epollBackend) Modify(fd int, mask Mask) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: toEpollEvents(mask) | unix.EPOLLERR | unix.EPOLLHUP,
	})
}

func (b *epollBackend) Unregister(fd int) error {
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (b *epollBackend) Poll(timeout time.Duration) ([]Event, error) {
	ms := durationToEpollMillis(timeout)
	raw := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(b.epfd, raw, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		events := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			events = append(events, Event{Fd: int(raw[i].Fd), Mask: fromEpollEvents(raw[i].Events)})
		}
		return events, nil
	}
}

func durationToEpollMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)>>1) {
		ms = int64(^uint32(0) >> 1)
	}
	return int(ms)
}

func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}
