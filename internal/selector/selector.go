// Package selector adapts the OS readiness multiplexer (epoll on Linux,
// kqueue on BSD/Darwin) behind one normalized interface, as gnet's
// internal/netpoll poller pair does for its two platform backends (grounded
// on the pack's epoll.go/kqueue.go poller implementations).
package selector

import (
	"fmt"
	"time"
)

// Mask is a bitwise-or of readiness bits. Error is implied on every
// registration and never needs to be requested explicitly.
type Mask uint32

const (
	Read Mask = 1 << iota
	Write
	Error
)

func (m Mask) String() string {
	s := ""
	if m&Read != 0 {
		s += "R"
	}
	if m&Write != 0 {
		s += "W"
	}
	if m&Error != 0 {
		s += "E"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Event is one readiness notification returned from Poll.
type Event struct {
	Fd   int
	Mask Mask
}

// Backend is the normalized readiness multiplexer surface. Implementations
// live in selector_epoll.go (linux) and selector_kqueue.go (darwin, *bsd).
type Backend interface {
	// Register starts monitoring fd for the given interest mask. Error is
	// always implied.
	Register(fd int, mask Mask) error
	// Modify replaces fd's interest mask.
	Modify(fd int, mask Mask) error
	// Unregister stops monitoring fd. Safe to call on an fd that was never
	// registered, or already removed.
	Unregister(fd int) error
	// Poll blocks for up to timeout (0 means return immediately, a
	// negative duration means block indefinitely) and returns whatever
	// readiness events arrived.
	Poll(timeout time.Duration) ([]Event, error)
	Close() error
}

// Open selects and constructs the platform backend.
func Open() (Backend, error) {
	b, err := newBackend()
	if err != nil {
		return nil, fmt.Errorf("selector: open: %w", err)
	}
	return b, nil
}
