package iostream

import (
	"fmt"
	"syscall"

	"github.com/go-reactor/reactor/ioloop"
)

// Socket is the "socket subclass" from spec §4.E: a Stream plus a
// non-blocking Connect.
type Socket struct {
	*Stream
}

// NewSocket creates a non-blocking TCP socket and wraps it in a Stream
// registered with loop, without connecting it yet.
func NewSocket(loop *ioloop.Loop, opts ...Option) (*Socket, error) {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("iostream: socket: %w", err)
	}
	s, err := New(loop, fd, opts...)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return &Socket{Stream: s}, nil
}

// Connect initiates a non-blocking connect to addr. cb fires on the next
// WRITE-ready event with the connect outcome (nil on success).
func (s *Socket) Connect(addr syscall.Sockaddr, cb func(err error)) error {
	if s.closed {
		return ErrStreamClosed
	}
	err := syscall.Connect(s.fd, addr)
	if err != nil && err != syscall.EINPROGRESS && err != syscall.EINTR {
		return err
	}
	s.connecting = true
	s.connectCB = cb
	s.recomputeInterest()
	return nil
}
