// Package acceptor implements the minimal TCP acceptor described in spec
// §4.F as an external-collaborator example: it is built entirely against
// the core's public ioloop/iostream surface, with no acceptor-specific
// support inside the core itself.
//
// Grounded on gaio's echoServer test harness
// (_examples/socket515-gaio/aio_test.go, a ln.Accept() loop handing
// connections to a watcher) and on moby's listener-goroutine idiom,
// adapted here into a single READ-handler drain loop instead of a
// goroutine-per-Accept call, since the core is single-threaded per loop.
package acceptor

import (
	"fmt"
	"net"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/go-reactor/reactor/ioloop"
	"github.com/go-reactor/reactor/iostream"
)

// Acceptor binds a listening socket and hands each accepted connection to
// onAccept as a *iostream.Stream already registered with loop.
type Acceptor struct {
	loop       *ioloop.Loop
	ln         *net.TCPListener
	fd         int
	log        *logrus.Entry
	onAccept   func(*iostream.Stream, net.Addr)
	streamOpts []iostream.Option
}

// Listen binds addr and registers a READ handler with loop that drains
// Accept4 until it would block, constructing a Stream per connection (spec
// §4.F). streamOpts, if given, are applied to every accepted connection's
// Stream (e.g. iostream.WithMaxReadBuf).
func Listen(loop *ioloop.Loop, addr string, onAccept func(*iostream.Stream, net.Addr), streamOpts ...iostream.Option) (*Acceptor, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("acceptor: resolve %q: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen %q: %w", addr, err)
	}

	fd, err := rawFd(ln)
	if err != nil {
		ln.Close()
		return nil, err
	}

	a := &Acceptor{
		loop:       loop,
		ln:         ln,
		fd:         fd,
		log:        logrus.WithField("component", "acceptor"),
		onAccept:   onAccept,
		streamOpts: streamOpts,
	}
	if err := loop.AddHandler(fd, a.onReadable, ioloop.Read); err != nil {
		ln.Close()
		return nil, err
	}
	return a, nil
}

// Addr returns the bound listening address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Close stops accepting and releases the listening socket.
func (a *Acceptor) Close() error {
	a.loop.RemoveHandler(a.fd)
	fdErr := syscall.Close(a.fd)
	if err := a.ln.Close(); err != nil {
		return err
	}
	return fdErr
}

// onReadable drains Accept4 until EAGAIN, matching gaio's echoServer
// accept loop and spec §4.F's "drain accept() until it yields would-block".
func (a *Acceptor) onReadable(fd int, mask ioloop.Mask) {
	for {
		connFd, sa, err := syscall.Accept4(fd, syscall.SOCK_NONBLOCK|syscall.SOCK_CLOEXEC)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				return
			}
			if err == syscall.EINTR {
				continue
			}
			a.log.WithError(err).Error("accept")
			return
		}

		stream, err := iostream.New(a.loop, connFd, a.streamOpts...)
		if err != nil {
			a.log.WithError(err).Error("wrap accepted connection")
			syscall.Close(connFd)
			continue
		}
		a.onAccept(stream, sockaddrToAddr(sa))
	}
}

func sockaddrToAddr(sa syscall.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *syscall.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	case *syscall.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	default:
		return nil
	}
}

// rawFd duplicates the listener's file descriptor via SyscallConn, the same
// technique gaio's dupconn uses to obtain a raw fd from a net.Conn.
func rawFd(ln *net.TCPListener) (int, error) {
	sc, err := ln.SyscallConn()
	if err != nil {
		return -1, err
	}
	var dupfd int
	var dupErr error
	ctrlErr := sc.Control(func(fd uintptr) {
		dupfd, dupErr = syscall.Dup(int(fd))
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if dupErr != nil {
		return -1, dupErr
	}
	if err := syscall.SetNonblock(dupfd, true); err != nil {
		syscall.Close(dupfd)
		return -1, err
	}
	return dupfd, nil
}
