// Command ioloopd is a tiny echo-server daemon demonstrating the reactor
// core end to end: it wires the acceptor (spec §4.F) onto an *ioloop.Loop
// and a cobra/pflag CLI front-end, exercising AddCallback's cross-thread
// contract via the SIGINT/SIGTERM shutdown path.
//
// This is deliberately thin - a demonstration harness, not a specification
// of a real server - grounded on moby's logrus/cobra ambient-stack
// conventions (_examples/moby-moby/go.mod).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/go-reactor/reactor/acceptor"
	"github.com/go-reactor/reactor/ioloop"
	"github.com/go-reactor/reactor/iostream"
)

func main() {
	var (
		addr       string
		maxReadBuf int
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "ioloopd",
		Short: "A tiny echo server built on the reactor core.",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			logrus.SetLevel(level)
			return run(addr, maxReadBuf)
		},
	}

	flags := root.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:0", "address to listen on")
	flags.IntVar(&maxReadBuf, "max-read-buf", 4<<20, "maximum bytes buffered per connection before it is closed")
	flags.StringVar(&logLevel, "log-level", "info", "logrus level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("ioloopd exited with error")
	}
}

func run(addr string, maxReadBuf int) error {
	log := logrus.WithField("component", "ioloopd")

	loop, err := ioloop.New()
	if err != nil {
		return fmt.Errorf("construct loop: %w", err)
	}
	ioloop.MakeCurrent(loop)

	acc, err := acceptor.Listen(loop, addr, func(stream *iostream.Stream, remote net.Addr) {
		log.WithField("remote", remote).Info("accepted connection")
		echo(stream, log)
	}, iostream.WithMaxReadBuf(maxReadBuf))
	if err != nil {
		return fmt.Errorf("listen on %q: %w", addr, err)
	}
	defer acc.Close()
	log.WithField("addr", acc.Addr()).Info("listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutting down")
		loop.AddCallback(loop.Stop)
	}()

	return loop.Start()
}

// echo reads one byte at a time and writes it straight back; the stream
// closes itself on any error or EOF - just enough behavior to exercise ReadBytes/Write/Close
// against a real socket.
func echo(stream *iostream.Stream, log *logrus.Entry) {
	var onRead func(data []byte)
	onRead = func(data []byte) {
		if err := stream.Write(data, func() {
			if err := stream.ReadBytes(len(data), onRead); err != nil {
				log.WithError(err).Debug("stream closed while scheduling next read")
			}
		}); err != nil {
			log.WithError(err).Debug("write failed, stream closed")
		}
	}
	if err := stream.ReadBytes(1, onRead); err != nil {
		log.WithError(err).Debug("initial read failed")
	}
}
