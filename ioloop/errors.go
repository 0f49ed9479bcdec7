package ioloop

import "errors"

var (
	// ErrAlreadyRegistered is returned by AddHandler for an fd already
	// tracked by this loop.
	ErrAlreadyRegistered = errors.New("ioloop: descriptor already registered")
	// ErrNotRegistered is returned by UpdateHandler for an fd the loop
	// does not track.
	ErrNotRegistered = errors.New("ioloop: descriptor not registered")
	// ErrWrongState is returned by Start/Close calls made from a lifecycle
	// state that forbids them (spec §4.D: close is only valid from a
	// non-running state).
	ErrWrongState = errors.New("ioloop: invalid lifecycle transition")
)
