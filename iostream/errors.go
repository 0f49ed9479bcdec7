package iostream

import "errors"

var (
	// ErrStreamClosed is returned by any operation attempted after Close.
	ErrStreamClosed = errors.New("iostream: stream closed")
	// ErrReadAlreadyPending is the precondition violation from spec §3/§7.4:
	// at most one read request may be outstanding at a time.
	ErrReadAlreadyPending = errors.New("iostream: a read is already pending")
	// ErrReadBufferOverflow is logged, and the stream closed, when a read
	// from the descriptor grows the read buffer beyond max_read_buf, whether
	// or not a read is pending (spec §4.E, §7.4). It is not returned to any
	// caller and is not raised as a panic.
	ErrReadBufferOverflow = errors.New("iostream: read buffer exceeded max_read_buf")
)
