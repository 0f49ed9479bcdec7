package ioloop

import "sync"

// Per-loop ownership is a single goroutine by contract (spec §5); Go has no
// portable way to read a goroutine's identity, so unlike the source's
// threading.local-backed "current loop", this package realizes "current" as
// one process-wide slot guarded by a mutex (spec §4.D: "a process-wide
// default on first use, protected by a process-wide mutex"). Callers that
// run more than one Loop concurrently should thread their *Loop explicitly
// instead of relying on Current/Instance.
var (
	currentMu   sync.Mutex
	currentLoop *Loop
)

// Current returns the process-wide default loop, constructing it on first
// use when create is true. Returns nil if create is false and no loop has
// been installed yet.
func Current(create bool) (*Loop, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	if currentLoop == nil && create {
		l, err := New()
		if err != nil {
			return nil, err
		}
		currentLoop = l
	}
	return currentLoop, nil
}

// Instance is Current(true) without the error return, matching the source's
// instance() convenience. It panics if constructing the loop fails.
func Instance() *Loop {
	l, err := Current(true)
	if err != nil {
		panic(err)
	}
	return l
}

// MakeCurrent installs l as the process-wide default loop.
func MakeCurrent(l *Loop) {
	currentMu.Lock()
	currentLoop = l
	currentMu.Unlock()
}
