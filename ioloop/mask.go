package ioloop

import "github.com/go-reactor/reactor/internal/selector"

// Mask is the interest bitmask exposed to callers of AddHandler/UpdateHandler
// (spec §6: constants READ, WRITE, ERROR).
type Mask uint32

const (
	Read Mask = 1 << iota
	Write
	Error
)

func (m Mask) String() string { return selector.Mask(m).String() }

func toSelectorMask(m Mask) selector.Mask { return selector.Mask(m) }

func fromSelectorMask(m selector.Mask) Mask { return Mask(m) }
