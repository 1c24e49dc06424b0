package uhal

import (
	"github.com/pkg/errors"
)

// Deferred values. Every queued request hands back a handle whose payload
// becomes observable only after Dispatch. A cell moves exactly once from
// pending to either valid or failed; the transition is driven by the
// owning client while it unpacks replies.

type valState uint8

const (
	statePending valState = iota
	stateValid
	stateFailed
)

type wordCell struct {
	raw   uint32
	mask  uint32
	shift uint
	state valState
	err   error
}

func (c *wordCell) setValid(raw uint32) {
	if c.state == statePending {
		c.raw = raw
		c.state = stateValid
	}
}

func (c *wordCell) fail(err error) {
	if c.state == statePending {
		c.err = err
		c.state = stateFailed
	}
}

// ValWord is a deferred 32-bit result: the value read back from a
// register, the prior value of an RMW target, or a write acknowledgement.
type ValWord struct {
	cell *wordCell
}

// Valid reports whether the value has been populated by a successful
// dispatch.
func (v ValWord) Valid() bool {
	return v.cell != nil && v.cell.state == stateValid
}

// Value returns the masked, shifted payload. Observing a pending or
// failed value returns ErrNonValidatedMemory; for a failed value the
// dispatch error is attached.
func (v ValWord) Value() (uint32, error) {
	if v.cell == nil || v.cell.state == statePending {
		return 0, errors.Wrap(ErrNonValidatedMemory, "value not yet dispatched")
	}
	if v.cell.state == stateFailed {
		return 0, errors.Wrapf(ErrNonValidatedMemory, "dispatch failed: %v", v.cell.err)
	}
	return (v.cell.raw & v.cell.mask) >> v.cell.shift, nil
}

// MustValue is Value for contexts where failure is a programming error.
func (v ValWord) MustValue() uint32 {
	w, err := v.Value()
	if err != nil {
		panic(err)
	}
	return w
}

// Mask returns the bitmask applied when the value is observed.
func (v ValWord) Mask() uint32 {
	if v.cell == nil {
		return NoMask
	}
	return v.cell.mask
}

type vecCell struct {
	data  []uint32
	state valState
	err   error
}

func (c *vecCell) finalize() {
	if c.state == statePending {
		c.state = stateValid
	}
}

func (c *vecCell) fail(err error) {
	if c.state == statePending {
		c.err = err
		c.state = stateFailed
	}
}

// ValVector is a deferred vector of 32-bit words, the result of a block
// read.
type ValVector struct {
	cell *vecCell
}

// Valid reports whether the vector has been populated by a successful
// dispatch.
func (v ValVector) Valid() bool {
	return v.cell != nil && v.cell.state == stateValid
}

func (v ValVector) observable() error {
	if v.cell == nil || v.cell.state == statePending {
		return errors.Wrap(ErrNonValidatedMemory, "value not yet dispatched")
	}
	if v.cell.state == stateFailed {
		return errors.Wrapf(ErrNonValidatedMemory, "dispatch failed: %v", v.cell.err)
	}
	return nil
}

// Len returns the number of words in the vector.
func (v ValVector) Len() (int, error) {
	if err := v.observable(); err != nil {
		return 0, err
	}
	return len(v.cell.data), nil
}

// At returns the i-th word.
func (v ValVector) At(i int) (uint32, error) {
	if err := v.observable(); err != nil {
		return 0, err
	}
	if i < 0 || i >= len(v.cell.data) {
		return 0, errors.Errorf("uhal: index %d out of range [0,%d)", i, len(v.cell.data))
	}
	return v.cell.data[i], nil
}

// Value returns a copy of the payload.
func (v ValVector) Value() ([]uint32, error) {
	if err := v.observable(); err != nil {
		return nil, err
	}
	out := make([]uint32, len(v.cell.data))
	copy(out, v.cell.data)
	return out, nil
}

// MustValue is Value for contexts where failure is a programming error.
func (v ValVector) MustValue() []uint32 {
	ws, err := v.Value()
	if err != nil {
		panic(err)
	}
	return ws
}

// maskShift returns the position of the lowest set bit, i.e. the shift
// that aligns a masked field to bit zero. NoMask needs no shift.
func maskShift(mask uint32) uint {
	if mask == 0 {
		return 0
	}
	shift := uint(0)
	for mask&1 == 0 {
		mask >>= 1
		shift++
	}
	return shift
}
