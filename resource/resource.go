// Package resource hands out the hardware resources of a virtual machine:
// interrupt lines, MSI vectors, I/O ports, MMIO windows, guest memory
// offsets and hypervisor memory slots.
package resource

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	// ErrResourceExhausted is returned when no free range satisfies a request.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidRelease is returned when a released range is not an exact live allocation.
	ErrInvalidRelease = errors.New("invalid release")

	// ErrInvalidConstraint is returned for zero-sized or badly aligned requests.
	ErrInvalidConstraint = errors.New("invalid allocation constraint")

	errUnknownKind = errors.New("unknown resource kind")
)

var resourceLog = logrus.WithField("subsystem", "resource")

// Kind identifies one of the independent resource spaces.
type Kind int

const (
	LegacyIRQ Kind = iota
	MSIIRQ
	PIO
	MMIO
	Memory
	MemSlot

	numKinds
)

var kindNames = [numKinds]string{
	LegacyIRQ: "legacy-irq",
	MSIIRQ:    "msi-irq",
	PIO:       "pio",
	MMIO:      "mmio",
	Memory:    "memory",
	MemSlot:   "mem-slot",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}

	return kindNames[k]
}

// Kinds returns every resource kind in a fixed order.
func Kinds() []Kind {
	return []Kind{LegacyIRQ, MSIIRQ, PIO, MMIO, Memory, MemSlot}
}

// Range is the closed interval [Base, Base+Size-1].
type Range struct {
	Base uint64
	Size uint64
}

// NewRange builds the range covering [first, last].
func NewRange(first, last uint64) Range {
	return Range{Base: first, Size: last - first + 1}
}

// Last returns the last value covered by the range.
func (r Range) Last() uint64 {
	return r.Base + r.Size - 1
}

func (r Range) Contains(v uint64) bool {
	return r.Size != 0 && v >= r.Base && v <= r.Last()
}

func (r Range) Overlaps(o Range) bool {
	if r.Size == 0 || o.Size == 0 {
		return false
	}

	return r.Base <= o.Last() && o.Base <= r.Last()
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x]", r.Base, r.Last())
}

// Constraint describes an allocation request. A nil Within means anywhere
// inside the pool. Align must be zero or a power of two.
type Constraint struct {
	Size   uint64
	Align  uint64
	Within *Range
}

// Fixed asks for exactly the value v.
func Fixed(v uint64) Constraint {
	return Constraint{Size: 1, Within: &Range{Base: v, Size: 1}}
}

func (c Constraint) validate() error {
	if c.Size == 0 {
		return fmt.Errorf("%w: zero size", ErrInvalidConstraint)
	}

	if c.Align != 0 && c.Align&(c.Align-1) != 0 {
		return fmt.Errorf("%w: alignment %#x is not a power of two", ErrInvalidConstraint, c.Align)
	}

	if c.Within != nil && c.Within.Size == 0 {
		return fmt.Errorf("%w: empty bounds", ErrInvalidConstraint)
	}

	return nil
}
