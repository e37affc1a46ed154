// Package machine abstracts the hardware-virtualization facility a VMM
// drives: memory slots, vCPUs and the legacy interrupt lines.
package machine

import (
	"errors"
	"fmt"

	"github.com/kvmbox/kvmbox/pvh"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by calls on a closed facility or vCPU.
	ErrClosed = errors.New("machine closed")

	errAPIVersion   = errors.New("unsupported kvm api version")
	errEmptyRegion  = errors.New("empty memory region")
	errVCPUExists   = errors.New("vcpu already created")
	errStateVersion = errors.New("vcpu state from another facility")
)

var machineLog = logrus.WithField("subsystem", "machine")

// ExitReason is why Run returned.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitIO
	ExitMMIO
	ExitHalt
	ExitShutdown
	ExitIntr
	ExitFail
)

var exitReasonNames = [...]string{"unknown", "io", "mmio", "halt", "shutdown", "intr", "fail"}

func (r ExitReason) String() string {
	if r < 0 || int(r) >= len(exitReasonNames) {
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}

	return exitReasonNames[r]
}

// Exit describes one return from guest execution.
//
// For IO exits Data holds Size bytes per repetition; string instructions
// produce several repetitions. Reads are completed by filling Data before
// the next Run. Data may alias memory shared with the facility and is only
// valid until then.
type Exit struct {
	Reason ExitReason
	Port   uint64
	Addr   uint64
	Size   int
	Data   []byte
	Write  bool
}

// Options are passed to facility constructors.
type Options struct {
	// Path is the device node of the facility, e.g. /dev/kvm.
	Path string

	// VCPUs is the number of vCPUs the VM will create.
	VCPUs int

	// PMLevel is the CPU power-management level. Its effect is left to
	// the backend.
	PMLevel uint32
}

// Facility is one virtual machine of a hardware-virtualization backend.
type Facility interface {
	Name() string
	MaxMemSlots() uint32

	// SetMemoryRegion maps host into the guest at gpa using slot.
	SetMemoryRegion(slot uint32, gpa uint64, host []byte) error
	RemoveMemoryRegion(slot uint32) error

	CreateVCPU(id int) (VCPU, error)

	// SetIRQLine drives a legacy interrupt line of the in-kernel chip.
	SetIRQLine(irq, level uint32) error

	Close() error
}

// VCPU is one virtual CPU. SetupBoot, SaveState and RestoreState must not
// overlap a Run call, so they are only used before start or while the vCPU
// is parked. Kick may be called from any goroutine.
type VCPU interface {
	ID() int

	// Run executes guest code until the next exit. A kicked vCPU returns
	// ExitIntr.
	Run() (Exit, error)
	Kick() error

	// PC returns the guest instruction pointer.
	PC() (uint64, error)

	SetupBoot(bs pvh.BootState) error
	SaveState() ([]byte, error)
	RestoreState(b []byte) error
	Close() error
}
