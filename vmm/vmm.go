// Package vmm is the VMM core: it builds a guest on top of a
// machine.Facility and drives it through the hypervisor lifecycle.
package vmm

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/kvmbox/kvmbox/device"
	"github.com/kvmbox/kvmbox/hypervisor"
	"github.com/kvmbox/kvmbox/iodev"
	"github.com/kvmbox/kvmbox/machine"
	"github.com/kvmbox/kvmbox/memory"
	"github.com/kvmbox/kvmbox/pci"
	"github.com/kvmbox/kvmbox/resource"
	"github.com/kvmbox/kvmbox/serial"
	"github.com/kvmbox/kvmbox/vcpu"
	"github.com/sirupsen/logrus"
)

var (
	errNotPrepared     = errors.New("vm has no platform")
	errDuplicateDevice = errors.New("device already plugged")
	errLeakedResources = errors.New("resources still allocated after cleanup")
	errLayoutMismatch  = errors.New("saved layout does not match the vm")
	errBackendMismatch = errors.New("saved state belongs to another backend")
)

var vmmLog = logrus.WithField("subsystem", "vmm")

// Backend names in the default registry.
const (
	BackendKVM  = "kvm"
	BackendMock = "mock"
)

// FacilityFunc opens the virtualization facility of one VM.
type FacilityFunc func(opts machine.Options) (machine.Facility, error)

// Option customizes a VMM.
type Option func(*VMM)

// WithConsole sends the guest serial output to w.
func WithConsole(w io.Writer) Option {
	return func(v *VMM) {
		v.console = w
	}
}

// VMM is one virtual machine.
type VMM struct {
	cfg     hypervisor.Config
	id      string
	open    FacilityFunc
	console io.Writer

	// mu serializes lifecycle calls.
	mu    sync.Mutex
	state hypervisor.State

	fac     machine.Facility
	res     *resource.Manager
	mem     *memory.Manager
	pio     *iodev.Manager
	bus     *pci.Bus
	uart    *serial.Serial
	vcpus   []machine.VCPU
	runner  *vcpu.Manager
	devices *device.Manager
	ports   []resource.Range

	// plugMu guards the hot-plug view of the platform. AddDevice and
	// RemoveDevice never take mu, so they can run while a lifecycle call
	// is attaching the boot disk.
	plugMu  sync.Mutex
	ready   bool
	closing bool
	plugged map[string]*plugged

	exitOnce sync.Once
	exited   chan struct{}
}

var _ hypervisor.Hypervisor = (*VMM)(nil)

// New returns an unprepared VM built on the facility open returns.
func New(cfg hypervisor.Config, open FacilityFunc, opts ...Option) *VMM {
	v := &VMM{
		cfg:     cfg,
		id:      uuid.NewString(),
		open:    open,
		console: io.Discard,
		state:   hypervisor.Uninitialized,
		plugged: make(map[string]*plugged),
		exited:  make(chan struct{}),
	}

	for _, o := range opts {
		o(v)
	}

	return v
}

// NewKVM builds a VM on /dev/kvm, or on cfg.KVMPath when set.
func NewKVM(cfg hypervisor.Config, opts ...Option) *VMM {
	return New(cfg, func(o machine.Options) (machine.Facility, error) {
		k, err := machine.NewKVM(o)
		if err != nil {
			return nil, err
		}

		return k, nil
	}, opts...)
}

// NewMock builds a VM whose vCPUs never enter a guest.
func NewMock(cfg hypervisor.Config, opts ...Option) *VMM {
	return New(cfg, func(o machine.Options) (machine.Facility, error) {
		m, err := machine.NewMock(o)
		if err != nil {
			return nil, err
		}

		return m, nil
	}, opts...)
}

// Registry returns the backends this package provides. opts are applied to
// every VM the registry builds.
func Registry(opts ...Option) (*hypervisor.Registry, error) {
	return hypervisor.NewRegistry(
		hypervisor.Backend{
			Name: BackendKVM,
			New: func(cfg hypervisor.Config) (hypervisor.Hypervisor, error) {
				return NewKVM(cfg, opts...), nil
			},
		},
		hypervisor.Backend{
			Name: BackendMock,
			New: func(cfg hypervisor.Config) (hypervisor.Hypervisor, error) {
				return NewMock(cfg, opts...), nil
			},
		},
	)
}

func (v *VMM) Logger() *logrus.Entry {
	return vmmLog.WithFields(logrus.Fields{"vm": v.id, "backend": v.cfg.Backend})
}

// ID is the instance id carried in snapshots.
func (v *VMM) ID() string {
	return v.id
}

func (v *VMM) HypervisorConfig() hypervisor.Config {
	return v.cfg
}

func (v *VMM) State() hypervisor.State {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

// Devices returns the device manager, or nil before PrepareVM.
func (v *VMM) Devices() *device.Manager {
	v.plugMu.Lock()
	defer v.plugMu.Unlock()

	return v.devices
}

// Facility returns the facility of a prepared VM.
func (v *VMM) Facility() machine.Facility {
	v.plugMu.Lock()
	defer v.plugMu.Unlock()

	return v.fac
}

// Memory returns the address space of a prepared VM.
func (v *VMM) Memory() *memory.Manager {
	v.plugMu.Lock()
	defer v.plugMu.Unlock()

	return v.mem
}

// Exited is closed once the guest halts, shuts down or asks for a reset.
func (v *VMM) Exited() <-chan struct{} {
	return v.exited
}

func (v *VMM) guestExited(reason string) {
	v.exitOnce.Do(func() {
		v.Logger().WithField("reason", reason).Info("guest exited")
		close(v.exited)
	})
}

// SendConsoleInput queues p on the serial port and raises its interrupt.
func (v *VMM) SendConsoleInput(p []byte) {
	v.plugMu.Lock()
	uart := v.uart
	v.plugMu.Unlock()

	if uart == nil {
		return
	}

	in := uart.GetInputChan()
	for _, b := range p {
		in <- b
	}

	uart.Pulse()
}

func (v *VMM) setState(s hypervisor.State) {
	v.Logger().WithFields(logrus.Fields{"from": v.state, "to": s}).Debug("state change")
	v.state = s
}
