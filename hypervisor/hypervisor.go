// Package hypervisor defines the lifecycle contract every VMM backend
// implements and the registry backends are looked up in.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kvmbox/kvmbox/device"
	"github.com/kvmbox/kvmbox/migration"
	"github.com/kvmbox/kvmbox/resource"
	"github.com/sirupsen/logrus"
)

var (
	// ErrHypervisorUnreachable is returned by Check when the vCPU threads
	// are gone.
	ErrHypervisorUnreachable = errors.New("hypervisor unreachable")

	// ErrUnsupportedHypervisor is returned for backends missing from a
	// Registry.
	ErrUnsupportedHypervisor = errors.New("unsupported hypervisor")

	// ErrStartTimeout is returned when vCPUs do not become ready in time.
	ErrStartTimeout = errors.New("vcpus did not start in time")

	// ErrInvalidState is returned by lifecycle calls made in a state that
	// does not allow them.
	ErrInvalidState = errors.New("invalid state for operation")

	errDuplicateBackend = errors.New("backend registered twice")
	errInvalidConfig    = errors.New("invalid hypervisor config")
)

var hvLog = logrus.WithField("subsystem", "hypervisor")

// State is the lifecycle state of a VM.
type State int

const (
	Uninitialized State = iota
	Prepared
	Running
	Paused
	Stopped
)

var stateNames = [...]string{"uninitialized", "prepared", "running", "paused", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}

	return stateNames[s]
}

// CanTransition reports whether a VM in from may move to to.
func CanTransition(from, to State) bool {
	switch to {
	case Prepared:
		return from == Uninitialized
	case Running:
		return from == Prepared || from == Paused
	case Paused:
		return from == Running
	case Stopped:
		return from != Stopped
	default:
		return false
	}
}

// CheckTransition returns ErrInvalidState unless from may move to to.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}

	return nil
}

// VcpuThreadIDs maps vCPU index to the host thread running it.
type VcpuThreadIDs struct {
	VCPUs map[int]int
}

// Hypervisor drives one VM. Lifecycle calls are serialized by the caller;
// AddDevice and RemoveDevice may run concurrently with each other and with
// running vCPUs.
type Hypervisor interface {
	device.Hypervisor

	// PrepareVM sizes the resource pools, builds the address space and
	// attaches the boot disk.
	PrepareVM(ctx context.Context) error

	// StartVM launches the vCPU threads and waits up to timeout for all
	// of them to report ready.
	StartVM(ctx context.Context, timeout time.Duration) error

	PauseVM(ctx context.Context) error
	ResumeVM(ctx context.Context) error

	// SaveVM snapshots a running or paused VM without changing its state.
	SaveVM(ctx context.Context) (*migration.HypervisorState, error)

	// RestoreVM loads a snapshot into a paused VM with the same layout.
	RestoreVM(ctx context.Context, s *migration.HypervisorState) error

	StopVM(ctx context.Context) error

	// Cleanup releases everything PrepareVM and AddDevice acquired. It is
	// only valid once the VM is stopped.
	Cleanup(ctx context.Context) error

	// Check fails with ErrHypervisorUnreachable when a running or paused
	// VM has lost its vCPU threads.
	Check() error

	GetThreadIDs(ctx context.Context) (VcpuThreadIDs, error)
	GetPids() []int

	// Devices is the device manager attached devices go through.
	Devices() *device.Manager

	HypervisorConfig() Config
	State() State

	// ResourceUsage returns the live allocations per resource kind.
	ResourceUsage() map[resource.Kind]int
}

// Constructor builds an unprepared Hypervisor.
type Constructor func(cfg Config) (Hypervisor, error)

// Registry maps backend names to constructors. It is immutable once built.
type Registry struct {
	ctors map[string]Constructor
}

// Backend is one Registry entry.
type Backend struct {
	Name string
	New  Constructor
}

// NewRegistry builds a registry from backends.
func NewRegistry(backends ...Backend) (*Registry, error) {
	r := &Registry{ctors: make(map[string]Constructor, len(backends))}

	for _, b := range backends {
		if _, ok := r.ctors[b.Name]; ok {
			return nil, fmt.Errorf("%w: %s", errDuplicateBackend, b.Name)
		}

		r.ctors[b.Name] = b.New
	}

	return r, nil
}

// New validates cfg and constructs the backend it names.
func (r *Registry) New(cfg Config) (Hypervisor, error) {
	ctor, ok := r.ctors[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedHypervisor, cfg.Backend)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hvLog.WithField("backend", cfg.Backend).Debug("creating hypervisor")

	return ctor(cfg)
}

// Names returns the registered backends in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}
