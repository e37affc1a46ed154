package vmm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kvmbox/kvmbox/hypervisor"
	"github.com/kvmbox/kvmbox/iodev"
	"github.com/kvmbox/kvmbox/resource"
)

// pauseTimeout bounds how long PauseVM waits for vCPUs to leave the guest.
const pauseTimeout = 5 * time.Second

// StartVM launches the vCPU threads. A start that times out leaves the VM
// prepared.
func (v *VMM) StartVM(ctx context.Context, timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != hypervisor.Prepared {
		return fmt.Errorf("%w: start from %s", hypervisor.ErrInvalidState, v.state)
	}

	if err := v.runner.Start(ctx, timeout); err != nil {
		return err
	}

	v.setState(hypervisor.Running)

	v.Logger().WithField("threads", v.runner.SortedThreadIDs()).Info("vm started")

	return nil
}

func (v *VMM) PauseVM(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := hypervisor.CheckTransition(v.state, hypervisor.Paused); err != nil {
		return err
	}

	if err := v.pause(ctx); err != nil {
		return err
	}

	v.setState(hypervisor.Paused)

	return nil
}

func (v *VMM) pause(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, pauseTimeout)
		defer cancel()
	}

	if err := v.runner.Pause(ctx); err != nil {
		// Let the threads that did park run again.
		if rerr := v.runner.Resume(); rerr != nil {
			v.Logger().WithError(rerr).Warn("resume after failed pause")
		}

		return fmt.Errorf("pause vcpus: %w", err)
	}

	return nil
}

func (v *VMM) ResumeVM(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != hypervisor.Paused {
		return fmt.Errorf("%w: resume from %s", hypervisor.ErrInvalidState, v.state)
	}

	if err := v.runner.Resume(); err != nil {
		return err
	}

	v.setState(hypervisor.Running)

	return nil
}

// StopVM stops the vCPU threads. It is valid from every state but Stopped.
func (v *VMM) StopVM(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := hypervisor.CheckTransition(v.state, hypervisor.Stopped); err != nil {
		return err
	}

	var err error
	if v.runner != nil {
		err = v.runner.Stop()
	}

	v.setState(hypervisor.Stopped)

	if err != nil {
		return fmt.Errorf("stop vcpus: %w", err)
	}

	v.Logger().Info("vm stopped")

	return nil
}

// Cleanup detaches every device and releases the address space, the port
// reservations and the facility. Afterwards no pool holds a live
// allocation.
func (v *VMM) Cleanup(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != hypervisor.Stopped {
		return fmt.Errorf("%w: cleanup in %s", hypervisor.ErrInvalidState, v.state)
	}

	v.plugMu.Lock()
	ready := v.ready
	v.plugMu.Unlock()

	if !ready {
		return nil
	}

	if err := v.devices.DetachAll(ctx); err != nil {
		return fmt.Errorf("detach devices: %w", err)
	}

	// Refuse hot-plug from here on. ready stays set until nothing is live
	// so a failed cleanup can be retried.
	v.plugMu.Lock()
	v.closing = true
	v.plugMu.Unlock()

	// Devices plugged without the device manager.
	for _, p := range v.pluggedDevices() {
		if err := v.RemoveDevice(ctx, p.cfg); err != nil {
			return err
		}
	}

	for len(v.ports) > 0 {
		r := v.ports[0]

		if _, err := v.pio.Unregister(r.Base); err != nil && !errors.Is(err, iodev.ErrPortNotMapped) {
			return err
		}

		if err := v.res.Release(resource.PIO, r); err != nil {
			return err
		}

		v.ports = v.ports[1:]
	}

	if err := v.mem.Release(); err != nil {
		return fmt.Errorf("release guest memory: %w", err)
	}

	if err := v.fac.Close(); err != nil {
		return fmt.Errorf("close facility: %w", err)
	}

	if n := v.res.TotalLive(); n != 0 {
		return fmt.Errorf("%w: %v", errLeakedResources, v.res.LiveAllocations())
	}

	v.plugMu.Lock()
	v.ready = false
	v.closing = false
	v.plugMu.Unlock()

	v.Logger().Info("vm cleaned up")

	return nil
}

// Check reports ErrHypervisorUnreachable when a started VM has no vCPU
// thread left.
func (v *VMM) Check() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case hypervisor.Running, hypervisor.Paused:
	default:
		return fmt.Errorf("%w: check in %s", hypervisor.ErrInvalidState, v.state)
	}

	if !v.runner.Alive() {
		return fmt.Errorf("%w: no vcpu thread left", hypervisor.ErrHypervisorUnreachable)
	}

	return nil
}

func (v *VMM) GetThreadIDs(ctx context.Context) (hypervisor.VcpuThreadIDs, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids := hypervisor.VcpuThreadIDs{VCPUs: map[int]int{}}

	if v.runner != nil {
		ids.VCPUs = v.runner.ThreadIDs()
	}

	return ids, nil
}

// GetPids returns the VMM process. vCPUs run as its threads.
func (v *VMM) GetPids() []int {
	return []int{os.Getpid()}
}

func (v *VMM) ResourceUsage() map[resource.Kind]int {
	v.plugMu.Lock()
	res := v.res
	v.plugMu.Unlock()

	if res == nil {
		out := make(map[resource.Kind]int)
		for _, k := range resource.Kinds() {
			out[k] = 0
		}

		return out
	}

	return res.LiveAllocations()
}

// Wait blocks until the guest exits or ctx is done.
func (v *VMM) Wait(ctx context.Context) error {
	select {
	case <-v.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
