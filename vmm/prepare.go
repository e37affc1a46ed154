package vmm

import (
	"context"
	"fmt"
	"os"

	"github.com/kvmbox/kvmbox/device"
	"github.com/kvmbox/kvmbox/hypervisor"
	"github.com/kvmbox/kvmbox/iodev"
	"github.com/kvmbox/kvmbox/machine"
	"github.com/kvmbox/kvmbox/memory"
	"github.com/kvmbox/kvmbox/pci"
	"github.com/kvmbox/kvmbox/pvh"
	"github.com/kvmbox/kvmbox/resource"
	"github.com/kvmbox/kvmbox/serial"
	"github.com/kvmbox/kvmbox/vcpu"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// legacyPorts are probed by Linux during boot. None of them needs real
// emulation.
func legacyPorts() []iodev.Device {
	return []iodev.Device{
		// VGA
		&iodev.NoopDevice{Port: 0x3c0, Psize: 0x1b},
		&iodev.NoopDevice{Port: 0x3b4, Psize: 0x2},
		// CMOS clock
		&iodev.NoopDevice{Port: 0x70, Psize: 0x2},
		// DMA page registers; 0x80 is the post code port.
		&iodev.NoopDevice{Port: 0x81, Psize: 0x1f},
		// COM2-COM4
		&iodev.NoopDevice{Port: 0x2f8, Psize: 0x8},
		&iodev.NoopDevice{Port: 0x3e8, Psize: 0x8},
		&iodev.NoopDevice{Port: 0x2e8, Psize: 0x8},
		// PS/2 controller. Bit 5 of the status register keeps Linux
		// from polling it forever.
		&iodev.NoopDevice{Port: 0x60, Psize: 0x10, Value: 0x20},
	}
}

// PrepareVM builds the platform and attaches the boot disk. On failure
// everything acquired so far is released and the VM stays uninitialized.
func (v *VMM) PrepareVM(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := hypervisor.CheckTransition(v.state, hypervisor.Prepared); err != nil {
		return err
	}

	cu := cleanup.Make(func() {})
	defer cu.Clean()

	fac, err := v.open(machine.Options{
		Path:    v.cfg.KVMPath,
		VCPUs:   int(v.cfg.NumVCPUs),
		PMLevel: v.cfg.PMLevel,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", v.cfg.Backend, err)
	}

	cu.Add(func() {
		if err := fac.Close(); err != nil {
			v.Logger().WithError(err).Warn("close facility")
		}
	})

	res := resource.NewManager(resource.DefaultLayout(uint64(fac.MaxMemSlots())))
	mem := memory.NewManager(res, fac, memory.DefaultHole())

	ram, err := mem.CreateGuestMemory(uint64(v.cfg.MemorySize), v.cfg.MemoryBacking, v.cfg.MemoryPath)
	if err != nil {
		return fmt.Errorf("create guest memory: %w", err)
	}

	cu.Add(func() {
		if err := mem.Release(); err != nil {
			v.Logger().WithError(err).Warn("release guest memory")
		}
	})

	bus, err := pci.NewBus(pci.NewHostBridge())
	if err != nil {
		return err
	}

	uart := serial.New(v.console, fac.SetIRQLine)
	pio := iodev.NewManager()

	portDevs := append([]iodev.Device{
		uart,
		pci.NewConfigIO(bus),
		&iodev.PostCodeDevice{Out: v.console},
		iodev.NewACPIShutDownEvent(
			func() { v.guestExited("reset") },
			func() { v.guestExited("acpi shutdown") },
		),
	}, legacyPorts()...)

	var ports []resource.Range

	cu.Add(func() {
		for _, r := range ports {
			if _, err := pio.Unregister(r.Base); err != nil {
				v.Logger().WithError(err).Warn("unregister port device")
			}

			if err := res.Release(resource.PIO, r); err != nil {
				v.Logger().WithError(err).Warn("release port range")
			}
		}
	})

	for _, d := range portDevs {
		r, err := registerPort(res, pio, d)
		if err != nil {
			return err
		}

		ports = append(ports, r)
	}

	bs, err := v.loadKernel(mem, ram)
	if err != nil {
		return err
	}

	vcpus := make([]machine.VCPU, 0, v.cfg.NumVCPUs)

	for i := 0; i < int(v.cfg.NumVCPUs); i++ {
		c, err := fac.CreateVCPU(i)
		if err != nil {
			return fmt.Errorf("create vcpu %d: %w", i, err)
		}

		if err := c.SetupBoot(bs); err != nil {
			return fmt.Errorf("set up vcpu %d: %w", i, err)
		}

		vcpus = append(vcpus, c)
	}

	runner := vcpu.NewManager(vcpus, pio, mem, mem)
	runner.OnGuestExit = func(id int, reason machine.ExitReason) {
		v.guestExited(reason.String())
	}

	devices, err := device.NewManager(v, v.cfg.BlockDeviceDriver)
	if err != nil {
		return err
	}

	v.plugMu.Lock()
	v.fac, v.res, v.mem, v.pio, v.bus, v.uart = fac, res, mem, pio, bus, uart
	v.vcpus, v.runner, v.devices, v.ports = vcpus, runner, devices, ports
	v.ready = true
	v.plugMu.Unlock()

	cu.Add(func() {
		if err := devices.DetachAll(ctx); err != nil {
			v.Logger().WithError(err).Warn("detach devices")
		}

		v.plugMu.Lock()
		v.fac, v.res, v.mem, v.pio, v.bus, v.uart = nil, nil, nil, nil, nil, nil
		v.vcpus, v.runner, v.devices, v.ports = nil, nil, nil, nil
		v.ready = false
		v.plugMu.Unlock()
	})

	id, err := devices.AddBootDevice(ctx, device.BlockConfig{
		PathOnHost: v.cfg.RootfsPath,
	})
	if err != nil {
		return fmt.Errorf("attach boot disk: %w", err)
	}

	cu.Release()

	v.Logger().WithFields(logrus.Fields{
		"memory":    v.cfg.MemorySize.String(),
		"vcpus":     len(vcpus),
		"boot-disk": id,
		"entry":     fmt.Sprintf("%#x", bs.Entry),
	}).Info("vm prepared")

	v.setState(hypervisor.Prepared)

	return nil
}

// registerPort reserves the ports of d in the PIO pool so no I/O BAR is
// placed over them, then routes them to d.
func registerPort(res *resource.Manager, pio *iodev.Manager, d iodev.Device) (resource.Range, error) {
	r := resource.Range{Base: d.IOPort(), Size: d.Size()}

	got, err := res.AllocateConstrained(resource.PIO, resource.Constraint{Size: r.Size, Within: &r})
	if err != nil {
		return resource.Range{}, fmt.Errorf("reserve ports %s: %w", r, err)
	}

	if err := pio.Register(d); err != nil {
		_ = res.Release(resource.PIO, got)

		return resource.Range{}, err
	}

	return got, nil
}

func (v *VMM) loadKernel(mem *memory.Manager, ram []*memory.Region) (pvh.BootState, error) {
	kernel, err := os.Open(v.cfg.KernelPath)
	if err != nil {
		return pvh.BootState{}, fmt.Errorf("open kernel: %w", err)
	}
	defer kernel.Close()

	var initrd []byte

	if v.cfg.InitrdPath != "" {
		if initrd, err = os.ReadFile(v.cfg.InitrdPath); err != nil {
			return pvh.BootState{}, fmt.Errorf("read initrd: %w", err)
		}
	}

	ranges := make([]resource.Range, len(ram))
	for i, r := range ram {
		ranges[i] = resource.Range{Base: r.Start, Size: r.Size}
	}

	cmdline := hypervisor.BootKernelParams(v.cfg.KernelParams, v.cfg.BlockDeviceDriver)

	bs, err := pvh.Load(mem, pvh.Image{
		Kernel:  kernel,
		Initrd:  initrd,
		Cmdline: cmdline.String(),
		RAM:     ranges,
		VCPUs:   int(v.cfg.NumVCPUs),
	})
	if err != nil {
		return pvh.BootState{}, fmt.Errorf("load kernel %s: %w", v.cfg.KernelPath, err)
	}

	return bs, nil
}
