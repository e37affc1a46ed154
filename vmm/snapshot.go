package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/kvmbox/kvmbox/device"
	"github.com/kvmbox/kvmbox/hypervisor"
	"github.com/kvmbox/kvmbox/memory"
	"github.com/kvmbox/kvmbox/migration"
	"github.com/sirupsen/logrus"
)

var errMemoryFrame = errors.New("memory frame outside guest ram")

// SaveVM snapshots the vCPUs, devices and address space. A running VM is
// paused for the duration of the call and resumed afterwards.
func (v *VMM) SaveVM(ctx context.Context) (*migration.HypervisorState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	resume, err := v.quiesce(ctx)
	if err != nil {
		return nil, err
	}
	defer resume()

	return v.snapshot()
}

// SaveTo writes a snapshot followed by the contents of guest RAM to w.
func (v *VMM) SaveTo(ctx context.Context, w io.Writer) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	resume, err := v.quiesce(ctx)
	if err != nil {
		return err
	}
	defer resume()

	st, err := v.snapshot()
	if err != nil {
		return err
	}

	s := migration.NewSender(w)

	if err := s.SendSnapshot(st); err != nil {
		return err
	}

	for _, r := range v.mem.Regions() {
		if r.Type != memory.RAM {
			continue
		}

		if err := s.SendRegion(r.ID, r.Host); err != nil {
			return fmt.Errorf("send %s: %w", r.ID, err)
		}
	}

	return s.SendDone()
}

// quiesce parks the vCPUs of a running VM. The returned func undoes it.
func (v *VMM) quiesce(ctx context.Context) (func(), error) {
	switch v.state {
	case hypervisor.Paused:
		return func() {}, nil
	case hypervisor.Running:
	default:
		return nil, fmt.Errorf("%w: save in %s", hypervisor.ErrInvalidState, v.state)
	}

	if err := v.pause(ctx); err != nil {
		return nil, err
	}

	return func() {
		if err := v.runner.Resume(); err != nil {
			v.Logger().WithError(err).Error("resume after save")
		}
	}, nil
}

func (v *VMM) snapshot() (*migration.HypervisorState, error) {
	st := migration.NewHypervisorState(v.id, v.fac.Name())

	for _, c := range v.vcpus {
		data, err := c.SaveState()
		if err != nil {
			return nil, fmt.Errorf("save vcpu %d: %w", c.ID(), err)
		}

		st.VCPUs = append(st.VCPUs, migration.VCPUState{ID: c.ID(), Data: data})
	}

	for _, p := range v.pluggedDevices() {
		cfg := *p.cfg
		count := uint64(1)

		if dev, err := v.devices.Device(p.cfg.ID); err == nil {
			if bc, ok := dev.Config().(*device.BlockConfig); ok {
				cfg = *bc
			}

			count = dev.AttachCount()
		}

		st.Devices = append(st.Devices, migration.DeviceState{
			ID:          cfg.ID,
			HostPath:    cfg.PathOnHost,
			ReadOnly:    cfg.ReadOnly,
			Index:       cfg.Index,
			VirtPath:    cfg.VirtPath,
			PCIAddr:     cfg.PCIAddr,
			Slot:        p.slot,
			IRQ:         p.irq,
			AttachCount: count,
			Blk:         p.blk.State(),
		})
	}

	st.Regions = v.mem.Descriptors()
	st.Serial = v.uart.State()

	v.Logger().WithFields(logrus.Fields{
		"vcpus":   len(st.VCPUs),
		"devices": len(st.Devices),
		"regions": len(st.Regions),
	}).Info("vm saved")

	return st, nil
}

// RestoreVM loads s into a prepared or paused VM. The VM must have the
// same vCPUs, the same devices at the same slots and the same regions as
// the one s was taken from.
func (v *VMM) RestoreVM(ctx context.Context, s *migration.HypervisorState) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != hypervisor.Prepared && v.state != hypervisor.Paused {
		return fmt.Errorf("%w: restore in %s", hypervisor.ErrInvalidState, v.state)
	}

	if s.Version != migration.Version {
		return fmt.Errorf("%w: %d, want %d", migration.ErrVersionMismatch, s.Version, migration.Version)
	}

	if s.Backend != v.fac.Name() {
		return fmt.Errorf("%w: %q, running %q", errBackendMismatch, s.Backend, v.fac.Name())
	}

	if err := sameRegions(s.Regions, v.mem.Descriptors()); err != nil {
		return err
	}

	devs, err := v.matchDevices(s.Devices)
	if err != nil {
		return err
	}

	if len(s.VCPUs) != len(v.vcpus) {
		return fmt.Errorf("%w: %d vcpus saved, %d present", errLayoutMismatch, len(s.VCPUs), len(v.vcpus))
	}

	for i, c := range v.vcpus {
		vs := s.VCPUs[i]
		if vs.ID != c.ID() {
			return fmt.Errorf("%w: vcpu %d saved as %d", errLayoutMismatch, c.ID(), vs.ID)
		}

		if err := c.RestoreState(vs.Data); err != nil {
			return fmt.Errorf("restore vcpu %d: %w", c.ID(), err)
		}
	}

	for i, d := range s.Devices {
		if err := devs[i].blk.SetState(d.Blk); err != nil {
			return fmt.Errorf("restore %s: %w", d.ID, err)
		}
	}

	v.uart.SetState(s.Serial)

	v.Logger().WithField("from", s.InstanceID).Info("vm restored")

	return nil
}

func sameRegions(saved, have []memory.RegionDescriptor) error {
	if len(saved) != len(have) {
		return fmt.Errorf("%w: %d regions saved, %d present", errLayoutMismatch, len(saved), len(have))
	}

	for i, s := range saved {
		h := have[i]
		if s.ID != h.ID || s.Start != h.Start || s.Size != h.Size || s.Type != h.Type {
			return fmt.Errorf("%w: region %s [%#x+%#x] saved, %s [%#x+%#x] present",
				errLayoutMismatch, s.ID, s.Start, s.Size, h.ID, h.Start, h.Size)
		}
	}

	return nil
}

// matchDevices pairs every saved device with the plugged device at the
// same slot and guest path.
func (v *VMM) matchDevices(saved []migration.DeviceState) ([]*plugged, error) {
	have := v.pluggedDevices()
	if len(saved) != len(have) {
		return nil, fmt.Errorf("%w: %d devices saved, %d present", errLayoutMismatch, len(saved), len(have))
	}

	bySlot := make(map[int]*plugged, len(have))
	for _, p := range have {
		bySlot[p.slot] = p
	}

	out := make([]*plugged, len(saved))

	for i, d := range saved {
		p, ok := bySlot[d.Slot]
		if !ok || p.cfg.ID != d.ID || p.cfg.PCIAddr != d.PCIAddr || p.cfg.Index != d.Index {
			return nil, fmt.Errorf("%w: device %s at %s", errLayoutMismatch, d.ID, d.PCIAddr)
		}

		out[i] = p
	}

	return out, nil
}

// RestoreFrom reads a stream written by SaveTo into a prepared or paused
// VM. Devices the snapshot holds beyond the boot disk are attached first,
// in index order, so they land on the same slots.
func (v *VMM) RestoreFrom(ctx context.Context, r io.Reader) error {
	switch st := v.State(); st {
	case hypervisor.Prepared, hypervisor.Paused:
	default:
		return fmt.Errorf("%w: restore in %s", hypervisor.ErrInvalidState, st)
	}

	rcv := migration.NewReceiver(r)

	st, err := rcv.ReceiveSnapshot()
	if err != nil {
		return err
	}

	if err := v.replayDevices(ctx, st.Devices); err != nil {
		return err
	}

	for {
		t, payload, err := rcv.Next()
		if err != nil {
			return err
		}

		if t == migration.MsgDone {
			break
		}

		if t != migration.MsgMemory {
			return fmt.Errorf("unexpected message %d in memory stream", t)
		}

		if err := v.loadMemory(payload); err != nil {
			return err
		}
	}

	return v.RestoreVM(ctx, st)
}

func (v *VMM) replayDevices(ctx context.Context, saved []migration.DeviceState) error {
	devs := v.Devices()
	if devs == nil {
		return fmt.Errorf("%w: %w", hypervisor.ErrInvalidState, errNotPrepared)
	}

	ordered := append([]migration.DeviceState{}, saved...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	for _, d := range ordered {
		count := uint64(0)

		if id, ok := devs.FindDevice(d.HostPath); ok {
			dev, err := devs.Device(id)
			if err != nil {
				return err
			}

			count = dev.AttachCount()
		}

		for ; count < d.AttachCount; count++ {
			if _, err := devs.TryAddDevice(ctx, device.GenericConfig{
				ID:       d.ID,
				DevType:  device.TypeBlock,
				HostPath: d.HostPath,
				ReadOnly: d.ReadOnly,
			}); err != nil {
				return fmt.Errorf("reattach %s: %w", d.ID, err)
			}
		}
	}

	return nil
}

func (v *VMM) loadMemory(payload []byte) error {
	id, off, data, err := migration.DecodeMemory(payload)
	if err != nil {
		return err
	}

	r, ok := v.Memory().Region(id)
	if !ok || r.Type != memory.RAM || off > r.Size || uint64(len(data)) > r.Size-off {
		return fmt.Errorf("%w: %s+%#x", errMemoryFrame, id, off)
	}

	copy(r.Host[off:], data)

	return nil
}
