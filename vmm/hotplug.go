package vmm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kvmbox/kvmbox/device"
	"github.com/kvmbox/kvmbox/hypervisor"
	"github.com/kvmbox/kvmbox/memory"
	"github.com/kvmbox/kvmbox/pci"
	"github.com/kvmbox/kvmbox/resource"
	"github.com/kvmbox/kvmbox/virtio"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// plugged is a block device on the bus.
type plugged struct {
	cfg  *device.BlockConfig
	blk  *virtio.Blk
	slot int
	irq  uint32

	// mu guards claims against BAR relocation by the guest.
	mu     sync.Mutex
	claims []pci.Claim

	// removed is set once unplug has started. A relocation that was
	// already in flight then leaves the windows alone.
	removed bool
}

func barRegionID(id string, bar int) string {
	return fmt.Sprintf("%s/bar%d", id, bar)
}

// portWindow routes an I/O BAR to the MMIO handler of its device.
type portWindow struct {
	r resource.Range
	h memory.MMIOHandler
}

func (w *portWindow) Read(port uint64, data []byte) error {
	return w.h.Read(port-w.r.Base, data)
}

func (w *portWindow) Write(port uint64, data []byte) error {
	return w.h.Write(port-w.r.Base, data)
}

func (w *portWindow) IOPort() uint64 {
	return w.r.Base
}

func (w *portWindow) Size() uint64 {
	return w.r.Size
}

// AddDevice plugs a block device into the PCI bus and fills cfg.PCIAddr.
// Either every step succeeds or every resource taken by the call is
// released before the error is returned.
func (v *VMM) AddDevice(ctx context.Context, cfg device.Config) error {
	bc, ok := cfg.(*device.BlockConfig)
	if !ok {
		return fmt.Errorf("%w: %T", device.ErrUnsupportedDevice, cfg)
	}

	v.plugMu.Lock()

	if !v.ready || v.closing {
		v.plugMu.Unlock()

		return fmt.Errorf("%w: %w", hypervisor.ErrInvalidState, errNotPrepared)
	}

	if _, ok := v.plugged[bc.ID]; ok {
		v.plugMu.Unlock()

		return fmt.Errorf("%w: %s", errDuplicateDevice, bc.ID)
	}

	// Reserve the id while the device is built.
	v.plugged[bc.ID] = nil
	v.plugMu.Unlock()

	p, err := v.plug(ctx, bc)

	v.plugMu.Lock()
	if err != nil {
		delete(v.plugged, bc.ID)
	} else {
		v.plugged[bc.ID] = p
	}
	v.plugMu.Unlock()

	return err
}

func (v *VMM) plug(ctx context.Context, bc *device.BlockConfig) (*plugged, error) {
	log := v.Logger().WithFields(logrus.Fields{"device": bc.ID, "path": bc.PathOnHost})

	cu := cleanup.Make(func() {})
	defer cu.Clean()

	irq, err := v.res.AllocateLegacyIRQ(false, nil)
	if err != nil {
		return nil, fmt.Errorf("legacy irq for %s: %w", bc.ID, err)
	}

	cu.Add(func() {
		if err := v.res.ReleaseLegacyIRQ(irq); err != nil {
			log.WithError(err).Warn("release irq")
		}
	})

	blk, err := virtio.NewBlk(bc.ID, bc.PathOnHost, bc.ReadOnly, irq, v.fac, v.mem)
	if err != nil {
		return nil, err
	}

	cu.Add(func() {
		if err := blk.Close(); err != nil {
			log.WithError(err).Warn("close block device")
		}
	})

	blk.Config().SetInterruptLine(uint8(irq))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slot, err := v.insert(blk)
	if err != nil {
		return nil, err
	}

	cu.Add(func() {
		if _, err := v.bus.RemoveDevice(slot); err != nil {
			log.WithError(err).Warn("remove from bus")
		}
	})

	claims, err := v.bus.AssignBARs(slot, v.mem)
	if err != nil {
		return nil, err
	}

	cu.Add(func() {
		if err := v.bus.ReleaseBARs(slot, v.mem); err != nil {
			log.WithError(err).Warn("release bars")
		}
	})

	for _, c := range claims {
		if err := v.mapBAR(bc.ID, c, blk); err != nil {
			return nil, err
		}

		c := c
		cu.Add(func() {
			if err := v.unmapBAR(bc.ID, c); err != nil {
				log.WithError(err).Warn("unmap bar")
			}
		})
	}

	p := &plugged{cfg: bc, blk: blk, slot: slot, irq: irq, claims: claims}

	blk.Config().OnBARWrite(func(index int, addr uint64) {
		v.relocateBAR(p, index, addr)
	})

	cu.Add(func() { blk.Config().OnBARWrite(nil) })

	// The guest sees the device only once its windows decode.
	if err := v.bus.Publish(slot); err != nil {
		return nil, err
	}

	go blk.IOThreadEntry()

	bc.PCIAddr = pci.Address{Device: uint8(slot)}.String()

	cu.Release()

	log.WithFields(logrus.Fields{
		"bdf": bc.PCIAddr,
		"irq": irq,
	}).Debug("device plugged")

	return p, nil
}

// insert reserves the lowest free slot for dev, hidden from config cycles.
// Concurrent plugs may race for the same slot, in which case the loser
// tries the next one.
func (v *VMM) insert(dev pci.Device) (int, error) {
	for {
		slot, err := v.bus.FreeSlot()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", resource.ErrResourceExhausted, err)
		}

		err = v.bus.Reserve(slot, dev)
		if errors.Is(err, pci.ErrSlotOccupied) {
			continue
		}

		return slot, err
	}
}

func (v *VMM) mapBAR(id string, c pci.Claim, h memory.MMIOHandler) error {
	if c.IO {
		return v.pio.Register(&portWindow{r: c.Range, h: h})
	}

	return v.mem.RegisterRegion(&memory.Region{
		ID:      barRegionID(id, c.BAR),
		Start:   c.Range.Base,
		Size:    c.Range.Size,
		Type:    memory.MMIO,
		Handler: h,
	})
}

func (v *VMM) unmapBAR(id string, c pci.Claim) error {
	if c.IO {
		_, err := v.pio.Unregister(c.Range.Base)

		return err
	}

	_, err := v.mem.UnregisterRegion(barRegionID(id, c.BAR))

	return err
}

// relocateBAR follows a guest write that moved a BAR. The new window is
// reserved before the old one is dropped; if it cannot be, the device keeps
// decoding the old window.
func (v *VMM) relocateBAR(p *plugged, index int, addr uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := v.Logger().WithFields(logrus.Fields{
		"device": p.cfg.ID,
		"bar":    index,
		"addr":   fmt.Sprintf("%#x", addr),
	})

	i := -1

	for j, c := range p.claims {
		if c.BAR == index {
			i = j
		}
	}

	if p.removed || i < 0 || p.claims[i].Range.Base == addr {
		return
	}

	old := p.claims[i]
	moved := old
	moved.Range = resource.Range{Base: addr, Size: old.Range.Size}

	kind := resource.MMIO
	if old.IO {
		kind = resource.PIO
	}

	r, err := v.res.AllocateConstrained(kind, resource.Constraint{Size: moved.Range.Size, Within: &moved.Range})
	if err != nil {
		log.WithError(err).Warn("bar moved to an unavailable window")

		return
	}

	if err := v.unmapBAR(p.cfg.ID, old); err != nil {
		log.WithError(err).Warn("unmap old bar window")
	}

	if err := v.mapBAR(p.cfg.ID, moved, p.blk); err != nil {
		log.WithError(err).Warn("map new bar window")
		_ = v.res.Release(kind, r)

		if err := v.mapBAR(p.cfg.ID, old, p.blk); err != nil {
			log.WithError(err).Error("restore old bar window")
		}

		return
	}

	if _, err := v.bus.MoveBAR(p.slot, index, moved.Range); err != nil {
		log.WithError(err).Warn("move bar claim")
	}

	if err := v.mem.ReleaseBAR(old.Range, old.IO); err != nil {
		log.WithError(err).Warn("release old bar window")
	}

	p.claims[i] = moved

	log.Debug("bar relocated")
}

// RemoveDevice unplugs the device cfg names, releasing what AddDevice took
// in reverse order.
func (v *VMM) RemoveDevice(ctx context.Context, cfg device.Config) error {
	bc, ok := cfg.(*device.BlockConfig)
	if !ok {
		return fmt.Errorf("%w: %T", device.ErrUnsupportedDevice, cfg)
	}

	v.plugMu.Lock()
	p := v.plugged[bc.ID]

	if p == nil {
		v.plugMu.Unlock()

		return fmt.Errorf("%w: %s", device.ErrDeviceNotFound, bc.ID)
	}

	delete(v.plugged, bc.ID)
	v.plugMu.Unlock()

	return v.unplug(p)
}

func (v *VMM) unplug(p *plugged) error {
	var errs []error

	// Config cycles stop reaching the device before anything is torn down.
	if err := v.bus.Hide(p.slot); err != nil {
		errs = append(errs, err)
	}

	p.blk.Config().OnBARWrite(nil)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.removed = true

	for i := len(p.claims) - 1; i >= 0; i-- {
		if err := v.unmapBAR(p.cfg.ID, p.claims[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if err := v.bus.ReleaseBARs(p.slot, v.mem); err != nil {
		errs = append(errs, err)
	}

	if _, err := v.bus.RemoveDevice(p.slot); err != nil {
		errs = append(errs, err)
	}

	if err := p.blk.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := v.res.ReleaseLegacyIRQ(p.irq); err != nil {
		errs = append(errs, err)
	}

	v.Logger().WithFields(logrus.Fields{
		"device": p.cfg.ID,
		"slot":   p.slot,
	}).Debug("device unplugged")

	return errors.Join(errs...)
}

// pluggedDevices returns the plugged devices ordered by slot.
func (v *VMM) pluggedDevices() []*plugged {
	v.plugMu.Lock()
	defer v.plugMu.Unlock()

	out := make([]*plugged, 0, len(v.plugged))

	for _, p := range v.plugged {
		if p != nil {
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].slot < out[j].slot })

	return out
}
