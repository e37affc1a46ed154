package pci

import (
	"fmt"
	"sync"

	"github.com/kvmbox/kvmbox/resource"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// NumSlots is the number of device slots on the root bus.
const NumSlots = 32

// Device is a single-function PCI device.
type Device interface {
	Config() *ConfigSpace
}

// Claim records a BAR window handed to a device.
type Claim struct {
	Slot  int
	BAR   int
	IO    bool
	Range resource.Range
}

// BARPlacer finds and frees guest windows for BARs.
type BARPlacer interface {
	PlaceBAR(size uint64, io bool) (resource.Range, error)
	ReleaseBAR(r resource.Range, io bool) error
}

type slotEntry struct {
	dev    Device
	claims []Claim

	// hidden entries hold their slot but do not answer config cycles.
	hidden bool
}

// Bus is a flat root bus without bridges. Only function 0 of each slot is
// populated.
type Bus struct {
	mu    sync.RWMutex
	slots [NumSlots]*slotEntry
}

// NewBus returns a bus with devs placed in consecutive slots from 0.
func NewBus(devs ...Device) (*Bus, error) {
	b := &Bus{}

	for i, d := range devs {
		if err := b.AddDevice(i, d); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func (b *Bus) Logger() *logrus.Entry {
	return pciLog
}

func checkSlot(slot int) error {
	if slot < 0 || slot >= NumSlots {
		return fmt.Errorf("%w: %d", errInvalidSlot, slot)
	}

	return nil
}

// AddDevice plugs dev into slot.
func (b *Bus) AddDevice(slot int, dev Device) error {
	return b.add(slot, dev, false)
}

// Reserve plugs dev into slot without making it visible to config cycles.
// Publish reveals it once the device is fully wired.
func (b *Bus) Reserve(slot int, dev Device) error {
	return b.add(slot, dev, true)
}

func (b *Bus) add(slot int, dev Device, hidden bool) error {
	if err := checkSlot(slot); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.slots[slot] != nil {
		return fmt.Errorf("%w: %02x", ErrSlotOccupied, slot)
	}

	b.slots[slot] = &slotEntry{dev: dev, hidden: hidden}

	b.Logger().WithFields(logrus.Fields{
		"slot":   slot,
		"vendor": fmt.Sprintf("%#04x", dev.Config().VendorID()),
		"device": fmt.Sprintf("%#04x", dev.Config().DeviceID()),
		"hidden": hidden,
	}).Debug("device added")

	return nil
}

func (b *Bus) setHidden(slot int, hidden bool) error {
	if err := checkSlot(slot); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.slots[slot]
	if e == nil {
		return fmt.Errorf("%w: %02x", errSlotEmpty, slot)
	}

	e.hidden = hidden

	return nil
}

// Publish makes the device reserved in slot answer config cycles.
func (b *Bus) Publish(slot int) error {
	return b.setHidden(slot, false)
}

// Hide stops the device in slot from answering config cycles while it
// keeps its slot and claims.
func (b *Bus) Hide(slot int) error {
	return b.setHidden(slot, true)
}

// RemoveDevice unplugs the device in slot. Its BAR windows must have been
// released first.
func (b *Bus) RemoveDevice(slot int) (Device, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.slots[slot]
	if e == nil {
		return nil, fmt.Errorf("%w: %02x", errSlotEmpty, slot)
	}

	if len(e.claims) != 0 {
		return nil, fmt.Errorf("%w: slot %02x", errClaimsRemain, slot)
	}

	b.slots[slot] = nil

	return e.dev, nil
}

// FreeSlot returns the lowest empty slot above the host bridge.
func (b *Bus) FreeSlot() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i := 1; i < NumSlots; i++ {
		if b.slots[i] == nil {
			return i, nil
		}
	}

	return 0, errBusFull
}

// Device returns the device in slot, or nil. Hidden devices are returned.
func (b *Bus) Device(slot int) Device {
	if checkSlot(slot) != nil {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if e := b.slots[slot]; e != nil {
		return e.dev
	}

	return nil
}

func (b *Bus) conflictLocked(io bool, r resource.Range) *Claim {
	for _, e := range b.slots {
		if e == nil {
			continue
		}

		for i := range e.claims {
			c := &e.claims[i]
			if c.IO == io && c.Range.Overlaps(r) {
				return c
			}
		}
	}

	return nil
}

// AssignBARs places every BAR declared by the device in slot and programs
// the addresses into its configuration space. Either all BARs are placed or
// none are.
func (b *Bus) AssignBARs(slot int, placer BARPlacer) ([]Claim, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.slots[slot]
	if e == nil {
		return nil, fmt.Errorf("%w: %02x", errSlotEmpty, slot)
	}

	if len(e.claims) != 0 {
		return nil, fmt.Errorf("%w: slot %02x", errClaimsRemain, slot)
	}

	cfg := e.dev.Config()

	cu := cleanup.Make(func() {})
	defer cu.Clean()

	var claims []Claim

	for _, bar := range cfg.BARs() {
		r, err := placer.PlaceBAR(bar.Size, bar.IO)
		if err != nil {
			return nil, fmt.Errorf("bar %d of slot %02x: %w", bar.Index, slot, err)
		}

		io := bar.IO
		cu.Add(func() {
			if err := placer.ReleaseBAR(r, io); err != nil {
				b.Logger().WithError(err).Warn("release bar window")
			}
		})

		if c := b.conflictLocked(bar.IO, r); c != nil {
			return nil, fmt.Errorf("%w: %s of slot %02x bar %d", errClaimConflict, c.Range, c.Slot, c.BAR)
		}

		if err := cfg.SetBARAddress(bar.Index, r.Base); err != nil {
			return nil, err
		}

		claims = append(claims, Claim{Slot: slot, BAR: bar.Index, IO: bar.IO, Range: r})
	}

	cu.Release()

	e.claims = claims

	for _, c := range claims {
		b.Logger().WithFields(logrus.Fields{
			"slot":  slot,
			"bar":   c.BAR,
			"io":    c.IO,
			"range": c.Range.String(),
		}).Debug("bar assigned")
	}

	return append([]Claim{}, claims...), nil
}

// ReleaseBARs hands the windows claimed by slot back to placer.
func (b *Bus) ReleaseBARs(slot int, placer BARPlacer) error {
	if err := checkSlot(slot); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.slots[slot]
	if e == nil {
		return fmt.Errorf("%w: %02x", errSlotEmpty, slot)
	}

	var firstErr error

	for _, c := range e.claims {
		if err := placer.ReleaseBAR(c.Range, c.IO); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	e.claims = nil

	return firstErr
}

// MoveBAR records that BAR bar of slot now decodes r, after the guest
// reprogrammed it. The caller owns r and the window it replaces.
func (b *Bus) MoveBAR(slot, bar int, r resource.Range) (resource.Range, error) {
	if err := checkSlot(slot); err != nil {
		return resource.Range{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.slots[slot]
	if e == nil {
		return resource.Range{}, fmt.Errorf("%w: %02x", errSlotEmpty, slot)
	}

	for i := range e.claims {
		c := &e.claims[i]
		if c.BAR != bar {
			continue
		}

		if o := b.conflictLocked(c.IO, r); o != nil && o != c {
			return resource.Range{}, fmt.Errorf("%w: %s of slot %02x bar %d", errClaimConflict, o.Range, o.Slot, o.BAR)
		}

		old := c.Range
		c.Range = r

		return old, nil
	}

	return resource.Range{}, fmt.Errorf("%w: %d of slot %02x is not claimed", errInvalidBAR, bar, slot)
}

// Claims returns every claimed BAR window on the bus in slot order.
func (b *Bus) Claims() []Claim {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Claim

	for _, e := range b.slots {
		if e != nil {
			out = append(out, e.claims...)
		}
	}

	return out
}

func (b *Bus) lookup(addr Address) Device {
	if addr.Bus != 0 || addr.Function != 0 || int(addr.Device) >= NumSlots {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if e := b.slots[addr.Device]; e != nil && !e.hidden {
		return e.dev
	}

	return nil
}

// ReadConfig reads the configuration space of the function at addr. Absent
// functions read as all ones.
func (b *Bus) ReadConfig(addr Address, offset, length int) (uint32, error) {
	if err := checkAccess(offset, length); err != nil {
		return 0, err
	}

	dev := b.lookup(addr)
	if dev == nil {
		return uint32(1<<(8*length) - 1), nil
	}

	return dev.Config().Read(offset, length)
}

// WriteConfig writes the configuration space of the function at addr.
// Writes to absent functions are dropped.
func (b *Bus) WriteConfig(addr Address, offset, length int, value uint32) error {
	if err := checkAccess(offset, length); err != nil {
		return err
	}

	dev := b.lookup(addr)
	if dev == nil {
		return nil
	}

	return dev.Config().Write(offset, length, value)
}
