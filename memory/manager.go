package memory

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/google/btree"
	"github.com/kvmbox/kvmbox/resource"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/cleanup"
)

const (
	minMemBARSize = 16
	minIOBARSize  = 4
)

// DefaultHole is the 32-bit MMIO hole guest RAM is split around.
func DefaultHole() resource.Range {
	return resource.NewRange(resource.MMIOLowStart, resource.MMIOLowEnd)
}

// Manager is the address space manager of one guest.
type Manager struct {
	res    *resource.Manager
	binder SlotBinder
	hole   resource.Range

	mu      sync.RWMutex
	regions *btree.BTreeG[*Region]
	byID    map[string]*Region
}

// NewManager builds an empty address space. binder may be nil when RAM is
// never handed to a virtualization facility.
func NewManager(res *resource.Manager, binder SlotBinder, hole resource.Range) *Manager {
	return &Manager{
		res:    res,
		binder: binder,
		hole:   hole,
		regions: btree.NewG(8, func(a, b *Region) bool {
			return a.Start < b.Start
		}),
		byID: make(map[string]*Region),
	}
}

func (m *Manager) Logger() *logrus.Entry {
	return memLog
}

// overlapping returns a registered region intersecting [start, last].
func (m *Manager) overlapping(start, last uint64) *Region {
	var hit *Region

	m.regions.DescendLessOrEqual(&Region{Start: start}, func(r *Region) bool {
		if r.Last() >= start {
			hit = r
		}

		return false
	})

	if hit != nil {
		return hit
	}

	m.regions.AscendGreaterOrEqual(&Region{Start: start}, func(r *Region) bool {
		if r.Start <= last {
			hit = r
		}

		return false
	})

	return hit
}

// RegisterRegion adds r to the address space. RAM regions reserve their
// guest memory range and one memory slot, and are mapped on the host when
// r.Host is nil.
func (m *Manager) RegisterRegion(r *Region) error {
	if r.Size == 0 || r.Start+r.Size-1 < r.Start {
		return fmt.Errorf("%w: %s", errInvalidRegion, r)
	}

	if r.Type == MMIO && r.Handler == nil {
		return fmt.Errorf("%w: mmio region %s without handler", errInvalidRegion, r.ID)
	}

	if r.Type == RAM && r.Host != nil && uint64(len(r.Host)) != r.Size {
		return fmt.Errorf("%w: %s", errHostSizeMismatch, r)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[r.ID]; ok {
		return fmt.Errorf("%w: %s", errDuplicateRegion, r.ID)
	}

	if o := m.overlapping(r.Start, r.Last()); o != nil {
		return fmt.Errorf("%w: %s intersects %s", ErrOverlappingRegion, r, o)
	}

	if r.Type == RAM {
		if err := m.bindRAM(r); err != nil {
			return err
		}
	}

	m.regions.ReplaceOrInsert(r)
	m.byID[r.ID] = r

	m.Logger().WithFields(logrus.Fields{
		"region": r.ID,
		"type":   r.Type.String(),
		"start":  fmt.Sprintf("%#x", r.Start),
		"size":   fmt.Sprintf("%#x", r.Size),
	}).Debug("region registered")

	return nil
}

func (m *Manager) bindRAM(r *Region) error {
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	mr, err := m.res.AllocateConstrained(resource.Memory, resource.Constraint{
		Size:   r.Size,
		Within: &resource.Range{Base: r.Start, Size: r.Size},
	})
	if err != nil {
		return fmt.Errorf("reserve guest memory for %s: %w", r.ID, err)
	}

	cu.Add(func() { _ = m.res.Release(resource.Memory, mr) })

	slot, err := m.res.AllocateMemSlot()
	if err != nil {
		return fmt.Errorf("memory slot for %s: %w", r.ID, err)
	}

	cu.Add(func() { _ = m.res.ReleaseMemSlot(slot) })

	if r.Host == nil {
		host, err := mapHost(r.Size, r.Backing, r.FilePath)
		if err != nil {
			return fmt.Errorf("map %s: %w", r.ID, err)
		}

		r.Host = host
		r.ownsHost = true

		cu.Add(func() {
			_ = unmapHost(host)
			r.Host = nil
			r.ownsHost = false
		})
	}

	if m.binder != nil {
		if err := m.binder.SetMemoryRegion(slot, r.Start, r.Host); err != nil {
			return fmt.Errorf("bind %s to slot %d: %w", r.ID, slot, err)
		}
	}

	r.Slot = slot
	r.memRange = mr

	cu.Release()

	return nil
}

// UnregisterRegion removes the region id and releases what registration took.
func (m *Manager) UnregisterRegion(id string) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errRegionNotFound, id)
	}

	if err := m.unbind(r); err != nil {
		return nil, err
	}

	m.regions.Delete(r)
	delete(m.byID, id)

	m.Logger().WithField("region", id).Debug("region unregistered")

	return r, nil
}

func (m *Manager) unbind(r *Region) error {
	if r.Type != RAM {
		return nil
	}

	if m.binder != nil {
		if err := m.binder.RemoveMemoryRegion(r.Slot); err != nil {
			return fmt.Errorf("unbind %s from slot %d: %w", r.ID, r.Slot, err)
		}
	}

	if err := m.res.ReleaseMemSlot(r.Slot); err != nil {
		return err
	}

	if err := m.res.Release(resource.Memory, r.memRange); err != nil {
		return err
	}

	if r.ownsHost {
		if err := unmapHost(r.Host); err != nil {
			return fmt.Errorf("unmap %s: %w", r.ID, err)
		}

		r.Host = nil
		r.ownsHost = false
	}

	return nil
}

// Translate resolves addr to its owning region.
func (m *Manager) Translate(addr uint64) (*Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.translateLocked(addr)
}

func (m *Manager) translateLocked(addr uint64) (*Region, error) {
	var hit *Region

	m.regions.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		if r.Contains(addr) {
			hit = r
		}

		return false
	})

	if hit == nil {
		return nil, fmt.Errorf("%w: %#x", ErrAddressNotMapped, addr)
	}

	return hit, nil
}

// Region returns the region registered under id.
func (m *Manager) Region(id string) (*Region, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byID[id]

	return r, ok
}

// Regions returns every registered region ordered by start address.
func (m *Manager) Regions() []*Region {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Region, 0, m.regions.Len())

	m.regions.Ascend(func(r *Region) bool {
		out = append(out, r)

		return true
	})

	return out
}

func (m *Manager) Descriptors() []RegionDescriptor {
	regions := m.Regions()
	out := make([]RegionDescriptor, len(regions))

	for i, r := range regions {
		out[i] = r.Descriptor()
	}

	return out
}

// MMIORead dispatches a guest read at addr to the owning MMIO handler.
func (m *Manager) MMIORead(addr uint64, data []byte) error {
	r, err := m.Translate(addr)
	if err != nil {
		return err
	}

	if r.Type != MMIO {
		return fmt.Errorf("%w: %s", errNotMMIO, r)
	}

	return r.Handler.Read(addr-r.Start, data)
}

// MMIOWrite dispatches a guest write at addr to the owning MMIO handler.
func (m *Manager) MMIOWrite(addr uint64, data []byte) error {
	r, err := m.Translate(addr)
	if err != nil {
		return err
	}

	if r.Type != MMIO {
		return fmt.Errorf("%w: %s", errNotMMIO, r)
	}

	return r.Handler.Write(addr-r.Start, data)
}

// BARSize rounds size up to the next power of two, honoring the minimum
// window of memory and I/O BARs.
func BARSize(size uint64, io bool) uint64 {
	minSize := uint64(minMemBARSize)
	if io {
		minSize = minIOBARSize
	}

	if size < minSize {
		return minSize
	}

	if size&(size-1) == 0 {
		return size
	}

	return 1 << (64 - bits.LeadingZeros64(size))
}

// PlaceBAR reserves a naturally aligned window for a BAR of size bytes.
func (m *Manager) PlaceBAR(size uint64, io bool) (resource.Range, error) {
	size = BARSize(size, io)

	kind := resource.MMIO
	if io {
		kind = resource.PIO
	}

	r, err := m.res.Allocate(kind, size, size)
	if err != nil {
		return resource.Range{}, fmt.Errorf("place %#x byte bar: %w", size, err)
	}

	return r, nil
}

func (m *Manager) ReleaseBAR(r resource.Range, io bool) error {
	kind := resource.MMIO
	if io {
		kind = resource.PIO
	}

	return m.res.Release(kind, r)
}

// CreateGuestMemory registers size bytes of RAM from address 0, split into
// two regions when it would cross the MMIO hole.
func (m *Manager) CreateGuestMemory(size uint64, backing BackingType, filePath string) ([]*Region, error) {
	type span struct{ start, size uint64 }

	var spans []span

	if size <= m.hole.Base {
		spans = append(spans, span{0, size})
	} else {
		spans = append(spans,
			span{0, m.hole.Base},
			span{m.hole.Last() + 1, size - m.hole.Base})
	}

	var created []*Region

	cu := cleanup.Make(func() {
		for i := len(created) - 1; i >= 0; i-- {
			if _, err := m.UnregisterRegion(created[i].ID); err != nil {
				m.Logger().WithError(err).Warn("failed to roll back guest memory")
			}
		}
	})
	defer cu.Clean()

	path := filePath

	for i, s := range spans {
		r := &Region{
			ID:       fmt.Sprintf("ram%d", i),
			Start:    s.start,
			Size:     s.size,
			Type:     RAM,
			Backing:  backing,
			FilePath: path,
		}

		if err := m.RegisterRegion(r); err != nil {
			return nil, err
		}

		created = append(created, r)

		if path != "" && !isDir(path) {
			path += "1"
		}
	}

	cu.Release()

	return created, nil
}

// Release unregisters every region, last first.
func (m *Manager) Release() error {
	regions := m.Regions()

	for i := len(regions) - 1; i >= 0; i-- {
		if _, err := m.UnregisterRegion(regions[i].ID); err != nil {
			return err
		}
	}

	return nil
}
