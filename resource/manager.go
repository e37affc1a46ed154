package resource

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	// SharedIRQ is handed to every device asking for a shared legacy line.
	// It is never placed in the legacy pool.
	SharedIRQ = 5

	legacyIRQMax = 23
	msiIRQBase   = 24
	msiIRQMax    = 1023

	pioMax = 0xffff

	// MMIOLowStart and MMIOLowEnd bound the 32-bit MMIO hole.
	MMIOLowStart = 3 << 30
	MMIOLowEnd   = 1<<32 - 1

	// SystemMMIOSize covers LAPIC, IOAPIC and HPET plus 16KiB for IPI
	// passthrough, placed directly below 4GiB.
	SystemMMIOSize = 0x400_4000

	defaultPhysBits = 40

	// DefaultMemSlots matches KVM_USER_MEM_SLOTS on x86.
	DefaultMemSlots = 509
)

// Layout fixes the span of every pool.
type Layout struct {
	LegacyIRQ Range
	MSIIRQ    Range
	PIO       Range
	MMIO      []Range
	Memory    []Range
	MemSlots  uint64
}

// DefaultLayout returns the x86 layout with guest memory below half of the
// physical address space and the system MMIO window carved out of the hole.
func DefaultLayout(memSlots uint64) Layout {
	physEnd := uint64(1)<<defaultPhysBits - 1
	memEnd := physEnd >> 1

	if memSlots == 0 {
		memSlots = DefaultMemSlots
	}

	return Layout{
		LegacyIRQ: NewRange(SharedIRQ+1, legacyIRQMax),
		MSIIRQ:    NewRange(msiIRQBase, msiIRQMax),
		PIO:       NewRange(0, pioMax),
		MMIO: []Range{
			NewRange(MMIOLowStart, MMIOLowEnd-SystemMMIOSize),
			NewRange(memEnd+1, physEnd),
		},
		Memory: []Range{
			NewRange(0, MMIOLowStart-1),
			NewRange(MMIOLowEnd+1, memEnd),
		},
		MemSlots: memSlots,
	}
}

// Manager owns one independently locked pool per resource kind.
type Manager struct {
	pools [numKinds]*Pool
}

func NewManager(l Layout) *Manager {
	m := &Manager{}

	m.pools[LegacyIRQ] = NewPool(LegacyIRQ, l.LegacyIRQ)
	m.pools[MSIIRQ] = NewPool(MSIIRQ, l.MSIIRQ)
	m.pools[PIO] = NewPool(PIO, l.PIO)
	m.pools[MMIO] = NewPool(MMIO, l.MMIO...)
	m.pools[Memory] = NewPool(Memory, l.Memory...)
	m.pools[MemSlot] = NewPool(MemSlot, Range{Base: 0, Size: l.MemSlots})

	return m
}

func (m *Manager) Logger() *logrus.Entry {
	return resourceLog
}

// Pool returns the pool serving kind.
func (m *Manager) Pool(kind Kind) (*Pool, error) {
	if kind < 0 || kind >= numKinds {
		return nil, fmt.Errorf("%w: %d", errUnknownKind, kind)
	}

	return m.pools[kind], nil
}

// Allocate reserves size units of kind aligned to align.
func (m *Manager) Allocate(kind Kind, size, align uint64) (Range, error) {
	return m.AllocateConstrained(kind, Constraint{Size: size, Align: align})
}

func (m *Manager) AllocateConstrained(kind Kind, c Constraint) (Range, error) {
	p, err := m.Pool(kind)
	if err != nil {
		return Range{}, err
	}

	return p.Allocate(c)
}

func (m *Manager) Release(kind Kind, r Range) error {
	p, err := m.Pool(kind)
	if err != nil {
		return err
	}

	return p.Release(r)
}

// AllocateLegacyIRQ returns SharedIRQ when shared is set, the fixed line when
// one is given, or the lowest free line otherwise.
func (m *Manager) AllocateLegacyIRQ(shared bool, fixed *uint32) (uint32, error) {
	if shared {
		return SharedIRQ, nil
	}

	c := Constraint{Size: 1}
	if fixed != nil {
		c = Fixed(uint64(*fixed))
	}

	r, err := m.pools[LegacyIRQ].Allocate(c)
	if err != nil {
		return 0, err
	}

	return uint32(r.Base), nil
}

func (m *Manager) ReleaseLegacyIRQ(irq uint32) error {
	if irq == SharedIRQ {
		return nil
	}

	return m.pools[LegacyIRQ].Release(Range{Base: uint64(irq), Size: 1})
}

// AllocateMemSlot returns a free hypervisor memory slot.
func (m *Manager) AllocateMemSlot() (uint32, error) {
	r, err := m.pools[MemSlot].Allocate(Constraint{Size: 1})
	if err != nil {
		return 0, err
	}

	return uint32(r.Base), nil
}

func (m *Manager) ReleaseMemSlot(slot uint32) error {
	return m.pools[MemSlot].Release(Range{Base: uint64(slot), Size: 1})
}

// Request is one entry of a device resource request.
type Request struct {
	Kind       Kind
	Constraint Constraint
	// Shared marks a legacy IRQ request that may use the shared line.
	Shared bool
}

// Allocation is a granted request.
type Allocation struct {
	Kind  Kind
	Range Range
}

// Resources is the set of ranges granted to one device.
type Resources []Allocation

// Get returns the n-th allocation of kind.
func (rs Resources) Get(kind Kind, n int) (Range, bool) {
	for _, a := range rs {
		if a.Kind != kind {
			continue
		}

		if n == 0 {
			return a.Range, true
		}

		n--
	}

	return Range{}, false
}

// AllocateDeviceResources grants every request or none of them. Legacy IRQ
// requests with Shared set receive SharedIRQ when sharedIRQ is true.
func (m *Manager) AllocateDeviceResources(reqs []Request, sharedIRQ bool) (Resources, error) {
	res := make(Resources, 0, len(reqs))

	for _, req := range reqs {
		var (
			r   Range
			err error
		)

		if req.Kind == LegacyIRQ && req.Shared && sharedIRQ {
			r = Range{Base: SharedIRQ, Size: 1}
		} else {
			r, err = m.AllocateConstrained(req.Kind, req.Constraint)
		}

		if err != nil {
			if ferr := m.FreeDeviceResources(res); ferr != nil {
				m.Logger().WithError(ferr).Error("failed to roll back device resources")
			}

			return nil, fmt.Errorf("allocate %s: %w", req.Kind, err)
		}

		res = append(res, Allocation{Kind: req.Kind, Range: r})
	}

	return res, nil
}

// FreeDeviceResources releases every allocation of res, continuing past errors.
func (m *Manager) FreeDeviceResources(res Resources) error {
	var errs []error

	for i := len(res) - 1; i >= 0; i-- {
		a := res[i]
		if a.Kind == LegacyIRQ && a.Range.Base == SharedIRQ {
			continue
		}

		if err := m.Release(a.Kind, a.Range); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// LiveAllocations reports the number of live allocations per kind.
func (m *Manager) LiveAllocations() map[Kind]int {
	out := make(map[Kind]int, numKinds)
	for _, k := range Kinds() {
		out[k] = m.pools[k].LiveCount()
	}

	return out
}

// TotalLive is the sum of LiveAllocations.
func (m *Manager) TotalLive() int {
	n := 0
	for _, c := range m.LiveAllocations() {
		n += c
	}

	return n
}
