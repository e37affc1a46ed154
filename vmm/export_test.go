package vmm

import (
	"encoding/binary"

	"github.com/kvmbox/kvmbox/pci"
)

var ErrLeakedResources = errLeakedResources

func configAddress(slot, offset int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, 1<<31|uint32(slot)<<11|uint32(offset)&0xfc)

	return b
}

// ConfigWrite runs a 4-byte guest configuration write cycle on slot.
func (v *VMM) ConfigWrite(slot, offset int, value uint32) error {
	if err := v.pio.Out(pci.ConfigAddressPort, configAddress(slot, offset)); err != nil {
		return err
	}

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)

	return v.pio.Out(pci.ConfigDataPort, b)
}

// ConfigRead runs a 4-byte guest configuration read cycle on slot.
func (v *VMM) ConfigRead(slot, offset int) (uint32, error) {
	if err := v.pio.Out(pci.ConfigAddressPort, configAddress(slot, offset)); err != nil {
		return 0, err
	}

	b := make([]byte, 4)
	if err := v.pio.In(pci.ConfigDataPort, b); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// RegionAt returns the id of the region decoding addr.
func (v *VMM) RegionAt(addr uint64) (string, error) {
	r, err := v.mem.Translate(addr)
	if err != nil {
		return "", err
	}

	return r.ID, nil
}

func (v *VMM) PluggedDevice(id string) *plugged {
	v.plugMu.Lock()
	defer v.plugMu.Unlock()

	return v.plugged[id]
}

// RelocateBAR runs the BAR write callback of p as a guest write would.
func (v *VMM) RelocateBAR(p *plugged, index int, addr uint64) {
	v.relocateBAR(p, index, addr)
}

// Leak takes a legacy IRQ nobody will release and returns its release.
func (v *VMM) Leak() (func() error, error) {
	irq, err := v.res.AllocateLegacyIRQ(false, nil)
	if err != nil {
		return nil, err
	}

	return func() error { return v.res.ReleaseLegacyIRQ(irq) }, nil
}

func (p *plugged) Slot() int {
	return p.slot
}

func (p *plugged) BARBase(index int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.claims {
		if c.BAR == index {
			return c.Range.Base
		}
	}

	return 0
}
