package pci

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// BAR declares one base address register of a function.
type BAR struct {
	Index        int
	Size         uint64
	IO           bool
	Is64         bool
	Prefetchable bool
}

func (b BAR) typeBits() uint32 {
	if b.IO {
		return barIO
	}

	var t uint32
	if b.Is64 {
		t |= barMem64
	}

	if b.Prefetchable {
		t |= barPrefetch
	}

	return t
}

// BARWriteFunc is called after a guest write moves a BAR to addr.
type BARWriteFunc func(index int, addr uint64)

// ConfigSpace is the 256-byte configuration space of one function. Writes
// only change the bits set in the write mask, which is how read-only fields
// and BAR sizing are implemented.
type ConfigSpace struct {
	mu      sync.Mutex
	data    [ConfigSpaceSize]byte
	wmask   [ConfigSpaceSize]byte
	bars    [NumBARs]*BAR
	capNext int
	capLast int
	onBAR   BARWriteFunc

	// committed holds the last BAR addresses reported or set by the host.
	committed [NumBARs]uint64
}

// NewConfigSpace lays out h and the declared bars. BAR sizes must be powers
// of two of at least 16 bytes for memory and 4 bytes for I/O.
func NewConfigSpace(h DeviceHeader, bars ...BAR) (*ConfigSpace, error) {
	h.CapabilitiesPointer = 0
	h.Status &^= statusCapList
	h.BAR = [NumBARs]uint32{}

	hb, err := h.Bytes()
	if err != nil {
		return nil, err
	}

	c := &ConfigSpace{capNext: HeaderSize}
	copy(c.data[:], hb)

	c.setMask16(offCommand, CommandIO|CommandMemory|CommandBusMaster|commandINTxDisable)
	c.wmask[offCacheLineSize] = 0xff
	c.wmask[offLatencyTimer] = 0xff
	c.wmask[offInterruptLine] = 0xff

	for i := range bars {
		b := bars[i]
		if err := c.declareBAR(&b); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *ConfigSpace) declareBAR(b *BAR) error {
	minSize := uint64(16)
	if b.IO {
		minSize = 4
	}

	if b.Index < 0 || b.Index >= NumBARs || b.Size < minSize || b.Size&(b.Size-1) != 0 {
		return fmt.Errorf("%w: %+v", errInvalidBAR, *b)
	}

	if b.IO && (b.Is64 || b.Prefetchable) {
		return fmt.Errorf("%w: io bar %d cannot be 64-bit or prefetchable", errInvalidBAR, b.Index)
	}

	if b.Is64 && b.Index == NumBARs-1 {
		return fmt.Errorf("%w: 64-bit bar %d has no upper half", errInvalidBAR, b.Index)
	}

	if c.bars[b.Index] != nil || (b.Is64 && c.bars[b.Index+1] != nil) {
		return fmt.Errorf("%w: bar %d declared twice", errInvalidBAR, b.Index)
	}

	if b.Index > 0 && c.bars[b.Index-1] != nil && c.bars[b.Index-1].Is64 {
		return fmt.Errorf("%w: bar %d is the upper half of bar %d", errInvalidBAR, b.Index, b.Index-1)
	}

	off := offBAR0 + 4*b.Index
	mask := ^(b.Size - 1)

	binary.LittleEndian.PutUint32(c.data[off:], b.typeBits())

	if b.IO {
		c.setMask32(off, uint32(mask)&barIOAddrMask)
	} else {
		c.setMask32(off, uint32(mask)&barMemAddrMsk)
	}

	if b.Is64 {
		c.setMask32(off+4, uint32(mask>>32))
	}

	c.bars[b.Index] = b

	return nil
}

func (c *ConfigSpace) setMask16(off int, m uint16) {
	binary.LittleEndian.PutUint16(c.wmask[off:], m)
}

func (c *ConfigSpace) setMask32(off int, m uint32) {
	binary.LittleEndian.PutUint32(c.wmask[off:], m)
}

func checkAccess(offset, length int) error {
	switch length {
	case 1, 2, 4:
	default:
		return fmt.Errorf("%w: length %d", ErrInvalidAccess, length)
	}

	if offset < 0 || offset+length > ConfigSpaceSize {
		return fmt.Errorf("%w: offset %#x out of range", ErrInvalidAccess, offset)
	}

	if offset%length != 0 {
		return fmt.Errorf("%w: offset %#x not aligned to %d", ErrInvalidAccess, offset, length)
	}

	return nil
}

// Read returns length bytes at offset as a little-endian value.
func (c *ConfigSpace) Read(offset, length int) (uint32, error) {
	if err := checkAccess(offset, length); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var v uint32
	for i := length - 1; i >= 0; i-- {
		v = v<<8 | uint32(c.data[offset+i])
	}

	return v, nil
}

// Write stores length bytes of value at offset. Read-only bits keep their
// value. Once decoding is enabled in the command register, a BAR whose
// address differs from the last one reported is passed to the OnBARWrite
// callback.
func (c *ConfigSpace) Write(offset, length int, value uint32) error {
	if err := checkAccess(offset, length); err != nil {
		return err
	}

	c.mu.Lock()

	for i := 0; i < length; i++ {
		b := byte(value >> (8 * i))
		m := c.wmask[offset+i]
		c.data[offset+i] = c.data[offset+i]&^m | b&m
	}

	sizing := offset >= offBAR0 && offset < offBAR0+4*NumBARs && value == 0xffffffff

	var moved []int

	if !sizing {
		cmd := binary.LittleEndian.Uint16(c.data[offCommand:])
		addrs := c.barAddresses()

		for i, b := range c.bars {
			if b == nil {
				continue
			}

			if (b.IO && cmd&CommandIO == 0) || (!b.IO && cmd&CommandMemory == 0) {
				continue
			}

			if addrs[i] != c.committed[i] {
				c.committed[i] = addrs[i]
				moved = append(moved, i)
			}
		}
	}

	cb := c.onBAR
	committed := c.committed

	c.mu.Unlock()

	if cb != nil {
		for _, i := range moved {
			cb(i, committed[i])
		}
	}

	return nil
}

func (c *ConfigSpace) barAddresses() [NumBARs]uint64 {
	var out [NumBARs]uint64

	for i, b := range c.bars {
		if b == nil {
			continue
		}

		out[i] = c.barAddressLocked(b)
	}

	return out
}

func (c *ConfigSpace) barAddressLocked(b *BAR) uint64 {
	off := offBAR0 + 4*b.Index
	lo := uint64(binary.LittleEndian.Uint32(c.data[off:]))

	if b.IO {
		return lo & barIOAddrMask
	}

	addr := lo & barMemAddrMsk
	if b.Is64 {
		addr |= uint64(binary.LittleEndian.Uint32(c.data[off+4:])) << 32
	}

	return addr
}

// OnBARWrite installs fn as the BAR relocation callback.
func (c *ConfigSpace) OnBARWrite(fn BARWriteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onBAR = fn
}

// BARs returns the declared BARs in index order.
func (c *ConfigSpace) BARs() []BAR {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []BAR

	for _, b := range c.bars {
		if b != nil {
			out = append(out, *b)
		}
	}

	return out
}

// BARAddress returns the decoded address programmed into BAR index.
func (c *ConfigSpace) BARAddress(index int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= NumBARs || c.bars[index] == nil {
		return 0, fmt.Errorf("%w: %d", errInvalidBAR, index)
	}

	return c.barAddressLocked(c.bars[index]), nil
}

// SetBARAddress programs BAR index from the host side.
func (c *ConfigSpace) SetBARAddress(index int, addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= NumBARs || c.bars[index] == nil {
		return fmt.Errorf("%w: %d", errInvalidBAR, index)
	}

	b := c.bars[index]
	if addr&(b.Size-1) != 0 {
		return fmt.Errorf("%w: %#x is not aligned to bar %d size %#x", errInvalidBAR, addr, index, b.Size)
	}

	off := offBAR0 + 4*index
	binary.LittleEndian.PutUint32(c.data[off:], uint32(addr)|b.typeBits())

	if b.Is64 {
		binary.LittleEndian.PutUint32(c.data[off+4:], uint32(addr>>32))
	}

	c.committed[index] = addr

	return nil
}

// AddCapability appends a capability with the given id and body to the
// list in the device-specific area and returns its offset.
func (c *ConfigSpace) AddCapability(id uint8, body []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := (2 + len(body) + 3) &^ 3
	if c.capNext+size > ConfigSpaceSize {
		return 0, fmt.Errorf("%w: %d bytes at %#x", errCapabilitySpace, size, c.capNext)
	}

	off := c.capNext
	c.data[off] = id
	c.data[off+1] = 0
	copy(c.data[off+2:], body)

	if c.capLast == 0 {
		c.data[offCapPointer] = uint8(off)
	} else {
		c.data[c.capLast+1] = uint8(off)
	}

	status := binary.LittleEndian.Uint16(c.data[offStatus:]) | statusCapList
	binary.LittleEndian.PutUint16(c.data[offStatus:], status)

	c.capLast = off
	c.capNext = off + size

	return off, nil
}

// SetWritable marks the bits of mask at offset as guest writable.
func (c *ConfigSpace) SetWritable(offset int, mask []byte) error {
	if offset < HeaderSize || offset+len(mask) > ConfigSpaceSize {
		return fmt.Errorf("%w: writable mask at %#x", ErrInvalidAccess, offset)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	copy(c.wmask[offset:], mask)

	return nil
}

// Command returns the command register.
func (c *ConfigSpace) Command() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return binary.LittleEndian.Uint16(c.data[offCommand:])
}

func (c *ConfigSpace) VendorID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return binary.LittleEndian.Uint16(c.data[offVendorID:])
}

func (c *ConfigSpace) DeviceID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return binary.LittleEndian.Uint16(c.data[offDeviceID:])
}

// SetInterruptLine records the legacy IRQ routed to the function.
func (c *ConfigSpace) SetInterruptLine(irq uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[offInterruptLine] = irq
}

func (c *ConfigSpace) InterruptLine() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.data[offInterruptLine]
}

// Bytes returns a copy of the raw configuration space.
func (c *ConfigSpace) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]byte, ConfigSpaceSize)
	copy(out, c.data[:])

	return out
}

// Restore replaces the raw configuration space with a copy taken by Bytes.
// The layout of BARs and capabilities must match.
func (c *ConfigSpace) Restore(b []byte) error {
	if len(b) != ConfigSpaceSize {
		return fmt.Errorf("%w: %d", errStateSizeInvalid, len(b))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	copy(c.data[:], b)
	c.committed = c.barAddresses()

	return nil
}
