// Package pci emulates PCI configuration space and a flattened root bus.
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidAccess is returned for misaligned or out-of-range config accesses.
	ErrInvalidAccess = errors.New("invalid config space access")

	// ErrSlotOccupied is returned when a bus slot already holds a device.
	ErrSlotOccupied = errors.New("slot occupied")

	errInvalidSlot      = errors.New("invalid slot")
	errSlotEmpty        = errors.New("slot empty")
	errBusFull          = errors.New("no free slot on bus")
	errClaimConflict    = errors.New("bar window conflicts with a claimed range")
	errClaimsRemain     = errors.New("device still claims bar windows")
	errInvalidBAR       = errors.New("invalid bar")
	errCapabilitySpace  = errors.New("no room for capability")
	errInvalidAddress   = errors.New("invalid pci address")
	errStateSizeInvalid = errors.New("config space state has wrong size")
)

var pciLog = logrus.WithField("subsystem", "pci")

const (
	ConfigSpaceSize = 256
	HeaderSize      = 0x40
	NumBARs         = 6

	offVendorID      = 0x00
	offDeviceID      = 0x02
	offCommand       = 0x04
	offStatus        = 0x06
	offClassCode     = 0x09
	offCacheLineSize = 0x0c
	offLatencyTimer  = 0x0d
	offHeaderType    = 0x0e
	offBAR0          = 0x10
	offCapPointer    = 0x34
	offInterruptLine = 0x3c
	offInterruptPin  = 0x3d

	// CommandIO, CommandMemory and CommandBusMaster are command register bits.
	CommandIO          = 1 << 0
	CommandMemory      = 1 << 1
	CommandBusMaster   = 1 << 2
	commandINTxDisable = 1 << 10

	statusCapList = 1 << 4

	barIO         = 0x1
	barMem64      = 0x4
	barPrefetch   = 0x8
	barIOAddrMask = 0xfffffffc
	barMemAddrMsk = 0xfffffff0
)

// DeviceHeader is the standardized type-0 configuration header.
type DeviceHeader struct {
	VendorID                uint16
	DeviceID                uint16
	Command                 uint16
	Status                  uint16
	RevisionID              uint8
	ClassCode               [3]uint8
	CacheLineSize           uint8
	LatencyTimer            uint8
	HeaderType              uint8
	BIST                    uint8
	BAR                     [NumBARs]uint32
	CardbusCISPointer       uint32
	SubsystemVendorID       uint16
	SubsystemID             uint16
	ExpansionROMBaseAddress uint32
	CapabilitiesPointer     uint8
	_                       [7]uint8
	InterruptLine           uint8
	InterruptPin            uint8
	MinGnt                  uint8
	MaxLat                  uint8
}

func (h *DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Address is a bus/device/function triple.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Device, a.Function)
}

// ParseAddress parses the bb:dd.f form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	var bus, dev, fn uint

	if n, err := fmt.Sscanf(s, "%02x:%02x.%x", &bus, &dev, &fn); err != nil || n != 3 {
		return Address{}, fmt.Errorf("%w: %q", errInvalidAddress, s)
	}

	if bus > 0xff || dev >= NumSlots || fn > 7 {
		return Address{}, fmt.Errorf("%w: %q", errInvalidAddress, s)
	}

	return Address{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}, nil
}

// SizeToBits returns the value a BAR of the given size reads back after an
// all-ones write, without type bits.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

// BytesToNum decodes up to eight little-endian bytes.
func BytesToNum(bytes []byte) uint64 {
	res := uint64(0)
	for i := len(bytes) - 1; i >= 0; i-- {
		res <<= 8
		res |= uint64(bytes[i])
	}

	return res
}

// NumToBytes encodes an unsigned integer little-endian. Other types yield an
// empty slice.
func NumToBytes(x interface{}) []byte {
	switch v := x.(type) {
	case uint8:
		return []byte{v}
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)

		return b
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)

		return b
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)

		return b
	}

	return []byte{}
}
