// Package ebda builds the Intel MultiProcessor tables placed in the Extended
// BIOS Data Area. Linux scans the last KiB below 640KiB for them to find the
// application processors and the I/O APIC.
//
// refs
// https://github.com/torvalds/linux/blob/master/arch/x86/include/asm/mpspec_def.h
// https://pdos.csail.mit.edu/6.828/2008/readings/ia32/MPspec.pdf
package ebda

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Size is the space the tables may use.
	Size = 0x400

	// MaxCPUs is the largest processor count whose tables fit in Size.
	MaxCPUs = 32

	// NumIRQs is the number of I/O APIC pins routed one to one from the
	// ISA bus.
	NumIRQs = 24

	LAPICBase  = 0xfee00000
	IOAPICBase = 0xfec00000

	apicVersion = 0x14
	mpSpecRev   = 4

	entryProcessor = 0
	entryBus       = 1
	entryIOAPIC    = 2
	entryIOIntr    = 3
	entryLocalIntr = 4

	cpuEnabled        = 1
	cpuBootProcessor  = 2
	cpuStepping       = 0x600
	cpuFeatureFPU     = 1 << 0
	cpuFeatureAPIC    = 1 << 9
	ioapicUsable      = 1
	intrINT           = 0
	intrNMI           = 1
	intrExtINT        = 3
	allLocalAPICs     = 0xff
	isaBusID          = 0
	floatingPtrLength = 1
)

var errCPUCount = errors.New("cpu count out of range")

// mpfIntel is the MP floating pointer structure.
type mpfIntel struct {
	Signature     [4]byte
	PhysPtr       uint32
	Length        uint8
	Specification uint8
	CheckSum      uint8
	Feature       [5]uint8
}

// mpcTable is the MP configuration table header.
type mpcTable struct {
	Signature [4]byte
	Length    uint16
	Spec      uint8
	CheckSum  uint8
	OEM       [8]byte
	ProductID [12]byte
	OEMPtr    uint32
	OEMSize   uint16
	OEMCount  uint16
	LAPIC     uint32
	Reserved  uint32
}

type mpcCPU struct {
	Type        uint8
	APICID      uint8
	APICVer     uint8
	CPUFlag     uint8
	CPUFeature  uint32
	FeatureFlag uint32
	Reserved    [2]uint32
}

type mpcBus struct {
	Type    uint8
	BusID   uint8
	BusType [6]byte
}

type mpcIOAPIC struct {
	Type     uint8
	APICID   uint8
	APICVer  uint8
	Flags    uint8
	APICAddr uint32
}

// mpcIntSrc is shared by I/O and local interrupt assignment entries.
type mpcIntSrc struct {
	Type      uint8
	IRQType   uint8
	IRQFlag   uint16
	SrcBus    uint8
	SrcBusIRQ uint8
	DstAPIC   uint8
	DstIRQ    uint8
}

func checksum(b []byte) uint8 {
	var sum uint8
	for _, x := range b {
		sum += x
	}

	return -sum
}

// IOAPICID returns the APIC id given to the I/O APIC of a guest with ncpus
// processors.
func IOAPICID(ncpus int) uint8 {
	return uint8(ncpus)
}

// New returns the floating pointer followed by the configuration table for
// ncpus processors, ready to be written at base.
func New(base uint32, ncpus int) ([]byte, error) {
	if ncpus < 1 || ncpus > MaxCPUs {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", errCPUCount, ncpus, MaxCPUs)
	}

	var entries bytes.Buffer

	write := func(v any) {
		// Writes to a bytes.Buffer of fixed-size structs cannot fail.
		_ = binary.Write(&entries, binary.LittleEndian, v)
	}

	for i := 0; i < ncpus; i++ {
		flag := uint8(cpuEnabled)
		if i == 0 {
			flag |= cpuBootProcessor
		}

		write(mpcCPU{
			Type:        entryProcessor,
			APICID:      uint8(i),
			APICVer:     apicVersion,
			CPUFlag:     flag,
			CPUFeature:  cpuStepping,
			FeatureFlag: cpuFeatureAPIC | cpuFeatureFPU,
		})
	}

	write(mpcBus{Type: entryBus, BusID: isaBusID, BusType: [6]byte{'I', 'S', 'A', ' ', ' ', ' '}})

	ioapic := IOAPICID(ncpus)
	write(mpcIOAPIC{Type: entryIOAPIC, APICID: ioapic, APICVer: apicVersion, Flags: ioapicUsable, APICAddr: IOAPICBase})

	for irq := 0; irq < NumIRQs; irq++ {
		write(mpcIntSrc{
			Type:      entryIOIntr,
			IRQType:   intrINT,
			SrcBus:    isaBusID,
			SrcBusIRQ: uint8(irq),
			DstAPIC:   ioapic,
			DstIRQ:    uint8(irq),
		})
	}

	write(mpcIntSrc{Type: entryLocalIntr, IRQType: intrExtINT, SrcBus: isaBusID, DstAPIC: 0, DstIRQ: 0})
	write(mpcIntSrc{Type: entryLocalIntr, IRQType: intrNMI, SrcBus: isaBusID, DstAPIC: allLocalAPICs, DstIRQ: 1})

	hdr := mpcTable{
		Signature: [4]byte{'P', 'C', 'M', 'P'},
		Length:    uint16(binary.Size(mpcTable{}) + entries.Len()),
		Spec:      mpSpecRev,
		OEM:       [8]byte{'K', 'V', 'M', 'B', 'O', 'X', ' ', ' '},
		ProductID: [12]byte{'0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0'},
		LAPIC:     LAPICBase,
	}

	var table bytes.Buffer
	if err := binary.Write(&table, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}

	table.Write(entries.Bytes())

	tb := table.Bytes()
	tb[7] = checksum(tb)

	mpf := mpfIntel{
		Signature:     [4]byte{'_', 'M', 'P', '_'},
		PhysPtr:       base + uint32(binary.Size(mpfIntel{})),
		Length:        floatingPtrLength,
		Specification: mpSpecRev,
	}

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, mpf); err != nil {
		return nil, err
	}

	ob := out.Bytes()
	ob[10] = checksum(ob)

	out.Write(tb)

	if out.Len() > Size {
		return nil, fmt.Errorf("%w: tables for %d cpus take %d bytes", errCPUCount, ncpus, out.Len())
	}

	return out.Bytes(), nil
}
