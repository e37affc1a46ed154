// Package pvh boots an uncompressed ELF kernel through the Xen PVH entry
// point: 32-bit protected mode, paging off, with an hvm_start_info block in
// EBX.
//
// refs
// https://xenbits.xen.org/docs/unstable/misc/pvh.html
// https://github.com/torvalds/linux/blob/master/arch/x86/platform/pvh/head.S
package pvh

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kvmbox/kvmbox/ebda"
	"github.com/kvmbox/kvmbox/resource"
	"github.com/sirupsen/logrus"
)

// Guest physical layout of the boot structures.
const (
	BootGDTStart    = 0x500
	BootIDTStart    = 0x520
	StartInfoAddr   = 0x6000
	ModListAddr     = 0x6040
	MemMapAddr      = 0x7000
	CmdlineAddr     = 0x20000
	CmdlineSizeMax  = 0x10000
	EBDAStart       = 0x9fc00
	HighRAMStart    = 0x100000
	initrdAlignment = 0x200000

	// E820 entry types.
	E820Ram      = 1
	E820Reserved = 2

	startInfoMagic   = 0x336ec578
	xenNotePhys32    = 18
	xenNoteName      = "Xen\x00"
	maxMemMapEntries = (CmdlineAddr - MemMapAddr) / 24
)

var (
	ErrNoEntry = errors.New("kernel has neither a PVH note nor a physical entry point")

	errNotX86       = errors.New("kernel is not an x86_64 ELF")
	errOutsideRAM   = errors.New("does not fit in guest RAM")
	errCmdlineLarge = errors.New("kernel command line too long")
	errNoLoad       = errors.New("kernel has no loadable segment")
)

var pvhLog = logrus.WithField("subsystem", "pvh")

// StartInfo is struct hvm_start_info.
type StartInfo struct {
	Magic         uint32
	Version       uint32
	Flags         uint32
	NrModules     uint32
	ModlistPAddr  uint64
	CmdLinePAddr  uint64
	RSDPPAddr     uint64
	MemMapPAddr   uint64
	MemMapEntries uint32
	_             uint32
}

// ModListEntry is struct hvm_modlist_entry.
type ModListEntry struct {
	Addr        uint64
	Size        uint64
	CmdLineAddr uint64
	_           uint64
}

// MemMapEntry is struct hvm_memmap_table_entry.
type MemMapEntry struct {
	Addr uint64
	Size uint64
	Type uint32
	_    uint32
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// BootState is what a vCPU needs to start at the PVH entry.
type BootState struct {
	Entry     uint64
	StartInfo uint64
	GDTAddr   uint64
	IDTAddr   uint64
	GDT       GDT
}

// Image is a kernel with its boot inputs.
type Image struct {
	Kernel  io.ReaderAt
	Initrd  []byte
	Cmdline string

	// RAM lists the guest RAM ranges.
	RAM []resource.Range

	// VCPUs is the processor count announced in the MP tables. No tables
	// are written when it is zero.
	VCPUs int
}

// MemMap builds the E820 map for the given RAM ranges. The EBDA and the BIOS
// area below 1MiB are reserved.
func MemMap(ram []resource.Range) []MemMapEntry {
	var out []MemMapEntry

	for _, r := range ram {
		if r.Base == 0 && r.Last() >= HighRAMStart {
			out = append(out,
				MemMapEntry{Addr: 0, Size: EBDAStart, Type: E820Ram},
				MemMapEntry{Addr: EBDAStart, Size: HighRAMStart - EBDAStart, Type: E820Reserved},
				MemMapEntry{Addr: HighRAMStart, Size: r.Size - HighRAMStart, Type: E820Ram})

			continue
		}

		out = append(out, MemMapEntry{Addr: r.Base, Size: r.Size, Type: E820Ram})
	}

	return out
}

func inRAM(ram []resource.Range, start, size uint64) bool {
	if size == 0 {
		return true
	}

	for _, r := range ram {
		if r.Contains(start) && start+size-1 <= r.Last() {
			return true
		}
	}

	return false
}

// FindEntry returns the 32-bit entry address from the XEN_ELFNOTE_PHYS32_ENTRY
// note, if present.
func FindEntry(f *elf.File) (uint32, bool, error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE || p.Filesz == 0 {
			continue
		}

		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			return 0, false, fmt.Errorf("read note segment: %w", err)
		}

		for len(data) >= 12 {
			namesz := binary.LittleEndian.Uint32(data[0:])
			descsz := binary.LittleEndian.Uint32(data[4:])
			typ := binary.LittleEndian.Uint32(data[8:])
			data = data[12:]

			nameEnd := alignUp4(uint64(namesz))
			descEnd := nameEnd + alignUp4(uint64(descsz))

			if uint64(len(data)) < descEnd {
				break
			}

			if typ == xenNotePhys32 && string(data[:namesz]) == xenNoteName && descsz >= 4 {
				return binary.LittleEndian.Uint32(data[nameEnd:]), true, nil
			}

			data = data[descEnd:]
		}
	}

	return 0, false, nil
}

func alignUp4(v uint64) uint64 {
	return (v + 3) &^ 3
}

// Load writes the kernel, initrd, command line and boot structures into mem.
func Load(mem io.WriterAt, img Image) (BootState, error) {
	f, err := elf.NewFile(img.Kernel)
	if err != nil {
		return BootState{}, fmt.Errorf("open kernel: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return BootState{}, fmt.Errorf("%w: machine %s", errNotX86, f.Machine)
	}

	var (
		loaded          bool
		minPhys, maxEnd uint64
	)

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}

		if !inRAM(img.RAM, p.Paddr, p.Memsz) {
			return BootState{}, fmt.Errorf("segment at %#x size %#x %w", p.Paddr, p.Memsz, errOutsideRAM)
		}

		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			return BootState{}, fmt.Errorf("read segment at %#x: %w", p.Paddr, err)
		}

		if _, err := mem.WriteAt(data, int64(p.Paddr)); err != nil {
			return BootState{}, err
		}

		if !loaded || p.Paddr < minPhys {
			minPhys = p.Paddr
		}

		if end := p.Paddr + p.Memsz; end > maxEnd {
			maxEnd = end
		}

		loaded = true
	}

	if !loaded {
		return BootState{}, errNoLoad
	}

	entry, ok, err := FindEntry(f)
	if err != nil {
		return BootState{}, err
	}

	bs := BootState{
		Entry:     uint64(entry),
		StartInfo: StartInfoAddr,
		GDTAddr:   BootGDTStart,
		IDTAddr:   BootIDTStart,
		GDT:       CreateGDT(),
	}

	if !ok {
		if f.Entry < minPhys || f.Entry >= maxEnd {
			return BootState{}, fmt.Errorf("%w: elf entry %#x", ErrNoEntry, f.Entry)
		}

		bs.Entry = f.Entry
	}

	if _, err := mem.WriteAt(bs.GDT.Bytes(), BootGDTStart); err != nil {
		return BootState{}, err
	}

	if _, err := mem.WriteAt(make([]byte, 8), BootIDTStart); err != nil {
		return BootState{}, err
	}

	if img.VCPUs > 0 {
		mp, err := ebda.New(EBDAStart, img.VCPUs)
		if err != nil {
			return BootState{}, err
		}

		if _, err := mem.WriteAt(mp, EBDAStart); err != nil {
			return BootState{}, err
		}
	}

	if len(img.Cmdline) >= CmdlineSizeMax {
		return BootState{}, fmt.Errorf("%w: %d bytes", errCmdlineLarge, len(img.Cmdline))
	}

	if _, err := mem.WriteAt(append([]byte(img.Cmdline), 0), CmdlineAddr); err != nil {
		return BootState{}, err
	}

	info := StartInfo{
		Magic:        startInfoMagic,
		Version:      1,
		CmdLinePAddr: CmdlineAddr,
		MemMapPAddr:  MemMapAddr,
	}

	if len(img.Initrd) > 0 {
		addr := (maxEnd + initrdAlignment - 1) &^ (initrdAlignment - 1)
		if !inRAM(img.RAM, addr, uint64(len(img.Initrd))) {
			return BootState{}, fmt.Errorf("initrd of %d bytes at %#x %w", len(img.Initrd), addr, errOutsideRAM)
		}

		if _, err := mem.WriteAt(img.Initrd, int64(addr)); err != nil {
			return BootState{}, err
		}

		b, err := encode(ModListEntry{Addr: addr, Size: uint64(len(img.Initrd))})
		if err != nil {
			return BootState{}, err
		}

		if _, err := mem.WriteAt(b, ModListAddr); err != nil {
			return BootState{}, err
		}

		info.NrModules = 1
		info.ModlistPAddr = ModListAddr
	}

	entries := MemMap(img.RAM)
	if len(entries) > maxMemMapEntries {
		entries = entries[:maxMemMapEntries]
	}

	b, err := encode(entries)
	if err != nil {
		return BootState{}, err
	}

	if _, err := mem.WriteAt(b, MemMapAddr); err != nil {
		return BootState{}, err
	}

	info.MemMapEntries = uint32(len(entries))

	if b, err = encode(info); err != nil {
		return BootState{}, err
	}

	if _, err := mem.WriteAt(b, StartInfoAddr); err != nil {
		return BootState{}, err
	}

	pvhLog.WithFields(logrus.Fields{
		"entry":   fmt.Sprintf("%#x", bs.Entry),
		"pvh":     ok,
		"initrd":  len(img.Initrd),
		"memmap":  len(entries),
		"vcpus":   img.VCPUs,
		"cmdline": img.Cmdline,
	}).Debug("kernel loaded")

	return bs, nil
}
