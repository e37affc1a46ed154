package pvh_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kvmbox/kvmbox/kvm"
	"github.com/kvmbox/kvmbox/pvh"
	"github.com/kvmbox/kvmbox/resource"
)

func TestGdtEntry(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name       string
		flag       uint16
		base       uint32
		limit      uint32
		expEntry   uint64
		tableIndex uint8
		expSeg     kvm.Segment
	}{
		{
			name:       "Zero Entry",
			flag:       0,
			base:       0,
			limit:      0,
			expEntry:   0,
			tableIndex: 0,
			expSeg: kvm.Segment{
				Unusable: 1,
			},
		},
		{
			name:       "Code Segment Entry",
			flag:       0xc09b,
			base:       0,
			limit:      0xffffffff,
			expEntry:   0xcf9b000000ffff,
			tableIndex: 1,
			expSeg: kvm.Segment{
				Limit:    0xffffffff,
				Selector: 0x8,
				Typ:      0xB,
				Present:  0x1,
				DB:       0x1,
				S:        0x1,
				G:        0x1,
			},
		},
		{
			name:       "Data Segment Entry",
			flag:       0xc093,
			base:       0,
			limit:      0xffffffff,
			expEntry:   0xcf93000000ffff,
			tableIndex: 2,
			expSeg: kvm.Segment{
				Limit:    0xffffffff,
				Selector: 0x10,
				Typ:      0x3,
				Present:  0x1,
				DB:       0x1,
				S:        0x1,
				G:        0x1,
			},
		},
		{
			name:       "TSS Segment Entry",
			flag:       0x008b,
			base:       0,
			limit:      0x67,
			expEntry:   0x8b0000000067,
			tableIndex: 3,
			expSeg: kvm.Segment{
				Limit:    0x67,
				Selector: 0x18,
				Typ:      0xB,
				Present:  0x1,
			},
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if res := pvh.GdtEntry(tt.flag, tt.base, tt.limit); res != tt.expEntry {
				t.Fatalf("expected: %#x, actual: %#x", tt.expEntry, res)
			}

			if seg := pvh.SegmentFromGDT(tt.expEntry, tt.tableIndex); seg != tt.expSeg {
				t.Fatalf("expected: %+v, actual: %+v", tt.expSeg, seg)
			}

			if gdt := pvh.CreateGDT(); gdt[tt.tableIndex] != tt.expEntry {
				t.Fatalf("expected: %#x, actual: %#x", tt.expEntry, gdt[tt.tableIndex])
			}
		})
	}
}

type sliceMem []byte

func (m sliceMem) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(m) {
		return 0, errors.New("out of range")
	}

	return copy(m[off:], p), nil
}

const (
	testLoadAddr = 0x100000
	testPVHEntry = 0x100010
)

// buildKernel returns a minimal x86_64 ELF with one PT_LOAD segment and,
// when withNote is set, a XEN_ELFNOTE_PHYS32_ENTRY note.
func buildKernel(t *testing.T, withNote bool) []byte {
	t.Helper()

	const (
		ehdrSize = 64
		phdrSize = 56
	)

	note := new(bytes.Buffer)
	// An unrelated note first, to exercise the walk.
	for _, v := range []uint32{4, 4, 1} {
		_ = binary.Write(note, binary.LittleEndian, v)
	}

	note.WriteString("GNU\x00")
	_ = binary.Write(note, binary.LittleEndian, uint32(0))

	if withNote {
		for _, v := range []uint32{4, 4, 18} {
			_ = binary.Write(note, binary.LittleEndian, v)
		}

		note.WriteString("Xen\x00")
		_ = binary.Write(note, binary.LittleEndian, uint32(testPVHEntry))
	}

	code := []byte{0xf4, 0xf4, 0xf4, 0xf4}

	noteOff := uint64(ehdrSize + 2*phdrSize)
	codeOff := noteOff + uint64(note.Len())

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     testLoadAddr,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     2,
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	progs := []elf.Prog64{
		{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Off:    codeOff,
			Vaddr:  testLoadAddr,
			Paddr:  testLoadAddr,
			Filesz: uint64(len(code)),
			Memsz:  0x1000,
			Align:  0x1000,
		},
		{
			Type:   uint32(elf.PT_NOTE),
			Off:    noteOff,
			Filesz: uint64(note.Len()),
			Memsz:  uint64(note.Len()),
			Align:  4,
		},
	}

	out := new(bytes.Buffer)
	if err := binary.Write(out, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}

	if err := binary.Write(out, binary.LittleEndian, progs); err != nil {
		t.Fatal(err)
	}

	out.Write(note.Bytes())
	out.Write(code)

	return out.Bytes()
}

func testRAM() []resource.Range {
	return []resource.Range{resource.NewRange(0, 0x3fffff)}
}

func TestLoadPVH(t *testing.T) {
	t.Parallel()

	mem := make(sliceMem, 0x400000)
	initrd := bytes.Repeat([]byte{0x5a}, 0x100)

	bs, err := pvh.Load(mem, pvh.Image{
		Kernel:  bytes.NewReader(buildKernel(t, true)),
		Initrd:  initrd,
		Cmdline: "console=ttyS0",
		RAM:     testRAM(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if bs.Entry != testPVHEntry {
		t.Fatalf("expected: %#x, actual: %#x", testPVHEntry, bs.Entry)
	}

	if bs.StartInfo != pvh.StartInfoAddr {
		t.Fatalf("expected: %#x, actual: %#x", pvh.StartInfoAddr, bs.StartInfo)
	}

	if !bytes.Equal(mem[testLoadAddr:testLoadAddr+4], []byte{0xf4, 0xf4, 0xf4, 0xf4}) {
		t.Fatalf("kernel not loaded: %x", mem[testLoadAddr:testLoadAddr+4])
	}

	if !bytes.Equal(mem[pvh.BootGDTStart:pvh.BootGDTStart+32], bs.GDT.Bytes()) {
		t.Fatal("gdt not written")
	}

	if s := string(mem[pvh.CmdlineAddr : pvh.CmdlineAddr+14]); s != "console=ttyS0\x00" {
		t.Fatalf("unexpected cmdline %q", s)
	}

	var info pvh.StartInfo
	if err := binary.Read(bytes.NewReader(mem[pvh.StartInfoAddr:]), binary.LittleEndian, &info); err != nil {
		t.Fatal(err)
	}

	if info.Magic != 0x336ec578 || info.NrModules != 1 || info.MemMapEntries != 3 {
		t.Fatalf("unexpected start info %+v", info)
	}

	var mod pvh.ModListEntry
	if err := binary.Read(bytes.NewReader(mem[pvh.ModListAddr:]), binary.LittleEndian, &mod); err != nil {
		t.Fatal(err)
	}

	if mod.Addr != 0x200000 || mod.Size != uint64(len(initrd)) {
		t.Fatalf("unexpected module %+v", mod)
	}

	if mem[mod.Addr] != 0x5a {
		t.Fatal("initrd not loaded")
	}
}

func TestLoadWritesMPTables(t *testing.T) {
	t.Parallel()

	mem := make(sliceMem, 0x400000)

	if _, err := pvh.Load(mem, pvh.Image{
		Kernel: bytes.NewReader(buildKernel(t, true)),
		RAM:    testRAM(),
		VCPUs:  2,
	}); err != nil {
		t.Fatal(err)
	}

	if s := string(mem[pvh.EBDAStart : pvh.EBDAStart+4]); s != "_MP_" {
		t.Fatalf("expected: _MP_, actual: %q", s)
	}

	if s := string(mem[pvh.EBDAStart+16 : pvh.EBDAStart+20]); s != "PCMP" {
		t.Fatalf("expected: PCMP, actual: %q", s)
	}

	if _, err := pvh.Load(make(sliceMem, 0x400000), pvh.Image{
		Kernel: bytes.NewReader(buildKernel(t, true)),
		RAM:    testRAM(),
		VCPUs:  1000,
	}); err == nil {
		t.Fatal("expected an error for 1000 vcpus")
	}
}

func TestLoadFallsBackToELFEntry(t *testing.T) {
	t.Parallel()

	mem := make(sliceMem, 0x400000)

	bs, err := pvh.Load(mem, pvh.Image{
		Kernel: bytes.NewReader(buildKernel(t, false)),
		RAM:    testRAM(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if bs.Entry != testLoadAddr {
		t.Fatalf("expected: %#x, actual: %#x", testLoadAddr, bs.Entry)
	}
}

func TestLoadOutsideRAM(t *testing.T) {
	t.Parallel()

	mem := make(sliceMem, 0x400000)

	_, err := pvh.Load(mem, pvh.Image{
		Kernel: bytes.NewReader(buildKernel(t, true)),
		RAM:    []resource.Range{resource.NewRange(0, 0xfffff)},
	})
	if err == nil {
		t.Fatal("expected an error for a kernel outside RAM")
	}
}

func TestMemMap(t *testing.T) {
	t.Parallel()

	entries := pvh.MemMap([]resource.Range{
		resource.NewRange(0, 0xbfffffff),
		resource.NewRange(0x100000000, 0x13fffffff),
	})

	expected := []pvh.MemMapEntry{
		{Addr: 0, Size: pvh.EBDAStart, Type: pvh.E820Ram},
		{Addr: pvh.EBDAStart, Size: pvh.HighRAMStart - pvh.EBDAStart, Type: pvh.E820Reserved},
		{Addr: pvh.HighRAMStart, Size: 0xc0000000 - pvh.HighRAMStart, Type: pvh.E820Ram},
		{Addr: 0x100000000, Size: 0x40000000, Type: pvh.E820Ram},
	}

	if len(entries) != len(expected) {
		t.Fatalf("expected: %d entries, actual: %d", len(expected), len(entries))
	}

	for i := range expected {
		if entries[i] != expected[i] {
			t.Fatalf("entry %d: expected: %+v, actual: %+v", i, expected[i], entries[i])
		}
	}
}
