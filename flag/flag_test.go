package flag_test

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kvmbox/kvmbox/flag"
	"github.com/kvmbox/kvmbox/hypervisor"
	"github.com/kvmbox/kvmbox/memory"
	"github.com/kvmbox/kvmbox/vmm"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vm.yaml")
	if err := os.WriteFile(path, []byte(`
kernel: /boot/vmlinux
rootfs: /images/rootfs.img
vcpus: 2
max_vcpus: 4
memory_size: 512MiB
memory_backing: anon
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := flag.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.KernelPath != "/boot/vmlinux" || cfg.RootfsPath != "/images/rootfs.img" {
		t.Fatalf("unexpected paths %q %q", cfg.KernelPath, cfg.RootfsPath)
	}

	if cfg.NumVCPUs != 2 || cfg.MaxVCPUs != 4 {
		t.Fatalf("expected: 2/4 vcpus, actual: %d/%d", cfg.NumVCPUs, cfg.MaxVCPUs)
	}

	if cfg.MemorySize != 512<<20 {
		t.Fatalf("expected: %d, actual: %d", 512<<20, cfg.MemorySize)
	}

	if cfg.MemoryBacking != memory.Anon {
		t.Fatalf("expected: %v, actual: %v", memory.Anon, cfg.MemoryBacking)
	}

	// Keys missing from the file keep their defaults.
	if cfg.Backend != hypervisor.DefaultBackend || cfg.KernelParams != hypervisor.DefaultKernelParams {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vm.yaml")
	if err := os.WriteFile(path, []byte("kernel: /boot/vmlinux\ntap: tap0\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := flag.LoadConfig(path); err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestLoadConfigEmptyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vm.yaml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := flag.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg != hypervisor.Default() {
		t.Fatalf("expected defaults, actual: %+v", cfg)
	}
}

func TestWriteConfig(t *testing.T) {
	t.Parallel()

	cfg := hypervisor.Default()
	cfg.MemorySize = 1 << 30

	var buf bytes.Buffer
	if err := flag.WriteConfig(&buf, cfg); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, s := range []string{"backend: kvm", "memory_size: 1GiB", "memory_backing: shmem"} {
		if !strings.Contains(out, s) {
			t.Fatalf("expected %q in:\n%s", s, out)
		}
	}
}

func TestResolveOverlaysFlags(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vm.yaml")
	if err := os.WriteFile(path, []byte("kernel: /a\nrootfs: /b\nvcpus: 1\nmax_vcpus: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	f := flag.VMFlags{
		ConfigFile: path,
		Kernel:     "/c",
		NCPUs:      3,
		MemSize:    64 << 20,
		Backing:    "anon",
	}

	cfg, err := f.Resolve()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.KernelPath != "/c" || cfg.RootfsPath != "/b" {
		t.Fatalf("unexpected paths %q %q", cfg.KernelPath, cfg.RootfsPath)
	}

	if cfg.NumVCPUs != 3 || cfg.MaxVCPUs != 3 {
		t.Fatalf("expected: 3/3 vcpus, actual: %d/%d", cfg.NumVCPUs, cfg.MaxVCPUs)
	}

	if cfg.MemorySize != 64<<20 || cfg.MemoryBacking != memory.Anon {
		t.Fatalf("unexpected memory %s %s", cfg.MemorySize, cfg.MemoryBacking)
	}

	f.Backing = "tmpfs"
	if _, err := f.Resolve(); err == nil {
		t.Fatal("expected an error for an unknown backing")
	}
}

func TestForwardConsole(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in       string
		expected string
	}{
		{"ls\n", "ls\n"},
		{"ab\x01xcd", "ab\x01"},
		{"x\x01", "x\x01"},
	} {
		var got []byte

		if err := flag.ForwardConsole(strings.NewReader(tt.in), func(p []byte) {
			got = append(got, p...)
		}); err != nil {
			t.Fatal(err)
		}

		if string(got) != tt.expected {
			t.Fatalf("%q: expected: %q, actual: %q", tt.in, tt.expected, got)
		}
	}
}

// writeKernel writes an x86_64 ELF that loads a few hlt instructions at
// 1MiB.
func writeKernel(t *testing.T, dir string) string {
	t.Helper()

	const (
		loadAddr = 0x100000
		ehdrSize = 64
		phdrSize = 56
	)

	code := []byte{0xf4, 0xf4, 0xf4, 0xf4}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     loadAddr,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     1,
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    ehdrSize + phdrSize,
		Vaddr:  loadAddr,
		Paddr:  loadAddr,
		Filesz: uint64(len(code)),
		Memsz:  0x1000,
		Align:  0x1000,
	}

	out := new(bytes.Buffer)
	if err := binary.Write(out, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}

	if err := binary.Write(out, binary.LittleEndian, prog); err != nil {
		t.Fatal(err)
	}

	out.Write(code)

	path := filepath.Join(dir, "vmlinux")
	if err := os.WriteFile(path, out.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func writeDisk(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, 64*1024), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

// bootUntilRunning boots v and interrupts it once it is running.
func bootUntilRunning(t *testing.T, b *flag.BootCMD, v *vmm.VMM) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for v.State() != hypervisor.Running {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}

		cancel()
	}()

	if err := b.BootVM(ctx, v, nil); err != nil {
		t.Fatal(err)
	}

	if s := v.State(); s != hypervisor.Stopped {
		t.Fatalf("expected: %v, actual: %v", hypervisor.Stopped, s)
	}

	for k, n := range v.ResourceUsage() {
		if n != 0 {
			t.Fatalf("%v still has %d allocations", k, n)
		}
	}
}

func TestBootSnapshotRestore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	snap := filepath.Join(dir, "vm.snap")

	b := &flag.BootCMD{
		VMFlags: flag.VMFlags{
			Backend: vmm.BackendMock,
			Kernel:  writeKernel(t, dir),
			Rootfs:  writeDisk(t, dir, "rootfs.img"),
			MemSize: hypervisor.MinMemorySize,
		},
		Disks:        []string{writeDisk(t, dir, "data.img")},
		Snapshot:     snap,
		StartTimeout: 5 * time.Second,
	}

	cfg, err := b.Resolve()
	if err != nil {
		t.Fatal(err)
	}

	bootUntilRunning(t, b, vmm.NewMock(cfg))

	if fi, err := os.Stat(snap); err != nil || fi.Size() == 0 {
		t.Fatalf("snapshot not written: %v", err)
	}

	r := &flag.BootCMD{
		VMFlags:      b.VMFlags,
		Restore:      snap,
		StartTimeout: 5 * time.Second,
	}

	bootUntilRunning(t, r, vmm.NewMock(cfg))
}
