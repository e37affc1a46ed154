package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/kvmbox/kvmbox/kvm"
	"golang.org/x/sys/unix"
)

func openKVM(t *testing.T) *os.File {
	t.Helper()

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("/dev/kvm unavailable: %v", err)
	}

	t.Cleanup(func() { devKVM.Close() })

	return devKVM
}

func TestIoctlNumbers(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name     string
		actual   uintptr
		expected uintptr
	}{
		{"KVM_GET_API_VERSION", kvm.IIO(0x00), 0xae00},
		{"KVM_CREATE_VCPU", kvm.IIO(0x41), 0xae41},
		{"KVM_RUN", kvm.IIO(0x80), 0xae80},
		{"KVM_GET_REGS", kvm.IIOR(0x81, unsafe.Sizeof(kvm.Regs{})), 0x8090ae81},
		{"KVM_SET_REGS", kvm.IIOW(0x82, unsafe.Sizeof(kvm.Regs{})), 0x4090ae82},
		{"KVM_GET_SREGS", kvm.IIOR(0x83, unsafe.Sizeof(kvm.Sregs{})), 0x8138ae83},
		{"KVM_SET_SREGS", kvm.IIOW(0x84, unsafe.Sizeof(kvm.Sregs{})), 0x4138ae84},
		{"KVM_SET_USER_MEMORY_REGION", kvm.IIOW(0x46, unsafe.Sizeof(kvm.UserspaceMemoryRegion{})), 0x4020ae46},
		{"KVM_GET_SUPPORTED_CPUID", kvm.IIOWR(0x05, 8), 0xc008ae05},
	} {
		if tt.actual != tt.expected {
			t.Fatalf("%s: expected: %#x, actual: %#x", tt.name, tt.expected, tt.actual)
		}
	}
}

func TestRunDataIO(t *testing.T) {
	t.Parallel()

	var r kvm.RunData

	// out, size 1, port 0x3f8, count 1, data right after the header.
	r.Data[0] = kvm.EXITIOOUT | 1<<8 | 0x3f8<<16 | 1<<32
	r.Data[1] = uint64(unsafe.Offsetof(r.Data) + 16*8)
	r.Data[16] = 'x'

	direction, size, port, count, _ := r.IO()
	if direction != kvm.EXITIOOUT || size != 1 || port != 0x3f8 || count != 1 {
		t.Fatalf("unexpected decode %d %d %#x %d", direction, size, port, count)
	}

	if data := r.IOData(); len(data) != 1 || data[0] != 'x' {
		t.Fatalf("expected: x, actual: %q", data)
	}
}

func TestRunDataMMIO(t *testing.T) {
	t.Parallel()

	var r kvm.RunData

	r.Data[0] = 0xd0000010
	r.Data[1] = 0x04030201
	r.Data[2] = 4 | 1<<32

	addr, data, isWrite := r.MMIO()
	if addr != 0xd0000010 || !isWrite {
		t.Fatalf("unexpected decode %#x %v", addr, isWrite)
	}

	if len(data) != 4 || data[0] != 1 || data[3] != 4 {
		t.Fatalf("unexpected data %x", data)
	}

	data[0] = 0xff
	if r.Data[1]&0xff != 0xff {
		t.Fatal("mmio data does not alias the run page")
	}
}

func TestSetMemLogDirtyPages(t *testing.T) {
	t.Parallel()

	u := kvm.UserspaceMemoryRegion{}
	u.SetMemLogDirtyPages()
	u.SetMemReadonly()

	if u.Flags != 0x3 {
		t.Fatalf("expected: 0x3, actual: %#x", u.Flags)
	}
}

func TestExitTypeString(t *testing.T) {
	t.Parallel()

	if s := kvm.EXITMMIO.String(); s != "EXITMMIO" {
		t.Fatalf("expected: EXITMMIO, actual: %s", s)
	}

	if s := kvm.ExitType(99).String(); s != "ExitType(99)" {
		t.Fatalf("expected: ExitType(99), actual: %s", s)
	}
}

func TestGetAPIVersion(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	v, err := kvm.GetAPIVersion(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if v != kvm.APIVersion {
		t.Fatalf("expected: %d, actual: %d", kvm.APIVersion, v)
	}
}

func TestCreateVCPU(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(int(vmFd))

	if err := kvm.SetTSSAddr(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.IRQLine(vmFd, 4, 0); err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(int(vcpuFd))

	cpuid, err := kvm.GuestCPUID(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetCPUID2(vcpuFd, cpuid); err != nil {
		t.Fatal(err)
	}

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		t.Fatal(err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		t.Fatal(err)
	}
}

func TestCreateVCPUWithNoVmFd(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	if _, err := kvm.CreateVCPU(devKVM.Fd(), 0); err == nil {
		t.Fatal("expected an error creating a vcpu on the system fd")
	}
}

// mirror from https://lwn.net/Articles/658512/
func TestAddNum(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(int(vmFd))

	mem, err := unix.Mmap(-1, 0, 0x1000, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Munmap(mem)

	// mov $0x3f8, %dx; add %bl, %al; add $'0', %al; out %al, (%dx);
	// mov $'\n', %al; out %al, (%dx); hlt
	copy(mem, []byte{0xba, 0xf8, 0x03, 0x00, 0xd8, 0x04, '0', 0xee, 0xb0, '\n', 0xee, 0xf4})

	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		GuestPhysAddr: 0x1000,
		MemorySize:    0x1000,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(int(vcpuFd))

	mmapSize, err := kvm.GetVCPUMMmapSize(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	r, err := unix.Mmap(int(vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Munmap(r)

	run := (*kvm.RunData)(unsafe.Pointer(&r[0]))

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	sregs.CS.Base, sregs.CS.Selector = 0, 0
	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetRegs(vcpuFd, &kvm.Regs{RIP: 0x1000, RAX: 2, RBX: 2, RFLAGS: 0x2}); err != nil {
		t.Fatal(err)
	}

	var out []byte

	for {
		if err := kvm.Run(vcpuFd); err != nil && !kvm.IsInterrupted(err) {
			t.Fatal(err)
		}

		switch kvm.ExitType(run.ExitReason) {
		case kvm.EXITHLT:
			if string(out) != "4\n" {
				t.Fatalf("expected: %q, actual: %q", "4\n", out)
			}

			return
		case kvm.EXITIO:
			direction, _, port, _, _ := run.IO()
			if direction != kvm.EXITIOOUT || port != 0x3f8 {
				t.Fatalf("unexpected io exit on port %#x", port)
			}

			out = append(out, run.IOData()...)
		default:
			t.Fatalf("unexpected exit reason %s", kvm.ExitType(run.ExitReason))
		}
	}
}
