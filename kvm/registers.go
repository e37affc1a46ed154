package kvm

import "unsafe"

// Regs is struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment is struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is struct kvm_dtable, the base and limit of a GDT or IDT.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs is struct kvm_sregs: segments, descriptor tables and control
// registers.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

func getStruct[T any](vcpuFd, nr uintptr) (*T, error) {
	v := new(T)
	_, err := Ioctl(vcpuFd, IIOR(nr, unsafe.Sizeof(*v)), uintptr(unsafe.Pointer(v)))

	return v, err
}

func setStruct[T any](vcpuFd, nr uintptr, v *T) error {
	_, err := Ioctl(vcpuFd, IIOW(nr, unsafe.Sizeof(*v)), uintptr(unsafe.Pointer(v)))

	return err
}

func GetRegs(vcpuFd uintptr) (*Regs, error) { return getStruct[Regs](vcpuFd, kvmGetRegs) }

func SetRegs(vcpuFd uintptr, regs *Regs) error { return setStruct(vcpuFd, kvmSetRegs, regs) }

func GetSregs(vcpuFd uintptr) (*Sregs, error) { return getStruct[Sregs](vcpuFd, kvmGetSregs) }

func SetSregs(vcpuFd uintptr, sregs *Sregs) error { return setStruct(vcpuFd, kvmSetSregs, sregs) }
